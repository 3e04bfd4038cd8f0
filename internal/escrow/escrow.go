// Package escrow implements the staged job-payment engine: the persisted
// ledger of deposit / pre-start / completion installments, the processor that
// runs charges and refunds against the payment gateway, the webhook
// reconciliation path and the contractor payout dispatcher.
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
)

// RepositoryAPI is the persistence contract for the job payment ledger.
// Mutations go through UpdateWithVersion, a compare-and-swap keyed on the
// row version: the update applies only if the row still carries the expected
// version, so two concurrent mutations of the same row cannot both succeed.
type RepositoryAPI interface {
	Create(jp *escrowmodel.JobPayment) error
	GetByID(id int64) (*escrowmodel.JobPayment, error)
	GetByJobID(jobID string) (*escrowmodel.JobPayment, error)
	// FindByStageReference resolves a gateway reference to the ledger row and
	// stage it belongs to. Returns ErrLedgerNotFound for references that do
	// not belong to any job payment.
	FindByStageReference(reference string) (*escrowmodel.JobPayment, escrowmodel.Stage, error)
	// UpdateWithVersion persists the mutable columns of jp iff the stored
	// version equals expectedVersion, bumping the version by one. A non-nil
	// refund is inserted in the same transaction. Returns ErrConcurrentUpdate
	// when the version check fails.
	UpdateWithVersion(jp *escrowmodel.JobPayment, expectedVersion int64, refund *escrowmodel.Refund) error
	RecordReference(ref *escrowmodel.GatewayReference) error
	GetReference(reference string) (*escrowmodel.GatewayReference, error)
	UpdateReferenceOutcome(reference, outcome string) error
	AttachGatewayID(reference, gatewayID string) error
}

// GatewayAPI is the capability contract required of the external payment
// processor. Calls may block for the full request timeout and are never made
// while a ledger row is being mutated.
type GatewayAPI interface {
	CreateIntent(ctx context.Context, req *gatewaymodel.ChargeIntentRequest) (*gatewaymodel.ChargeIntentResponse, error)
	Refund(ctx context.Context, req *gatewaymodel.RefundRequest) (*gatewaymodel.RefundResponse, error)
	Payout(ctx context.Context, req *gatewaymodel.PayoutRequest) (*gatewaymodel.PayoutResponse, error)
}

// EventVerifier authenticates a raw webhook payload against its signature
// header and decodes the carried event.
type EventVerifier interface {
	VerifyAndDecode(payload []byte, signatureHeader string) (*gatewaymodel.Event, error)
}

// PayeeLookup resolves a contractor's payout account. Owned by the partner
// service; consumed here as plain data.
type PayeeLookup interface {
	PayeeAccount(contractorID string) (PayeeAccount, error)
}

type PayeeAccount struct {
	Payable          bool
	PayoutAccountRef string
}

// MembershipLookup supplies the platform fee percentage for a customer's
// membership tier at ledger-creation time. The percentage is frozen on the
// row thereafter.
type MembershipLookup interface {
	PlatformFeePercent(customerID string) (decimal.Decimal, error)
}

// Policy is the payment split and clawback configuration the engine runs
// with. It comes from config, never from constants in the engine.
type Policy struct {
	StagePercentages         []decimal.Decimal
	PlatformClawbackPercent  decimal.Decimal
	ProcessorClawbackPercent decimal.Decimal
}

// CreateLedgerInput is the bid-acceptance data a caller supplies to open a
// job payment.
type CreateLedgerInput struct {
	JobID        string
	BidID        string
	CustomerID   string
	ContractorID string
	BidAmount    int64
}

// ChargeOutcome is what a synchronous charge attempt hands back to the
// caller. Pending covers both the normal async settlement path and a gateway
// timeout, where the outcome is unknown and reconciliation resolves it.
type ChargeOutcome struct {
	Reference string
	Pending   bool
	PaidAt    *time.Time
}
