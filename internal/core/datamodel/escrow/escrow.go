package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage identifies one installment of a job's total price.
type Stage string

const (
	StageDeposit    Stage = "deposit"
	StagePreStart   Stage = "pre_start"
	StageCompletion Stage = "completion"
)

// Stages are the installments in charge order.
var Stages = []Stage{StageDeposit, StagePreStart, StageCompletion}

func ParseStage(s string) (Stage, bool) {
	switch Stage(s) {
	case StageDeposit, StagePreStart, StageCompletion:
		return Stage(s), true
	}
	return "", false
}

// StageStatus is the per-stage settlement state. A stage only ever moves
// pending → paid, pending → failed, or paid → refunded. A failed stage may
// re-enter pending through a fresh charge attempt with a new reference.
type StageStatus string

const (
	StageStatusPending  StageStatus = "pending"
	StageStatusPaid     StageStatus = "paid"
	StageStatusFailed   StageStatus = "failed"
	StageStatusRefunded StageStatus = "refunded"
)

// JobStatus is derived from the three stage statuses and never set directly.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusDepositPaid  JobStatus = "deposit_paid"
	JobStatusPreStartPaid JobStatus = "prestart_paid"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// JobPayment is the permanent financial record for one accepted bid: three
// stage sub-records, the frozen fee policy, the refund log and the payout
// reference. Rows are never deleted.
type JobPayment struct {
	ID           int64  `gorm:"primaryKey"`
	JobID        string `gorm:"column:job_id;not null;uniqueIndex"`
	BidID        string `gorm:"column:bid_id;not null"`
	CustomerID   string `gorm:"column:customer_id;not null"`
	ContractorID string `gorm:"column:contractor_id;not null"`

	TotalAmount int64 `gorm:"column:total_amount;not null"`

	// Fee policy frozen at creation time so later policy changes never
	// drift a payment already in flight.
	PlatformFeePercent       decimal.Decimal `gorm:"column:platform_fee_percent;type:numeric(8,4);not null"`
	PlatformFeeAmount        int64           `gorm:"column:platform_fee_amount;not null"`
	PlatformClawbackPercent  decimal.Decimal `gorm:"column:platform_clawback_percent;type:numeric(8,4);not null"`
	ProcessorClawbackPercent decimal.Decimal `gorm:"column:processor_clawback_percent;type:numeric(8,4);not null"`

	DepositAmount        int64       `gorm:"column:deposit_amount;not null"`
	DepositStatus        StageStatus `gorm:"column:deposit_status;default:pending"`
	DepositReference     string      `gorm:"column:deposit_reference"`
	DepositPaidAt        *time.Time  `gorm:"column:deposit_paid_at"`
	DepositFailureReason string      `gorm:"column:deposit_failure_reason"`

	PreStartAmount        int64       `gorm:"column:pre_start_amount;not null"`
	PreStartStatus        StageStatus `gorm:"column:pre_start_status;default:pending"`
	PreStartReference     string      `gorm:"column:pre_start_reference"`
	PreStartPaidAt        *time.Time  `gorm:"column:pre_start_paid_at"`
	PreStartFailureReason string      `gorm:"column:pre_start_failure_reason"`

	CompletionAmount        int64       `gorm:"column:completion_amount;not null"`
	CompletionStatus        StageStatus `gorm:"column:completion_status;default:pending"`
	CompletionReference     string      `gorm:"column:completion_reference"`
	CompletionPaidAt        *time.Time  `gorm:"column:completion_paid_at"`
	CompletionFailureReason string      `gorm:"column:completion_failure_reason"`

	PayoutReference string    `gorm:"column:payout_reference"`
	JobStatus       JobStatus `gorm:"column:job_status;default:pending"`

	// Version backs the compare-and-swap on every mutation: two concurrent
	// updates of the same row cannot both succeed.
	Version int64 `gorm:"column:version;not null;default:1"`

	Refunds []Refund `gorm:"foreignKey:JobPaymentID"`

	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;default:now()"`
}

func (JobPayment) TableName() string {
	return "job_payments"
}

// Refund is one append-only entry in a job payment's refund log. Amount is
// the gross amount returned through the gateway; the clawback fee columns are
// bookkeeping only, not separate money movements.
type Refund struct {
	ID                       int64     `gorm:"primaryKey"`
	JobPaymentID             int64     `gorm:"column:job_payment_id;not null;index"`
	Stage                    Stage     `gorm:"column:stage;not null"`
	Amount                   int64     `gorm:"column:amount;not null"`
	Reason                   string    `gorm:"column:reason"`
	ProcessorRefundReference string    `gorm:"column:processor_refund_reference;not null"`
	PlatformClawbackFee      int64     `gorm:"column:platform_clawback_fee;not null"`
	ProcessorClawbackFee     int64     `gorm:"column:processor_clawback_fee;not null"`
	ProcessedAt              time.Time `gorm:"column:processed_at"`
}

func (Refund) TableName() string {
	return "job_payment_refunds"
}

// ReferenceKind classifies an entry in the gateway reference audit log.
type ReferenceKind string

const (
	ReferenceKindCharge ReferenceKind = "charge"
	ReferenceKindRefund ReferenceKind = "refund"
	ReferenceKindPayout ReferenceKind = "payout"
)

// GatewayReference records every processor reference ever issued, including
// failed attempts, for forensic reconciliation.
type GatewayReference struct {
	ID           int64         `gorm:"primaryKey"`
	JobPaymentID int64         `gorm:"column:job_payment_id;not null;index"`
	Stage        Stage         `gorm:"column:stage"`
	Kind         ReferenceKind `gorm:"column:kind;not null"`
	Reference    string        `gorm:"column:reference;not null;index"`
	GatewayID    string        `gorm:"column:gateway_id"`
	Outcome      string        `gorm:"column:outcome;default:issued"`
	CreatedAt    time.Time     `gorm:"column:created_at;default:now()"`
}

func (GatewayReference) TableName() string {
	return "gateway_references"
}

// StageState is a read/write view over one stage's flattened columns.
type StageState struct {
	Amount        int64
	Status        StageStatus
	Reference     string
	PaidAt        *time.Time
	FailureReason string
}

func (jp *JobPayment) Stage(s Stage) StageState {
	switch s {
	case StageDeposit:
		return StageState{jp.DepositAmount, jp.DepositStatus, jp.DepositReference, jp.DepositPaidAt, jp.DepositFailureReason}
	case StagePreStart:
		return StageState{jp.PreStartAmount, jp.PreStartStatus, jp.PreStartReference, jp.PreStartPaidAt, jp.PreStartFailureReason}
	case StageCompletion:
		return StageState{jp.CompletionAmount, jp.CompletionStatus, jp.CompletionReference, jp.CompletionPaidAt, jp.CompletionFailureReason}
	}
	return StageState{}
}

func (jp *JobPayment) SetStage(s Stage, st StageState) {
	switch s {
	case StageDeposit:
		jp.DepositAmount, jp.DepositStatus, jp.DepositReference, jp.DepositPaidAt, jp.DepositFailureReason = st.Amount, st.Status, st.Reference, st.PaidAt, st.FailureReason
	case StagePreStart:
		jp.PreStartAmount, jp.PreStartStatus, jp.PreStartReference, jp.PreStartPaidAt, jp.PreStartFailureReason = st.Amount, st.Status, st.Reference, st.PaidAt, st.FailureReason
	case StageCompletion:
		jp.CompletionAmount, jp.CompletionStatus, jp.CompletionReference, jp.CompletionPaidAt, jp.CompletionFailureReason = st.Amount, st.Status, st.Reference, st.PaidAt, st.FailureReason
	}
	jp.JobStatus = DeriveJobStatus(jp.DepositStatus, jp.PreStartStatus, jp.CompletionStatus)
}

// RefundedTotal sums the refund log for one stage. Requires Refunds to be
// loaded on the aggregate.
func (jp *JobPayment) RefundedTotal(s Stage) int64 {
	var total int64
	for _, r := range jp.Refunds {
		if r.Stage == s {
			total += r.Amount
		}
	}
	return total
}

// RefundedGrandTotal sums the refund log across all stages.
func (jp *JobPayment) RefundedGrandTotal() int64 {
	var total int64
	for _, r := range jp.Refunds {
		total += r.Amount
	}
	return total
}

// InFlight reports whether the stage has an outstanding charge attempt whose
// outcome is still unknown.
func (st StageState) InFlight() bool {
	return st.Status == StageStatusPending && st.Reference != ""
}

func settled(s StageStatus) bool {
	return s == StageStatusPaid || s == StageStatusRefunded
}

// DeriveJobStatus computes the aggregate status purely from the three stage
// statuses. A refunded stage with no later stage paid cancels the job;
// otherwise the job advances as far as its earliest unsettled stage allows.
func DeriveJobStatus(deposit, preStart, completion StageStatus) JobStatus {
	switch {
	case deposit == StageStatusRefunded && preStart != StageStatusPaid && completion != StageStatusPaid:
		return JobStatusCancelled
	case preStart == StageStatusRefunded && completion != StageStatusPaid:
		return JobStatusCancelled
	case completion == StageStatusRefunded:
		return JobStatusCancelled
	}

	if !settled(deposit) {
		return JobStatusPending
	}
	if !settled(preStart) {
		return JobStatusDepositPaid
	}
	if !settled(completion) {
		return JobStatusPreStartPaid
	}
	return JobStatusCompleted
}
