package escrow

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	errors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
	"github.com/renolink/escrow/internal/core/money"
)

// StageProcessor orchestrates one stage's charge or refund against the
// gateway. The ledger mutation and the gateway call are separate steps: the
// in-flight marker is taken first under the row's compare-and-swap, the
// gateway is called with no lock held, and the result is committed through
// the idempotent ledger operations.
type StageProcessor struct {
	ledger      *LedgerService
	gateway     GatewayAPI
	membership  MembershipLookup
	callbackURL string
	logger      *slog.Logger
}

func NewStageProcessor(ledger *LedgerService, gateway GatewayAPI, membership MembershipLookup, callbackURL string, logger *slog.Logger) *StageProcessor {
	return &StageProcessor{
		ledger:      ledger,
		gateway:     gateway,
		membership:  membership,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// CreateLedger opens a job payment from an accepted bid, pulling the platform
// fee percentage from the customer's membership tier.
func (p *StageProcessor) CreateLedger(input CreateLedgerInput) (*escrowmodel.JobPayment, error) {
	feePercent, err := p.membership.PlatformFeePercent(input.CustomerID)
	if err != nil {
		p.logger.Error("membership lookup failed", "error", err, "customer_id", input.CustomerID)
		return nil, fmt.Errorf("membership lookup failed: %w", err)
	}

	return p.ledger.Create(input, feePercent)
}

// ChargeStage starts a charge attempt for one stage and returns the
// reference the client completes the payment against. A gateway rejection
// rolls the allocation back so nothing dangles in flight; a gateway timeout
// keeps the marker and reports a pending outcome, leaving settlement to the
// reconciliation path.
func (p *StageProcessor) ChargeStage(ctx context.Context, jobPaymentID int64, stage escrowmodel.Stage) (*ChargeOutcome, error) {
	jp, reference, err := p.ledger.BeginStageCharge(jobPaymentID, stage)
	if err != nil {
		return nil, err
	}

	st := jp.Stage(stage)

	p.logger.Info("requesting charge intent",
		"job_payment_id", jp.ID,
		"stage", stage,
		"reference", reference,
		"amount", st.Amount)

	resp, err := p.gateway.CreateIntent(ctx, &gatewaymodel.ChargeIntentRequest{
		ExternalID:  reference,
		Amount:      st.Amount,
		Currency:    "USD",
		Description: fmt.Sprintf("job %s %s installment", jp.JobID, stage),
		CallbackURL: p.callbackURL,
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrGatewayTimeout) {
			// Outcome unknown: the intent may exist on the gateway side, so
			// the in-flight marker stays and the callback path resolves it.
			p.logger.Warn("charge intent timed out, deferring to reconciliation",
				"job_payment_id", jp.ID,
				"stage", stage,
				"reference", reference)
			return &ChargeOutcome{Reference: reference, Pending: true}, nil
		}

		p.logger.Error("charge intent rejected",
			"error", err,
			"job_payment_id", jp.ID,
			"stage", stage,
			"reference", reference)

		if rbErr := p.ledger.RollbackStageCharge(jp.ID, stage, reference); rbErr != nil {
			p.logger.Error("failed to roll back charge allocation",
				"error", rbErr,
				"job_payment_id", jp.ID,
				"stage", stage,
				"reference", reference)
		}

		return nil, errors.ErrGatewayRejected.WithCause(err)
	}

	p.ledger.NoteChargeSubmitted(reference, resp.Reference)

	p.logger.Info("charge intent created",
		"job_payment_id", jp.ID,
		"stage", stage,
		"reference", reference,
		"gateway_id", resp.Reference)

	return &ChargeOutcome{Reference: reference, Pending: true}, nil
}

// RefundStage returns money for a paid stage. The gateway is asked for the
// gross amount; the platform and processor clawback fees are bookkeeping on
// the refund record, computed from the percentages frozen on the row at
// creation time, never a second money movement.
func (p *StageProcessor) RefundStage(ctx context.Context, jobPaymentID int64, stage escrowmodel.Stage, amount int64, reason string) (*escrowmodel.JobPayment, error) {
	if amount <= 0 {
		return nil, errors.ErrInvalidAmount.WithDetails("refund amount must be positive")
	}

	jp, err := p.ledger.GetByID(jobPaymentID)
	if err != nil {
		return nil, err
	}

	st := jp.Stage(stage)
	if st.Status != escrowmodel.StageStatusPaid {
		return nil, errors.ErrStageNotPending.WithDetails(
			fmt.Sprintf("stage %s is %s, refunds require a paid stage", stage, st.Status))
	}
	if jp.RefundedTotal(stage)+amount > st.Amount {
		return nil, errors.ErrRefundExceedsPaid
	}

	platformFee, err := money.PercentageOf(amount, jp.PlatformClawbackPercent)
	if err != nil {
		return nil, err
	}
	processorFee, err := money.PercentageOf(amount, jp.ProcessorClawbackPercent)
	if err != nil {
		return nil, err
	}

	refundReference, err := p.ledger.AllocateRefundReference(jp.ID, stage)
	if err != nil {
		return nil, err
	}

	p.logger.Info("requesting gateway refund",
		"job_payment_id", jp.ID,
		"stage", stage,
		"refund_reference", refundReference,
		"gross_amount", amount,
		"net_payable", amount-platformFee-processorFee,
		"platform_clawback", platformFee,
		"processor_clawback", processorFee)

	_, err = p.gateway.Refund(ctx, &gatewaymodel.RefundRequest{
		ExternalID:      refundReference,
		ChargeReference: st.Reference,
		Amount:          amount,
		Reason:          reason,
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrGatewayTimeout) {
			// The refund may still land; the audit row lets the callback
			// path record it when the gateway confirms.
			p.logger.Warn("gateway refund timed out, deferring to reconciliation",
				"job_payment_id", jp.ID,
				"stage", stage,
				"refund_reference", refundReference)
			return nil, errors.ErrGatewayTimeout
		}
		p.logger.Error("gateway refund rejected",
			"error", err,
			"job_payment_id", jp.ID,
			"stage", stage,
			"refund_reference", refundReference)
		return nil, errors.ErrGatewayRejected.WithCause(err)
	}

	return p.ledger.RecordRefund(jp.ID, stage, amount, reason, refundReference, platformFee, processorFee)
}
