package escrow

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	errors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
)

// PayoutDispatcher transfers the contractor's share once the completion
// stage settles. Payout is not time-critical: failures surface to operators
// and are never retried automatically.
type PayoutDispatcher struct {
	ledger  *LedgerService
	gateway GatewayAPI
	payees  PayeeLookup
	logger  *slog.Logger
}

func NewPayoutDispatcher(ledger *LedgerService, gateway GatewayAPI, payees PayeeLookup, logger *slog.Logger) *PayoutDispatcher {
	return &PayoutDispatcher{
		ledger:  ledger,
		gateway: gateway,
		payees:  payees,
		logger:  logger,
	}
}

// Dispatch pays the contractor total minus the platform fee minus everything
// already refunded. Idempotent: a row with a payout reference recorded is
// left alone.
func (d *PayoutDispatcher) Dispatch(ctx context.Context, jobPaymentID int64) (*escrowmodel.JobPayment, error) {
	jp, err := d.ledger.GetByID(jobPaymentID)
	if err != nil {
		return nil, err
	}

	if jp.JobStatus != escrowmodel.JobStatusCompleted {
		return nil, errors.NewConflictError(
			fmt.Sprintf("payout requires a completed job, status is %s", jp.JobStatus),
			errors.ErrCodeStageNotPending)
	}

	if jp.PayoutReference != "" {
		d.logger.Info("payout already dispatched",
			"job_payment_id", jp.ID,
			"payout_reference", jp.PayoutReference)
		return jp, nil
	}

	account, err := d.payees.PayeeAccount(jp.ContractorID)
	if err != nil {
		d.logger.Error("payee lookup failed", "error", err, "contractor_id", jp.ContractorID)
		return nil, fmt.Errorf("payee lookup failed: %w", err)
	}
	if !account.Payable {
		d.logger.Error("contractor not payable, operator intervention required",
			"job_payment_id", jp.ID,
			"contractor_id", jp.ContractorID)
		return nil, errors.ErrContractorNotPayable
	}

	amount := jp.TotalAmount - jp.PlatformFeeAmount - jp.RefundedGrandTotal()
	if amount <= 0 {
		d.logger.Warn("nothing left to pay out",
			"job_payment_id", jp.ID,
			"total", jp.TotalAmount,
			"platform_fee", jp.PlatformFeeAmount,
			"refunded", jp.RefundedGrandTotal())
		return jp, nil
	}

	d.logger.Info("dispatching contractor payout",
		"job_payment_id", jp.ID,
		"contractor_id", jp.ContractorID,
		"amount", amount)

	resp, err := d.gateway.Payout(ctx, &gatewaymodel.PayoutRequest{
		PayeeAccountRef: account.PayoutAccountRef,
		Amount:          amount,
		Description:     fmt.Sprintf("payout for job %s", jp.JobID),
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrGatewayTimeout) {
			return nil, errors.ErrGatewayTimeout
		}
		return nil, errors.ErrGatewayRejected.WithCause(err)
	}

	jp, err = d.ledger.SetPayoutReference(jp.ID, resp.Reference)
	if err != nil {
		return nil, err
	}

	d.logger.Info("payout dispatched",
		"job_payment_id", jp.ID,
		"contractor_id", jp.ContractorID,
		"amount", amount,
		"payout_reference", resp.Reference)

	return jp, nil
}
