package escrow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	"github.com/renolink/escrow/internal/core/money"
)

// casRetries bounds the optimistic-concurrency retry loop. A conflict means
// another writer won the version race; re-reading and re-evaluating converges
// in one or two rounds in practice.
const casRetries = 3

// LedgerService owns every mutation of the job payment ledger. All state
// transitions happen here, under the repository's compare-and-swap, and all
// mark* operations are idempotent under at-least-once callback delivery.
type LedgerService struct {
	repo   RepositoryAPI
	policy Policy
	logger *slog.Logger
}

func NewLedgerService(repo RepositoryAPI, policy Policy, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		repo:   repo,
		policy: policy,
		logger: logger,
	}
}

// Create opens the ledger row for an accepted bid: apportions the bid amount
// across the three stages per policy and freezes the fee percentages.
func (s *LedgerService) Create(input CreateLedgerInput, platformFeePercent decimal.Decimal) (*escrowmodel.JobPayment, error) {
	if input.BidAmount <= 0 {
		return nil, errors.ErrInvalidAmount.WithDetails("bid amount must be positive")
	}

	if _, err := s.repo.GetByJobID(input.JobID); err == nil {
		return nil, errors.ErrLedgerExists
	} else if appErr, ok := errors.IsAppError(err); !ok || appErr.Code != errors.ErrCodeLedgerNotFound {
		return nil, err
	}

	shares, err := money.Apportion(input.BidAmount, s.policy.StagePercentages)
	if err != nil {
		return nil, err
	}

	feeAmount, err := money.PercentageOf(input.BidAmount, platformFeePercent)
	if err != nil {
		return nil, err
	}

	jp := &escrowmodel.JobPayment{
		JobID:        input.JobID,
		BidID:        input.BidID,
		CustomerID:   input.CustomerID,
		ContractorID: input.ContractorID,
		TotalAmount:  input.BidAmount,

		PlatformFeePercent:       platformFeePercent,
		PlatformFeeAmount:        feeAmount,
		PlatformClawbackPercent:  s.policy.PlatformClawbackPercent,
		ProcessorClawbackPercent: s.policy.ProcessorClawbackPercent,

		DepositAmount:    shares[0],
		DepositStatus:    escrowmodel.StageStatusPending,
		PreStartAmount:   shares[1],
		PreStartStatus:   escrowmodel.StageStatusPending,
		CompletionAmount: shares[2],
		CompletionStatus: escrowmodel.StageStatusPending,

		JobStatus: escrowmodel.JobStatusPending,
		Version:   1,
	}

	if err := s.repo.Create(jp); err != nil {
		s.logger.Error("failed to create job payment", "error", err, "job_id", input.JobID)
		return nil, fmt.Errorf("failed to create job payment: %w", err)
	}

	s.logger.Info("job payment created",
		"job_payment_id", jp.ID,
		"job_id", jp.JobID,
		"total_amount", jp.TotalAmount,
		"deposit", jp.DepositAmount,
		"pre_start", jp.PreStartAmount,
		"completion", jp.CompletionAmount,
		"platform_fee", jp.PlatformFeeAmount)

	return jp, nil
}

func (s *LedgerService) GetByJobID(jobID string) (*escrowmodel.JobPayment, error) {
	return s.repo.GetByJobID(jobID)
}

func (s *LedgerService) GetByID(id int64) (*escrowmodel.JobPayment, error) {
	return s.repo.GetByID(id)
}

// BeginStageCharge atomically allocates a fresh processor reference for the
// stage. Exactly one of any number of concurrent callers wins; the rest see
// StageAlreadyInFlight. A failed stage re-enters pending here with a brand
// new reference.
func (s *LedgerService) BeginStageCharge(jobPaymentID int64, stage escrowmodel.Stage) (*escrowmodel.JobPayment, string, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		jp, err := s.repo.GetByID(jobPaymentID)
		if err != nil {
			return nil, "", err
		}

		st := jp.Stage(stage)
		switch {
		case st.InFlight():
			return nil, "", errors.ErrStageAlreadyInFlight
		case st.Status == escrowmodel.StageStatusPaid,
			st.Status == escrowmodel.StageStatusRefunded:
			return nil, "", errors.ErrStageNotPending
		}

		reference := "chg_" + uuid.NewString()
		st.Status = escrowmodel.StageStatusPending
		st.Reference = reference
		st.FailureReason = ""
		jp.SetStage(stage, st)

		if err := s.repo.UpdateWithVersion(jp, jp.Version, nil); err != nil {
			if appErr, ok := errors.IsAppError(err); ok && appErr.Code == errors.ErrCodeConcurrentUpdate {
				lastErr = err
				continue
			}
			return nil, "", err
		}

		audit := &escrowmodel.GatewayReference{
			JobPaymentID: jp.ID,
			Stage:        stage,
			Kind:         escrowmodel.ReferenceKindCharge,
			Reference:    reference,
		}
		if err := s.repo.RecordReference(audit); err != nil {
			s.logger.Error("failed to record charge reference audit", "error", err, "reference", reference)
		}

		s.logger.Info("stage charge allocated",
			"job_payment_id", jp.ID,
			"stage", stage,
			"reference", reference,
			"amount", st.Amount)

		return jp, reference, nil
	}

	return nil, "", lastErr
}

// RollbackStageCharge releases the in-flight marker after a gateway request
// was definitively rejected, so the caller can retry with a new attempt. The
// reference stays in the audit log.
func (s *LedgerService) RollbackStageCharge(jobPaymentID int64, stage escrowmodel.Stage, reference string) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		jp, err := s.repo.GetByID(jobPaymentID)
		if err != nil {
			return err
		}

		st := jp.Stage(stage)
		if st.Reference != reference || st.Status != escrowmodel.StageStatusPending {
			// Already resolved by a callback or a later attempt.
			return nil
		}

		st.Reference = ""
		jp.SetStage(stage, st)

		if err := s.repo.UpdateWithVersion(jp, jp.Version, nil); err != nil {
			if appErr, ok := errors.IsAppError(err); ok && appErr.Code == errors.ErrCodeConcurrentUpdate {
				lastErr = err
				continue
			}
			return err
		}

		if err := s.repo.UpdateReferenceOutcome(reference, "rejected"); err != nil {
			s.logger.Error("failed to update reference audit", "error", err, "reference", reference)
		}

		s.logger.Info("stage charge rolled back",
			"job_payment_id", jp.ID,
			"stage", stage,
			"reference", reference)

		return nil
	}
	return lastErr
}

// MarkStagePaid settles a stage. Idempotent: a replay with the reference
// already recorded as paid is a no-op. A different reference on a paid stage
// is a processor-side anomaly and fails with ReferenceMismatch, leaving the
// row untouched.
func (s *LedgerService) MarkStagePaid(jobPaymentID int64, stage escrowmodel.Stage, reference string, paidAt time.Time) (*escrowmodel.JobPayment, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		jp, err := s.repo.GetByID(jobPaymentID)
		if err != nil {
			return nil, err
		}

		st := jp.Stage(stage)
		switch st.Status {
		case escrowmodel.StageStatusPaid, escrowmodel.StageStatusRefunded:
			if st.Reference == reference {
				return jp, nil
			}
			return nil, errors.ErrReferenceMismatch

		case escrowmodel.StageStatusFailed:
			// The attempt was already marked failed locally. A late success
			// notification is an anomaly we surface through logs and the
			// audit trail rather than by reversing a terminal attempt.
			s.logger.Warn("paid notification for failed charge attempt ignored",
				"job_payment_id", jp.ID,
				"stage", stage,
				"reference", reference)
			return jp, nil
		}

		if st.Reference != reference {
			return nil, errors.ErrReferenceMismatch
		}

		st.Status = escrowmodel.StageStatusPaid
		st.PaidAt = &paidAt
		st.FailureReason = ""
		jp.SetStage(stage, st)

		if err := s.repo.UpdateWithVersion(jp, jp.Version, nil); err != nil {
			if appErr, ok := errors.IsAppError(err); ok && appErr.Code == errors.ErrCodeConcurrentUpdate {
				lastErr = err
				continue
			}
			return nil, err
		}

		if err := s.repo.UpdateReferenceOutcome(reference, "succeeded"); err != nil {
			s.logger.Error("failed to update reference audit", "error", err, "reference", reference)
		}

		s.logger.Info("stage marked paid",
			"job_payment_id", jp.ID,
			"stage", stage,
			"reference", reference,
			"job_status", jp.JobStatus)

		return jp, nil
	}
	return nil, lastErr
}

// MarkStageFailed records a failed charge attempt. Idempotent under the same
// reference; a no-op when the stage already settled as paid.
func (s *LedgerService) MarkStageFailed(jobPaymentID int64, stage escrowmodel.Stage, reference, reason string) (*escrowmodel.JobPayment, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		jp, err := s.repo.GetByID(jobPaymentID)
		if err != nil {
			return nil, err
		}

		st := jp.Stage(stage)
		switch st.Status {
		case escrowmodel.StageStatusPaid, escrowmodel.StageStatusRefunded:
			return jp, nil
		case escrowmodel.StageStatusFailed:
			if st.Reference == reference {
				return jp, nil
			}
		}

		if st.Reference != reference {
			return nil, errors.ErrReferenceMismatch
		}

		st.Status = escrowmodel.StageStatusFailed
		st.FailureReason = reason
		jp.SetStage(stage, st)

		if err := s.repo.UpdateWithVersion(jp, jp.Version, nil); err != nil {
			if appErr, ok := errors.IsAppError(err); ok && appErr.Code == errors.ErrCodeConcurrentUpdate {
				lastErr = err
				continue
			}
			return nil, err
		}

		if err := s.repo.UpdateReferenceOutcome(reference, "failed"); err != nil {
			s.logger.Error("failed to update reference audit", "error", err, "reference", reference)
		}

		s.logger.Info("stage marked failed",
			"job_payment_id", jp.ID,
			"stage", stage,
			"reference", reference,
			"reason", reason)

		return jp, nil
	}
	return nil, lastErr
}

// RecordRefund appends a refund to a paid stage. The stage flips to refunded
// only once the full paid amount has been returned; partial refunds keep it
// paid. Cumulative refunds can never exceed the stage amount. Idempotent by
// processor refund reference.
func (s *LedgerService) RecordRefund(jobPaymentID int64, stage escrowmodel.Stage, amount int64, reason, refundReference string, platformFee, processorFee int64) (*escrowmodel.JobPayment, error) {
	if amount <= 0 {
		return nil, errors.ErrInvalidAmount.WithDetails("refund amount must be positive")
	}

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		jp, err := s.repo.GetByID(jobPaymentID)
		if err != nil {
			return nil, err
		}

		for _, r := range jp.Refunds {
			if r.ProcessorRefundReference == refundReference {
				return jp, nil
			}
		}

		st := jp.Stage(stage)
		if st.Status != escrowmodel.StageStatusPaid {
			return nil, errors.ErrStageNotPending.WithDetails(
				fmt.Sprintf("stage %s is %s, refunds require a paid stage", stage, st.Status))
		}

		refunded := jp.RefundedTotal(stage)
		if refunded+amount > st.Amount {
			return nil, errors.ErrRefundExceedsPaid.WithDetails(
				fmt.Sprintf("stage %s paid %d, already refunded %d, requested %d", stage, st.Amount, refunded, amount))
		}

		if refunded+amount == st.Amount {
			st.Status = escrowmodel.StageStatusRefunded
			jp.SetStage(stage, st)
		}

		refund := &escrowmodel.Refund{
			JobPaymentID:             jp.ID,
			Stage:                    stage,
			Amount:                   amount,
			Reason:                   reason,
			ProcessorRefundReference: refundReference,
			PlatformClawbackFee:      platformFee,
			ProcessorClawbackFee:     processorFee,
			ProcessedAt:              time.Now().UTC(),
		}

		if err := s.repo.UpdateWithVersion(jp, jp.Version, refund); err != nil {
			if appErr, ok := errors.IsAppError(err); ok && appErr.Code == errors.ErrCodeConcurrentUpdate {
				lastErr = err
				continue
			}
			return nil, err
		}

		jp.Refunds = append(jp.Refunds, *refund)

		if err := s.repo.UpdateReferenceOutcome(refundReference, "succeeded"); err != nil {
			s.logger.Error("failed to update reference audit", "error", err, "reference", refundReference)
		}

		s.logger.Info("refund recorded",
			"job_payment_id", jp.ID,
			"stage", stage,
			"amount", amount,
			"refund_reference", refundReference,
			"stage_status", jp.Stage(stage).Status)

		return jp, nil
	}
	return nil, lastErr
}

// NoteChargeSubmitted attaches the gateway's own intent id to the audit row
// for one of our charge references.
func (s *LedgerService) NoteChargeSubmitted(reference, gatewayID string) {
	if err := s.repo.AttachGatewayID(reference, gatewayID); err != nil {
		s.logger.Error("failed to attach gateway id to reference audit",
			"error", err, "reference", reference, "gateway_id", gatewayID)
	}
}

// AllocateRefundReference issues a refund reference for the audit log before
// the gateway is called, so a timed-out refund can still be reconciled when
// the callback arrives.
func (s *LedgerService) AllocateRefundReference(jobPaymentID int64, stage escrowmodel.Stage) (string, error) {
	reference := "rfd_" + uuid.NewString()
	audit := &escrowmodel.GatewayReference{
		JobPaymentID: jobPaymentID,
		Stage:        stage,
		Kind:         escrowmodel.ReferenceKindRefund,
		Reference:    reference,
	}
	if err := s.repo.RecordReference(audit); err != nil {
		return "", fmt.Errorf("failed to record refund reference: %w", err)
	}
	return reference, nil
}

// LookupReference resolves any audited reference (charge, refund or payout).
func (s *LedgerService) LookupReference(reference string) (*escrowmodel.GatewayReference, error) {
	return s.repo.GetReference(reference)
}

// FindByStageReference resolves a charge reference to its ledger row and stage.
func (s *LedgerService) FindByStageReference(reference string) (*escrowmodel.JobPayment, escrowmodel.Stage, error) {
	return s.repo.FindByStageReference(reference)
}

// SetPayoutReference stores the gateway payout reference once. A second call
// with any reference after one is recorded is a no-op.
func (s *LedgerService) SetPayoutReference(jobPaymentID int64, payoutReference string) (*escrowmodel.JobPayment, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		jp, err := s.repo.GetByID(jobPaymentID)
		if err != nil {
			return nil, err
		}

		if jp.PayoutReference != "" {
			return jp, nil
		}

		jp.PayoutReference = payoutReference

		if err := s.repo.UpdateWithVersion(jp, jp.Version, nil); err != nil {
			if appErr, ok := errors.IsAppError(err); ok && appErr.Code == errors.ErrCodeConcurrentUpdate {
				lastErr = err
				continue
			}
			return nil, err
		}

		audit := &escrowmodel.GatewayReference{
			JobPaymentID: jp.ID,
			Kind:         escrowmodel.ReferenceKindPayout,
			Reference:    payoutReference,
			Outcome:      "succeeded",
		}
		if err := s.repo.RecordReference(audit); err != nil {
			s.logger.Error("failed to record payout reference audit", "error", err, "reference", payoutReference)
		}

		return jp, nil
	}
	return nil, lastErr
}
