package postgres

import (
	"time"

	"gorm.io/gorm"

	apperrors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	escrowpkg "github.com/renolink/escrow/internal/escrow"
)

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) escrowpkg.RepositoryAPI {
	return &EscrowRepository{
		db: db,
	}
}

func (r *EscrowRepository) Create(jp *escrowmodel.JobPayment) error {
	return r.db.Create(jp).Error
}

func (r *EscrowRepository) GetByID(id int64) (*escrowmodel.JobPayment, error) {
	var jp escrowmodel.JobPayment
	err := r.db.Preload("Refunds").First(&jp, id).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &jp, nil
}

func (r *EscrowRepository) GetByJobID(jobID string) (*escrowmodel.JobPayment, error) {
	var jp escrowmodel.JobPayment
	err := r.db.Preload("Refunds").Where("job_id = ?", jobID).First(&jp).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &jp, nil
}

func (r *EscrowRepository) FindByStageReference(reference string) (*escrowmodel.JobPayment, escrowmodel.Stage, error) {
	var jp escrowmodel.JobPayment
	err := r.db.Preload("Refunds").
		Where("deposit_reference = ? OR pre_start_reference = ? OR completion_reference = ?", reference, reference, reference).
		First(&jp).Error
	if err != nil {
		return nil, "", translateNotFound(err)
	}

	switch reference {
	case jp.DepositReference:
		return &jp, escrowmodel.StageDeposit, nil
	case jp.PreStartReference:
		return &jp, escrowmodel.StagePreStart, nil
	default:
		return &jp, escrowmodel.StageCompletion, nil
	}
}

// UpdateWithVersion is the single write path for ledger mutations. The update
// only lands when the stored version still matches expectedVersion; a zero
// RowsAffected means another writer got there first and the caller must
// re-read and retry.
func (r *EscrowRepository) UpdateWithVersion(jp *escrowmodel.JobPayment, expectedVersion int64, refund *escrowmodel.Refund) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&escrowmodel.JobPayment{}).
			Where("id = ? AND version = ?", jp.ID, expectedVersion).
			Updates(map[string]interface{}{
				"deposit_status":            jp.DepositStatus,
				"deposit_reference":         jp.DepositReference,
				"deposit_paid_at":           jp.DepositPaidAt,
				"deposit_failure_reason":    jp.DepositFailureReason,
				"pre_start_status":          jp.PreStartStatus,
				"pre_start_reference":       jp.PreStartReference,
				"pre_start_paid_at":         jp.PreStartPaidAt,
				"pre_start_failure_reason":  jp.PreStartFailureReason,
				"completion_status":         jp.CompletionStatus,
				"completion_reference":      jp.CompletionReference,
				"completion_paid_at":        jp.CompletionPaidAt,
				"completion_failure_reason": jp.CompletionFailureReason,
				"payout_reference":          jp.PayoutReference,
				"job_status":                jp.JobStatus,
				"version":                   expectedVersion + 1,
				"updated_at":                time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrConcurrentUpdate
		}

		if refund != nil {
			refund.JobPaymentID = jp.ID
			if err := tx.Create(refund).Error; err != nil {
				return err
			}
		}

		jp.Version = expectedVersion + 1
		return nil
	})
}

func (r *EscrowRepository) RecordReference(ref *escrowmodel.GatewayReference) error {
	return r.db.Create(ref).Error
}

func (r *EscrowRepository) GetReference(reference string) (*escrowmodel.GatewayReference, error) {
	var ref escrowmodel.GatewayReference
	err := r.db.Where("reference = ?", reference).First(&ref).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &ref, nil
}

func (r *EscrowRepository) UpdateReferenceOutcome(reference, outcome string) error {
	return r.db.Model(&escrowmodel.GatewayReference{}).
		Where("reference = ?", reference).
		UpdateColumn("outcome", outcome).Error
}

func (r *EscrowRepository) AttachGatewayID(reference, gatewayID string) error {
	return r.db.Model(&escrowmodel.GatewayReference{}).
		Where("reference = ?", reference).
		UpdateColumn("gateway_id", gatewayID).Error
}

func translateNotFound(err error) error {
	if err == gorm.ErrRecordNotFound {
		return apperrors.ErrLedgerNotFound
	}
	return err
}
