package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeStagePaid        = "escrow.stage_paid"
	EventTypeStageFailed      = "escrow.stage_failed"
	EventTypeJobCompleted     = "escrow.job_completed"
	EventTypePayoutDispatched = "escrow.payout_dispatched"
)

type StagePaidEvent struct {
	BaseEvent
	JobPaymentID int64  `json:"job_payment_id"`
	JobID        string `json:"job_id"`
	Stage        string `json:"stage"`
	Amount       int64  `json:"amount"`
	Reference    string `json:"reference"`
	JobStatus    string `json:"job_status"`
}

func NewStagePaidEvent(jobPaymentID int64, jobID, stage string, amount int64, reference, jobStatus string) *StagePaidEvent {
	return &StagePaidEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeStagePaid,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"job_payment_id": jobPaymentID,
				"job_id":         jobID,
				"stage":          stage,
				"amount":         amount,
				"reference":      reference,
				"job_status":     jobStatus,
			},
		},
		JobPaymentID: jobPaymentID,
		JobID:        jobID,
		Stage:        stage,
		Amount:       amount,
		Reference:    reference,
		JobStatus:    jobStatus,
	}
}

type StageFailedEvent struct {
	BaseEvent
	JobPaymentID  int64  `json:"job_payment_id"`
	JobID         string `json:"job_id"`
	Stage         string `json:"stage"`
	Amount        int64  `json:"amount"`
	Reference     string `json:"reference"`
	FailureReason string `json:"failure_reason"`
}

func NewStageFailedEvent(jobPaymentID int64, jobID, stage string, amount int64, reference, failureReason string) *StageFailedEvent {
	return &StageFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeStageFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"job_payment_id": jobPaymentID,
				"job_id":         jobID,
				"stage":          stage,
				"amount":         amount,
				"reference":      reference,
				"failure_reason": failureReason,
			},
		},
		JobPaymentID:  jobPaymentID,
		JobID:         jobID,
		Stage:         stage,
		Amount:        amount,
		Reference:     reference,
		FailureReason: failureReason,
	}
}

type JobCompletedEvent struct {
	BaseEvent
	JobPaymentID int64  `json:"job_payment_id"`
	JobID        string `json:"job_id"`
	ContractorID string `json:"contractor_id"`
	TotalAmount  int64  `json:"total_amount"`
}

func NewJobCompletedEvent(jobPaymentID int64, jobID, contractorID string, totalAmount int64) *JobCompletedEvent {
	return &JobCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeJobCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"job_payment_id": jobPaymentID,
				"job_id":         jobID,
				"contractor_id":  contractorID,
				"total_amount":   totalAmount,
			},
		},
		JobPaymentID: jobPaymentID,
		JobID:        jobID,
		ContractorID: contractorID,
		TotalAmount:  totalAmount,
	}
}

type PayoutDispatchedEvent struct {
	BaseEvent
	JobPaymentID    int64  `json:"job_payment_id"`
	JobID           string `json:"job_id"`
	ContractorID    string `json:"contractor_id"`
	Amount          int64  `json:"amount"`
	PayoutReference string `json:"payout_reference"`
}

func NewPayoutDispatchedEvent(jobPaymentID int64, jobID, contractorID string, amount int64, payoutReference string) *PayoutDispatchedEvent {
	return &PayoutDispatchedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePayoutDispatched,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"job_payment_id":   jobPaymentID,
				"job_id":           jobID,
				"contractor_id":    contractorID,
				"amount":           amount,
				"payout_reference": payoutReference,
			},
		},
		JobPaymentID:    jobPaymentID,
		JobID:           jobID,
		ContractorID:    contractorID,
		Amount:          amount,
		PayoutReference: payoutReference,
	}
}
