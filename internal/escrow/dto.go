package escrow

import (
	"time"

	errors "github.com/renolink/escrow/internal"
	"github.com/renolink/escrow/internal/core/common/validation"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
)

// CreateLedgerRequest is the bid-acceptance payload that opens a job payment.
type CreateLedgerRequest struct {
	JobID        string `json:"job_id"`
	BidID        string `json:"bid_id"`
	CustomerID   string `json:"customer_id"`
	ContractorID string `json:"contractor_id"`
	BidAmount    int64  `json:"bid_amount"`
}

func (r *CreateLedgerRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("job_id", r.JobID).Required()
	validator.Field("bid_id", r.BidID).Required()
	validator.Field("customer_id", r.CustomerID).Required()
	validator.Field("contractor_id", r.ContractorID).Required()
	validator.Field("bid_amount", r.BidAmount).Required().MinInt(1, errors.ErrCodeInvalidAmount)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type RefundStageRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (r *RefundStageRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).Required().MinInt(1, errors.ErrCodeInvalidAmount)
	validator.Field("reason", r.Reason).Required().MaxLength(500)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type ChargeStageResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type StageResponse struct {
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	Reference     string     `json:"reference,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

type RefundResponse struct {
	Stage                string    `json:"stage"`
	Amount               int64     `json:"amount"`
	Reason               string    `json:"reason"`
	RefundReference      string    `json:"refund_reference"`
	PlatformClawbackFee  int64     `json:"platform_clawback_fee"`
	ProcessorClawbackFee int64     `json:"processor_clawback_fee"`
	ProcessedAt          time.Time `json:"processed_at"`
}

// LedgerResponse is the dashboard read model for one job payment.
type LedgerResponse struct {
	JobID             string           `json:"job_id"`
	BidID             string           `json:"bid_id"`
	CustomerID        string           `json:"customer_id"`
	ContractorID      string           `json:"contractor_id"`
	TotalAmount       int64            `json:"total_amount"`
	PlatformFeeAmount int64            `json:"platform_fee_amount"`
	JobStatus         string           `json:"job_status"`
	Deposit           StageResponse    `json:"deposit"`
	PreStart          StageResponse    `json:"pre_start"`
	Completion        StageResponse    `json:"completion"`
	PayoutReference   string           `json:"payout_reference,omitempty"`
	Refunds           []RefundResponse `json:"refunds"`
	CreatedAt         time.Time        `json:"created_at"`
}

func ToLedgerResponse(jp *escrowmodel.JobPayment) *LedgerResponse {
	resp := &LedgerResponse{
		JobID:             jp.JobID,
		BidID:             jp.BidID,
		CustomerID:        jp.CustomerID,
		ContractorID:      jp.ContractorID,
		TotalAmount:       jp.TotalAmount,
		PlatformFeeAmount: jp.PlatformFeeAmount,
		JobStatus:         string(jp.JobStatus),
		PayoutReference:   jp.PayoutReference,
		Refunds:           make([]RefundResponse, 0, len(jp.Refunds)),
		CreatedAt:         jp.CreatedAt,
	}

	for stage, target := range map[escrowmodel.Stage]*StageResponse{
		escrowmodel.StageDeposit:    &resp.Deposit,
		escrowmodel.StagePreStart:   &resp.PreStart,
		escrowmodel.StageCompletion: &resp.Completion,
	} {
		st := jp.Stage(stage)
		*target = StageResponse{
			Amount:        st.Amount,
			Status:        string(st.Status),
			Reference:     st.Reference,
			PaidAt:        st.PaidAt,
			FailureReason: st.FailureReason,
		}
	}

	for _, r := range jp.Refunds {
		resp.Refunds = append(resp.Refunds, RefundResponse{
			Stage:                string(r.Stage),
			Amount:               r.Amount,
			Reason:               r.Reason,
			RefundReference:      r.ProcessorRefundReference,
			PlatformClawbackFee:  r.PlatformClawbackFee,
			ProcessorClawbackFee: r.ProcessorClawbackFee,
			ProcessedAt:          r.ProcessedAt,
		})
	}

	return resp
}
