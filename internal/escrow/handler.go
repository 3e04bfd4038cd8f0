package escrow

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	"github.com/renolink/escrow/internal/transport"
)

// Handler exposes the payment API: ledger creation on bid acceptance, stage
// charge and refund initiation, and the dashboard read model.
type Handler struct {
	transport.BaseHandler
	processor *StageProcessor
	ledger    *LedgerService
}

func NewHandler(processor *StageProcessor, ledger *LedgerService, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		processor:   processor,
		ledger:      ledger,
	}
}

// CreateLedger handles POST /api/v1/escrow
func (h *Handler) CreateLedger(w http.ResponseWriter, r *http.Request) {
	var req CreateLedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreateLedger: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	if err := req.Validate(); err != nil {
		h.Logger.Error("CreateLedger: validation error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	jp, err := h.processor.CreateLedger(CreateLedgerInput{
		JobID:        req.JobID,
		BidID:        req.BidID,
		CustomerID:   req.CustomerID,
		ContractorID: req.ContractorID,
		BidAmount:    req.BidAmount,
	})
	if err != nil {
		h.Logger.Error("CreateLedger: service error", "error", err, "job_id", req.JobID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("CreateLedger: job payment created",
		"job_payment_id", jp.ID,
		"job_id", jp.JobID,
		"total_amount", jp.TotalAmount)

	h.WriteJSON(w, http.StatusCreated, ToLedgerResponse(jp))
}

// ChargeStage handles POST /api/v1/escrow/{jobID}/stages/{stage}/charge
func (h *Handler) ChargeStage(w http.ResponseWriter, r *http.Request) {
	jp, stage, ok := h.resolveStage(w, r)
	if !ok {
		return
	}

	outcome, err := h.processor.ChargeStage(r.Context(), jp.ID, stage)
	if err != nil {
		h.Logger.Error("ChargeStage: service error",
			"error", err,
			"job_id", jp.JobID,
			"stage", stage)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("ChargeStage: charge initiated",
		"job_id", jp.JobID,
		"stage", stage,
		"reference", outcome.Reference)

	h.WriteJSON(w, http.StatusAccepted, ChargeStageResponse{
		Reference: outcome.Reference,
		Status:    "pending",
	})
}

// RefundStage handles POST /api/v1/escrow/{jobID}/stages/{stage}/refund
func (h *Handler) RefundStage(w http.ResponseWriter, r *http.Request) {
	jp, stage, ok := h.resolveStage(w, r)
	if !ok {
		return
	}

	var req RefundStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("RefundStage: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	if err := req.Validate(); err != nil {
		h.Logger.Error("RefundStage: validation error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	updated, err := h.processor.RefundStage(r.Context(), jp.ID, stage, req.Amount, req.Reason)
	if err != nil {
		h.Logger.Error("RefundStage: service error",
			"error", err,
			"job_id", jp.JobID,
			"stage", stage,
			"amount", req.Amount)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("RefundStage: refund recorded",
		"job_id", jp.JobID,
		"stage", stage,
		"amount", req.Amount)

	h.WriteJSON(w, http.StatusOK, ToLedgerResponse(updated))
}

// GetLedger handles GET /api/v1/escrow/{jobID}
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		h.HandleError(w, errors.NewValidationError("jobID is required", errors.ErrCodeValidationFailed))
		return
	}

	jp, err := h.ledger.GetByJobID(jobID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToLedgerResponse(jp))
}

func (h *Handler) resolveStage(w http.ResponseWriter, r *http.Request) (*escrowmodel.JobPayment, escrowmodel.Stage, bool) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		h.HandleError(w, errors.NewValidationError("jobID is required", errors.ErrCodeValidationFailed))
		return nil, "", false
	}

	stage, ok := escrowmodel.ParseStage(chi.URLParam(r, "stage"))
	if !ok {
		h.HandleError(w, errors.ErrInvalidStage)
		return nil, "", false
	}

	jp, err := h.ledger.GetByJobID(jobID)
	if err != nil {
		h.HandleServiceError(w, err)
		return nil, "", false
	}

	return jp, stage, true
}
