package escrow

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	errors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
	"github.com/renolink/escrow/internal/core/events"
	"github.com/renolink/escrow/internal/core/money"
	"github.com/renolink/escrow/internal/transport"
)

// SignatureHeader carries the gateway's detached signature for a callback
// payload.
const SignatureHeader = "X-Gateway-Signature"

// WebhookHandler is the reconciliation ingress: it authenticates gateway
// callbacks and applies them to the ledger. Delivery is at-least-once, so
// every path through here must tolerate replays of the same event.
type WebhookHandler struct {
	*transport.BaseHandler
	ledger   *LedgerService
	verifier EventVerifier
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, ledger *LedgerService, verifier EventVerifier, eventBus *events.EventBus, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		ledger:      ledger,
		verifier:    verifier,
		eventBus:    eventBus,
		logger:      logger,
	}
}

type GatewayCallbackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *WebhookHandler) HandleGatewayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read gateway callback body", "error", err)
		h.WriteErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := h.verifier.VerifyAndDecode(body, r.Header.Get(SignatureHeader))
	if err != nil {
		if stderrors.Is(err, errors.ErrInvalidSignature) {
			h.logger.Error("gateway callback signature rejected", "error", err)
			h.WriteErrorResponse(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		h.logger.Error("invalid gateway callback payload", "error", err)
		h.WriteErrorResponse(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	h.logger.Info("received gateway event",
		"type", event.Type,
		"reference", event.Reference,
		"amount", event.Amount)

	if err := h.processEvent(event); err != nil {
		if appErr, ok := errors.IsAppError(err); ok {
			h.logger.Error("gateway event rejected",
				"error", err,
				"type", event.Type,
				"reference", event.Reference)
			h.WriteErrorResponse(w, appErr.StatusCode, appErr.Message)
			return
		}
		h.logger.Error("failed to process gateway event",
			"error", err,
			"type", event.Type,
			"reference", event.Reference)
		h.WriteErrorResponse(w, http.StatusInternalServerError, "failed to process gateway event")
		return
	}

	h.WriteJSON(w, http.StatusOK, GatewayCallbackResponse{
		Status:  "success",
		Message: "event processed",
	})
}

func (h *WebhookHandler) processEvent(event *gatewaymodel.Event) error {
	switch event.Type {
	case gatewaymodel.EventIntentSucceeded, gatewaymodel.EventIntentFailed:
		return h.processIntentOutcome(event)
	case gatewaymodel.EventRefundSucceeded:
		return h.processRefundConfirmation(event)
	}
	// Validate() upstream makes this unreachable; keep the handler total.
	h.logger.Warn("unhandled gateway event type dropped", "type", event.Type)
	return nil
}

func (h *WebhookHandler) processIntentOutcome(event *gatewaymodel.Event) error {
	jp, stage, err := h.ledger.FindByStageReference(event.Reference)
	if err != nil {
		if stderrors.Is(err, errors.ErrLedgerNotFound) {
			// The gateway account is shared with other billing flows; a
			// reference we do not know is their business, not an error.
			h.logger.Warn("unknown gateway reference dropped",
				"reference", event.Reference,
				"type", event.Type)
			return nil
		}
		return err
	}

	st := jp.Stage(stage)
	if event.Amount != 0 && event.Amount != st.Amount {
		h.logger.Warn("gateway event amount differs from stage amount",
			"job_payment_id", jp.ID,
			"stage", stage,
			"stage_amount", st.Amount,
			"event_amount", event.Amount)
	}

	if event.Type == gatewaymodel.EventIntentFailed {
		updated, err := h.ledger.MarkStageFailed(jp.ID, stage, event.Reference, event.FailureReason)
		if err != nil {
			return err
		}
		h.publish(events.NewStageFailedEvent(
			updated.ID, updated.JobID, string(stage), st.Amount, event.Reference, event.FailureReason))
		return nil
	}

	paidAt := event.OccurredAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	updated, err := h.ledger.MarkStagePaid(jp.ID, stage, event.Reference, paidAt)
	if err != nil {
		return err
	}

	h.publish(events.NewStagePaidEvent(
		updated.ID, updated.JobID, string(stage), st.Amount, event.Reference, string(updated.JobStatus)))

	if updated.JobStatus == escrowmodel.JobStatusCompleted {
		h.publish(events.NewJobCompletedEvent(
			updated.ID, updated.JobID, updated.ContractorID, updated.TotalAmount))
	}

	return nil
}

// processRefundConfirmation handles refunds whose synchronous confirmation
// was lost to a timeout: the reference was audited before the gateway call,
// so the callback is enough to complete the bookkeeping.
func (h *WebhookHandler) processRefundConfirmation(event *gatewaymodel.Event) error {
	audit, err := h.ledger.LookupReference(event.Reference)
	if err != nil {
		if stderrors.Is(err, errors.ErrLedgerNotFound) {
			h.logger.Warn("unknown gateway refund reference dropped", "reference", event.Reference)
			return nil
		}
		return err
	}
	if audit.Kind != escrowmodel.ReferenceKindRefund {
		h.logger.Warn("refund event for non-refund reference dropped",
			"reference", event.Reference,
			"kind", audit.Kind)
		return nil
	}

	jp, err := h.ledger.GetByID(audit.JobPaymentID)
	if err != nil {
		return err
	}

	platformFee, err := money.PercentageOf(event.Amount, jp.PlatformClawbackPercent)
	if err != nil {
		return err
	}
	processorFee, err := money.PercentageOf(event.Amount, jp.ProcessorClawbackPercent)
	if err != nil {
		return err
	}

	_, err = h.ledger.RecordRefund(jp.ID, audit.Stage, event.Amount,
		"gateway-confirmed refund", event.Reference, platformFee, processorFee)
	return err
}

func (h *WebhookHandler) publish(event events.Event) {
	if h.eventBus == nil {
		return
	}
	if err := h.eventBus.Publish(context.Background(), event); err != nil {
		h.logger.Error("failed to publish event", "error", err, "event_type", event.EventType())
	}
}

func (h *WebhookHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]string{
		"error": message,
	}
	h.WriteJSON(w, statusCode, response)
}
