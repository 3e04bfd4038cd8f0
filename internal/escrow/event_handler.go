package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/renolink/escrow/internal/core/events"
)

// EventHandler bridges the event bus and the payout dispatcher: a payout
// fires when the completion stage settles, not inside the webhook request.
type EventHandler struct {
	dispatcher *PayoutDispatcher
	eventBus   *events.EventBus
	logger     *slog.Logger
}

func NewEventHandler(dispatcher *PayoutDispatcher, eventBus *events.EventBus, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		dispatcher: dispatcher,
		eventBus:   eventBus,
		logger:     logger,
	}
}

func (h *EventHandler) HandleJobCompleted(ctx context.Context, event events.Event) error {
	completed, ok := event.(*events.JobCompletedEvent)
	if !ok {
		h.logger.Error("invalid event type for job completed handler", "event_type", event.EventType())
		return fmt.Errorf("expected JobCompletedEvent, got %T", event)
	}

	h.logger.Info("handling job completed event for payout",
		"job_payment_id", completed.JobPaymentID,
		"job_id", completed.JobID,
		"event_id", completed.EventID())

	jp, err := h.dispatcher.Dispatch(ctx, completed.JobPaymentID)
	if err != nil {
		// ContractorNotPayable and gateway failures are operator-facing;
		// the error is logged and the event is not redelivered.
		h.logger.Error("payout dispatch failed",
			"error", err,
			"job_payment_id", completed.JobPaymentID,
			"event_id", completed.EventID())
		return fmt.Errorf("payout dispatch failed for job payment %d: %w", completed.JobPaymentID, err)
	}

	if jp.PayoutReference != "" {
		h.eventBus.Publish(ctx, events.NewPayoutDispatchedEvent(
			jp.ID, jp.JobID, jp.ContractorID,
			jp.TotalAmount-jp.PlatformFeeAmount-jp.RefundedGrandTotal(),
			jp.PayoutReference))
	}

	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypeJobCompleted, h.HandleJobCompleted)

	h.logger.Info("escrow event handlers registered",
		"handlers", []string{events.EventTypeJobCompleted})
}
