// Package gateway defines the wire types shared with the external payment
// processor: charge intent, refund and payout requests, and the tagged
// callback event delivered to the webhook.
package gateway

import (
	"fmt"
	"time"
)

// EventType tags a callback event. Events outside this set are rejected at
// the boundary before they reach the reconciliation handler.
type EventType string

const (
	EventIntentSucceeded EventType = "intent.succeeded"
	EventIntentFailed    EventType = "intent.failed"
	EventRefundSucceeded EventType = "refund.succeeded"
)

// Event is one asynchronous gateway notification. Delivery is at-least-once;
// the same event may arrive any number of times and always carries the same
// reference.
type Event struct {
	Type          EventType `json:"type"`
	Reference     string    `json:"reference"`
	Amount        int64     `json:"amount"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e *Event) Validate() error {
	switch e.Type {
	case EventIntentSucceeded, EventIntentFailed, EventRefundSucceeded:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Reference == "" {
		return fmt.Errorf("event reference is required")
	}
	if e.Amount < 0 {
		return fmt.Errorf("event amount cannot be negative")
	}
	return nil
}

type ChargeIntentRequest struct {
	ExternalID  string `json:"external_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	CallbackURL string `json:"callback_url"`
}

type ChargeIntentResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type RefundRequest struct {
	ExternalID      string `json:"external_id"`
	ChargeReference string `json:"charge_reference"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason"`
}

type RefundResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type PayoutRequest struct {
	PayeeAccountRef string `json:"payee_account_ref"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
}

type PayoutResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}
