// Package gateway holds the HTTP client for the external payment processor,
// the webhook signature scheme, and a local simulator that stands in for the
// processor during development.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	apperrors "github.com/renolink/escrow/internal"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
	escrowpkg "github.com/renolink/escrow/internal/escrow"
)

type Client struct {
	baseURL        string
	apiKey         string
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

func NewClient(config ClientConfig, logger *slog.Logger) escrowpkg.GatewayAPI {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:        config.BaseURL,
		apiKey:         config.APIKey,
		requestTimeout: timeout,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

func (c *Client) CreateIntent(ctx context.Context, req *gatewaymodel.ChargeIntentRequest) (*gatewaymodel.ChargeIntentResponse, error) {
	var resp gatewaymodel.ChargeIntentResponse
	if err := c.post(ctx, "/intents", req, &resp); err != nil {
		return nil, err
	}

	c.logger.Info("charge intent accepted by gateway",
		"external_id", req.ExternalID,
		"gateway_reference", resp.Reference,
		"status", resp.Status)

	return &resp, nil
}

func (c *Client) Refund(ctx context.Context, req *gatewaymodel.RefundRequest) (*gatewaymodel.RefundResponse, error) {
	var resp gatewaymodel.RefundResponse
	if err := c.post(ctx, "/refunds", req, &resp); err != nil {
		return nil, err
	}

	c.logger.Info("refund accepted by gateway",
		"external_id", req.ExternalID,
		"charge_reference", req.ChargeReference,
		"gateway_reference", resp.Reference)

	return &resp, nil
}

func (c *Client) Payout(ctx context.Context, req *gatewaymodel.PayoutRequest) (*gatewaymodel.PayoutResponse, error) {
	var resp gatewaymodel.PayoutResponse
	if err := c.post(ctx, "/payouts", req, &resp); err != nil {
		return nil, err
	}

	c.logger.Info("payout accepted by gateway",
		"payee_account_ref", req.PayeeAccountRef,
		"gateway_reference", resp.Reference)

	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(reqCtx, err) {
			c.logger.Warn("gateway request timed out", "path", path, "error", err)
			return apperrors.ErrGatewayTimeout.WithCause(err)
		}
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		var errBody struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, errBody.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var netErr interface{ Timeout() bool }
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return stderrors.Is(err, os.ErrDeadlineExceeded)
}
