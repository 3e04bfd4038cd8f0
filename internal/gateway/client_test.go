package gateway_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/renolink/escrow/internal"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
	"github.com/renolink/escrow/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var _ = Describe("gateway Client", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should post the intent and decode the gateway reference", func() {
		var captured gatewaymodel.ChargeIntentRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.URL.Path).To(Equal("/intents"))
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer test-key"))
			Expect(json.NewDecoder(r.Body).Decode(&captured)).To(Succeed())

			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(gatewaymodel.ChargeIntentResponse{
				Reference: "gw-1",
				Status:    "pending",
			})
		}))
		defer server.Close()

		client := gateway.NewClient(gateway.ClientConfig{
			BaseURL: server.URL,
			APIKey:  "test-key",
		}, testLogger())

		resp, err := client.CreateIntent(ctx, &gatewaymodel.ChargeIntentRequest{
			ExternalID: "chg_abc",
			Amount:     1500,
			Currency:   "USD",
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Reference).To(Equal("gw-1"))
		Expect(captured.ExternalID).To(Equal("chg_abc"))
		Expect(captured.Amount).To(Equal(int64(1500)))
	})

	It("should surface a non-2xx response as a plain error", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "account suspended"})
		}))
		defer server.Close()

		client := gateway.NewClient(gateway.ClientConfig{BaseURL: server.URL}, testLogger())

		_, err := client.Refund(ctx, &gatewaymodel.RefundRequest{
			ExternalID:      "rfd_abc",
			ChargeReference: "chg_abc",
			Amount:          500,
		})

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("422"))
		Expect(err.Error()).To(ContainSubstring("account suspended"))
		Expect(stderrors.Is(err, apperrors.ErrGatewayTimeout)).To(BeFalse())
	})

	It("should map a slow gateway to the timeout error", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := gateway.NewClient(gateway.ClientConfig{
			BaseURL:        server.URL,
			RequestTimeout: 20 * time.Millisecond,
		}, testLogger())

		_, err := client.Payout(ctx, &gatewaymodel.PayoutRequest{
			PayeeAccountRef: "acct_1",
			Amount:          9000,
		})

		Expect(stderrors.Is(err, apperrors.ErrGatewayTimeout)).To(BeTrue())
	})
})
