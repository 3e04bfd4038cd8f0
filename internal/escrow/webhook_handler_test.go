package escrow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
	escrowPkg "github.com/renolink/escrow/internal/escrow"
	"github.com/renolink/escrow/internal/gateway"
	"github.com/renolink/escrow/internal/transport"
)

var _ = Describe("WebhookHandler", func() {
	const signingSecret = "test-webhook-secret"

	var (
		mockRepo *mockLedgerRepository
		gw       *mockGateway
		service  *escrowPkg.LedgerService
		handler  *escrowPkg.WebhookHandler
		signer   *gateway.Signer
		jp       *escrowmodel.JobPayment
	)

	BeforeEach(func() {
		mockRepo = newMockLedgerRepository()
		gw = newMockGateway()
		service = escrowPkg.NewLedgerService(mockRepo, testPolicy(), testLogger())
		signer = gateway.NewSigner(signingSecret)
		handler = escrowPkg.NewWebhookHandler(
			transport.NewBaseHandler(testLogger()),
			service,
			gateway.NewVerifier(signingSecret),
			nil,
			testLogger())

		var err error
		jp, err = service.Create(demoInput(), decimal.RequireFromString("10"))
		Expect(err).ToNot(HaveOccurred())
	})

	deliver := func(event *gatewaymodel.Event, sign bool) *httptest.ResponseRecorder {
		payload, err := json.Marshal(event)
		Expect(err).ToNot(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/callback", bytes.NewReader(payload))
		if sign {
			signature, signErr := signer.Sign(payload)
			Expect(signErr).ToNot(HaveOccurred())
			req.Header.Set(escrowPkg.SignatureHeader, signature)
		}

		recorder := httptest.NewRecorder()
		handler.HandleGatewayCallback(recorder, req)
		return recorder
	}

	beginCharge := func(stage escrowmodel.Stage) string {
		_, reference, err := service.BeginStageCharge(jp.ID, stage)
		Expect(err).ToNot(HaveOccurred())
		return reference
	}

	Describe("signature checks", func() {
		It("should reject an unsigned callback", func() {
			recorder := deliver(&gatewaymodel.Event{
				Type:      gatewaymodel.EventIntentSucceeded,
				Reference: "chg_whatever",
			}, false)

			Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should reject a signature minted with a different secret", func() {
			event := &gatewaymodel.Event{
				Type:      gatewaymodel.EventIntentSucceeded,
				Reference: "chg_whatever",
			}
			payload, err := json.Marshal(event)
			Expect(err).ToNot(HaveOccurred())

			signature, err := gateway.NewSigner("wrong-secret").Sign(payload)
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/callback", bytes.NewReader(payload))
			req.Header.Set(escrowPkg.SignatureHeader, signature)
			recorder := httptest.NewRecorder()

			handler.HandleGatewayCallback(recorder, req)

			Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should reject a valid signature attached to a different payload", func() {
			original, err := json.Marshal(&gatewaymodel.Event{
				Type:      gatewaymodel.EventIntentSucceeded,
				Reference: "chg_original",
			})
			Expect(err).ToNot(HaveOccurred())
			signature, err := signer.Sign(original)
			Expect(err).ToNot(HaveOccurred())

			tampered, err := json.Marshal(&gatewaymodel.Event{
				Type:      gatewaymodel.EventIntentSucceeded,
				Reference: "chg_tampered",
			})
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/callback", bytes.NewReader(tampered))
			req.Header.Set(escrowPkg.SignatureHeader, signature)
			recorder := httptest.NewRecorder()

			handler.HandleGatewayCallback(recorder, req)

			Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should reject an event with an unknown type", func() {
			recorder := deliver(&gatewaymodel.Event{
				Type:      "intent.exploded",
				Reference: "chg_whatever",
			}, true)

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("intent.succeeded", func() {
		It("should settle the stage", func() {
			reference := beginCharge(escrowmodel.StageDeposit)

			// When
			recorder := deliver(&gatewaymodel.Event{
				Type:       gatewaymodel.EventIntentSucceeded,
				Reference:  reference,
				Amount:     1500,
				OccurredAt: time.Now().UTC(),
			}, true)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusOK))
			after, err := service.GetByID(jp.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(after.DepositStatus).To(Equal(escrowmodel.StageStatusPaid))
			Expect(after.DepositPaidAt).ToNot(BeNil())
		})

		It("should absorb a redelivery of the same event", func() {
			reference := beginCharge(escrowmodel.StageDeposit)
			event := &gatewaymodel.Event{
				Type:       gatewaymodel.EventIntentSucceeded,
				Reference:  reference,
				Amount:     1500,
				OccurredAt: time.Now().UTC(),
			}

			Expect(deliver(event, true).Code).To(Equal(http.StatusOK))
			firstState, err := service.GetByID(jp.ID)
			Expect(err).ToNot(HaveOccurred())

			Expect(deliver(event, true).Code).To(Equal(http.StatusOK))
			secondState, err := service.GetByID(jp.ID)
			Expect(err).ToNot(HaveOccurred())

			Expect(secondState.Version).To(Equal(firstState.Version))
			Expect(secondState.DepositPaidAt.Equal(*firstState.DepositPaidAt)).To(BeTrue())
		})

		It("should absorb a reference belonging to another billing flow", func() {
			recorder := deliver(&gatewaymodel.Event{
				Type:      gatewaymodel.EventIntentSucceeded,
				Reference: "chg_not_ours",
				Amount:    1500,
			}, true)

			Expect(recorder.Code).To(Equal(http.StatusOK))
			after, err := service.GetByID(jp.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(after.DepositStatus).To(Equal(escrowmodel.StageStatusPending))
		})
	})

	Describe("intent.failed", func() {
		It("should record the failure and keep the stage chargeable", func() {
			reference := beginCharge(escrowmodel.StagePreStart)

			// When
			recorder := deliver(&gatewaymodel.Event{
				Type:          gatewaymodel.EventIntentFailed,
				Reference:     reference,
				Amount:        2500,
				FailureReason: "card declined",
			}, true)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusOK))
			after, err := service.GetByID(jp.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(after.PreStartStatus).To(Equal(escrowmodel.StageStatusFailed))
			Expect(after.PreStartFailureReason).To(Equal("card declined"))

			_, _, err = service.BeginStageCharge(jp.ID, escrowmodel.StagePreStart)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("refund.succeeded", func() {
		It("should complete bookkeeping for a refund that timed out synchronously", func() {
			// Given a paid deposit whose refund reference was audited before
			// the gateway call was lost
			reference := beginCharge(escrowmodel.StageDeposit)
			_, err := service.MarkStagePaid(jp.ID, escrowmodel.StageDeposit, reference, time.Now().UTC())
			Expect(err).ToNot(HaveOccurred())

			gw.refundError = apperrors.ErrGatewayTimeout
			processor := escrowPkg.NewStageProcessor(service, gw,
				&mockMembership{feePercent: decimal.RequireFromString("10")},
				"http://localhost:8080/api/v1/gateway/callback", testLogger())
			_, err = processor.RefundStage(
				context.Background(), jp.ID, escrowmodel.StageDeposit, 1000, "job cancelled")
			Expect(err).To(HaveOccurred())
			Expect(gw.refundRequests).To(HaveLen(1))
			refundReference := gw.refundRequests[0].ExternalID

			// When the gateway later confirms the refund
			recorder := deliver(&gatewaymodel.Event{
				Type:      gatewaymodel.EventRefundSucceeded,
				Reference: refundReference,
				Amount:    1000,
			}, true)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusOK))
			after, err := service.GetByID(jp.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(after.Refunds).To(HaveLen(1))
			Expect(after.Refunds[0].Amount).To(Equal(int64(1000)))
			Expect(after.Refunds[0].PlatformClawbackFee).To(Equal(int64(70)))
			Expect(after.Refunds[0].ProcessorClawbackFee).To(Equal(int64(30)))
		})

		It("should absorb an unknown refund reference", func() {
			recorder := deliver(&gatewaymodel.Event{
				Type:      gatewaymodel.EventRefundSucceeded,
				Reference: "rfd_not_ours",
				Amount:    100,
			}, true)

			Expect(recorder.Code).To(Equal(http.StatusOK))
		})
	})
})
