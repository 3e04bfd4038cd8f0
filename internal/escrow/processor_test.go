package escrow_test

import (
	"context"
	stderrors "errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/renolink/escrow/internal"
	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
	escrowPkg "github.com/renolink/escrow/internal/escrow"
)

type mockGateway struct {
	intentResponse *gatewaymodel.ChargeIntentResponse
	intentError    error
	refundResponse *gatewaymodel.RefundResponse
	refundError    error
	payoutResponse *gatewaymodel.PayoutResponse
	payoutError    error

	intentRequests []*gatewaymodel.ChargeIntentRequest
	refundRequests []*gatewaymodel.RefundRequest
	payoutRequests []*gatewaymodel.PayoutRequest
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		intentResponse: &gatewaymodel.ChargeIntentResponse{Reference: "gw-intent-1", Status: "pending"},
		refundResponse: &gatewaymodel.RefundResponse{Reference: "gw-refund-1", Status: "pending"},
		payoutResponse: &gatewaymodel.PayoutResponse{Reference: "gw-payout-1", Status: "succeeded"},
	}
}

func (m *mockGateway) CreateIntent(ctx context.Context, req *gatewaymodel.ChargeIntentRequest) (*gatewaymodel.ChargeIntentResponse, error) {
	m.intentRequests = append(m.intentRequests, req)
	if m.intentError != nil {
		return nil, m.intentError
	}
	return m.intentResponse, nil
}

func (m *mockGateway) Refund(ctx context.Context, req *gatewaymodel.RefundRequest) (*gatewaymodel.RefundResponse, error) {
	m.refundRequests = append(m.refundRequests, req)
	if m.refundError != nil {
		return nil, m.refundError
	}
	return m.refundResponse, nil
}

func (m *mockGateway) Payout(ctx context.Context, req *gatewaymodel.PayoutRequest) (*gatewaymodel.PayoutResponse, error) {
	m.payoutRequests = append(m.payoutRequests, req)
	if m.payoutError != nil {
		return nil, m.payoutError
	}
	return m.payoutResponse, nil
}

type mockMembership struct {
	feePercent decimal.Decimal
	err        error
}

func (m *mockMembership) PlatformFeePercent(customerID string) (decimal.Decimal, error) {
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.feePercent, nil
}

var _ = Describe("StageProcessor", func() {
	var (
		mockRepo  *mockLedgerRepository
		gw        *mockGateway
		service   *escrowPkg.LedgerService
		processor *escrowPkg.StageProcessor
		jp        *escrowmodel.JobPayment
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		mockRepo = newMockLedgerRepository()
		gw = newMockGateway()
		service = escrowPkg.NewLedgerService(mockRepo, testPolicy(), testLogger())
		membership := &mockMembership{feePercent: decimal.RequireFromString("10")}
		processor = escrowPkg.NewStageProcessor(service, gw, membership,
			"http://localhost:8080/api/v1/gateway/callback", testLogger())

		var err error
		jp, err = processor.CreateLedger(demoInput())
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("CreateLedger", func() {
		It("should pull the platform fee from the membership tier", func() {
			Expect(jp.PlatformFeePercent.String()).To(Equal("10"))
			Expect(jp.PlatformFeeAmount).To(Equal(int64(1000)))
		})
	})

	Describe("ChargeStage", func() {
		Context("when the gateway accepts the intent", func() {
			It("should send our reference as the external id", func() {
				// When
				outcome, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome.Pending).To(BeTrue())
				Expect(gw.intentRequests).To(HaveLen(1))
				Expect(gw.intentRequests[0].ExternalID).To(Equal(outcome.Reference))
				Expect(gw.intentRequests[0].Amount).To(Equal(int64(1500)))
				Expect(gw.intentRequests[0].CallbackURL).To(ContainSubstring("/gateway/callback"))
			})

			It("should attach the gateway intent id to the audit row", func() {
				outcome, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)
				Expect(err).ToNot(HaveOccurred())

				audit, err := service.LookupReference(outcome.Reference)
				Expect(err).ToNot(HaveOccurred())
				Expect(audit.GatewayID).To(Equal("gw-intent-1"))
			})
		})

		Context("when the gateway rejects the intent", func() {
			BeforeEach(func() {
				gw.intentError = stderrors.New("account suspended")
			})

			It("should roll back the in-flight marker", func() {
				// When
				_, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)

				// Then
				Expect(err).To(MatchError(apperrors.ErrGatewayRejected))
				after, getErr := service.GetByID(jp.ID)
				Expect(getErr).ToNot(HaveOccurred())
				Expect(after.DepositStatus).To(Equal(escrowmodel.StageStatusPending))
				Expect(after.DepositReference).To(BeEmpty())
			})

			It("should allow a fresh attempt afterwards", func() {
				_, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)
				Expect(err).To(MatchError(apperrors.ErrGatewayRejected))

				gw.intentError = nil
				outcome, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)

				Expect(err).ToNot(HaveOccurred())
				Expect(outcome.Reference).ToNot(BeEmpty())
			})
		})

		Context("when the gateway request times out", func() {
			BeforeEach(func() {
				gw.intentError = apperrors.ErrGatewayTimeout
			})

			It("should keep the in-flight marker and report a pending outcome", func() {
				// When
				outcome, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome.Pending).To(BeTrue())

				after, getErr := service.GetByID(jp.ID)
				Expect(getErr).ToNot(HaveOccurred())
				Expect(after.DepositReference).To(Equal(outcome.Reference))
				Expect(after.Stage(escrowmodel.StageDeposit).InFlight()).To(BeTrue())
			})

			It("should settle through the reconciliation path when the callback arrives", func() {
				outcome, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)
				Expect(err).ToNot(HaveOccurred())

				updated, err := service.MarkStagePaid(jp.ID, escrowmodel.StageDeposit, outcome.Reference, time.Now().UTC())

				Expect(err).ToNot(HaveOccurred())
				Expect(updated.DepositStatus).To(Equal(escrowmodel.StageStatusPaid))
			})
		})
	})

	Describe("RefundStage", func() {
		BeforeEach(func() {
			outcome, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)
			Expect(err).ToNot(HaveOccurred())
			_, err = service.MarkStagePaid(jp.ID, escrowmodel.StageDeposit, outcome.Reference, time.Now().UTC())
			Expect(err).ToNot(HaveOccurred())
		})

		It("should ask the gateway for the gross amount and book the clawback fees", func() {
			// When
			updated, err := processor.RefundStage(ctx, jp.ID, escrowmodel.StageDeposit, 1500, "job cancelled")

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(gw.refundRequests).To(HaveLen(1))
			Expect(gw.refundRequests[0].Amount).To(Equal(int64(1500)))

			Expect(updated.Refunds).To(HaveLen(1))
			// 7% and 3% of 1500
			Expect(updated.Refunds[0].PlatformClawbackFee).To(Equal(int64(105)))
			Expect(updated.Refunds[0].ProcessorClawbackFee).To(Equal(int64(45)))
			Expect(updated.DepositStatus).To(Equal(escrowmodel.StageStatusRefunded))
		})

		It("should reject refunds beyond the paid amount before touching the gateway", func() {
			_, err := processor.RefundStage(ctx, jp.ID, escrowmodel.StageDeposit, 1501, "too much")

			Expect(err).To(MatchError(apperrors.ErrRefundExceedsPaid))
			Expect(gw.refundRequests).To(BeEmpty())
		})

		It("should reject refunds on an unpaid stage", func() {
			_, err := processor.RefundStage(ctx, jp.ID, escrowmodel.StagePreStart, 100, "nope")

			Expect(err).To(MatchError(apperrors.ErrStageNotPending))
			Expect(gw.refundRequests).To(BeEmpty())
		})

		Context("when the gateway refund times out", func() {
			BeforeEach(func() {
				gw.refundError = apperrors.ErrGatewayTimeout
			})

			It("should leave the refund unrecorded but keep the audited reference for reconciliation", func() {
				// When
				_, err := processor.RefundStage(ctx, jp.ID, escrowmodel.StageDeposit, 500, "tile damage")

				// Then
				Expect(err).To(MatchError(apperrors.ErrGatewayTimeout))

				after, getErr := service.GetByID(jp.ID)
				Expect(getErr).ToNot(HaveOccurred())
				Expect(after.Refunds).To(BeEmpty())

				Expect(gw.refundRequests).To(HaveLen(1))
				audit, auditErr := service.LookupReference(gw.refundRequests[0].ExternalID)
				Expect(auditErr).ToNot(HaveOccurred())
				Expect(audit.Kind).To(Equal(escrowmodel.ReferenceKindRefund))
			})
		})
	})
})
