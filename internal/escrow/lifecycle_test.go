package escrow_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	escrowPkg "github.com/renolink/escrow/internal/escrow"
)

// Walks one job payment through its whole life: ledger creation, three
// charges settled through the reconciliation path, and the contractor payout.
var _ = Describe("job payment lifecycle", func() {
	var (
		mockRepo   *mockLedgerRepository
		gw         *mockGateway
		service    *escrowPkg.LedgerService
		processor  *escrowPkg.StageProcessor
		dispatcher *escrowPkg.PayoutDispatcher
		ctx        context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		mockRepo = newMockLedgerRepository()
		gw = newMockGateway()
		service = escrowPkg.NewLedgerService(mockRepo, testPolicy(), testLogger())
		processor = escrowPkg.NewStageProcessor(service, gw,
			&mockMembership{feePercent: decimal.RequireFromString("10")},
			"http://localhost:8080/api/v1/gateway/callback", testLogger())
		dispatcher = escrowPkg.NewPayoutDispatcher(service, gw, &mockPayees{
			account: escrowPkg.PayeeAccount{Payable: true, PayoutAccountRef: "acct_contractor-1"},
		}, testLogger())
	})

	chargeAndSettle := func(jp *escrowmodel.JobPayment, stage escrowmodel.Stage) {
		outcome, err := processor.ChargeStage(ctx, jp.ID, stage)
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome.Pending).To(BeTrue())

		_, err = service.MarkStagePaid(jp.ID, stage, outcome.Reference, time.Now().UTC())
		Expect(err).ToNot(HaveOccurred())
	}

	It("should run from accepted bid to contractor payout", func() {
		// Ledger creation splits 10000 into 1500 / 2500 / 6000.
		jp, err := processor.CreateLedger(demoInput())
		Expect(err).ToNot(HaveOccurred())
		Expect(jp.DepositAmount).To(Equal(int64(1500)))
		Expect(jp.PreStartAmount).To(Equal(int64(2500)))
		Expect(jp.CompletionAmount).To(Equal(int64(6000)))
		Expect(jp.JobStatus).To(Equal(escrowmodel.JobStatusPending))

		// Deposit settles.
		chargeAndSettle(jp, escrowmodel.StageDeposit)
		state, err := service.GetByID(jp.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(state.JobStatus).To(Equal(escrowmodel.JobStatusDepositPaid))

		// Pre-start settles.
		chargeAndSettle(jp, escrowmodel.StagePreStart)
		state, err = service.GetByID(jp.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(state.JobStatus).To(Equal(escrowmodel.JobStatusPreStartPaid))

		// Completion settles and the job is done.
		chargeAndSettle(jp, escrowmodel.StageCompletion)
		state, err = service.GetByID(jp.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(state.JobStatus).To(Equal(escrowmodel.JobStatusCompleted))

		// Payout pays total minus the platform fee.
		paid, err := dispatcher.Dispatch(ctx, jp.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(paid.PayoutReference).ToNot(BeEmpty())
		Expect(gw.payoutRequests).To(HaveLen(1))
		Expect(gw.payoutRequests[0].Amount).To(Equal(int64(9000)))
	})

	It("should cancel when the only paid stage is refunded", func() {
		jp, err := processor.CreateLedger(demoInput())
		Expect(err).ToNot(HaveOccurred())

		chargeAndSettle(jp, escrowmodel.StageDeposit)

		updated, err := processor.RefundStage(ctx, jp.ID, escrowmodel.StageDeposit, 1500, "job cancelled")
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.DepositStatus).To(Equal(escrowmodel.StageStatusRefunded))
		Expect(updated.JobStatus).To(Equal(escrowmodel.JobStatusCancelled))

		// A cancelled job never reaches payout.
		_, err = dispatcher.Dispatch(ctx, jp.ID)
		Expect(err).To(HaveOccurred())
		Expect(gw.payoutRequests).To(BeEmpty())
	})

	It("should recover from a failed attempt with a fresh charge", func() {
		jp, err := processor.CreateLedger(demoInput())
		Expect(err).ToNot(HaveOccurred())

		outcome, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)
		Expect(err).ToNot(HaveOccurred())

		_, err = service.MarkStageFailed(jp.ID, escrowmodel.StageDeposit, outcome.Reference, "card declined")
		Expect(err).ToNot(HaveOccurred())

		retry, err := processor.ChargeStage(ctx, jp.ID, escrowmodel.StageDeposit)
		Expect(err).ToNot(HaveOccurred())
		Expect(retry.Reference).ToNot(Equal(outcome.Reference))

		_, err = service.MarkStagePaid(jp.ID, escrowmodel.StageDeposit, retry.Reference, time.Now().UTC())
		Expect(err).ToNot(HaveOccurred())

		state, err := service.GetByID(jp.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(state.DepositStatus).To(Equal(escrowmodel.StageStatusPaid))
		Expect(state.DepositFailureReason).To(BeEmpty())
	})
})
