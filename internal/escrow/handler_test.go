package escrow_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	escrowmodel "github.com/renolink/escrow/internal/core/datamodel/escrow"
	escrowPkg "github.com/renolink/escrow/internal/escrow"
)

var _ = Describe("Escrow Handler", func() {
	var (
		mockRepo *mockLedgerRepository
		gw       *mockGateway
		service  *escrowPkg.LedgerService
		router   *chi.Mux
	)

	BeforeEach(func() {
		mockRepo = newMockLedgerRepository()
		gw = newMockGateway()
		service = escrowPkg.NewLedgerService(mockRepo, testPolicy(), testLogger())
		processor := escrowPkg.NewStageProcessor(service, gw,
			&mockMembership{feePercent: decimal.RequireFromString("10")},
			"http://localhost:8080/api/v1/gateway/callback", testLogger())
		handler := escrowPkg.NewHandler(processor, service, testLogger())

		router = chi.NewRouter()
		router.Route("/escrow", func(er chi.Router) {
			er.Post("/", handler.CreateLedger)
			er.Get("/{jobID}", handler.GetLedger)
			er.Post("/{jobID}/stages/{stage}/charge", handler.ChargeStage)
			er.Post("/{jobID}/stages/{stage}/refund", handler.RefundStage)
		})
	})

	createLedger := func() *escrowPkg.LedgerResponse {
		body, err := json.Marshal(escrowPkg.CreateLedgerRequest{
			JobID:        "job-1",
			BidID:        "bid-1",
			CustomerID:   "customer-1",
			ContractorID: "contractor-1",
			BidAmount:    10000,
		})
		Expect(err).ToNot(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/escrow", bytes.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusCreated))
		var resp escrowPkg.LedgerResponse
		Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
		return &resp
	}

	Describe("POST /escrow", func() {
		It("should create the ledger with the stage split", func() {
			resp := createLedger()

			Expect(resp.JobID).To(Equal("job-1"))
			Expect(resp.JobStatus).To(Equal("pending"))
			Expect(resp.Deposit.Amount).To(Equal(int64(1500)))
			Expect(resp.PreStart.Amount).To(Equal(int64(2500)))
			Expect(resp.Completion.Amount).To(Equal(int64(6000)))
			Expect(resp.PlatformFeeAmount).To(Equal(int64(1000)))
		})

		It("should reject a missing bid amount", func() {
			body, err := json.Marshal(escrowPkg.CreateLedgerRequest{
				JobID:        "job-1",
				BidID:        "bid-1",
				CustomerID:   "customer-1",
				ContractorID: "contractor-1",
			})
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/escrow", bytes.NewReader(body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject a second ledger for the same job", func() {
			createLedger()

			body, err := json.Marshal(escrowPkg.CreateLedgerRequest{
				JobID:        "job-1",
				BidID:        "bid-2",
				CustomerID:   "customer-1",
				ContractorID: "contractor-1",
				BidAmount:    5000,
			})
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/escrow", bytes.NewReader(body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("GET /escrow/{jobID}", func() {
		It("should return the ledger", func() {
			createLedger()

			req := httptest.NewRequest(http.MethodGet, "/escrow/job-1", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp escrowPkg.LedgerResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.JobID).To(Equal("job-1"))
		})

		It("should return 404 for an unknown job", func() {
			req := httptest.NewRequest(http.MethodGet, "/escrow/job-unknown", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /escrow/{jobID}/stages/{stage}/charge", func() {
		It("should start the charge and return the reference", func() {
			createLedger()

			req := httptest.NewRequest(http.MethodPost, "/escrow/job-1/stages/deposit/charge", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp escrowPkg.ChargeStageResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Reference).To(HavePrefix("chg_"))
			Expect(resp.Status).To(Equal("pending"))
		})

		It("should reject an unknown stage name", func() {
			createLedger()

			req := httptest.NewRequest(http.MethodPost, "/escrow/job-1/stages/settlement/charge", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 409 while a charge is in flight", func() {
			createLedger()

			first := httptest.NewRequest(http.MethodPost, "/escrow/job-1/stages/deposit/charge", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, first)
			Expect(w.Code).To(Equal(http.StatusAccepted))

			second := httptest.NewRequest(http.MethodPost, "/escrow/job-1/stages/deposit/charge", nil)
			w = httptest.NewRecorder()
			router.ServeHTTP(w, second)

			Expect(w.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("POST /escrow/{jobID}/stages/{stage}/refund", func() {
		settleDeposit := func(resp *escrowPkg.LedgerResponse) {
			jp, err := service.GetByJobID(resp.JobID)
			Expect(err).ToNot(HaveOccurred())
			_, reference, err := service.BeginStageCharge(jp.ID, escrowmodel.StageDeposit)
			Expect(err).ToNot(HaveOccurred())
			_, err = service.MarkStagePaid(jp.ID, escrowmodel.StageDeposit, reference, time.Now().UTC())
			Expect(err).ToNot(HaveOccurred())
		}

		It("should record the refund and return the updated ledger", func() {
			resp := createLedger()
			settleDeposit(resp)

			body, err := json.Marshal(escrowPkg.RefundStageRequest{
				Amount: 500,
				Reason: "tile damage",
			})
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/escrow/job-1/stages/deposit/refund", bytes.NewReader(body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
			var updated escrowPkg.LedgerResponse
			Expect(json.NewDecoder(w.Body).Decode(&updated)).To(Succeed())
			Expect(updated.Refunds).To(HaveLen(1))
			Expect(updated.Refunds[0].Amount).To(Equal(int64(500)))
			Expect(updated.Deposit.Status).To(Equal("paid"))
		})

		It("should reject a refund without a reason", func() {
			resp := createLedger()
			settleDeposit(resp)

			body, err := json.Marshal(escrowPkg.RefundStageRequest{Amount: 500})
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/escrow/job-1/stages/deposit/refund", bytes.NewReader(body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})
})
