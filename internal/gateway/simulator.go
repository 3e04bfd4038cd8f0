package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
)

// settlementJob is one queued intent or refund awaiting its simulated
// asynchronous outcome.
type settlementJob struct {
	Reference string
	Amount    int64
	Refund    bool
}

type simWorker struct {
	ID         int
	WorkerPool chan chan settlementJob
	JobChannel chan settlementJob
	Logger     *slog.Logger
}

func newSimWorker(id int, workerPool chan chan settlementJob, logger *slog.Logger) *simWorker {
	return &simWorker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan settlementJob),
		Logger:     logger,
	}
}

func (w *simWorker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(settlementJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.WorkerPool <- w.JobChannel

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("simulator worker processing job", "worker_id", w.ID, "reference", job.Reference)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("simulator worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// Simulator is a local stand-in for the payment processor. It serves the
// intent, refund and payout endpoints, settles charges asynchronously through
// a worker pool, and delivers signed callback events to the engine's webhook
// with exponential backoff retries.
type Simulator struct {
	webhookURL  string
	signer      *Signer
	successRate float32
	logger      *slog.Logger

	jobQueue   chan settlementJob
	workerPool chan chan settlementJob
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

type SimulatorConfig struct {
	WebhookURL    string
	SigningSecret string
	SuccessRate   float32
	MaxWorkers    int
	JobQueueSize  int
}

func NewSimulator(config SimulatorConfig, logger *slog.Logger) *Simulator {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	jobQueueSize := config.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}

	successRate := config.SuccessRate
	if successRate <= 0 {
		successRate = 0.9
	}

	sim := &Simulator{
		webhookURL:  config.WebhookURL,
		signer:      NewSigner(config.SigningSecret),
		successRate: successRate,
		logger:      logger,

		maxWorkers: maxWorkers,
		jobQueue:   make(chan settlementJob, jobQueueSize),
		workerPool: make(chan chan settlementJob, maxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}

	sim.startWorkerPool()

	return sim
}

func (s *Simulator) startWorkerPool() {
	s.once.Do(func() {
		for i := 0; i < s.maxWorkers; i++ {
			worker := newSimWorker(i, s.workerPool, s.logger)
			worker.Start(s.ctx, &s.wg, s.settle)
		}

		go s.dispatch()

		s.logger.Info("gateway simulator worker pool started",
			"max_workers", s.maxWorkers,
			"queue_size", cap(s.jobQueue))
	})
}

func (s *Simulator) dispatch() {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case job := <-s.jobQueue:
			select {
			case jobChannel := <-s.workerPool:
				select {
				case jobChannel <- job:
				case <-s.ctx.Done():
					return
				}
			case <-s.ctx.Done():
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Simulator) Shutdown() {
	s.logger.Info("shutting down gateway simulator")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("gateway simulator shutdown complete")
}

// Routes mounts the simulated processor endpoints on mux.
func (s *Simulator) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/intents", s.handleIntent)
	mux.HandleFunc("/refunds", s.handleRefund)
	mux.HandleFunc("/payouts", s.handlePayout)
}

func (s *Simulator) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req gatewaymodel.ChargeIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExternalID == "" || req.Amount <= 0 {
		http.Error(w, "external_id and positive amount are required", http.StatusUnprocessableEntity)
		return
	}

	job := settlementJob{Reference: req.ExternalID, Amount: req.Amount}

	select {
	case s.jobQueue <- job:
		s.logger.Info("simulator: intent queued",
			"reference", req.ExternalID,
			"amount", req.Amount,
			"queue_length", len(s.jobQueue))
	default:
		s.logger.Warn("simulator: job queue full, rejecting intent", "reference", req.ExternalID)
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, http.StatusCreated, gatewaymodel.ChargeIntentResponse{
		Reference: "sim_" + uuid.New().String(),
		Status:    "pending",
	})
}

func (s *Simulator) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req gatewaymodel.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExternalID == "" || req.Amount <= 0 {
		http.Error(w, "external_id and positive amount are required", http.StatusUnprocessableEntity)
		return
	}

	job := settlementJob{Reference: req.ExternalID, Amount: req.Amount, Refund: true}

	select {
	case s.jobQueue <- job:
		s.logger.Info("simulator: refund queued",
			"reference", req.ExternalID,
			"amount", req.Amount)
	default:
		s.logger.Warn("simulator: job queue full, rejecting refund", "reference", req.ExternalID)
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, http.StatusCreated, gatewaymodel.RefundResponse{
		Reference: "sim_" + uuid.New().String(),
		Status:    "pending",
	})
}

func (s *Simulator) handlePayout(w http.ResponseWriter, r *http.Request) {
	var req gatewaymodel.PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PayeeAccountRef == "" || req.Amount <= 0 {
		http.Error(w, "payee_account_ref and positive amount are required", http.StatusUnprocessableEntity)
		return
	}

	// Payouts settle synchronously in the simulation.
	s.logger.Info("simulator: payout settled",
		"payee_account_ref", req.PayeeAccountRef,
		"amount", req.Amount)

	s.writeJSON(w, http.StatusCreated, gatewaymodel.PayoutResponse{
		Reference: "sim_" + uuid.New().String(),
		Status:    "succeeded",
	})
}

func (s *Simulator) settle(job settlementJob) {
	delay := time.Duration(1+rand.Intn(4)) * time.Second

	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		s.logger.Info("simulator: settlement cancelled", "reference", job.Reference)
		return
	}

	event := gatewaymodel.Event{
		Reference:  job.Reference,
		Amount:     job.Amount,
		OccurredAt: time.Now().UTC(),
	}

	switch {
	case job.Refund:
		event.Type = gatewaymodel.EventRefundSucceeded
	case rand.Float32() < s.successRate:
		event.Type = gatewaymodel.EventIntentSucceeded
	default:
		event.Type = gatewaymodel.EventIntentFailed
		event.FailureReason = "insufficient funds"
	}

	s.logger.Info("simulator: settlement decided",
		"reference", job.Reference,
		"event_type", event.Type,
		"delay_seconds", delay.Seconds())

	s.deliverEvent(event)
}

// deliverEvent posts the signed event to the webhook, retrying with
// exponential backoff until the engine acknowledges it or the simulator
// shuts down. At-least-once delivery mirrors real processor behavior.
func (s *Simulator) deliverEvent(event gatewaymodel.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("simulator: failed to marshal event", "error", err)
		return
	}

	signature, err := s.signer.Sign(payload)
	if err != nil {
		s.logger.Error("simulator: failed to sign event", "error", err)
		return
	}

	operation := func() error {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Gateway-Signature", signature)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			// Client errors do not heal on retry.
			return backoff.Permanent(fmt.Errorf("webhook rejected event with status %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), s.ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		s.logger.Error("simulator: webhook delivery failed",
			"error", err,
			"reference", event.Reference,
			"event_type", event.Type)
		return
	}

	s.logger.Info("simulator: webhook delivered",
		"reference", event.Reference,
		"event_type", event.Type)
}

func (s *Simulator) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("simulator: failed to encode response", "error", err)
	}
}
