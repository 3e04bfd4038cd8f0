package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/renolink/escrow/internal/escrow"
	"github.com/renolink/escrow/internal/transport/middleware"
	"github.com/renolink/escrow/internal/transport/swagger"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, escrowHandler *escrow.Handler, webhookHandler *escrow.WebhookHandler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		// Health check route
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if webhookHandler != nil {
			r.Post("/gateway/callback", webhookHandler.HandleGatewayCallback)
		}

		if escrowHandler != nil {
			r.Route("/escrow", func(er chi.Router) {
				er.Post("/", escrowHandler.CreateLedger)                              // POST /escrow
				er.Get("/{jobID}", escrowHandler.GetLedger)                           // GET /escrow/:jobID
				er.Post("/{jobID}/stages/{stage}/charge", escrowHandler.ChargeStage)  // POST /escrow/:jobID/stages/:stage/charge
				er.Post("/{jobID}/stages/{stage}/refund", escrowHandler.RefundStage)  // POST /escrow/:jobID/stages/:stage/refund
			})
		}
	})
}
