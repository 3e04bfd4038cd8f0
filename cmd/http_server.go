package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renolink/escrow/internal"
	"github.com/renolink/escrow/internal/core/events"
	"github.com/renolink/escrow/internal/escrow"
	escrowpostgres "github.com/renolink/escrow/internal/escrow/postgres"
	"github.com/renolink/escrow/internal/gateway"
	"github.com/renolink/escrow/internal/partner"
	"github.com/renolink/escrow/internal/transport"
	"github.com/renolink/escrow/internal/transport/rest"
	"github.com/renolink/escrow/pkg/logger"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle payment API requests and gateway callbacks`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config         *internal.Config
	DB             *sqlx.DB
	Router         *chi.Mux
	EscrowHandler  *escrow.Handler
	WebhookHandler *escrow.WebhookHandler
	Logger         *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.EscrowHandler, deps.WebhookHandler, deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	slog.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			slog.Error("Database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(os.Getenv("APP_ENV"))
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	stagePercentages, err := config.Escrow.StagePercentages()
	if err != nil {
		return nil, fmt.Errorf("invalid escrow policy: %w", err)
	}

	policy := escrow.Policy{
		StagePercentages:         stagePercentages,
		PlatformClawbackPercent:  config.Escrow.PlatformClawback(),
		ProcessorClawbackPercent: config.Escrow.ProcessorClawback(),
	}

	repo := escrowpostgres.NewEscrowRepository(gormDB)
	ledger := escrow.NewLedgerService(repo, policy, log)

	gatewayClient := gateway.NewClient(gateway.ClientConfig{
		BaseURL:        config.Gateway.BaseURL,
		APIKey:         config.Gateway.APIKey,
		RequestTimeout: config.Gateway.RequestTimeout,
	}, log)

	membership := partner.NewStaticMembership(config.Escrow.DefaultPlatformFee())
	payees := partner.NewStaticPayeeDirectory()

	callbackURL := config.Gateway.WebhookURL
	if callbackURL == "" {
		callbackURL = config.Server.BaseURL + "/api/v1/gateway/callback"
	}

	processor := escrow.NewStageProcessor(ledger, gatewayClient, membership, callbackURL, log)
	dispatcher := escrow.NewPayoutDispatcher(ledger, gatewayClient, payees, log)

	eventBus := events.NewEventBus(log)
	eventHandler := escrow.NewEventHandler(dispatcher, eventBus, log)
	eventHandler.RegisterEventHandlers(eventBus)

	verifier := gateway.NewVerifier(config.Gateway.SigningSecret)

	escrowHandler := escrow.NewHandler(processor, ledger, log)
	webhookHandler := escrow.NewWebhookHandler(transport.NewBaseHandler(log), ledger, verifier, eventBus, log)

	return &Dependencies{
		Config:         config,
		Logger:         log,
		DB:             db,
		Router:         chi.NewRouter(),
		EscrowHandler:  escrowHandler,
		WebhookHandler: webhookHandler,
	}, nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
