package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renolink/escrow/internal/gateway"
	"github.com/renolink/escrow/pkg/logger"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start worker processes",
	Long:  `Start and manage worker processes such as the local payment gateway simulator.`,
}

// Gateway simulator command
var gatewayWorkerCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the payment gateway simulator",
	Long: `Start a local stand-in for the payment processor: serves the intent,
refund and payout endpoints and delivers signed callback events to the
engine's webhook with retries.`,
	Run: func(cmd *cobra.Command, args []string) {
		startGatewaySimulator()
	},
}

var (
	simulatorPort int
	maxWorkers    int
	jobQueueSize  int
	webhookURL    string
	successRate   float32
)

func startGatewaySimulator() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.LoggerWrapper()

	simConfig := gateway.SimulatorConfig{
		WebhookURL:    getStringFlag(webhookURL, config.Gateway.WebhookURL),
		SigningSecret: config.Gateway.SigningSecret,
		SuccessRate:   successRate,
		MaxWorkers:    getIntFlag(maxWorkers, config.Gateway.MaxWorkers),
		JobQueueSize:  getIntFlag(jobQueueSize, config.Gateway.JobQueueSize),
	}

	log.Info("starting gateway simulator",
		"port", simulatorPort,
		"max_workers", simConfig.MaxWorkers,
		"job_queue_size", simConfig.JobQueueSize,
		"webhook_url", simConfig.WebhookURL)

	sim := gateway.NewSimulator(simConfig, log)

	mux := http.NewServeMux()
	sim.Routes(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", simulatorPort),
		Handler: mux,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("gateway simulator is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down gateway simulator", "signal", sig)
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			log.Error("simulator server failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("simulator server shutdown error", "error", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		sim.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		log.Info("gateway simulator shutdown complete")
	case <-ctx.Done():
		log.Warn("shutdown timeout reached, forcing exit")
	}
}

func getStringFlag(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	gatewayWorkerCmd.Flags().IntVar(&simulatorPort, "port", 9090, "Port the simulator listens on")
	gatewayWorkerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of settlement workers (overrides config)")
	gatewayWorkerCmd.Flags().IntVar(&jobQueueSize, "job-queue-size", 0, "Job queue buffer size (overrides config)")
	gatewayWorkerCmd.Flags().StringVar(&webhookURL, "webhook-url", "", "Webhook callback URL (overrides config)")
	gatewayWorkerCmd.Flags().Float32Var(&successRate, "success-rate", 0, "Fraction of intents that succeed (overrides default 0.9)")

	workerCmd.AddCommand(gatewayWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
