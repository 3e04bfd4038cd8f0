package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	apperrors "github.com/renolink/escrow/internal"
	"github.com/renolink/escrow/internal/escrow"
	escrowpostgres "github.com/renolink/escrow/internal/escrow/postgres"
	"github.com/renolink/escrow/pkg/logger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample job payments for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}

		gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			for _, table := range []string{"gateway_references", "job_payment_refunds", "job_payments"} {
				if err := gormDB.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing escrow data")
		}

		stagePercentages, err := cfg.Escrow.StagePercentages()
		if err != nil {
			log.Fatalf("invalid escrow policy: %v", err)
		}

		policy := escrow.Policy{
			StagePercentages:         stagePercentages,
			PlatformClawbackPercent:  cfg.Escrow.PlatformClawback(),
			ProcessorClawbackPercent: cfg.Escrow.ProcessorClawback(),
		}

		repo := escrowpostgres.NewEscrowRepository(gormDB)
		ledger := escrow.NewLedgerService(repo, policy, logger.LoggerWrapper())

		demoBids := []struct {
			JobID        string
			BidID        string
			CustomerID   string
			ContractorID string
			BidAmount    int64
			FeePercent   string
		}{
			{"job-kitchen-001", "bid-301", "cust-101", "contr-201", 1250000, "10"},
			{"job-bathroom-002", "bid-302", "cust-102", "contr-202", 840000, "10"},
			{"job-roof-003", "bid-303", "cust-101", "contr-203", 2400000, "8"},
		}

		for _, b := range demoBids {
			if _, err := ledger.GetByJobID(b.JobID); err == nil {
				fmt.Printf("job payment for %s already exists, skipping\n", b.JobID)
				continue
			} else if !errors.Is(err, apperrors.ErrLedgerNotFound) {
				log.Fatalf("failed to check job %s: %v", b.JobID, err)
			}

			feePercent, err := decimal.NewFromString(b.FeePercent)
			if err != nil {
				log.Fatalf("invalid fee percent for %s: %v", b.JobID, err)
			}

			jp, err := ledger.Create(escrow.CreateLedgerInput{
				JobID:        b.JobID,
				BidID:        b.BidID,
				CustomerID:   b.CustomerID,
				ContractorID: b.ContractorID,
				BidAmount:    b.BidAmount,
			}, feePercent)
			if err != nil {
				log.Fatalf("failed to seed job payment for %s: %v", b.JobID, err)
			}

			fmt.Printf("Seeded job payment: %s total=%d deposit=%d pre_start=%d completion=%d\n",
				jp.JobID, jp.TotalAmount, jp.DepositAmount, jp.PreStartAmount, jp.CompletionAmount)
		}

		fmt.Println("Job payments seeded successfully")
	},
}
