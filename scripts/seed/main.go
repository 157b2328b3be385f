package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/app"
	"github.com/brokerdesk/bankrecon/internal/cutoffs"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/obligations"
	"github.com/brokerdesk/bankrecon/internal/platform/db"
	"github.com/brokerdesk/bankrecon/migrations"
)

// Seeds a demo cutoff with three transfers and one obligation that reserves
// part of the first transfer. Safe to re-run: existing demo data is kept.
func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Applying migrations...")
	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	if os.Getenv("SEED_SCHEMA_ONLY") == "1" {
		return
	}

	services := app.NewServices(app.ServiceDeps{Config: cfg, Pool: pool, Logger: app.NewLogger(cfg)})

	fmt.Println("→ Seeding demo cutoff...")
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	rows := []ledger.StatementRow{
		{ReferenceNumber: "SEED-001", Date: start.AddDate(0, 0, 1), Description: "Ana Gomez", Amount: decimal.RequireFromString("250.00")},
		{ReferenceNumber: "SEED-002", Date: start.AddDate(0, 0, 3), Description: "Seguros Mar", Amount: decimal.RequireFromString("1200.00")},
		{ReferenceNumber: "SEED-003", Date: start.AddDate(0, 0, 9), Description: "Luis Pardo", Amount: decimal.RequireFromString("75.40")},
	}
	outcome, err := services.Cutoffs.ImportCutoff(ctx, cutoffs.CutoffInput{
		StartDate: start,
		EndDate:   start.AddDate(0, 0, 14),
		Notes:     "demo data",
	}, rows, "seed")
	switch {
	case errors.Is(err, cutoffs.ErrDuplicateLabel), errors.Is(err, cutoffs.ErrOverlap):
		fmt.Println("  demo cutoff already present")
		return
	case err != nil:
		log.Fatalf("seed cutoff: %v", err)
	}
	fmt.Printf("  %s: %d imported\n", outcome.Cutoff.Label, outcome.Import.Imported)

	fmt.Println("→ Seeding demo obligation...")
	broker := uuid.New()
	requested := decimal.RequireFromString("150.00")
	res, err := services.Obligations.Create(ctx, obligations.CreateInput{
		FundingInput: obligations.FundingInput{
			Funding:     obligations.FundingBankOnly,
			BrokerID:    &broker,
			AmountToPay: requested,
			References:  []obligations.ReferenceInput{{ReferenceNumber: "SEED-001", Requested: &requested}},
		},
		ClientName: "Ana Gomez",
		Purpose:    obligations.Purpose{Kind: obligations.PurposeOther, Description: "premium refund"},
		Actor:      "seed",
	})
	if err != nil {
		log.Fatalf("seed obligation: %v", err)
	}
	for _, o := range res.Obligations {
		fmt.Printf("  obligation %s, payable=%t\n", o.ID, o.CanBePaid)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}
