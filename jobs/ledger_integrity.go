package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/brokerdesk/bankrecon/internal/jobs"
	"github.com/brokerdesk/bankrecon/internal/ledger"
)

// IntegrityChecker reports transfers that violate 0 <= used_amount <= amount.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) ([]ledger.BankTransfer, error)
}

// LedgerIntegrityJob fails loudly when any transfer balance is out of range, so
// the job failure alert fires.
type LedgerIntegrityJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle runs the scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	bad, err := j.Checker.CheckIntegrity(ctx)
	if err == nil && len(bad) > 0 {
		err = fmt.Errorf("ledger integrity: %d transfers out of range, first %s", len(bad), bad[0].ReferenceNumber)
	}
	if j.Logger != nil && err == nil {
		j.Logger.Info("ledger integrity check passed", slog.String("job", TaskLedgerIntegrity))
	}
	return tracker.End(err)
}
