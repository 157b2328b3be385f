package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/brokerdesk/bankrecon/internal/cutoffs"
	jobmetrics "github.com/brokerdesk/bankrecon/internal/jobs"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/statement"
)

// CutoffImporter creates a cutoff together with its statement rows.
type CutoffImporter interface {
	ImportCutoff(ctx context.Context, in cutoffs.CutoffInput, rows []ledger.StatementRow, actor string) (cutoffs.ImportOutcome, error)
}

// StatementImportJob handles TaskStatementImport.
type StatementImportJob struct {
	Normalizer *statement.Normalizer
	Importer   CutoffImporter
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewStatementImportJob wires the job dependencies.
func NewStatementImportJob(normalizer *statement.Normalizer, importer CutoffImporter, logger *slog.Logger, metrics *jobmetrics.Metrics) *StatementImportJob {
	return &StatementImportJob{Normalizer: normalizer, Importer: importer, Logger: logger, Metrics: metrics}
}

// Handle processes a statement import task.
func (j *StatementImportJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Normalizer == nil || j.Importer == nil {
		return errors.New("statement import: dependencies not configured")
	}
	var payload StatementImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("statement import: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.validate(); err != nil {
		return fmt.Errorf("statement import: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskStatementImport)
	outcome, err := j.Run(ctx, payload)
	if err = tracker.End(err); err != nil {
		j.log().Error("statement import failed", slog.String("file", payload.FileName), slog.Any("error", err))
		return err
	}
	j.log().Info("statement import completed",
		slog.String("file", payload.FileName),
		slog.String("cutoff", outcome.Cutoff.Label),
		slog.Int("imported", outcome.Import.Imported),
		slog.Int("skipped", outcome.Import.Skipped))
	return nil
}

// Run normalizes and imports the payload's statement.
func (j *StatementImportJob) Run(ctx context.Context, payload StatementImportPayload) (cutoffs.ImportOutcome, error) {
	format, err := statement.FormatFromName(payload.FileName)
	if err != nil {
		return cutoffs.ImportOutcome{}, err
	}
	reader, closeFn, err := payload.open()
	if err != nil {
		return cutoffs.ImportOutcome{}, err
	}
	defer closeFn()

	parsed, err := j.Normalizer.Parse(reader, format)
	if err != nil {
		return cutoffs.ImportOutcome{}, err
	}
	drops := make(map[statement.DropReason]int)
	for _, d := range parsed.Dropped {
		drops[d.Reason]++
	}
	for reason, n := range drops {
		j.Metrics.AddStatementRows(string(reason), n)
	}

	start, _ := time.Parse(time.DateOnly, payload.StartDate)
	end, _ := time.Parse(time.DateOnly, payload.EndDate)
	outcome, err := j.Importer.ImportCutoff(ctx, cutoffs.CutoffInput{
		Label:     payload.Label,
		StartDate: start,
		EndDate:   end,
		Notes:     "imported from " + payload.FileName,
	}, parsed.Rows, payload.actor())
	if err != nil {
		return cutoffs.ImportOutcome{}, err
	}
	j.Metrics.AddStatementRows("imported", outcome.Import.Imported)
	j.Metrics.AddStatementRows("skipped", outcome.Import.Skipped)
	return outcome, nil
}

func (p StatementImportPayload) open() (io.Reader, func(), error) {
	if len(p.Content) > 0 {
		return bytes.NewReader(p.Content), func() {}, nil
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("statement import: open %s: %w", p.Path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (p StatementImportPayload) actor() string {
	if p.Actor == "" {
		return "worker"
	}
	return p.Actor
}

func (j *StatementImportJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
