package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatementImport normalizes a statement file and imports it as a new cutoff.
	TaskStatementImport = "statement:import"
	// TaskLedgerIntegrity scans the ledger for broken balance invariants.
	TaskLedgerIntegrity = "ledger:integrity"
)

// StatementImportPayload describes one statement file to import. Content takes
// precedence over Path when both are set.
type StatementImportPayload struct {
	FileName  string `json:"file_name"`
	Path      string `json:"path,omitempty"`
	Content   []byte `json:"content,omitempty"`
	Label     string `json:"label,omitempty"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Actor     string `json:"actor"`
}

func (p StatementImportPayload) validate() error {
	if p.FileName == "" {
		return errors.New("file name required")
	}
	if p.Path == "" && len(p.Content) == 0 {
		return errors.New("path or content required")
	}
	if _, err := time.Parse(time.DateOnly, p.StartDate); err != nil {
		return fmt.Errorf("start date: %w", err)
	}
	if _, err := time.Parse(time.DateOnly, p.EndDate); err != nil {
		return fmt.Errorf("end date: %w", err)
	}
	return nil
}

// NewStatementImportTask builds a statement import task. Imports are not retried
// automatically because a partially understood file needs an operator.
func NewStatementImportTask(payload StatementImportPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("statement import task: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStatementImport, data, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

// NewLedgerIntegrityTask builds the periodic integrity scan task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil, asynq.Queue(QueueDefault))
}
