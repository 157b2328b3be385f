package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/allocation"
	"github.com/brokerdesk/bankrecon/internal/audit"
	"github.com/brokerdesk/bankrecon/internal/cutoffs"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/obligations"
	"github.com/brokerdesk/bankrecon/internal/observability"
	"github.com/brokerdesk/bankrecon/internal/references"
	"github.com/brokerdesk/bankrecon/internal/shared"
	"github.com/brokerdesk/bankrecon/internal/statement"
)

// ServiceDeps are the connections the domain services are built on.
type ServiceDeps struct {
	Config     *Config
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Services is the wired reconciliation engine shared by the API and the worker.
type Services struct {
	Ledger      *ledger.Service
	Validator   *references.Validator
	Engine      *allocation.Engine
	Advances    *advances.Service
	Obligations *obligations.Service
	Cutoffs     *cutoffs.Service
	Normalizer  *statement.Normalizer
	Idempotency *shared.IdempotencyStore
	Audit       *audit.Service
	Recon       *observability.ReconMetrics
}

// NewServices builds every domain service and connects their listeners.
func NewServices(deps ServiceDeps) *Services {
	cfg := deps.Config
	if cfg == nil {
		cfg = &Config{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auditLogger := shared.NewAuditLogger(deps.Pool)
	var recon *observability.ReconMetrics
	if deps.Registerer != nil {
		recon = observability.NewReconMetrics(deps.Registerer)
	}

	ledgerRepo := ledger.NewRepository(deps.Pool)
	ledgerService := ledger.NewService(ledgerRepo, logger)

	engine := allocation.NewEngine(allocation.NewRandomOrder(cfg.AllocationSeed))

	advanceService := advances.NewService(advances.NewRepository(deps.Pool), logger)

	obligationService := obligations.NewService(obligations.NewRepository(deps.Pool), engine, logger)
	obligationService.WithAudit(auditLogger)
	obligationService.WithThresholds(cfg.Thresholds())

	cutoffService := cutoffs.NewService(cutoffs.NewRepository(deps.Pool), logger)
	cutoffService.WithAudit(auditLogger)

	if deps.Redis != nil {
		locker := shared.NewLocker(deps.Redis, cfg.LockTTL)
		obligationService.WithLocker(locker)
		cutoffService.WithLocker(locker)
	}
	validator := references.NewValidator(ledgerRepo, obligationService, logger)
	if recon != nil {
		obligationService.WithObserver(recon)
		validator.WithObserver(recon)
	}

	// New transfers flip exists_in_bank and recompute can_be_paid; deductions
	// make deduction-funded obligations payable.
	ledgerService.SetImportListener(obligationService)
	cutoffService.SetImportListener(obligationService)
	advanceService.SetDeductionListener(obligationService)

	return &Services{
		Ledger:      ledgerService,
		Validator:   validator,
		Engine:      engine,
		Advances:    advanceService,
		Obligations: obligationService,
		Cutoffs:     cutoffService,
		Normalizer:  statement.NewNormalizer(statement.Options{OwnNames: cfg.StatementOwnNames}),
		Idempotency: shared.NewIdempotencyStore(deps.Pool),
		Audit:       audit.NewService(audit.NewRepository(deps.Pool)),
		Recon:       recon,
	}
}

// Handlers builds the HTTP handlers for s.
func (s *Services) Handlers(logger *slog.Logger) DomainHandlers {
	return DomainHandlers{
		Ledger:      ledger.NewHandler(logger, s.Ledger),
		References:  references.NewHandler(logger, s.Validator),
		Allocation:  allocation.NewHandler(s.Engine),
		Advances:    advances.NewHandler(logger, s.Advances),
		Obligations: obligations.NewHandler(logger, s.Obligations, s.Idempotency),
		Cutoffs:     cutoffs.NewHandler(logger, s.Cutoffs),
		Statement:   statement.NewHandler(logger, s.Normalizer),
		Audit:       audit.NewHandler(logger, s.Audit),
	}
}
