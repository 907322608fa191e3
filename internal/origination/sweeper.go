package origination

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	appmodels "lendflow/internal/application/models"
	id "lendflow/pkg/domain"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/requestcontext"
)

// ContractExpirer expires contracts whose signing window has closed.
type ContractExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// ApplicationSweep is the application surface the sweeper needs.
type ApplicationSweep interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
	ListIdle(ctx context.Context, states []appmodels.State, before time.Time, limit int) ([]*appmodels.Application, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// SweepConfig tunes the sweeper. Settle is how long an application must sit
// in a transient state before the sweeper resumes it.
type SweepConfig struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
	Settle      time.Duration
}

func (c *SweepConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.Settle <= 0 {
		c.Settle = 2 * c.Interval
	}
}

// Report summarizes one sweep pass.
type Report struct {
	ContractsExpired    int
	ApplicationsExpired int
	Resumed             int
	ResumeFailures      int
}

// Sweeper expires lapsed contracts and idle applications and resumes
// workflows interrupted between steps.
type Sweeper struct {
	workflow       *Workflow
	contracts      ContractExpirer
	applications   ApplicationSweep
	cfg            SweepConfig
	auditPublisher AuditPublisher
	metrics        *Metrics
	logger         *slog.Logger
	now            func() time.Time
}

type SweeperOption func(*Sweeper)

func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithSweepAudit(publisher AuditPublisher) SweeperOption {
	return func(s *Sweeper) {
		s.auditPublisher = publisher
	}
}

func WithSweepMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

func NewSweeper(workflow *Workflow, contracts ContractExpirer, applications ApplicationSweep, cfg SweepConfig, opts ...SweeperOption) (*Sweeper, error) {
	if workflow == nil {
		return nil, errors.New("workflow is required")
	}
	if contracts == nil || applications == nil {
		return nil, errors.New("contract and application services are required")
	}
	cfg.applyDefaults()
	s := &Sweeper{
		workflow:     workflow,
		contracts:    contracts,
		applications: applications,
		cfg:          cfg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Run sweeps on every tick until ctx is cancelled. A failed pass is logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.InfoContext(ctx, "sweeper started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs one pass: contract expiry, stale application expiry, then
// resumption of applications stuck between workflow steps.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	now := s.now()
	ctx = requestcontext.WithTime(ctx, now)
	ctx = requestcontext.WithActor(ctx, id.System)
	ctx = requestcontext.WithRequestID(ctx, "sweep-"+uuid.NewString())

	var report Report
	var err error
	result := "ok"
	defer func() {
		if err != nil {
			result = "error"
		}
		s.metrics.observeSweep(result, time.Since(start).Seconds())
	}()

	if report.ContractsExpired, err = s.contracts.ExpireDue(ctx, now, s.cfg.BatchSize); err != nil {
		return report, err
	}
	s.metrics.addExpired("contract", report.ContractsExpired)

	if report.ApplicationsExpired, err = s.applications.ExpireStale(ctx, now, s.cfg.BatchSize); err != nil {
		return report, err
	}
	s.metrics.addExpired("application", report.ApplicationsExpired)

	if report.Resumed, report.ResumeFailures, err = s.resume(ctx, now); err != nil {
		return report, err
	}

	if report != (Report{}) {
		s.logger.InfoContext(ctx, "sweep completed",
			"contracts_expired", report.ContractsExpired,
			"applications_expired", report.ApplicationsExpired,
			"resumed", report.Resumed,
			"resume_failures", report.ResumeFailures,
		)
	}
	return report, nil
}

// resume restarts applications left in Approved (contract not yet out),
// ContractSigning (contract closed without the application following) or
// PaymentProcessing (payout not yet recorded). Signing applications are listed
// on their own so a long queue of open contracts cannot crowd out the rest.
func (s *Sweeper) resume(ctx context.Context, now time.Time) (int, int, error) {
	cutoff := now.Add(-s.cfg.Settle)
	stuck, err := s.applications.ListIdle(ctx,
		[]appmodels.State{appmodels.StateApproved, appmodels.StatePaymentProcessing},
		cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	signing, err := s.applications.ListIdle(ctx, []appmodels.State{appmodels.StateContractSigning}, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	stuck = append(stuck, signing...)

	var resumed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, app := range stuck {
		g.Go(func() error {
			stage, err := s.resumeOne(gctx, app)
			if stage == "" && err == nil {
				return nil
			}
			outcome := "ok"
			if err != nil {
				outcome = "error"
				failed.Add(1)
				s.logger.WarnContext(gctx, "failed to resume application",
					"application_id", app.ID,
					"state", app.State,
					"error", err,
				)
			} else {
				resumed.Add(1)
			}
			s.metrics.incResumed(stage, outcome)
			s.record(gctx, app, stage, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return int(resumed.Load()), int(failed.Load()), nil
}

func (s *Sweeper) resumeOne(ctx context.Context, app *appmodels.Application) (string, error) {
	switch app.State {
	case appmodels.StateApproved:
		_, err := s.workflow.startSigning(ctx, app)
		return "signing", err
	case appmodels.StateContractSigning:
		return s.workflow.settleSigning(ctx, app)
	case appmodels.StatePaymentProcessing:
		_, err := s.workflow.payout(ctx, app)
		return "payment", err
	default:
		return "", nil
	}
}

func (s *Sweeper) record(ctx context.Context, app *appmodels.Application, stage string, err error) {
	if s.auditPublisher == nil {
		return
	}
	ev := audit.Event{
		ApplicationID: app.ID,
		EntityType:    "application",
		EntityID:      app.ID.String(),
		Action:        string(audit.EventSweepReconciled),
		FromState:     string(app.State),
		Reason:        "resumed " + stage,
	}
	if err != nil {
		ev.ErrorKind = errorKind(err)
		ev.Reason += ": " + err.Error()
	}
	if aerr := s.auditPublisher.Emit(ctx, ev); aerr != nil {
		s.logger.ErrorContext(ctx, "failed to record sweep audit event", "application_id", app.ID, "error", aerr)
	}
}
