package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lendflow/internal/amortization"
	appmetrics "lendflow/internal/application/metrics"
	appservice "lendflow/internal/application/service"
	appstore "lendflow/internal/application/store"
	"lendflow/internal/collaborators"
	dismetrics "lendflow/internal/disbursement/metrics"
	disservice "lendflow/internal/disbursement/service"
	disstore "lendflow/internal/disbursement/store"
	"lendflow/internal/origination"
	"lendflow/internal/platform/actortoken"
	"lendflow/internal/platform/config"
	"lendflow/internal/platform/kafka"
	"lendflow/internal/platform/lock"
	"lendflow/internal/platform/postgres"
	redisclient "lendflow/internal/platform/redis"
	"lendflow/internal/ports"
	"lendflow/internal/signing/device"
	signmetrics "lendflow/internal/signing/metrics"
	signmodels "lendflow/internal/signing/models"
	"lendflow/internal/signing/render"
	signservice "lendflow/internal/signing/service"
	signstore "lendflow/internal/signing/store"
	httptransport "lendflow/internal/transport/http"
	"lendflow/pkg/platform/audit"
	"lendflow/pkg/platform/audit/outbox"
	"lendflow/pkg/platform/audit/publishers/compliance"
	auditmemory "lendflow/pkg/platform/audit/store/memory"
	auditpostgres "lendflow/pkg/platform/audit/store/postgres"
	"lendflow/pkg/platform/tx"
)

// infra holds the optional backing services. With no DATABASE_URL the
// service runs on in-memory stores; with no REDIS_URL locks are process-local.
type infra struct {
	db       *sql.DB
	redis    *redisclient.Client
	locker   lock.Locker
	tx       tx.Runner
	audit    audit.Store
	producer *kafka.Producer
	relay    *outbox.Relay
}

func openInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{
		locker: lock.NewSharded(),
		tx:     tx.Nop{},
		audit:  auditmemory.NewInMemoryStore(),
	}

	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		in.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			in.close()
			return nil, err
		}
		in.tx = tx.SQLRunner{DB: db}
		outboxStore := auditpostgres.New(db)
		in.audit = outboxStore

		if len(cfg.Kafka.Brokers) > 0 {
			producer, err := kafka.NewProducer(cfg.Kafka.Brokers, log)
			if err != nil {
				in.close()
				return nil, err
			}
			in.producer = producer
			if err := producer.EnsureTopic(ctx, cfg.Kafka.AuditTopic, 3); err != nil {
				log.WarnContext(ctx, "could not ensure audit topic", "topic", cfg.Kafka.AuditTopic, "error", err)
			}
			in.relay = outbox.New(outboxStore, producer, cfg.Kafka.AuditTopic, outbox.WithLogger(log))
		}
	} else if len(cfg.Kafka.Brokers) > 0 {
		log.WarnContext(ctx, "KAFKA_BROKERS ignored: the audit outbox requires DATABASE_URL")
	}

	client, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		in.close()
		return nil, err
	}
	if client != nil {
		in.redis = client
		in.locker = lock.NewRedis(client.Client, cfg.Redis.LockTTL, log)
	}
	return in, nil
}

func (in *infra) storeKind() string {
	if in.db != nil {
		return "postgres"
	}
	return "memory"
}

func (in *infra) healthChecks() map[string]httptransport.HealthCheck {
	checks := map[string]httptransport.HealthCheck{}
	if in.db != nil {
		checks["postgres"] = in.db.PingContext
	}
	if in.redis != nil {
		checks["redis"] = in.redis.Health
	}
	return checks
}

func (in *infra) close() {
	if in.producer != nil {
		in.producer.Close()
	}
	if in.redis != nil {
		_ = in.redis.Close()
	}
	if in.db != nil {
		_ = in.db.Close()
	}
}

type services struct {
	applications *appservice.Service
	signing      *signservice.Service
	payouts      *disservice.Service
	workflow     *origination.Workflow
	sweeper      *origination.Sweeper
	tokens       *actortoken.Service
}

type outbound struct {
	identity   ports.Verifier
	employment ports.Verifier
	sender     ports.MessageSender
	gateway    ports.PaymentGateway
}

// buildCollaborators uses the HTTP adapters for every configured URL and the
// sandbox adapters otherwise. Every adapter is guarded.
func buildCollaborators(cfg config.Collaborators, reg prometheus.Registerer, log *slog.Logger) outbound {
	client := &http.Client{}
	metrics := collaborators.NewMetrics(reg)
	settings := collaborators.BreakerSettings{
		Failures:  cfg.BreakerFailures,
		Successes: cfg.BreakerSuccesses,
		Cooldown:  cfg.BreakerCooldown,
	}
	guard := func(name string, timeout time.Duration) *collaborators.Guard {
		return collaborators.NewGuard(name, timeout, settings,
			collaborators.WithLogger(log),
			collaborators.WithMetrics(metrics),
		)
	}

	var out outbound
	var identity ports.Verifier = collaborators.SandboxVerifier{Name: "identity"}
	var employment ports.Verifier = collaborators.SandboxVerifier{Name: "employment"}
	if cfg.IdentityURL != "" {
		identity = collaborators.NewHTTPVerifier("identity", cfg.IdentityURL, client)
	}
	if cfg.EmploymentURL != "" {
		employment = collaborators.NewHTTPVerifier("employment", cfg.EmploymentURL, client)
	}
	var sender ports.MessageSender = collaborators.NewSandboxSender(log)
	if cfg.MessagingURL != "" {
		sender = collaborators.NewHTTPMessageSender(cfg.MessagingURL, client)
	}
	var gateway ports.PaymentGateway = collaborators.NewSandboxGateway("")
	if cfg.PaymentURL != "" {
		gateway = collaborators.NewHTTPPaymentGateway(cfg.PaymentURL, client)
	}
	for name, url := range map[string]string{
		"identity":   cfg.IdentityURL,
		"employment": cfg.EmploymentURL,
		"messaging":  cfg.MessagingURL,
		"payment":    cfg.PaymentURL,
	} {
		if url == "" {
			log.Warn("collaborator not configured, using sandbox adapter", "collaborator", name)
		}
	}

	out.identity = collaborators.NewGuardedVerifier(guard("identity", cfg.VerifyTimeout), identity)
	out.employment = collaborators.NewGuardedVerifier(guard("employment", cfg.VerifyTimeout), employment)
	out.sender = collaborators.NewGuardedSender(guard("messaging", cfg.DispatchTimeout), sender)
	out.gateway = collaborators.NewGuardedGateway(guard("payment", cfg.PaymentTimeout), gateway)
	return out
}

func buildApp(cfg config.Config, in *infra, reg prometheus.Registerer, log *slog.Logger) (*services, error) {
	publisher := compliance.New(in.audit,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics(reg)),
	)
	out := buildCollaborators(cfg.Collaborators, reg, log)

	var (
		applicationStore appservice.Store = appstore.NewInMemory()
		contractStore    signservice.Store = signstore.NewInMemory()
		payoutStore      disservice.Store  = disstore.NewInMemory()
	)
	if in.db != nil {
		applicationStore = appstore.NewPostgres(in.db)
		contractStore = signstore.NewPostgres(in.db)
		payoutStore = disstore.NewPostgres(in.db)
	}

	renderer, err := render.New("")
	if err != nil {
		return nil, err
	}

	// The expiry listener closes over the workflow built below.
	var wf *origination.Workflow
	signing, err := signservice.New(contractStore, in.locker, out.sender, renderer,
		signservice.Config{
			PinTTL:             cfg.Lending.PinTTL,
			MaxAttempts:        cfg.Lending.PinMaxAttempts,
			HashCost:           cfg.Lending.PinHashCost,
			WindowBusinessDays: cfg.Lending.ContractWindowDays,
			DispatchTimeout:    cfg.Collaborators.DispatchTimeout,
		},
		signservice.WithLogger(log),
		signservice.WithAuditPublisher(publisher),
		signservice.WithMetrics(signmetrics.New(reg)),
		signservice.WithTxRunner(in.tx),
		signservice.WithDeviceService(device.NewService(true)),
		signservice.WithSweepParallelism(cfg.Sweep.Parallelism),
		signservice.WithExpiryListener(func(ctx context.Context, c *signmodels.Contract) {
			wf.OnContractExpired(ctx, c)
		}),
	)
	if err != nil {
		return nil, err
	}

	applications, err := appservice.New(applicationStore, in.locker,
		appservice.Verifiers{Identity: out.identity, Employment: out.employment},
		signing,
		appservice.Policy{
			AnnualRatePercent: cfg.Lending.AnnualRatePercent,
			MaxDebtToIncome:   cfg.Lending.MaxDebtToIncome,
			Fees: amortization.FeePolicy{
				InitiationPercent: cfg.Lending.InitiationFeePercent,
				MonthlyServiceFee: cfg.Lending.MonthlyServiceFee,
			},
			MinAmount:      cfg.Lending.MinAmount,
			MaxAmount:      cfg.Lending.MaxAmount,
			MaxTermMonths:  cfg.Lending.MaxTermMonths,
			ApplicationTTL: cfg.Lending.ApplicationTTL,
		},
		appservice.WithLogger(log),
		appservice.WithAuditPublisher(publisher),
		appservice.WithMetrics(appmetrics.New(reg)),
		appservice.WithTxRunner(in.tx),
		appservice.WithPayoutLedger(disservice.NewLedger(payoutStore)),
		appservice.WithSweepParallelism(cfg.Sweep.Parallelism),
	)
	if err != nil {
		return nil, err
	}

	payouts, err := disservice.New(payoutStore, in.locker, applications, signing, out.gateway,
		disservice.WithLogger(log),
		disservice.WithAuditPublisher(publisher),
		disservice.WithMetrics(dismetrics.New(reg)),
		disservice.WithTxRunner(in.tx),
		disservice.WithPaymentTimeout(cfg.Collaborators.PaymentTimeout),
	)
	if err != nil {
		return nil, err
	}

	wf, err = origination.New(applications, signing, payouts, origination.WithLogger(log))
	if err != nil {
		return nil, err
	}

	sweeper, err := origination.NewSweeper(wf, signing, applications,
		origination.SweepConfig{
			Interval:    cfg.Sweep.Interval,
			BatchSize:   cfg.Sweep.BatchSize,
			Parallelism: cfg.Sweep.Parallelism,
		},
		origination.WithSweepLogger(log),
		origination.WithSweepAudit(publisher),
		origination.WithSweepMetrics(origination.NewMetrics(reg)),
	)
	if err != nil {
		return nil, err
	}

	tokens, err := actortoken.New(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("actor tokens: %w", err)
	}

	return &services{
		applications: applications,
		signing:      signing,
		payouts:      payouts,
		workflow:     wf,
		sweeper:      sweeper,
		tokens:       tokens,
	}, nil
}
