package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	JWTSigningKey   string
	JWTIssuer       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Lending captures product and policy parameters used by the calculators and
// the state machine.
type Lending struct {
	AnnualRatePercent    decimal.Decimal
	MaxDebtToIncome      decimal.Decimal
	InitiationFeePercent decimal.Decimal
	MonthlyServiceFee    decimal.Decimal
	MinAmount            decimal.Decimal
	MaxAmount            decimal.Decimal
	MaxTermMonths        int
	ApplicationTTL       time.Duration
	ContractWindowDays   int
	PinTTL               time.Duration
	PinMaxAttempts       int
	PinHashCost          int
}

// Collaborators configures outbound verification, messaging and payment calls.
type Collaborators struct {
	IdentityURL      string
	EmploymentURL    string
	MessagingURL     string
	PaymentURL       string
	VerifyTimeout    time.Duration
	DispatchTimeout  time.Duration
	PaymentTimeout   time.Duration
	BreakerFailures  int
	BreakerSuccesses int
	BreakerCooldown  time.Duration
}

// Sweep configures the background expiry worker.
type Sweep struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
}

// RedisConfig configures the optional Redis connection used for distributed locks.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockTTL      time.Duration
}

// Kafka configures the optional audit outbox relay.
type Kafka struct {
	Brokers    []string
	AuditTopic string
}

type Config struct {
	Server        Server
	Lending       Lending
	Collaborators Collaborators
	Sweep         Sweep
	DatabaseURL   string
	Redis         RedisConfig
	Kafka         Kafka
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	r := &reader{}
	cfg := Config{
		Server: Server{
			Addr:            r.str("LENDFLOW_ADDR", ":8080"),
			LogLevel:        r.str("LOG_LEVEL", "info"),
			LogFormat:       r.str("LOG_FORMAT", "json"),
			JWTSigningKey:   r.str("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:       r.str("JWT_ISSUER", "lendflow"),
			ReadTimeout:     r.dur("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    r.dur("HTTP_WRITE_TIMEOUT", 45*time.Second),
			IdleTimeout:     r.dur("HTTP_IDLE_TIMEOUT", 2*time.Minute),
			RequestTimeout:  r.dur("HTTP_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: r.dur("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Lending: Lending{
			AnnualRatePercent:    r.dec("PRODUCT_ANNUAL_RATE_PERCENT", "28"),
			MaxDebtToIncome:      r.dec("MAX_DEBT_TO_INCOME", "0.35"),
			InitiationFeePercent: r.dec("INITIATION_FEE_PERCENT", "10"),
			MonthlyServiceFee:    r.dec("MONTHLY_SERVICE_FEE", "60"),
			MinAmount:            r.dec("MIN_LOAN_AMOUNT", "500"),
			MaxAmount:            r.dec("MAX_LOAN_AMOUNT", "8000"),
			MaxTermMonths:        r.num("MAX_TERM_MONTHS", 6*12),
			ApplicationTTL:       r.dur("APPLICATION_TTL", 30*24*time.Hour),
			ContractWindowDays:   r.num("CONTRACT_WINDOW_BUSINESS_DAYS", 5),
			PinTTL:               r.dur("PIN_TTL", 10*time.Minute),
			PinMaxAttempts:       r.num("PIN_MAX_ATTEMPTS", 5),
			PinHashCost:          r.num("PIN_HASH_COST", 10),
		},
		Collaborators: Collaborators{
			IdentityURL:      r.str("IDENTITY_VERIFICATION_URL", ""),
			EmploymentURL:    r.str("EMPLOYMENT_VERIFICATION_URL", ""),
			MessagingURL:     r.str("MESSAGING_URL", ""),
			PaymentURL:       r.str("PAYMENT_URL", ""),
			VerifyTimeout:    r.dur("VERIFY_TIMEOUT", 5*time.Second),
			DispatchTimeout:  r.dur("DISPATCH_TIMEOUT", 3*time.Second),
			PaymentTimeout:   r.dur("PAYMENT_TIMEOUT", 15*time.Second),
			BreakerFailures:  r.num("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerSuccesses: r.num("BREAKER_SUCCESS_THRESHOLD", 2),
			BreakerCooldown:  r.dur("BREAKER_COOLDOWN", 30*time.Second),
		},
		Sweep: Sweep{
			Interval:    r.dur("SWEEP_INTERVAL", time.Minute),
			BatchSize:   r.num("SWEEP_BATCH_SIZE", 100),
			Parallelism: r.num("SWEEP_PARALLELISM", 4),
		},
		DatabaseURL: r.str("DATABASE_URL", ""),
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.num("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.num("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.dur("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.dur("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.dur("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockTTL:      r.dur("REDIS_LOCK_TTL", 30*time.Second),
		},
		Kafka: Kafka{
			Brokers:    r.list("KAFKA_BROKERS"),
			AuditTopic: r.str("AUDIT_TOPIC", "lendflow.audit"),
		},
	}
	if err := r.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	l := c.Lending
	one := decimal.NewFromInt(1)
	switch {
	case !l.MaxDebtToIncome.IsPositive() || l.MaxDebtToIncome.GreaterThan(one):
		return fmt.Errorf("MAX_DEBT_TO_INCOME must be in (0, 1], got %s", l.MaxDebtToIncome)
	case l.AnnualRatePercent.IsNegative():
		return fmt.Errorf("PRODUCT_ANNUAL_RATE_PERCENT must not be negative")
	case l.MinAmount.GreaterThan(l.MaxAmount):
		return fmt.Errorf("MIN_LOAN_AMOUNT exceeds MAX_LOAN_AMOUNT")
	case l.PinMaxAttempts <= 0:
		return fmt.Errorf("PIN_MAX_ATTEMPTS must be positive")
	case l.ContractWindowDays <= 0:
		return fmt.Errorf("CONTRACT_WINDOW_BUSINESS_DAYS must be positive")
	case c.Sweep.Parallelism <= 0:
		return fmt.Errorf("SWEEP_PARALLELISM must be positive")
	case c.Server.RequestTimeout >= c.Server.WriteTimeout:
		return fmt.Errorf("HTTP_REQUEST_TIMEOUT must be shorter than HTTP_WRITE_TIMEOUT")
	}
	return nil
}

// reader accumulates parse failures so FromEnv reads linearly.
type reader struct {
	errs []string
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) num(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (r *reader) dec(key, def string) decimal.Decimal {
	d, err := decimal.NewFromString(r.str(key, def))
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return decimal.RequireFromString(def)
	}
	return d
}

func (r *reader) list(key string) []string {
	v := r.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *reader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
}
