package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Core  CoreConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// CoreConfig carries the orchestration-core timings and limits.
// Every timed state (claim made, call initiated, step started) reads its
// deadline from here; components never hardcode durations.
type CoreConfig struct {
	// ClaimTTL is the maximum claimed-but-not-dialing lifetime of a queue
	// entry before it is released back to the tail.
	ClaimTTL time.Duration

	// SetupTimeout bounds the initiated -> ringing window of a call.
	SetupTimeout time.Duration

	// StepTimeout is the default per-step deadline for flow executions.
	StepTimeout time.Duration

	// QueueMaxDepth is the per-campaign depth past which enqueue publishes a
	// queue-overflow event instead of growing silently. Zero disables.
	QueueMaxDepth int

	// DeliveryMaxAttempts caps event delivery retries per subscriber before
	// the delivery is dead-lettered.
	DeliveryMaxAttempts int

	// DeliveryBaseBackoff is the initial delay of the delivery retry policy.
	DeliveryBaseBackoff time.Duration

	// ReconcileSpec is the cron spec of the ended-without-outcome sweep.
	ReconcileSpec string

	// ReconcileGrace is how long a call may sit in ended before the sweep
	// flags it.
	ReconcileGrace time.Duration

	// RedialOutcomes are the disposition codes that requeue a dial-queue
	// entry at the tail instead of retiring it.
	RedialOutcomes []string

	// ReplayWindow bounds how far back the durable event log is replayed at
	// startup, so deliveries in flight when the previous process died are
	// re-attempted.
	ReplayWindow time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Core.ClaimTTL = mustDuration("CORE_CLAIM_TTL")
	c.Core.SetupTimeout = mustDuration("CORE_SETUP_TIMEOUT")
	c.Core.StepTimeout = mustDuration("CORE_STEP_TIMEOUT")
	c.Core.DeliveryBaseBackoff = mustDuration("CORE_DELIVERY_BACKOFF")
	{
		v := strings.TrimSpace(os.Getenv("CORE_QUEUE_MAX_DEPTH"))
		if v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("CORE_QUEUE_MAX_DEPTH must be an integer, got %q", v))
			}
			c.Core.QueueMaxDepth = n
		}
	}
	{
		v := strings.TrimSpace(os.Getenv("CORE_DELIVERY_MAX_ATTEMPTS"))
		if v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("CORE_DELIVERY_MAX_ATTEMPTS must be an integer, got %q", v))
			}
			c.Core.DeliveryMaxAttempts = n
		}
	}
	c.Core.ReconcileSpec = strings.TrimSpace(os.Getenv("CORE_RECONCILE_SPEC"))
	c.Core.ReconcileGrace = mustDuration("CORE_RECONCILE_GRACE")
	c.Core.ReplayWindow = mustDuration("CORE_REPLAY_WINDOW")
	if v := strings.TrimSpace(os.Getenv("CORE_REDIAL_OUTCOMES")); v != "" {
		for _, code := range strings.Split(v, ",") {
			if code = strings.TrimSpace(code); code != "" {
				c.Core.RedialOutcomes = append(c.Core.RedialOutcomes, code)
			}
		}
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	// Core timings: defaults are deliberately tight. A claim that sits for
	// minutes starves the queue; a call stuck in setup blocks an agent.
	if c.Core.ClaimTTL <= 0 {
		c.Core.ClaimTTL = 30 * time.Second
	}
	if c.Core.SetupTimeout <= 0 {
		c.Core.SetupTimeout = 45 * time.Second
	}
	if c.Core.StepTimeout <= 0 {
		c.Core.StepTimeout = 60 * time.Second
	}
	if c.Core.DeliveryMaxAttempts <= 0 {
		c.Core.DeliveryMaxAttempts = 5
	}
	if c.Core.DeliveryBaseBackoff <= 0 {
		c.Core.DeliveryBaseBackoff = 200 * time.Millisecond
	}
	if c.Core.ReconcileSpec == "" {
		c.Core.ReconcileSpec = "@every 1m"
	}
	if c.Core.ReconcileGrace <= 0 {
		c.Core.ReconcileGrace = 5 * time.Minute
	}
	if len(c.Core.RedialOutcomes) == 0 {
		c.Core.RedialOutcomes = []string{"no_answer", "busy"}
	}
	if c.Core.ReplayWindow <= 0 {
		c.Core.ReplayWindow = 15 * time.Minute
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
