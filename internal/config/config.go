package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Dispatch core configuration, with environment-variable overrides
// =============================================================================

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Auth         AuthConfig         `yaml:"auth"`
	Lockout      LockoutConfig      `yaml:"lockout"`
	OTP          OTPConfig          `yaml:"otp"`
	Fines        FinesConfig        `yaml:"fines"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	PubSub       PubSubConfig       `yaml:"pubsub"`
	CloudTasks   CloudTasksConfig   `yaml:"cloud_tasks"`
	Outbound     OutboundConfig     `yaml:"outbound"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// StoreConfig is the primary transactional store (row-locked entities).
type StoreConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeSec  int    `yaml:"conn_max_life_sec"`
}

// CacheConfig is the Redis-backed read-through catalog cache.
type CacheConfig struct {
	DSN            string `yaml:"dsn"`
	DefaultTTLSec  int    `yaml:"default_ttl_sec"`
}

// CatalogConfig is the Supabase/PostgREST client for low-write-contention
// catalog data (firms, provider types, products, coverage areas).
type CatalogConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// LedgerConfig is the Spanner-backed append-only audit mirror.
type LedgerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
	Enabled    bool   `yaml:"enabled"`
}

// AuthConfig covers bearer token issuance.
type AuthConfig struct {
	HMACSecret            string `yaml:"hmac_secret"`
	PrevHMACSecret        string `yaml:"prev_hmac_secret"`
	KeyRotationGraceSec   int    `yaml:"key_rotation_grace_sec"`
	AccessTokenTTLMin     int    `yaml:"access_token_ttl_min"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days"`
	BcryptCost            int    `yaml:"bcrypt_cost"`
	MaxTokensPerPrincipal int    `yaml:"max_tokens_per_principal"`
	TokenSweepIntervalSec int    `yaml:"token_sweep_interval_sec"`
}

// LockoutConfig parameterises the §4.A lockout state machine.
type LockoutConfig struct {
	FailThreshold   int `yaml:"fail_threshold"`
	LockDurationMin int `yaml:"lock_duration_min"`
}

// OTPConfig parameterises unlock-OTP issuance and verification.
type OTPConfig struct {
	LifetimeMin  int `yaml:"lifetime_min"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// FinesConfig holds the §4.F progressive fine settings as loaded from
// YAML/env. abuse.Service does not read them: it applies fixed values (base
// 5000 cents, multiplier 1.5, cap 50000 cents, prank thresholds 3/5/10,
// 30-day recent window) whatever this block contains.
type FinesConfig struct {
	BaseCents        int64   `yaml:"base_cents"`
	Multiplier       float64 `yaml:"multiplier"`
	CapCents         int64   `yaml:"cap_cents"`
	PrankFineThreshold   int `yaml:"prank_fine_threshold"`
	PrankSuspendThreshold int `yaml:"prank_suspend_threshold"`
	PrankBanThreshold     int `yaml:"prank_ban_threshold"`
	RecentWindowDays      int `yaml:"recent_window_days"`
}

// SubscriptionConfig parameterises §4.C windows.
type SubscriptionConfig struct {
	WindowDays int `yaml:"window_days"`
	GraceDays  int `yaml:"grace_days"`
}

// DispatchConfig parameterises §4.D timeouts, rate limits, and dedupe.
type DispatchConfig struct {
	PendingTimeoutMin     int     `yaml:"pending_timeout_min"`
	AllocatedTimeoutMin   int     `yaml:"allocated_timeout_min"`
	StaleProgressTimeoutMin int   `yaml:"stale_progress_timeout_min"`
	DedupeWindowMin       int     `yaml:"dedupe_window_min"`
	MaxRequestsPerWindow  int     `yaml:"max_requests_per_window"`
	RequestRateWindowSec  int     `yaml:"request_rate_window_sec"`
	ArrivalRadiusMeters   float64 `yaml:"arrival_radius_meters"`
	ProcessingBudgetSec   int     `yaml:"processing_budget_sec"`
	ExternalCallTimeoutSec int    `yaml:"external_call_timeout_sec"`
}

// PubSubConfig backs the cross-process realtime event bus.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig backs the background scheduler's job queue.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

// OutboundConfig covers payment/OTP-delivery/attestation circuit breakers.
type OutboundConfig struct {
	PaymentGatewayURL      string `yaml:"payment_gateway_url"`
	AttestationVerifierURL string `yaml:"attestation_verifier_url"`
	DevModeUnsupportedOK   bool   `yaml:"dev_mode_unsupported_ok"`
	BreakerFailureThreshold int   `yaml:"breaker_failure_threshold"`
	BreakerOpenSec          int   `yaml:"breaker_open_sec"`
}

// =============================================================================
// Singleton load
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = defaults()
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

func defaults() *Config {
	return &Config{
		Lockout: LockoutConfig{FailThreshold: 5, LockDurationMin: 30},
		OTP:     OTPConfig{LifetimeMin: 10, MaxAttempts: 3},
		Fines: FinesConfig{
			BaseCents: 5000, Multiplier: 1.5, CapCents: 50000,
			PrankFineThreshold: 3, PrankSuspendThreshold: 5, PrankBanThreshold: 10,
			RecentWindowDays: 30,
		},
		Subscription: SubscriptionConfig{WindowDays: 30, GraceDays: 7},
		Dispatch: DispatchConfig{
			PendingTimeoutMin: 15, AllocatedTimeoutMin: 10, StaleProgressTimeoutMin: 30,
			DedupeWindowMin: 2, MaxRequestsPerWindow: 5, RequestRateWindowSec: 60,
			ArrivalRadiusMeters: 500, ProcessingBudgetSec: 15, ExternalCallTimeoutSec: 10,
		},
		Auth: AuthConfig{
			AccessTokenTTLMin: 60, RefreshTokenTTLDays: 7, BcryptCost: 12,
			MaxTokensPerPrincipal: 10, TokenSweepIntervalSec: 3600, KeyRotationGraceSec: 3600,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg := defaults()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", orDefault(c.Server.Port, "8080"))
	c.Server.Env = getEnv("APP_ENV", orDefault(c.Server.Env, "development"))
	c.Server.Interface = getEnv("BIND_INTERFACE", c.Server.Interface)
	if origins := os.Getenv("CORS_ALLOW_ORIGINS"); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	// Store
	c.Store.DSN = getEnv("STORE_DSN", getEnv("DATABASE_URL", c.Store.DSN))
	c.Store.MaxOpenConns = getEnvInt("STORE_MAX_OPEN_CONNS", orDefaultInt(c.Store.MaxOpenConns, 25))
	c.Store.MaxIdleConns = getEnvInt("STORE_MAX_IDLE_CONNS", orDefaultInt(c.Store.MaxIdleConns, 5))

	// Cache
	c.Cache.DSN = getEnv("CACHE_DSN", getEnv("REDIS_URL", c.Cache.DSN))
	c.Cache.DefaultTTLSec = getEnvInt("CACHE_DEFAULT_TTL_SEC", orDefaultInt(c.Cache.DefaultTTLSec, 300))

	// Catalog (Supabase)
	c.Catalog.URL = getEnv("SUPABASE_URL", c.Catalog.URL)
	c.Catalog.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Catalog.ServiceKey)

	// Ledger (Spanner)
	c.Ledger.ProjectID = getEnv("SPANNER_PROJECT_ID", getEnv("GCP_PROJECT_ID", c.Ledger.ProjectID))
	c.Ledger.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Ledger.InstanceID)
	c.Ledger.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Ledger.DatabaseID)
	c.Ledger.Enabled = getEnvBool("SPANNER_ENABLED", c.Ledger.Enabled)

	// Auth
	c.Auth.HMACSecret = getEnv("AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Auth.PrevHMACSecret = getEnv("AUTH_PREV_HMAC_SECRET", c.Auth.PrevHMACSecret)
	c.Auth.KeyRotationGraceSec = getEnvInt("AUTH_KEY_ROTATION_GRACE_SEC", c.Auth.KeyRotationGraceSec)
	c.Auth.AccessTokenTTLMin = getEnvInt("AUTH_ACCESS_TOKEN_TTL_MIN", c.Auth.AccessTokenTTLMin)
	c.Auth.RefreshTokenTTLDays = getEnvInt("AUTH_REFRESH_TOKEN_TTL_DAYS", c.Auth.RefreshTokenTTLDays)
	c.Auth.BcryptCost = getEnvInt("AUTH_BCRYPT_COST", c.Auth.BcryptCost)
	c.Auth.MaxTokensPerPrincipal = getEnvInt("AUTH_MAX_TOKENS_PER_PRINCIPAL", c.Auth.MaxTokensPerPrincipal)
	c.Auth.TokenSweepIntervalSec = getEnvInt("AUTH_TOKEN_SWEEP_INTERVAL_SEC", c.Auth.TokenSweepIntervalSec)

	// Lockout
	c.Lockout.FailThreshold = getEnvInt("LOCKOUT_FAIL_THRESHOLD", c.Lockout.FailThreshold)
	c.Lockout.LockDurationMin = getEnvInt("LOCKOUT_DURATION_MIN", c.Lockout.LockDurationMin)

	// OTP
	c.OTP.LifetimeMin = getEnvInt("OTP_LIFETIME_MIN", c.OTP.LifetimeMin)
	c.OTP.MaxAttempts = getEnvInt("OTP_MAX_ATTEMPTS", c.OTP.MaxAttempts)

	// Fines
	c.Fines.BaseCents = int64(getEnvInt("FINE_BASE_CENTS", int(c.Fines.BaseCents)))
	c.Fines.Multiplier = getEnvFloat("FINE_MULTIPLIER", c.Fines.Multiplier)
	c.Fines.CapCents = int64(getEnvInt("FINE_CAP_CENTS", int(c.Fines.CapCents)))
	c.Fines.PrankFineThreshold = getEnvInt("PRANK_FINE_THRESHOLD", c.Fines.PrankFineThreshold)
	c.Fines.PrankSuspendThreshold = getEnvInt("PRANK_SUSPEND_THRESHOLD", c.Fines.PrankSuspendThreshold)
	c.Fines.PrankBanThreshold = getEnvInt("PRANK_BAN_THRESHOLD", c.Fines.PrankBanThreshold)
	c.Fines.RecentWindowDays = getEnvInt("PRANK_RECENT_WINDOW_DAYS", c.Fines.RecentWindowDays)

	// Subscription
	c.Subscription.WindowDays = getEnvInt("SUBSCRIPTION_WINDOW_DAYS", c.Subscription.WindowDays)
	c.Subscription.GraceDays = getEnvInt("SUBSCRIPTION_GRACE_DAYS", c.Subscription.GraceDays)

	// Dispatch
	c.Dispatch.PendingTimeoutMin = getEnvInt("DISPATCH_PENDING_TIMEOUT_MIN", c.Dispatch.PendingTimeoutMin)
	c.Dispatch.AllocatedTimeoutMin = getEnvInt("DISPATCH_ALLOCATED_TIMEOUT_MIN", c.Dispatch.AllocatedTimeoutMin)
	c.Dispatch.StaleProgressTimeoutMin = getEnvInt("DISPATCH_STALE_PROGRESS_TIMEOUT_MIN", c.Dispatch.StaleProgressTimeoutMin)
	c.Dispatch.DedupeWindowMin = getEnvInt("DISPATCH_DEDUPE_WINDOW_MIN", c.Dispatch.DedupeWindowMin)
	c.Dispatch.MaxRequestsPerWindow = getEnvInt("DISPATCH_MAX_REQUESTS_PER_WINDOW", c.Dispatch.MaxRequestsPerWindow)
	c.Dispatch.RequestRateWindowSec = getEnvInt("DISPATCH_REQUEST_RATE_WINDOW_SEC", c.Dispatch.RequestRateWindowSec)
	c.Dispatch.ArrivalRadiusMeters = getEnvFloat("DISPATCH_ARRIVAL_RADIUS_METERS", c.Dispatch.ArrivalRadiusMeters)
	c.Dispatch.ProcessingBudgetSec = getEnvInt("DISPATCH_PROCESSING_BUDGET_SEC", c.Dispatch.ProcessingBudgetSec)
	c.Dispatch.ExternalCallTimeoutSec = getEnvInt("DISPATCH_EXTERNAL_CALL_TIMEOUT_SEC", c.Dispatch.ExternalCallTimeoutSec)

	// Pub/Sub
	c.PubSub.ProjectID = getEnv("PUBSUB_PROJECT_ID", getEnv("GCP_PROJECT_ID", c.PubSub.ProjectID))
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", orDefault(c.PubSub.TopicID, "dispatch-events"))
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	// Cloud Tasks
	c.CloudTasks.ProjectID = getEnv("CLOUD_TASKS_PROJECT_ID", getEnv("GCP_PROJECT_ID", c.CloudTasks.ProjectID))
	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION_ID", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE_ID", orDefault(c.CloudTasks.QueueID, "dispatch-scheduler"))
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	// Outbound
	c.Outbound.PaymentGatewayURL = getEnv("PAYMENT_GATEWAY_URL", c.Outbound.PaymentGatewayURL)
	c.Outbound.AttestationVerifierURL = getEnv("ATTESTATION_VERIFIER_URL", c.Outbound.AttestationVerifierURL)
	c.Outbound.DevModeUnsupportedOK = c.IsDevelopment() || getEnvBool("DEV_MODE_UNSUPPORTED_OK", c.Outbound.DevModeUnsupportedOK)
	c.Outbound.BreakerFailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", orDefaultInt(c.Outbound.BreakerFailureThreshold, 5))
	c.Outbound.BreakerOpenSec = getEnvInt("BREAKER_OPEN_SEC", orDefaultInt(c.Outbound.BreakerOpenSec, 30))
}

// =============================================================================
// helpers
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func orDefaultInt(val, def int) int {
	if val == 0 {
		return def
	}
	return val
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c *Config) GetSupabaseURL() string {
	return c.Catalog.URL
}

func (c *Config) GetSupabaseKey() string {
	return c.Catalog.ServiceKey
}
