package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "cordon.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CORDON_PORT")
	setString(&cfg.Server.CORSOrigin, "CORDON_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CORDON_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CORDON_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CORDON_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CORDON_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CORDON_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CORDON_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CORDON_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CORDON_LOG_ASYNC")
	setInt64(&cfg.Cache.MaxSizeMB, "CORDON_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.AckRetention, "CORDON_CACHE_ACK_RETENTION")

	setDuration(&cfg.Heartbeat.IdleTTL, "CORDON_HB_IDLE_TTL")
	setDuration(&cfg.Heartbeat.RunningTTL, "CORDON_HB_RUNNING_TTL")
	setDuration(&cfg.Heartbeat.WatchdogTTL, "CORDON_HB_WATCHDOG_TTL")
	setDuration(&cfg.Heartbeat.Cadence, "CORDON_HB_CADENCE")
	setDuration(&cfg.Heartbeat.SweepInterval, "CORDON_HB_SWEEP_INTERVAL")
	setDuration(&cfg.Heartbeat.ClockSkew, "CORDON_HB_CLOCK_SKEW")

	setFloat64(&cfg.Anomaly.Threshold, "CORDON_ANOMALY_THRESHOLD")
	setInt(&cfg.Anomaly.Consecutive, "CORDON_ANOMALY_CONSECUTIVE")
	setFloat64(&cfg.Anomaly.EMAAlpha, "CORDON_ANOMALY_EMA_ALPHA")
	setDuration(&cfg.Anomaly.EvalInterval, "CORDON_ANOMALY_EVAL_INTERVAL")
	setFloat64(&cfg.Anomaly.BaselineDecay, "CORDON_ANOMALY_BASELINE_DECAY")
	setInt(&cfg.Anomaly.MaxBlockedImpact, "CORDON_ANOMALY_MAX_BLOCKED")

	setDuration(&cfg.Restart.Cooldown, "CORDON_RESTART_COOLDOWN")
	setInt(&cfg.Restart.MaxAttempts, "CORDON_RESTART_MAX_ATTEMPTS")
	setDuration(&cfg.Restart.EscalationWindow, "CORDON_ESCALATION_WINDOW")
	setDuration(&cfg.Restart.GracefulStop, "CORDON_RESTART_GRACEFUL_STOP")
	setDuration(&cfg.Restart.AckSLA, "CORDON_ACK_SLA")
	setDuration(&cfg.Restart.Probation, "CORDON_RESTART_PROBATION")
	setBool(&cfg.Restart.DiagnosticTasks, "CORDON_DIAGNOSTIC_TASKS")

	setInt(&cfg.Queue.MaxPending, "CORDON_QUEUE_MAX_PENDING")
	setDuration(&cfg.Queue.DispatchInterval, "CORDON_QUEUE_DISPATCH_INTERVAL")
	setInt(&cfg.Queue.CriticalBlocked, "CORDON_QUEUE_CRITICAL_BLOCKED")
	setInt(&cfg.Breaker.MaxFailures, "CORDON_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CORDON_BREAKER_TIMEOUT")

	setBool(&cfg.Telemetry.Enabled, "CORDON_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setDuration(&cfg.Telemetry.Interval, "CORDON_TELEMETRY_INTERVAL")
}

// validate rejects configurations that would break the control loop's
// invariants at startup rather than at an arbitrary later tick.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port must not be empty")
	}
	if cfg.Heartbeat.IdleTTL <= 0 || cfg.Heartbeat.RunningTTL <= 0 || cfg.Heartbeat.WatchdogTTL <= 0 {
		return errors.New("heartbeat TTLs must be positive")
	}
	shortest := cfg.Heartbeat.RunningTTL
	if cfg.Heartbeat.WatchdogTTL < shortest {
		shortest = cfg.Heartbeat.WatchdogTTL
	}
	if cfg.Heartbeat.SweepInterval <= 0 || cfg.Heartbeat.SweepInterval > shortest {
		return fmt.Errorf("heartbeat.sweep_interval must be in (0, %s]", shortest)
	}
	if cfg.Heartbeat.ClockSkew < 0 {
		return errors.New("heartbeat.clock_skew must not be negative")
	}
	if cfg.Anomaly.Threshold < 0 || cfg.Anomaly.Threshold > 1 {
		return errors.New("anomaly.threshold must be in [0,1]")
	}
	if cfg.Anomaly.Consecutive < 1 {
		return errors.New("anomaly.consecutive must be at least 1")
	}
	if cfg.Anomaly.EMAAlpha <= 0 || cfg.Anomaly.EMAAlpha > 1 {
		return errors.New("anomaly.ema_alpha must be in (0,1]")
	}
	if cfg.Restart.Cooldown < 0 || cfg.Restart.GracefulStop <= 0 {
		return errors.New("restart.cooldown must be non-negative and restart.graceful_stop positive")
	}
	if cfg.Restart.MaxAttempts < 1 || cfg.Restart.EscalationWindow <= 0 {
		return errors.New("restart.max_attempts must be at least 1 within a positive escalation_window")
	}
	if cfg.Queue.MaxPending < 1 {
		return errors.New("queue.max_pending must be at least 1")
	}
	if cfg.Queue.DispatchInterval <= 0 {
		return errors.New("queue.dispatch_interval must be positive")
	}
	return nil
}

// --- env helpers ---

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
