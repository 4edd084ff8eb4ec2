package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		CORS            bool          `yaml:"cors" default:"true"`
	} `yaml:"server"`
	Log struct {
		Level          string        `yaml:"level" default:"info"`
		Format         string        `yaml:"format" default:"json"`
		Output         string        `yaml:"output" default:"stdout"`
		CollectErrors  bool          `yaml:"collect_errors" default:"true"`
		CollectEvery   time.Duration `yaml:"collect_every" default:"1m"`
		CollectMaxKeys int           `yaml:"collect_max_keys" default:"50"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"signalflow"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		SignalTopic  string   `yaml:"signal_topic" default:"signals.events"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"200ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
			BufferSize   int           `yaml:"buffer_size" default:"2000"`
		} `yaml:"producer"`
		Consumer struct {
			FeedbackTopic string        `yaml:"feedback_topic" default:"signals.feedback"`
			GroupID       string        `yaml:"group_id" default:"signalflow"`
			Workers       int           `yaml:"workers" default:"2"`
			BufferSize    int           `yaml:"buffer_size" default:"100"`
			RetryMax      int           `yaml:"retry_max" default:"3"`
			BackoffMin    time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax    time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic      string        `yaml:"dlq_topic"`
			MinBytes      int           `yaml:"min_bytes" default:"1"`
			MaxBytes      int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr" default:"localhost:6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		Prefix       string        `yaml:"prefix" default:"signalflow"`
		PoolSize     int           `yaml:"pool_size" default:"10"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
		PoolTimeout  time.Duration `yaml:"pool_timeout" default:"4s"`
	} `yaml:"redis"`
	Provider struct {
		BaseURL         string        `yaml:"base_url"`
		APIKey          string        `yaml:"api_key"`
		Timeout         time.Duration `yaml:"timeout" default:"15s"`
		RequestsPerSec  float64       `yaml:"requests_per_sec" default:"5"`
		Burst           int           `yaml:"burst" default:"5"`
		BreakerFailures uint32        `yaml:"breaker_failures" default:"5"`
		BreakerTimeout  time.Duration `yaml:"breaker_timeout" default:"30s"`
	} `yaml:"provider"`
	Detectors struct {
		Enabled  []string `yaml:"enabled"`
		Lookback int      `yaml:"lookback" default:"200"`
	} `yaml:"detectors"`
	Confluence struct {
		Strategy       string  `yaml:"strategy" default:"timestamp"`
		Threshold      float64 `yaml:"threshold" default:"0.6"`
		MinSignals     int     `yaml:"min_signals" default:"2"`
		PricePrecision int     `yaml:"price_precision" default:"4"`
		RecentBars     int     `yaml:"recent_bars" default:"3"`
	} `yaml:"confluence"`
	Signals struct {
		Symbols              []string      `yaml:"symbols"`
		Timeframes           []string      `yaml:"timeframes"`
		ScanInterval         time.Duration `yaml:"scan_interval" default:"1m"`
		CleanupInterval      time.Duration `yaml:"cleanup_interval" default:"5m"`
		BatchSize            int           `yaml:"batch_size" default:"10"`
		Workers              int           `yaml:"scan_workers" default:"4"`
		UnitTimeout          time.Duration `yaml:"unit_timeout" default:"30s"`
		PersistTimeout       time.Duration `yaml:"persist_timeout" default:"5s"`
		CooldownMinutes      int           `yaml:"cooldown_minutes" default:"15"`
		ValidityMinutes      int           `yaml:"validity_minutes" default:"30"`
		MaxConcurrentSignals int           `yaml:"max_concurrent_signals" default:"50"`
		MinSignalStrength    float64       `yaml:"min_signal_strength" default:"0.6"`
		HistorySize          int           `yaml:"history_size" default:"1000"`
		Thresholds           struct {
			Critical float64 `yaml:"critical" default:"0.9"`
			High     float64 `yaml:"high" default:"0.8"`
			Medium   float64 `yaml:"medium" default:"0.7"`
		} `yaml:"thresholds"`
	} `yaml:"signals"`
	Alerts struct {
		MaxAlertsPerMinute int           `yaml:"max_alerts_per_minute" default:"10"`
		MaxAlertsPerSymbol int           `yaml:"max_alerts_per_symbol" default:"5"`
		MaxRetries         int           `yaml:"max_retries" default:"3"`
		RetryDelay         time.Duration `yaml:"retry_delay" default:"5s"`
		MaxQueueSize       int           `yaml:"max_queue_size" default:"1000"`
		BatchSize          int           `yaml:"batch_size" default:"10"`
		ProcessingInterval time.Duration `yaml:"processing_interval" default:"5s"`
		AttemptTimeout     time.Duration `yaml:"attempt_timeout" default:"10s"`
		MinPriority        string        `yaml:"min_priority" default:"MEDIUM"`
		DefaultChannels    []string      `yaml:"default_channels"`
		RetryBackend       string        `yaml:"retry_backend" default:"memory"`
	} `yaml:"alerts"`
	Scheduler struct {
		Enabled              bool              `yaml:"enabled" default:"true"`
		CheckInterval        time.Duration     `yaml:"check_interval" default:"30s"`
		BatchSize            int               `yaml:"batch_size" default:"5"`
		MaxConcurrentUpdates int               `yaml:"max_concurrent_updates" default:"3"`
		MaxRetries           int               `yaml:"max_retries" default:"3"`
		RetryDelay           time.Duration     `yaml:"retry_delay" default:"1m"`
		StuckThreshold       time.Duration     `yaml:"stuck_threshold" default:"10m"`
		DailyCron            string            `yaml:"daily_cron" default:"30 14 * * *"`
		ExtendedHours        bool              `yaml:"extended_hours" default:"true"`
		SessionStart         string            `yaml:"session_start" default:"13:30"`
		SessionEnd           string            `yaml:"session_end" default:"20:00"`
		Frequencies          map[string]string `yaml:"frequencies"`
		StateBackend         string            `yaml:"state_backend" default:"file"`
		StateFile            string            `yaml:"state_file" default:"data/scheduler_state.json"`
		SQLitePath           string            `yaml:"sqlite_path" default:"data/scheduler_state.db"`
	} `yaml:"scheduler"`
	Channels struct {
		Email struct {
			Enabled    bool     `yaml:"enabled"`
			Host       string   `yaml:"host"`
			Port       int      `yaml:"port" default:"587"`
			Username   string   `yaml:"username"`
			Password   string   `yaml:"password"`
			From       string   `yaml:"from"`
			Recipients []string `yaml:"recipients"`
		} `yaml:"email"`
		Webhook struct {
			Enabled bool              `yaml:"enabled"`
			URL     string            `yaml:"url"`
			Headers map[string]string `yaml:"headers"`
			Timeout time.Duration     `yaml:"timeout" default:"10s"`
		} `yaml:"webhook"`
		Telegram struct {
			Enabled  bool          `yaml:"enabled"`
			BotToken string        `yaml:"bot_token"`
			ChatID   string        `yaml:"chat_id"`
			APIURL   string        `yaml:"api_url" default:"https://api.telegram.org"`
			Timeout  time.Duration `yaml:"timeout" default:"10s"`
		} `yaml:"telegram"`
		Websocket struct {
			Enabled      bool          `yaml:"enabled" default:"true"`
			Path         string        `yaml:"path" default:"/ws/alerts"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
			SendBuffer   int           `yaml:"send_buffer" default:"64"`
		} `yaml:"websocket"`
	} `yaml:"channels"`
}

// Default returns a configuration populated from struct defaults.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &c
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Signals.Symbols = splitList(v)
	}
	if v := os.Getenv("TIMEFRAMES"); v != "" {
		c.Signals.Timeframes = splitList(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Channels.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Channels.Telegram.ChatID = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Channels.Email.Password = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	s := &c.Signals
	if s.ScanInterval <= 0 || s.CleanupInterval <= 0 {
		return fmt.Errorf("signals.scan_interval and signals.cleanup_interval must be positive")
	}
	if s.BatchSize <= 0 || s.Workers <= 0 {
		return fmt.Errorf("signals.batch_size and signals.workers must be positive")
	}
	if s.CooldownMinutes < 0 || s.ValidityMinutes <= 0 {
		return fmt.Errorf("signals.cooldown_minutes must be >= 0 and signals.validity_minutes > 0")
	}
	if s.MaxConcurrentSignals <= 0 || s.HistorySize <= 0 {
		return fmt.Errorf("signals.max_concurrent_signals and signals.history_size must be positive")
	}
	if !inUnit(s.MinSignalStrength) {
		return fmt.Errorf("signals.min_signal_strength must be within [0,1]")
	}
	th := s.Thresholds
	if !inUnit(th.Critical) || !inUnit(th.High) || !inUnit(th.Medium) {
		return fmt.Errorf("signals.thresholds must be within [0,1]")
	}
	if !(th.Critical >= th.High && th.High >= th.Medium) {
		return fmt.Errorf("signals.thresholds must satisfy critical >= high >= medium")
	}

	cf := &c.Confluence
	if cf.Strategy != "timestamp" && cf.Strategy != "price_level" {
		return fmt.Errorf("confluence.strategy must be timestamp or price_level")
	}
	if !inUnit(cf.Threshold) {
		return fmt.Errorf("confluence.threshold must be within [0,1]")
	}
	if cf.MinSignals < 1 {
		return fmt.Errorf("confluence.min_signals must be >= 1")
	}
	if cf.PricePrecision < 0 || cf.PricePrecision > 10 {
		return fmt.Errorf("confluence.price_precision must be within [0,10]")
	}

	a := &c.Alerts
	if a.MaxAlertsPerMinute <= 0 || a.MaxAlertsPerSymbol <= 0 {
		return fmt.Errorf("alerts rate limits must be positive")
	}
	if a.MaxRetries < 0 || a.RetryDelay < 0 {
		return fmt.Errorf("alerts.max_retries and alerts.retry_delay must not be negative")
	}
	if a.MaxQueueSize <= 0 || a.BatchSize <= 0 || a.ProcessingInterval <= 0 {
		return fmt.Errorf("alerts queue size, batch size and processing interval must be positive")
	}
	if _, err := parsePriority(a.MinPriority); err != nil {
		return fmt.Errorf("alerts.min_priority: %w", err)
	}
	if a.RetryBackend != "memory" && a.RetryBackend != "redis" {
		return fmt.Errorf("alerts.retry_backend must be memory or redis")
	}
	if a.RetryBackend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("alerts.retry_backend redis requires redis.enabled")
	}

	sc := &c.Scheduler
	if sc.Enabled && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required when the scheduler is enabled")
	}
	if sc.CheckInterval <= 0 || sc.BatchSize <= 0 || sc.MaxConcurrentUpdates <= 0 {
		return fmt.Errorf("scheduler intervals and batch sizes must be positive")
	}
	if sc.MaxRetries < 0 || sc.RetryDelay < 0 || sc.StuckThreshold <= 0 {
		return fmt.Errorf("scheduler retry settings are invalid")
	}
	switch sc.StateBackend {
	case "file", "sqlite":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("scheduler.state_backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("scheduler.state_backend must be file, redis or sqlite")
	}
	for tf, f := range sc.Frequencies {
		switch f {
		case "real_time", "frequent", "regular", "hourly", "daily":
		default:
			return fmt.Errorf("scheduler.frequencies[%s]: unknown tier %q", tf, f)
		}
	}

	if c.Channels.Telegram.Enabled && (c.Channels.Telegram.BotToken == "" || c.Channels.Telegram.ChatID == "") {
		return fmt.Errorf("channels.telegram requires bot_token and chat_id")
	}
	if c.Channels.Webhook.Enabled && c.Channels.Webhook.URL == "" {
		return fmt.Errorf("channels.webhook requires url")
	}
	if c.Channels.Email.Enabled && (c.Channels.Email.Host == "" || c.Channels.Email.From == "" || len(c.Channels.Email.Recipients) == 0) {
		return fmt.Errorf("channels.email requires host, from and recipients")
	}

	return nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

func parsePriority(s string) (string, error) {
	switch strings.ToUpper(s) {
	case "CRITICAL", "HIGH", "MEDIUM", "LOW":
		return strings.ToUpper(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}
