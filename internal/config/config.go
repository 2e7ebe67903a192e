package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Cache refresh scheduling (positive reload interval per entity kind)
	BanRefreshInterval    time.Duration `koanf:"ban_refresh_interval"`
	BotRefreshInterval    time.Duration `koanf:"bot_refresh_interval"`
	GroupRefreshInterval  time.Duration `koanf:"group_refresh_interval"`
	PluginRefreshInterval time.Duration `koanf:"plugin_refresh_interval"`
	LimitRefreshInterval  time.Duration `koanf:"limit_refresh_interval"`
	LevelRefreshInterval  time.Duration `koanf:"level_refresh_interval"`

	// Negative-cache TTL per entity kind
	BotNegativeTTL    time.Duration `koanf:"bot_negative_ttl"`
	GroupNegativeTTL  time.Duration `koanf:"group_negative_ttl"`
	PluginNegativeTTL time.Duration `koanf:"plugin_negative_ttl"`
	LevelNegativeTTL  time.Duration `koanf:"level_negative_ttl"`

	// Ban cleanup
	BanCleanInterval time.Duration `koanf:"ban_clean_interval"`
	BanCleanupDB     bool          `koanf:"ban_cleanup_db"`

	// User registry
	UserFlushBatch int `koanf:"user_flush_batch"`

	// Admission
	AdmissionMaxConcurrent int64         `koanf:"admission_max_concurrent"`
	DeferredQueueDepth     int           `koanf:"deferred_queue_depth"`
	DeferredWorkers        int           `koanf:"deferred_workers"`
	OverloadWindow         time.Duration `koanf:"overload_window"`
	BreakerThreshold       int           `koanf:"breaker_threshold"`
	BreakerCooldown        time.Duration `koanf:"breaker_cooldown"`
	StageTimeout           time.Duration `koanf:"stage_timeout"`
	PipelineTimeout        time.Duration `koanf:"pipeline_timeout"`

	// Replication
	ReplicationEnabled bool   `koanf:"replication_enabled"`
	ReplicationChannel string `koanf:"replication_channel"`
	RedisURL           string `koanf:"redis_url"`

	// Policy
	Superusers        []string      `koanf:"superusers"`
	WakeCommand       string        `koanf:"wake_command"`
	BanNoticeTemplate string        `koanf:"ban_notice_template"`
	NoticeInterval    time.Duration `koanf:"notice_interval"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"ban_refresh_interval":     "60s",
		"bot_refresh_interval":     "300s",
		"group_refresh_interval":   "120s",
		"plugin_refresh_interval":  "120s",
		"limit_refresh_interval":   "300s",
		"level_refresh_interval":   "300s",
		"bot_negative_ttl":         "60s",
		"group_negative_ttl":       "30s",
		"plugin_negative_ttl":      "60s",
		"level_negative_ttl":       "30s",
		"ban_clean_interval":       "600s",
		"ban_cleanup_db":           true,
		"user_flush_batch":         100,
		"admission_max_concurrent": 64,
		"deferred_queue_depth":     1024,
		"deferred_workers":         4,
		"overload_window":          "10s",
		"breaker_threshold":        5,
		"breaker_cooldown":         "30s",
		"stage_timeout":            "2s",
		"pipeline_timeout":         "10s",
		"replication_enabled":      false,
		"replication_channel":      "gatekeeper:replication",
		"redis_url":                "redis://localhost:6379/0",
		"wake_command":             "wake up",
		"ban_notice_template":      "you are banned for another {remaining}s",
		"notice_interval":          "60s",
		"data_dir":                 "/data",
		"log_level":                "info",
		"log_format":               "json",
		"metrics_enabled":          true,
		"metrics_addr":             ":9090",
		"health_addr":              ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// sanitise strips Docker env-file quoting from all string fields.
func (c *Config) sanitise() {
	c.ReplicationChannel = stripEnvQuotes(c.ReplicationChannel)
	c.RedisURL = stripEnvQuotes(c.RedisURL)
	c.WakeCommand = stripEnvQuotes(c.WakeCommand)
	c.BanNoticeTemplate = stripEnvQuotes(c.BanNoticeTemplate)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
	for i, s := range c.Superusers {
		c.Superusers[i] = stripEnvQuotes(s)
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. REDIS_URL → "redis_url"
	// maps to struct tag koanf:"redis_url" without any nesting.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields that koanf won't split automatically
	cfg.Superusers = splitCSV(k.String("superusers"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"BAN_REFRESH_INTERVAL", c.BanRefreshInterval},
		{"BOT_REFRESH_INTERVAL", c.BotRefreshInterval},
		{"GROUP_REFRESH_INTERVAL", c.GroupRefreshInterval},
		{"PLUGIN_REFRESH_INTERVAL", c.PluginRefreshInterval},
		{"LIMIT_REFRESH_INTERVAL", c.LimitRefreshInterval},
		{"LEVEL_REFRESH_INTERVAL", c.LevelRefreshInterval},
		{"BAN_CLEAN_INTERVAL", c.BanCleanInterval},
		{"OVERLOAD_WINDOW", c.OverloadWindow},
		{"BREAKER_COOLDOWN", c.BreakerCooldown},
		{"STAGE_TIMEOUT", c.StageTimeout},
		{"PIPELINE_TIMEOUT", c.PipelineTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be > 0; got %s", d.name, d.val)
		}
	}

	if c.AdmissionMaxConcurrent < 1 {
		return fmt.Errorf("ADMISSION_MAX_CONCURRENT must be >= 1; got %d", c.AdmissionMaxConcurrent)
	}
	if c.DeferredQueueDepth < 1 {
		return fmt.Errorf("DEFERRED_QUEUE_DEPTH must be >= 1; got %d", c.DeferredQueueDepth)
	}
	if c.DeferredWorkers < 1 || c.DeferredWorkers > 64 {
		return fmt.Errorf("DEFERRED_WORKERS must be 1–64; got %d", c.DeferredWorkers)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be >= 1; got %d", c.BreakerThreshold)
	}
	if c.UserFlushBatch < 1 {
		return fmt.Errorf("USER_FLUSH_BATCH must be >= 1; got %d", c.UserFlushBatch)
	}
	if c.StageTimeout > c.PipelineTimeout {
		return fmt.Errorf("STAGE_TIMEOUT (%s) must not exceed PIPELINE_TIMEOUT (%s)", c.StageTimeout, c.PipelineTimeout)
	}

	if c.ReplicationEnabled {
		if c.ReplicationChannel == "" {
			return fmt.Errorf("REPLICATION_CHANNEL is required when replication is enabled")
		}
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return fmt.Errorf("REDIS_URL must start with redis:// or rediss://; got %q", c.RedisURL)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
