package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
)

// Load reads and parses the configuration file.
// Boolean options keep their zero value when omitted, use LoadWithDefaults
// to get the documented defaults for them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration for url with every default applied
func Default(rawURL string) *Config {
	cfg := &Config{URL: rawURL}
	cfg.Reconnect.Enabled = DefaultReconnectEnabled
	cfg.KeepAlive.Enabled = DefaultKeepAliveEnabled
	cfg.Queue.MaxRetries = DefaultQueueMaxRetries
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	// ReadTimeout default is 0, which disables the deadline
	if cfg.Reconnect.Attempts == 0 {
		cfg.Reconnect.Attempts = DefaultReconnectAttempts
	}
	if cfg.Reconnect.Delay == 0 {
		cfg.Reconnect.Delay = DefaultReconnectDelay
	}
	if cfg.KeepAlive.Interval == 0 {
		cfg.KeepAlive.Interval = DefaultKeepAliveInterval
	}
	if cfg.KeepAlive.Method == "" {
		cfg.KeepAlive.Method = DefaultKeepAliveMethod
	}

	q := &cfg.Queue
	if q.MaxSize == 0 {
		q.MaxSize = DefaultQueueMaxSize
	}
	// MaxRetries default is applied by LoadWithDefaults, 0 is a valid value
	if q.RetryDelay == 0 {
		q.RetryDelay = DefaultQueueRetryDelay
	}
	if q.ConnectingRetryDelay == 0 {
		q.ConnectingRetryDelay = DefaultConnectingRetryDelay
	}
	if q.ProcessingInterval == 0 {
		q.ProcessingInterval = DefaultProcessingInterval
	}
	if q.BatchSize == 0 {
		q.BatchSize = DefaultBatchSize
	}
	if q.PriorityWeights == (PriorityWeights{}) {
		q.PriorityWeights = PriorityWeights{
			High:   DefaultPriorityHigh,
			Normal: DefaultPriorityNormal,
			Low:    DefaultPriorityLow,
		}
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got '%s'", u.Scheme)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.HandshakeTimeout < 0 {
		return fmt.Errorf("handshakeTimeout must be non-negative")
	}
	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("readTimeout must be non-negative")
	}

	if cfg.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect.attempts must be non-negative")
	}
	if cfg.Reconnect.Delay < 0 {
		return fmt.Errorf("reconnect.delay must be non-negative")
	}
	if cfg.KeepAlive.Interval < 0 {
		return fmt.Errorf("keepAlive.interval must be non-negative")
	}

	q := cfg.Queue
	if q.MaxSize <= 0 {
		return fmt.Errorf("queue.maxSize must be positive")
	}
	if q.MaxRetries < 0 {
		return fmt.Errorf("queue.maxRetries must be non-negative")
	}
	if q.RetryDelay < 0 || q.ConnectingRetryDelay < 0 {
		return fmt.Errorf("queue retry delays must be non-negative")
	}
	if q.ProcessingInterval <= 0 {
		return fmt.Errorf("queue.processingInterval must be positive")
	}
	if q.BatchSize <= 0 {
		return fmt.Errorf("queue.batchSize must be positive")
	}
	w := q.PriorityWeights
	if !(w.High > w.Normal && w.Normal > w.Low) {
		return fmt.Errorf("queue.priorityWeights must be ordered high > normal > low")
	}

	if cfg.Subscriptions.DedupCacheSize < 0 {
		return fmt.Errorf("subscriptions.dedupCacheSize must be non-negative")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// configWithBoolDefaults is used for proper default handling of booleans
// and of fields whose zero value is meaningful
type configWithBoolDefaults struct {
	Config
	Reconnect struct {
		ReconnectConfig
		EnabledPtr *bool `json:"enabled"`
	} `json:"reconnect"`
	KeepAlive struct {
		KeepAliveConfig
		EnabledPtr *bool `json:"enabled"`
	} `json:"keepAlive"`
	Queue struct {
		QueueConfig
		MaxRetriesPtr *int `json:"maxRetries"`
	} `json:"queue"`
}

// LoadWithDefaults reads and parses the configuration file with proper
// default handling for booleans and zero-valued retry ceilings
func LoadWithDefaults(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var rawCfg configWithBoolDefaults
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &rawCfg.Config
	cfg.Reconnect = rawCfg.Reconnect.ReconnectConfig
	cfg.KeepAlive = rawCfg.KeepAlive.KeepAliveConfig
	cfg.Queue = rawCfg.Queue.QueueConfig

	if rawCfg.Reconnect.EnabledPtr != nil {
		cfg.Reconnect.Enabled = *rawCfg.Reconnect.EnabledPtr
	} else {
		cfg.Reconnect.Enabled = DefaultReconnectEnabled
	}
	if rawCfg.KeepAlive.EnabledPtr != nil {
		cfg.KeepAlive.Enabled = *rawCfg.KeepAlive.EnabledPtr
	} else {
		cfg.KeepAlive.Enabled = DefaultKeepAliveEnabled
	}
	if rawCfg.Queue.MaxRetriesPtr != nil {
		cfg.Queue.MaxRetries = *rawCfg.Queue.MaxRetriesPtr
	} else {
		cfg.Queue.MaxRetries = DefaultQueueMaxRetries
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
