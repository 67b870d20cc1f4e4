package config

import "time"

// Config represents the main configuration structure
type Config struct {
	URL              string              `json:"url"`
	Key              string              `json:"key"`
	Namespace        string              `json:"namespace"`
	LogLevel         string              `json:"logLevel"`
	RequestTimeout   int                 `json:"requestTimeout"`   // ms
	HandshakeTimeout int                 `json:"handshakeTimeout"` // ms
	ReadTimeout      int                 `json:"readTimeout"`      // ms - 0 disables the read deadline
	Reconnect        ReconnectConfig     `json:"reconnect"`
	KeepAlive        KeepAliveConfig     `json:"keepAlive"`
	Queue            QueueConfig         `json:"queue"`
	Subscriptions    SubscriptionsConfig `json:"subscriptions"`
	Metrics          MetricsConfig       `json:"metrics"`
	Watch            *WatchConfig        `json:"watch,omitempty"`
}

// ReconnectConfig controls the reconnection controller
type ReconnectConfig struct {
	Enabled  bool `json:"enabled"`
	Attempts int  `json:"attempts"`
	Delay    int  `json:"delay"` // ms - base delay, doubled per attempt
}

// KeepAliveConfig controls the keep-alive call
type KeepAliveConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval int    `json:"interval"` // ms
	Method   string `json:"method"`
}

// QueueConfig controls the request queue
type QueueConfig struct {
	MaxSize              int             `json:"maxSize"`
	MaxRetries           int             `json:"maxRetries"`
	RetryDelay           int             `json:"retryDelay"`           // ms
	ConnectingRetryDelay int             `json:"connectingRetryDelay"` // ms
	ProcessingInterval   int             `json:"processingInterval"`   // ms
	BatchSize            int             `json:"batchSize"`
	PriorityWeights      PriorityWeights `json:"priorityWeights"`
}

// PriorityWeights maps priority tiers to ordering weights
type PriorityWeights struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// SubscriptionsConfig controls managed subscriptions
type SubscriptionsConfig struct {
	DedupCacheSize int `json:"dedupCacheSize"` // 0 disables deduplication
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// WatchConfig selects what the binary subscribes to on startup
type WatchConfig struct {
	Shreds    bool     `json:"shreds"`
	Logs      bool     `json:"logs"`
	Addresses []string `json:"addresses"`
	Topics    []string `json:"topics"`
}

// Default values
const (
	DefaultKey                  = "socket"
	DefaultNamespace            = "rise"
	DefaultLogLevel             = "info"
	DefaultRequestTimeout       = 10000 // ms
	DefaultHandshakeTimeout     = 10000 // ms
	DefaultReconnectEnabled     = true
	DefaultReconnectAttempts    = 5
	DefaultReconnectDelay       = 2000 // ms
	DefaultKeepAliveEnabled     = true
	DefaultKeepAliveInterval    = 30000 // ms
	DefaultKeepAliveMethod      = "net_version"
	DefaultQueueMaxSize         = 1000
	DefaultQueueMaxRetries      = 3
	DefaultQueueRetryDelay      = 1000 // ms
	DefaultConnectingRetryDelay = 500  // ms
	DefaultProcessingInterval   = 100  // ms
	DefaultBatchSize            = 5
	DefaultPriorityHigh         = 3
	DefaultPriorityNormal       = 2
	DefaultPriorityLow          = 1
	DefaultMetricsListen        = ":9090"
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetHandshakeTimeoutDuration returns handshake timeout as time.Duration
func (c *Config) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Millisecond
}

// GetReadTimeoutDuration returns read timeout as time.Duration
func (c *Config) GetReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Millisecond
}

// GetDelayDuration returns the base reconnect delay as time.Duration
func (r *ReconnectConfig) GetDelayDuration() time.Duration {
	return time.Duration(r.Delay) * time.Millisecond
}

// GetIntervalDuration returns the keep-alive interval as time.Duration
func (k *KeepAliveConfig) GetIntervalDuration() time.Duration {
	return time.Duration(k.Interval) * time.Millisecond
}

// GetRetryDelayDuration returns the queue retry delay as time.Duration
func (q *QueueConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(q.RetryDelay) * time.Millisecond
}

// GetConnectingRetryDelayDuration returns the retry delay used while connecting
func (q *QueueConfig) GetConnectingRetryDelayDuration() time.Duration {
	return time.Duration(q.ConnectingRetryDelay) * time.Millisecond
}

// GetProcessingIntervalDuration returns the queue tick as time.Duration
func (q *QueueConfig) GetProcessingIntervalDuration() time.Duration {
	return time.Duration(q.ProcessingInterval) * time.Millisecond
}

// IsMetricsEnabled returns true if the metrics endpoint is enabled
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics.Enabled
}
