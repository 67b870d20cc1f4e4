package socket

import "time"

// Options configures a Client
type Options struct {
	URL       string
	Namespace string

	ReconnectEnabled  bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// KeepAliveInterval of zero disables the keep-alive call
	KeepAliveInterval time.Duration
	KeepAliveMethod   string

	// RequestTimeout is the default for RequestAsync and Call
	RequestTimeout time.Duration
}

// Default values
const (
	DefaultNamespace         = "rise"
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 2 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveMethod   = "net_version"
	DefaultRequestTimeout    = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.KeepAliveMethod == "" {
		o.KeepAliveMethod = DefaultKeepAliveMethod
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// SubscribeMethod returns the method used to open a subscription
func (o Options) SubscribeMethod() string {
	return o.Namespace + "_subscribe"
}

// UnsubscribeMethod returns the method used to close a subscription
func (o Options) UnsubscribeMethod() string {
	return o.Namespace + "_unsubscribe"
}
