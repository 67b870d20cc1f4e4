package connection

import (
	"errors"
	"time"
)

// Status is the state of a connection
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ErrConnectionTimeout is returned by WaitForConnection when the deadline passes
var ErrConnectionTimeout = errors.New("connection timeout")

// DefaultWaitTimeout is used by WaitForConnection when no timeout is given
const DefaultWaitTimeout = 30 * time.Second

// Stats is a point-in-time snapshot of a connection record
type Stats struct {
	Status              Status
	ConnectedAt         time.Time
	DisconnectedAt      time.Time
	ReconnectAttempts   int
	TotalConnections    int
	TotalDisconnections int
	LastError           error
}

// StatusListener is notified on every real status change
type StatusListener func(status Status)

// StatsListener is notified with a full snapshot on every stats change
type StatsListener func(stats Stats)
