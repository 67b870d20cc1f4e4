package socket

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxReconnectDelay caps the reconnect delay
const MaxReconnectDelay = 30 * time.Second

// newReconnectBackOff returns a schedule yielding min(base*2^k, 30s) for
// k = 0, 1, 2... with no jitter. One instance covers one reconnect cycle.
func newReconnectBackOff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = MaxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
