package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"shredsocket/internal/transport"
)

var errSessionEnded = errors.New("session ended before open")

// session owns one physical channel. It is installed on the client before
// dialing so transport callbacks always have somewhere to land.
type session struct {
	client *Client
	seq    uint64

	mu      sync.Mutex
	channel transport.Channel

	terminated atomic.Bool
	stop       chan struct{}
}

func newSession(c *Client, seq uint64) *session {
	return &session{
		client: c,
		seq:    seq,
		stop:   make(chan struct{}),
	}
}

func (s *session) handlers() transport.Handlers {
	return transport.Handlers{
		OnMessage: s.client.handleMessage,
		OnError: func(err error) {
			s.terminate(err, false)
		},
		OnClose: func() {
			s.terminate(errClosedByPeer, true)
		},
	}
}

// attach binds the dialed channel. It fails if the session was already
// terminated by a callback that fired during the dial.
func (s *session) attach(ch transport.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated.Load() {
		_ = ch.Close()
		return errSessionEnded
	}
	s.channel = ch
	return nil
}

func (s *session) ready() bool {
	if s.terminated.Load() {
		return false
	}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	return ch != nil && ch.Ready()
}

func (s *session) send(data []byte) error {
	if s.terminated.Load() {
		return ErrChannelClosed
	}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return ErrChannelClosed
	}
	return ch.Send(data)
}

// terminate ends the session once. Only the first of any number of
// close and error events reaches the client.
func (s *session) terminate(cause error, clean bool) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	close(s.stop)

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return
	}
	_ = ch.Close()
	s.client.sessionEnded(s, cause, clean)
}

// close ends the session without notifying the client
func (s *session) close() {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	close(s.stop)
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (s *session) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.client.ping(s, interval); err != nil {
				s.client.logger.Warn().Err(err).Uint64("session", s.seq).Msg("keep-alive failed")
				s.terminate(err, false)
				return
			}
		}
	}
}
