package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Conn is the transport underneath a session.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	// Ping blocks until the peer acknowledges or ctx is done.
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Session is one connected browser client.
type Session struct {
	id     string
	conn   Conn
	send   chan []byte
	relay  *Relay
	logger *zap.Logger

	// answered the last liveness probe
	alive atomic.Bool

	// guarded by relay.mu
	channel      string
	subscribedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Channel returns the subscribed channel, or "" when not subscribed.
func (s *Session) Channel() string {
	s.relay.mu.RLock()
	defer s.relay.mu.RUnlock()
	return s.channel
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// enqueue queues a frame without blocking. A full queue means the client is
// too slow and the session is closed.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		s.logger.Warn("Session send queue full, closing")
		s.close("send queue full")
		return false
	}
}

// writePump sends queued frames to the connection.
func (s *Session) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			ctx, cancel := context.WithTimeout(s.ctx, s.relay.opts.WriteTimeout)
			err := s.conn.Write(ctx, frame)
			cancel()

			if err != nil {
				s.logger.Warn("Failed to write frame", zap.Error(err))
				s.close("write failed")
				return
			}
		}
	}
}

// probe sends a ping and marks the session alive when it is answered.
func (s *Session) probe(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	if err := s.conn.Ping(ctx); err != nil {
		s.logger.Debug("Liveness probe not answered", zap.Error(err))
		return
	}
	s.alive.Store(true)
}

// close removes the session from the relay and closes the connection.
// It is safe to call more than once.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.relay.unregister(s)

		if err := s.conn.Close(reason); err != nil {
			s.logger.Debug("Failed to close connection", zap.Error(err))
		}
		s.logger.Debug("Session closed", zap.String("reason", reason))
	})
}

// Close closes the session.
func (s *Session) Close() {
	s.close("closed by server")
}
