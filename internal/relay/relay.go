// Package relay brokers real-time events between the gateway and browser
// sessions. Sessions subscribe to a channel; a publish to that channel is
// delivered to the most recent subscriber only. With a Bus attached the
// most recent subscriber is chosen across all gateway instances.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/observability"
	"github.com/tennex/crmgateway/pkg/events"
)

// Publisher delivers a message to the subscriber of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// Announcer tells other gateway instances which channels have a local
// subscriber and since when.
type Announcer interface {
	Claim(channel string, since time.Time)
	Release(channel string)
}

// claim is another instance's newest subscription on a channel.
type claim struct {
	since time.Time
	seen  time.Time
}

// announcement is a change of the local claim on a channel.
type announcement struct {
	channel string
	since   time.Time
	release bool
}

// Options tune session behaviour.
type Options struct {
	// PingInterval is the liveness check cadence.
	PingInterval time.Duration
	// SendQueueSize bounds the frames buffered per session.
	SendQueueSize int
	// MaxMessageSize bounds inbound frames.
	MaxMessageSize int64
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// OriginPatterns are passed to the websocket handshake.
	OriginPatterns []string
}

// DefaultOptions returns the options used in production.
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		SendQueueSize:  256,
		MaxMessageSize: 32 * 1024,
		WriteTimeout:   10 * time.Second,
		OriginPatterns: []string{"*"},
	}
}

// Relay owns every session and the channel registry.
type Relay struct {
	id      string
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics

	// inbound publish actions are routed here; the relay itself unless a bus is attached
	dispatch  Publisher
	announcer Announcer

	// orders announcements like the subscription changes they describe; taken before mu
	announceMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	// subscribers per channel in subscription order; the last one receives publishes
	channels map[string][]*Session

	// claims of other instances per channel, keyed by instance id
	claims map[string]map[string]claim
}

// New creates a relay.
func New(opts Options, metrics *observability.Metrics, logger *zap.Logger) *Relay {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaults.SendQueueSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = defaults.OriginPatterns
	}

	r := &Relay{
		id:       uuid.NewString(),
		opts:     opts,
		logger:   logger.Named("relay"),
		metrics:  metrics,
		sessions: make(map[string]*Session),
		channels: make(map[string][]*Session),
		claims:   make(map[string]map[string]claim),
	}
	r.dispatch = r
	return r
}

// SetDispatcher routes publish actions received from clients through p,
// typically a Bus so that other gateway instances see them too.
func (r *Relay) SetDispatcher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = p
}

func (r *Relay) setAnnouncer(a Announcer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announcer = a
}

// Register adds a session for conn and starts its write loop.
func (r *Relay) Register(conn Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, r.opts.SendQueueSize),
		relay:  r,
		ctx:    ctx,
		cancel: cancel,
	}
	s.logger = r.logger.With(zap.String("session_id", s.id))
	s.alive.Store(true)

	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RelaySessions.Set(float64(count))
	s.logger.Debug("Session registered", zap.Int("sessions", count))

	go s.writePump()
	return s
}

// unregister removes s from the registry. It reports false if s was already gone.
func (r *Relay) unregister(s *Session) bool {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()

	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.id)
	var notes []announcement
	if s.channel != "" {
		channel := s.channel
		r.removeFromChannelLocked(s)
		notes = append(notes, r.localClaimLocked(channel))
	}
	count := len(r.sessions)
	announcer := r.announcer
	r.mu.Unlock()

	r.announce(announcer, notes)
	r.metrics.RelaySessions.Set(float64(count))
	return true
}

// Subscribe marks s as listening on channel. Subscribing again to the same
// channel is a no-op; subscribing to another channel moves the session.
func (r *Relay) Subscribe(s *Session, channel string) {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()

	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok || s.channel == channel {
		r.mu.Unlock()
		return
	}

	var notes []announcement
	if s.channel != "" {
		previous := s.channel
		r.removeFromChannelLocked(s)
		notes = append(notes, r.localClaimLocked(previous))
	}

	s.channel = channel
	s.subscribedAt = time.Now()
	r.channels[channel] = append(r.channels[channel], s)
	notes = append(notes, r.localClaimLocked(channel))
	subscribers := len(r.channels[channel])
	announcer := r.announcer
	r.mu.Unlock()

	r.announce(announcer, notes)
	s.logger.Info("Session subscribed",
		zap.String("channel", channel),
		zap.Int("subscribers", subscribers))
}

// localClaimLocked describes the local claim on channel after a change.
func (r *Relay) localClaimLocked(channel string) announcement {
	subs := r.channels[channel]
	if len(subs) == 0 {
		return announcement{channel: channel, release: true}
	}
	return announcement{channel: channel, since: subs[len(subs)-1].subscribedAt}
}

func (r *Relay) announce(announcer Announcer, notes []announcement) {
	if announcer == nil {
		return
	}
	for _, n := range notes {
		if n.release {
			announcer.Release(n.channel)
		} else {
			announcer.Claim(n.channel, n.since)
		}
	}
}

// localClaims returns the newest local subscription time per channel.
func (r *Relay) localClaims() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claims := make(map[string]time.Time, len(r.channels))
	for channel, subs := range r.channels {
		claims[channel] = subs[len(subs)-1].subscribedAt
	}
	return claims
}

// applyClaim records that instance has a subscriber on channel since since.
func (r *Relay) applyClaim(instance, channel string, since time.Time) {
	if instance == r.id {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byInstance := r.claims[channel]
	if byInstance == nil {
		byInstance = make(map[string]claim)
		r.claims[channel] = byInstance
	}
	byInstance[instance] = claim{since: since, seen: time.Now()}
}

// applyRelease forgets the claim of instance on channel.
func (r *Relay) applyRelease(instance, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropClaimLocked(channel, instance)
}

// pruneClaims forgets claims not refreshed since before and returns how
// many were dropped.
func (r *Relay) pruneClaims(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for channel, byInstance := range r.claims {
		for instance, c := range byInstance {
			if c.seen.Before(before) {
				r.dropClaimLocked(channel, instance)
				pruned++
			}
		}
	}
	return pruned
}

func (r *Relay) dropClaimLocked(channel, instance string) {
	byInstance := r.claims[channel]
	delete(byInstance, instance)
	if len(byInstance) == 0 {
		delete(r.claims, channel)
	}
}

// remoteNewerLocked reports whether another instance subscribed to channel
// after since. Equal times are settled by instance id.
func (r *Relay) remoteNewerLocked(channel string, since time.Time) bool {
	for instance, c := range r.claims[channel] {
		if c.since.After(since) || (c.since.Equal(since) && instance > r.id) {
			return true
		}
	}
	return false
}

func (r *Relay) removeFromChannelLocked(s *Session) {
	if s.channel == "" {
		return
	}

	subs := r.channels[s.channel]
	for i, sub := range subs {
		if sub == s {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.channels, s.channel)
	} else {
		r.channels[s.channel] = subs
	}
	s.channel = ""
}

// Publish wraps message as {"data": message} and delivers it to the most
// recent subscriber of channel. Without a subscriber the message is dropped.
func (r *Relay) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(events.Delivery{Data: message})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	r.Deliver(channel, data)
	return nil
}

// Deliver writes an already encoded frame to the subscriber of channel and
// reports whether it was queued.
func (r *Relay) Deliver(channel string, frame []byte) bool {
	r.mu.RLock()
	var target *Session
	if subs := r.channels[channel]; len(subs) > 0 {
		target = subs[len(subs)-1]
	}
	remote := target != nil && r.remoteNewerLocked(channel, target.subscribedAt)
	r.mu.RUnlock()

	if remote {
		r.metrics.RelayPublish("remote_subscriber")
		r.logger.Debug("Channel owned by another instance", zap.String("channel", channel))
		return false
	}

	if target == nil {
		r.metrics.RelayPublish("no_subscriber")
		r.logger.Debug("No subscriber for channel", zap.String("channel", channel))
		return false
	}

	if !target.enqueue(frame) {
		r.metrics.RelayPublish("queue_full")
		return false
	}

	r.metrics.RelayPublish("delivered")
	target.logger.Debug("Frame queued", zap.String("channel", channel))
	return true
}

// HandleMessage processes one inbound frame from s. Frames that cannot be
// handled are logged and dropped.
func (r *Relay) HandleMessage(s *Session, raw []byte) {
	var msg events.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.metrics.RelayDrop("malformed")
		s.logger.Debug("Dropping malformed frame", zap.Error(err))
		return
	}

	if msg.Channel == "" && (msg.Action == events.ActionSubscribe || msg.Action == events.ActionPublish) {
		r.metrics.RelayDrop("missing_channel")
		s.logger.Debug("Dropping frame without channel", zap.String("action", msg.Action))
		return
	}

	switch msg.Action {
	case events.ActionSubscribe:
		r.Subscribe(s, msg.Channel)
	case events.ActionPublish:
		r.mu.RLock()
		dispatch := r.dispatch
		r.mu.RUnlock()

		if err := dispatch.Publish(s.ctx, msg.Channel, msg.Message); err != nil {
			s.logger.Warn("Failed to publish client message",
				zap.String("channel", msg.Channel),
				zap.Error(err))
		}
	default:
		r.metrics.RelayDrop("unknown_action")
		s.logger.Debug("Dropping frame with unknown action", zap.String("action", msg.Action))
	}
}

// CheckLiveness closes every session that did not answer the previous probe
// and probes the others.
func (r *Relay) CheckLiveness() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if !s.alive.Swap(false) {
			r.metrics.RelayEvictions.Inc()
			s.logger.Info("Closing unresponsive session", zap.String("channel", s.Channel()))
			s.close("liveness check failed")
			continue
		}
		go s.probe(r.opts.PingInterval)
	}
}

// Run checks liveness on every tick until ctx is done, then closes all sessions.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	r.logger.Info("Relay liveness loop started", zap.Duration("interval", r.opts.PingInterval))

	for {
		select {
		case <-ctx.Done():
			r.closeAll("server shutting down")
			r.logger.Info("Relay liveness loop stopped")
			return
		case <-ticker.C:
			r.CheckLiveness()
		}
	}
}

func (r *Relay) closeAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.close(reason)
	}
}

// SessionCount returns the number of open sessions.
func (r *Relay) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Subscribers returns the number of sessions subscribed to channel.
func (r *Relay) Subscribers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}
