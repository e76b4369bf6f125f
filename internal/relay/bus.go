package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bus message kinds
const (
	busPublish = "publish"
	busClaim   = "claim"
	busRelease = "release"
	busSync    = "sync"
)

// DefaultClaimRefresh is how often an instance re-announces its channels.
// Claims not refreshed for three intervals are forgotten.
const DefaultClaimRefresh = 30 * time.Second

// busMessage is the NATS payload shared by all bus traffic.
type busMessage struct {
	Kind     string          `json:"kind"`
	Instance string          `json:"instance,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Since    int64           `json:"since,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
}

// Bus connects the relays of all gateway instances over NATS. Publishes are
// offered to every instance. Subscriptions are announced as claims, so only
// the instance holding the newest subscriber of a channel delivers.
type Bus struct {
	nc      *nats.Conn
	subject string
	relay   *Relay
	logger  *zap.Logger

	// refresh is the claim re-announce interval
	refresh time.Duration

	sub  *nats.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// NewBus creates a bus publishing on subject.
func NewBus(nc *nats.Conn, subject string, relay *Relay, logger *zap.Logger) *Bus {
	return &Bus{
		nc:      nc,
		subject: subject,
		relay:   relay,
		refresh: DefaultClaimRefresh,
		logger:  logger.Named("relay_bus").With(zap.String("instance", relay.id)),
	}
}

// Start subscribes to the bus subject, announces the relay's channels and
// asks the other instances for theirs.
func (b *Bus) Start() error {
	sub, err := b.nc.Subscribe(b.subject, b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	b.sub = sub
	b.relay.setAnnouncer(b)
	b.announceAll()
	b.send(busMessage{Kind: busSync})

	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.refreshLoop()

	b.logger.Info("Relay bus started", zap.String("subject", b.subject))
	return nil
}

// Stop drops the subscription.
func (b *Bus) Stop() error {
	if b.sub == nil {
		return nil
	}

	close(b.done)
	b.wg.Wait()
	b.relay.setAnnouncer(nil)

	if err := b.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", b.subject, err)
	}
	b.sub = nil
	return nil
}

// Publish implements Publisher.
func (b *Bus) Publish(ctx context.Context, channel string, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.send(busMessage{Kind: busPublish, Channel: channel, Message: raw}); err != nil {
		return err
	}

	b.logger.Debug("Published to bus", zap.String("channel", channel))
	return nil
}

// Claim implements Announcer.
func (b *Bus) Claim(channel string, since time.Time) {
	b.send(busMessage{Kind: busClaim, Channel: channel, Since: since.UnixNano()})
}

// Release implements Announcer.
func (b *Bus) Release(channel string) {
	b.send(busMessage{Kind: busRelease, Channel: channel})
}

func (b *Bus) announceAll() {
	for channel, since := range b.relay.localClaims() {
		b.Claim(channel, since)
	}
}

func (b *Bus) send(m busMessage) error {
	m.Instance = b.relay.id
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	if err := b.nc.Publish(b.subject, data); err != nil {
		b.logger.Warn("Failed to send bus message",
			zap.String("kind", m.Kind),
			zap.String("channel", m.Channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", b.subject, err)
	}
	return nil
}

func (b *Bus) refreshLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.announceAll()
			if n := b.relay.pruneClaims(time.Now().Add(-3 * b.refresh)); n > 0 {
				b.logger.Info("Forgot stale channel claims", zap.Int("claims", n))
			}
		}
	}
}

func (b *Bus) handle(msg *nats.Msg) {
	var m busMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		b.logger.Error("Failed to unmarshal bus message", zap.Error(err))
		return
	}

	switch m.Kind {
	case busPublish:
		if err := b.relay.Publish(context.Background(), m.Channel, m.Message); err != nil {
			b.logger.Error("Failed to deliver bus message",
				zap.String("channel", m.Channel),
				zap.Error(err))
		}
	case busClaim:
		b.relay.applyClaim(m.Instance, m.Channel, time.Unix(0, m.Since))
	case busRelease:
		b.relay.applyRelease(m.Instance, m.Channel)
	case busSync:
		if m.Instance != b.relay.id {
			b.announceAll()
		}
	default:
		b.logger.Debug("Ignoring bus message", zap.String("kind", m.Kind))
	}
}
