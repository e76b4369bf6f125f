package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/observability"
	"github.com/tennex/crmgateway/pkg/events"
)

// fakeConn records frames and answers pings when ack is set.
type fakeConn struct {
	mu     sync.Mutex
	ack    bool
	pings  int
	closed bool
	reason string
	frames chan []byte
}

func newFakeConn(ack bool) *fakeConn {
	return &fakeConn{ack: ack, frames: make(chan []byte, 16)}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.frames <- data
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	c.pings++
	ack := c.ack
	c.mu.Unlock()

	if !ack {
		return errors.New("no pong")
	}
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func newTestRelay(t *testing.T) (*Relay, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts := DefaultOptions()
	opts.PingInterval = 50 * time.Millisecond
	r := New(opts, metrics, zap.NewNop())
	t.Cleanup(func() { r.closeAll("test done") })
	return r, metrics
}

func expectFrame(t *testing.T, c *fakeConn) []byte {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame: %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishWithoutSubscriberIsNoop(t *testing.T) {
	r, metrics := newTestRelay(t)
	conn := newFakeConn(true)
	r.Register(conn)

	if err := r.Publish(context.Background(), "pbx-channel-1", map[string]string{"x": "y"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	expectNoFrame(t, conn)
	if got := testutil.ToFloat64(metrics.RelayPublished.WithLabelValues("no_subscriber")); got != 1 {
		t.Fatalf("no_subscriber = %v, want 1", got)
	}
}

func TestMakeCallScenario(t *testing.T) {
	r, _ := newTestRelay(t)
	connA := newFakeConn(true)
	connB := newFakeConn(true)
	a := r.Register(connA)
	r.Register(connB)

	r.HandleMessage(a, []byte(`{"action":"subscribe","channel":"pbx-channel-42"}`))

	if err := r.Publish(context.Background(), events.ChannelFor("42"), events.NewMakeCallEvent("+15551234567")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	frame := expectFrame(t, connA)
	want := `{"data":{"event":"make-call","message":"Make call","data":{"phone_number":"+15551234567"}}}`
	if string(frame) != want {
		t.Fatalf("frame = %s\nwant  %s", frame, want)
	}
	expectNoFrame(t, connB)
}

func TestPublishActionRoundTrip(t *testing.T) {
	r, _ := newTestRelay(t)
	subConn := newFakeConn(true)
	pubConn := newFakeConn(true)
	sub := r.Register(subConn)
	pub := r.Register(pubConn)

	r.HandleMessage(sub, []byte(`{"action":"subscribe","channel":"room"}`))
	r.HandleMessage(pub, []byte(`{"action":"publish","channel":"room","message":{"a":[1,2,{"b":null}],"s":"AND"}}`))

	var got struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(expectFrame(t, subConn), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(got.Data) != `{"a":[1,2,{"b":null}],"s":"AND"}` {
		t.Fatalf("payload changed: %s", got.Data)
	}
	expectNoFrame(t, pubConn)
}

func TestLastSubscriberWins(t *testing.T) {
	r, _ := newTestRelay(t)
	first := newFakeConn(true)
	second := newFakeConn(true)
	s1 := r.Register(first)
	s2 := r.Register(second)

	r.Subscribe(s1, "pbx-channel-7")
	r.Subscribe(s2, "pbx-channel-7")
	if n := r.Subscribers("pbx-channel-7"); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}

	r.Publish(context.Background(), "pbx-channel-7", "hello")
	expectFrame(t, second)
	expectNoFrame(t, first)

	// once the newest subscriber leaves, the previous one is the target again
	s2.Close()
	r.Publish(context.Background(), "pbx-channel-7", "again")
	if got := string(expectFrame(t, first)); got != `{"data":"again"}` {
		t.Fatalf("frame = %s", got)
	}
}

func TestSubscribeIsIdempotentAndMoves(t *testing.T) {
	r, _ := newTestRelay(t)
	s := r.Register(newFakeConn(true))

	r.Subscribe(s, "a")
	r.Subscribe(s, "a")
	if n := r.Subscribers("a"); n != 1 {
		t.Fatalf("subscribers(a) = %d, want 1", n)
	}

	r.Subscribe(s, "b")
	if n := r.Subscribers("a"); n != 0 {
		t.Fatalf("subscribers(a) = %d after move, want 0", n)
	}
	if s.Channel() != "b" {
		t.Fatalf("channel = %q, want b", s.Channel())
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	r, metrics := newTestRelay(t)
	conn := newFakeConn(true)
	s := r.Register(conn)

	r.HandleMessage(s, []byte(`not json`))
	r.HandleMessage(s, []byte(`{"action":"dance","channel":"x"}`))
	r.HandleMessage(s, []byte(`{"action":"subscribe"}`))

	if r.SessionCount() != 1 {
		t.Fatalf("session dropped after malformed frames")
	}
	if s.Channel() != "" {
		t.Fatalf("channel = %q, want none", s.Channel())
	}
	for reason, want := range map[string]float64{"malformed": 1, "unknown_action": 1, "missing_channel": 1} {
		if got := testutil.ToFloat64(metrics.RelayDropped.WithLabelValues(reason)); got != want {
			t.Errorf("dropped{%s} = %v, want %v", reason, got, want)
		}
	}
}

func TestUnresponsiveSessionIsEvicted(t *testing.T) {
	r, metrics := newTestRelay(t)
	conn := newFakeConn(false)
	s := r.Register(conn)
	r.Subscribe(s, "pbx-channel-9")

	// first tick probes and marks the session unacknowledged
	r.CheckLiveness()
	waitFor(t, func() bool { return conn.pingCount() == 1 })
	if r.SessionCount() != 1 {
		t.Fatal("session evicted before second tick")
	}

	// second tick finds the probe unanswered
	r.CheckLiveness()
	if r.SessionCount() != 0 {
		t.Fatal("session still registered after missed probe")
	}
	if r.Subscribers("pbx-channel-9") != 0 {
		t.Fatal("evicted session is still a publish target")
	}
	if !conn.isClosed() {
		t.Fatal("connection not closed")
	}
	if got := testutil.ToFloat64(metrics.RelayEvictions); got != 1 {
		t.Fatalf("evictions = %v, want 1", got)
	}

	r.Publish(context.Background(), "pbx-channel-9", "late")
	expectNoFrame(t, conn)
}

func TestResponsiveSessionSurvives(t *testing.T) {
	r, _ := newTestRelay(t)
	conn := newFakeConn(true)
	s := r.Register(conn)

	for i := 1; i <= 3; i++ {
		r.CheckLiveness()
		waitFor(t, func() bool { return s.alive.Load() })
	}

	if r.SessionCount() != 1 {
		t.Fatal("responsive session evicted")
	}
	if conn.pingCount() != 3 {
		t.Fatalf("pings = %d, want 3", conn.pingCount())
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return nil
}

func TestPublishActionUsesDispatcher(t *testing.T) {
	r, _ := newTestRelay(t)
	dispatcher := &recordingPublisher{}
	r.SetDispatcher(dispatcher)

	s := r.Register(newFakeConn(true))
	r.HandleMessage(s, []byte(`{"action":"publish","channel":"pbx-channel-3","message":"hi"}`))

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.channels) != 1 || dispatcher.channels[0] != "pbx-channel-3" {
		t.Fatalf("dispatched = %v", dispatcher.channels)
	}
}

func TestRunClosesSessionsOnShutdown(t *testing.T) {
	r, _ := newTestRelay(t)
	conn := newFakeConn(true)
	r.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if r.SessionCount() != 0 || !conn.isClosed() {
		t.Fatal("sessions left open after shutdown")
	}
}

func TestRemoteClaimOverridesOlderLocalSubscriber(t *testing.T) {
	r, metrics := newTestRelay(t)
	conn := newFakeConn(true)
	r.Subscribe(r.Register(conn), "c")

	r.applyClaim("other", "c", time.Now().Add(time.Minute))
	if r.Deliver("c", []byte(`{"data":1}`)) {
		t.Fatal("delivered although another instance subscribed later")
	}
	expectNoFrame(t, conn)
	if got := testutil.ToFloat64(metrics.RelayPublished.WithLabelValues("remote_subscriber")); got != 1 {
		t.Fatalf("remote_subscriber = %v, want 1", got)
	}

	// an older remote subscription does not win
	r.applyClaim("other", "c", time.Now().Add(-time.Minute))
	if !r.Deliver("c", []byte(`{"data":2}`)) {
		t.Fatal("not delivered")
	}
	expectFrame(t, conn)

	// claims carrying the relay's own id are ignored
	r.applyRelease("other", "c")
	r.applyClaim(r.id, "c", time.Now().Add(time.Minute))
	if !r.Deliver("c", []byte(`{"data":3}`)) {
		t.Fatal("own claim suppressed delivery")
	}
	expectFrame(t, conn)

	r.applyClaim("other", "c", time.Now().Add(time.Minute))
	if n := r.pruneClaims(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if !r.Deliver("c", []byte(`{"data":4}`)) {
		t.Fatal("not delivered after stale claim was pruned")
	}
	expectFrame(t, conn)
}

type recordingAnnouncer struct {
	mu    sync.Mutex
	notes []string
}

func (a *recordingAnnouncer) Claim(channel string, since time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notes = append(a.notes, "claim "+channel)
}

func (a *recordingAnnouncer) Release(channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notes = append(a.notes, "release "+channel)
}

func TestSubscriptionChangesAreAnnounced(t *testing.T) {
	r, _ := newTestRelay(t)
	announcer := &recordingAnnouncer{}
	r.setAnnouncer(announcer)

	first := r.Register(newFakeConn(true))
	second := r.Register(newFakeConn(true))

	r.Subscribe(first, "a")
	r.Subscribe(second, "a")
	r.Subscribe(second, "a")
	r.Subscribe(first, "b")
	second.Close()
	first.Close()

	want := []string{"claim a", "claim a", "claim a", "claim b", "release a", "release b"}
	announcer.mu.Lock()
	defer announcer.mu.Unlock()
	if len(announcer.notes) != len(want) {
		t.Fatalf("notes = %v, want %v", announcer.notes, want)
	}
	for i := range want {
		if announcer.notes[i] != want[i] {
			t.Fatalf("notes = %v, want %v", announcer.notes, want)
		}
	}
}
