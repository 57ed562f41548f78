package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/model"
	"github.com/aditbridge/core/internal/transport"
)

// fakeDialer is an in-process Dialer double. Connect delivers events pushed
// onto its own channel by the test, rather than actually dialing a socket.
type fakeDialer struct {
	mu     sync.Mutex
	events chan transport.Event
	closed bool
	sent   [][]byte
	pings  int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{events: make(chan transport.Event, 16)}
}

func (f *fakeDialer) Connect(ctx context.Context, host string, port int, path string, deadline time.Duration) {
	// Test drives opening via pushOpened(); Connect itself is a no-op here.
}

func (f *fakeDialer) Send(text []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.sent = append(f.sent, text)
	return true
}

func (f *fakeDialer) Ping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return !f.closed
}

func (f *fakeDialer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeDialer) pushOpened() { f.events <- transport.Event{Kind: transport.EventOpened} }
func (f *fakeDialer) pushText(b []byte) {
	f.events <- transport.Event{Kind: transport.EventText, Text: b}
}
func (f *fakeDialer) pushPong()   { f.events <- transport.Event{Kind: transport.EventPong} }
func (f *fakeDialer) pushClosed() { f.events <- transport.Event{Kind: transport.EventClosed, Code: 1006} }

type fakeStore struct {
	mu   sync.Mutex
	recs map[string]*model.Instance
}

func newFakeStore(id string) *fakeStore {
	return &fakeStore{recs: map[string]*model.Instance{id: {ID: id}}}
}

func (s *fakeStore) Mutate(id string, fn func(*model.Instance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		fn(rec)
	}
}

func (s *fakeStore) Get(id string) model.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recs[id]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func testConfig() Config {
	return Config{
		ControlInterfaceID: "UUID-A",
		ConnectTimeout:     time.Second,
		ReconnectDelay:     50 * time.Millisecond,
		PongTimeout:        100 * time.Millisecond,
	}
}

func TestOpenTransitionsToConnectedOnOpenedEvent(t *testing.T) {
	store := newFakeStore("I1")
	dialer := newFakeDialer()
	log := logging.New("[test] ", false)

	sup := New("I1", testConfig(), "10.0.0.2", 9091, func() (Dialer, <-chan transport.Event) {
		return dialer, dialer.events
	}, store, func(string, string) {}, func() (string, bool) { return "", false }, func() {}, log)

	sup.Open(context.Background())
	dialer.pushOpened()

	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })
	if !store.Get("I1").Healthy {
		t.Fatalf("expected healthy=true after connect")
	}

	sup.Close()
}

func TestVariableUpdateForwardedOnlyFromPrimary(t *testing.T) {
	store := newFakeStore("I1")
	dialer := newFakeDialer()
	log := logging.New("[test] ", false)

	var mu sync.Mutex
	var received []string
	primaryID := "I1"

	sup := New("I1", testConfig(), "10.0.0.2", 9091, func() (Dialer, <-chan transport.Event) {
		return dialer, dialer.events
	}, store, func(id, val string) {
		mu.Lock()
		received = append(received, id+"="+val)
		mu.Unlock()
	}, func() (string, bool) { return primaryID, true }, func() {}, log)

	sup.Open(context.Background())
	dialer.pushOpened()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })

	dialer.pushText([]byte(`<Variable ID="V1">42</Variable>`))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	primaryID = "I2" // no longer primary
	dialer.pushText([]byte(`<Variable ID="V2">99</Variable>`))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "V1=42" {
		t.Fatalf("expected only V1=42 forwarded, got %v", received)
	}

	sup.Close()
}

func TestUnrecognizedElementDoesNotCrashParser(t *testing.T) {
	store := newFakeStore("I1")
	dialer := newFakeDialer()
	log := logging.New("[test] ", false)

	sup := New("I1", testConfig(), "10.0.0.2", 9091, func() (Dialer, <-chan transport.Event) {
		return dialer, dialer.events
	}, store, func(string, string) {}, func() (string, bool) { return "I1", true }, func() {}, log)

	sup.Open(context.Background())
	dialer.pushOpened()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })

	dialer.pushText([]byte(`<SomeOtherThing Foo="bar"/>`))
	dialer.pushText([]byte(`not even xml`))
	time.Sleep(30 * time.Millisecond)

	if store.Get("I1").ConnState != model.Connected {
		t.Fatalf("expected parser to tolerate unrecognized/malformed frames")
	}

	sup.Close()
}

func TestUnexpectedCloseSchedulesReconnect(t *testing.T) {
	store := newFakeStore("I1")
	var mu sync.Mutex
	dialerCount := 0

	log := logging.New("[test] ", false)
	var currentDialer *fakeDialer

	sup := New("I1", testConfig(), "10.0.0.2", 9091, func() (Dialer, <-chan transport.Event) {
		mu.Lock()
		dialerCount++
		mu.Unlock()
		d := newFakeDialer()
		currentDialer = d
		return d, d.events
	}, store, func(string, string) {}, func() (string, bool) { return "", false }, func() {}, log)

	sup.Open(context.Background())
	currentDialer.pushOpened()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })

	currentDialer.pushClosed()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Disconnected })

	// Reconnect timer fires after ReconnectDelay and redials.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dialerCount == 2
	})

	sup.Close()
}

func TestPongTimeoutDeclaresDeadAndUnhealthy(t *testing.T) {
	store := newFakeStore("I1")
	dialer := newFakeDialer()
	log := logging.New("[test] ", false)

	sup := New("I1", testConfig(), "10.0.0.2", 9091, func() (Dialer, <-chan transport.Event) {
		return dialer, dialer.events
	}, store, func(string, string) {}, func() (string, bool) { return "", false }, func() {}, log)

	sup.Open(context.Background())
	dialer.pushOpened()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })

	sup.Heartbeat() // sends ping, arms pong deadline; fake never pongs back

	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Disconnected })
	if store.Get("I1").Healthy {
		t.Fatalf("expected healthy=false after pong timeout")
	}

	sup.Close()
}

// TestPongTimeoutReconnectsOntoDistinctChannel exercises a pong timeout with
// a DialerFactory that hands out a fresh dialer/channel per attempt, unlike
// the single shared fake above. The old connection's pumpEvents must not
// observe or block on the new attempt's channel, and the new connection's
// own pumpEvents must be the one driving state after reconnect.
func TestPongTimeoutReconnectsOntoDistinctChannel(t *testing.T) {
	store := newFakeStore("I1")
	log := logging.New("[test] ", false)

	var mu sync.Mutex
	var dialers []*fakeDialer

	sup := New("I1", testConfig(), "10.0.0.2", 9091, func() (Dialer, <-chan transport.Event) {
		mu.Lock()
		defer mu.Unlock()
		d := newFakeDialer()
		dialers = append(dialers, d)
		return d, d.events
	}, store, func(string, string) {}, func() (string, bool) { return "", false }, func() {}, log)

	sup.Open(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dialers) == 1
	})
	mu.Lock()
	first := dialers[0]
	mu.Unlock()
	first.pushOpened()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })

	sup.Heartbeat() // arms pong deadline on the first connection; never pongs

	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Disconnected })

	// A late close event on the superseded first channel must not be picked
	// up by a pumpEvents loop racing the reconnect's new channel.
	first.pushClosed()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dialers) == 2
	})
	mu.Lock()
	second := dialers[1]
	mu.Unlock()
	second.pushOpened()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })
	if !store.Get("I1").Healthy {
		t.Fatalf("expected healthy=true after reconnecting on second attempt")
	}

	sup.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newFakeStore("I1")
	dialer := newFakeDialer()
	log := logging.New("[test] ", false)

	sup := New("I1", testConfig(), "10.0.0.2", 9091, func() (Dialer, <-chan transport.Event) {
		return dialer, dialer.events
	}, store, func(string, string) {}, func() (string, bool) { return "", false }, func() {}, log)

	sup.Open(context.Background())
	dialer.pushOpened()
	waitFor(t, func() bool { return store.Get("I1").ConnState == model.Connected })

	sup.Close()
	sup.Close() // must not panic or block
}
