// Package transport implements the bidirectional control transport: a
// text-framed websocket channel with out-of-band ping/pong, used by the
// supervisor to talk to a single Instance's control interface. Every write
// goes through SetWriteDeadline first, and Close is safe to call more than
// once.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind identifies the kind of Event delivered to the owning supervisor.
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventText
	EventError
	EventPong
)

// Event is delivered on the Transport's Events channel.
type Event struct {
	Kind EventKind
	Code int    // valid for EventClosed
	Text []byte // valid for EventText
	Err  error  // valid for EventError
}

// Transport is a single bidirectional control connection to one Instance.
// Connect, Send, Ping and Close are all safe to call from the owning
// supervisor goroutine; Close is additionally safe to call concurrently
// with an in-flight Connect (half-open transport).
type Transport struct {
	Events chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	// detached is set by Close before conn.Close() so that any goroutine
	// still reading from a socket mid-teardown drops its event on the floor
	// instead of delivering a late close/error that would look like an
	// unexpected disconnect to the supervisor.
	detached bool
	stopCh   chan struct{}
}

// New creates a Transport. Its event channel is buffered slightly so a
// burst of frames doesn't block the read pump on a slow supervisor.
func New() *Transport {
	return &Transport{
		Events: make(chan Event, 16),
		stopCh: make(chan struct{}),
	}
}

// emit delivers an event unless the transport has already been detached,
// in which case it drops it — a late event racing a Close() must never
// reach the supervisor.
func (t *Transport) emit(ev Event) {
	select {
	case <-t.stopCh:
		return
	default:
	}
	select {
	case t.Events <- ev:
	case <-t.stopCh:
	}
}

// Connect dials ws://{host}:{port}/{path} with the given deadline. If the
// handshake does not complete within deadline, it is cancelled and an
// EventError is delivered; otherwise EventOpened is delivered and the read
// pump starts.
func (t *Transport) Connect(ctx context.Context, host string, port int, path string, deadline time.Duration) {
	url := fmt.Sprintf("ws://%s:%d/%s", host, port, path)

	dialCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		t.emit(Event{Kind: EventError, Err: err})
		return
	}

	t.mu.Lock()
	if t.detached {
		// Close raced us while the dial was in flight; tear down quietly.
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.conn.SetPongHandler(func(string) error {
		t.emit(Event{Kind: EventPong})
		return nil
	})
	t.mu.Unlock()

	t.emit(Event{Kind: EventOpened})
	t.readPump()
}

// readPump reads frames until the connection closes or errors, then
// delivers exactly one terminal event (EventClosed or EventError).
func (t *Transport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			detached := t.detached
			t.mu.Unlock()
			if detached {
				// Intentional close already handled by Close(); don't also
				// fire a spurious closed/error event.
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				t.emit(Event{Kind: EventClosed, Code: closeErr.Code})
			} else {
				t.emit(Event{Kind: EventError, Err: err})
			}
			return
		}
		t.emit(Event{Kind: EventText, Text: data})
	}
}

// writeWait bounds how long a single frame write may block a caller before
// it is treated as failed.
const writeWait = 5 * time.Second

// Send writes a text frame. Returns true if the frame was handed to the
// socket, false if the transport has no open connection or the write
// deadline expires. Outbound commands are dropped silently when
// disconnected, never queued.
func (t *Transport) Send(text []byte) bool {
	t.mu.Lock()
	conn := t.conn
	detached := t.detached
	t.mu.Unlock()

	if conn == nil || detached {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, text); err != nil {
		return false
	}
	return true
}

// Ping sends a websocket ping control frame. Returns false if there is no
// open connection.
func (t *Transport) Ping() bool {
	t.mu.Lock()
	conn := t.conn
	detached := t.detached
	t.mu.Unlock()

	if conn == nil || detached {
		return false
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return false
	}
	return true
}

// Close tears the transport down forcefully and idempotently. It detaches
// handlers first so a late close/error from an in-flight read cannot
// trigger reconnection logic during intentional shutdown, and is safe to
// call on a half-open transport (Connect still dialing).
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.detached = true
	conn := t.conn
	t.mu.Unlock()

	close(t.stopCh)

	if conn != nil {
		conn.Close()
	}
}
