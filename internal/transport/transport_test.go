package transport

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func newEchoServer(t *testing.T) (*httptest.Server, string, int) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(data) == "ping-please" {
				conn.WriteMessage(websocket.PongMessage, nil)
				continue
			}
			conn.WriteMessage(mt, data)
		}
	}))

	addr := strings.TrimPrefix(ts.URL, "http://")
	parts := strings.Split(addr, ":")
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return ts, parts[0], port
}

func TestConnectDeliversOpenedThenText(t *testing.T) {
	ts, host, port := newEchoServer(t)
	defer ts.Close()

	tr := New()
	go tr.Connect(t.Context(), host, port, "", time.Second)

	ev := <-tr.Events
	if ev.Kind != EventOpened {
		t.Fatalf("expected EventOpened first, got %+v", ev)
	}

	if !tr.Send([]byte("hello")) {
		t.Fatalf("expected send to succeed once open")
	}

	ev = <-tr.Events
	if ev.Kind != EventText || string(ev.Text) != "hello" {
		t.Fatalf("expected echoed text frame, got %+v", ev)
	}

	tr.Close()
}

func TestSendBeforeConnectFails(t *testing.T) {
	tr := New()
	if tr.Send([]byte("too early")) {
		t.Fatalf("expected send to fail before connect completes")
	}
}

func TestCloseIsIdempotentBeforeConnect(t *testing.T) {
	tr := New()
	tr.Close()
	tr.Close() // must not panic
}

func TestPongEventDeliveredOnControlFrame(t *testing.T) {
	ts, host, port := newEchoServer(t)
	defer ts.Close()

	tr := New()
	go tr.Connect(t.Context(), host, port, "", time.Second)

	ev := <-tr.Events
	if ev.Kind != EventOpened {
		t.Fatalf("expected EventOpened, got %+v", ev)
	}

	tr.Send([]byte("ping-please"))

	ev = <-tr.Events
	if ev.Kind != EventPong {
		t.Fatalf("expected EventPong, got %+v", ev)
	}

	tr.Close()
}

func TestConnectFailsFastOnUnreachableHost(t *testing.T) {
	tr := New()
	go tr.Connect(t.Context(), "127.0.0.1", 1, "", 200*time.Millisecond)

	ev := <-tr.Events
	if ev.Kind != EventError {
		t.Fatalf("expected EventError on unreachable host, got %+v", ev)
	}
}
