// Package supervisor implements the per-Instance connection supervisor:
// state machine {Disconnected, Connecting, Connected}, scheduled
// reconnect, ping/pong heartbeat with deadline, inbound frame routing.
// Every timer and transport is owned by exactly one Supervisor, addressed
// by the Instance's id, never by a positional slot.
package supervisor

import (
	"context"
	"encoding/xml"
	"sync"
	"time"

	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/metrics"
	"github.com/aditbridge/core/internal/model"
	"github.com/aditbridge/core/internal/transport"
)

// Dialer opens a Transport; production code wires this to
// transport.Transport, tests can substitute a fake.
type Dialer interface {
	Connect(ctx context.Context, host string, port int, path string, deadline time.Duration)
	Send(text []byte) bool
	Ping() bool
	Close()
}

// DialerFactory constructs a fresh Dialer for each connection attempt —
// gorilla/websocket connections cannot be reused after Close, so a new one
// is dialed on every (re)connect exactly like transport.New() per attempt.
type DialerFactory func() (Dialer, <-chan transport.Event)

// VariableSink receives inbound variable updates that passed the primary
// gate.
type VariableSink func(variableID, value string)

// PrimarySource reports the current effective primary id, queried at the
// moment a frame arrives — never cached at receive time, since the gate
// must be evaluated at the time the update arrives.
type PrimarySource func() (id string, known bool)

// RecordStore is the subset of the registry the supervisor needs to
// publish its own state changes (only connState/healthy are touched here;
// reportedPrimary comes from the orchestrator's status poll, not from the
// control transport).
type RecordStore interface {
	Mutate(id string, fn func(*model.Instance))
}

// ReevaluateFunc triggers the selector to re-run its election.
type ReevaluateFunc func()

// Config carries the timing defaults relevant to one supervisor.
type Config struct {
	ControlInterfaceID string
	ConnectTimeout     time.Duration
	ReconnectDelay     time.Duration
	PongTimeout        time.Duration
}

// Supervisor owns one Instance's control transport and timers exclusively.
type Supervisor struct {
	id     string
	cfg    Config
	log    *logging.Logger
	dial   DialerFactory
	store  RecordStore
	sink   VariableSink
	source PrimarySource
	reeval ReevaluateFunc

	mu sync.Mutex
	// endpoints, updated in place by the registry on metadata refresh.
	// Not applied to a live Connected transport.
	controlHost string
	controlPort int

	current Dialer

	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	reconnectTimer *time.Timer
	pongTimer      *time.Timer
	pendingPong    bool

	everConnectedThisSession bool
}

// New builds a Supervisor for the given Instance id. dial is called once
// per connection attempt.
func New(id string, cfg Config, controlHost string, controlPort int, dial DialerFactory, store RecordStore, sink VariableSink, source PrimarySource, reeval ReevaluateFunc, log *logging.Logger) *Supervisor {
	return &Supervisor{
		id:          id,
		cfg:         cfg,
		log:         log,
		dial:        dial,
		store:       store,
		sink:        sink,
		source:      source,
		reeval:      reeval,
		controlHost: controlHost,
		controlPort: controlPort,
		stopCh:      make(chan struct{}),
	}
}

// UpdateEndpoints updates the host/port used by the NEXT connection
// attempt; a live Connected transport is never reset by this call.
func (s *Supervisor) UpdateEndpoints(controlHost string, controlPort int, statusHost string, statusPort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlHost = controlHost
	s.controlPort = controlPort
}

// Open starts the Disconnected→Connecting transition and begins dialing.
// The stopped check and wg.Add happen under the same lock so a concurrent
// Close() can never observe wg back at zero while a connection attempt is
// still being spawned.
func (s *Supervisor) Open(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.store.Mutate(s.id, func(i *model.Instance) {
		i.ConnState = model.Connecting
	})

	go s.runConnection(ctx)
}

// runConnection performs one connect attempt and, on success, pumps events
// until the transport closes, then schedules a reconnect (unless stopped).
func (s *Supervisor) runConnection(ctx context.Context) {
	defer s.wg.Done()

	s.mu.Lock()
	host, port := s.controlHost, s.controlPort
	dial := s.dial
	s.mu.Unlock()

	d, events := dial()

	s.mu.Lock()
	if s.stopped {
		// Close() raced this attempt's spawn: the dialer was never connected
		// against the stopCh path below, so close it here directly rather
		// than leaking a socket that Close()'s "closes every transport"
		// guarantee was supposed to prevent.
		s.mu.Unlock()
		d.Close()
		return
	}
	s.current = d
	s.mu.Unlock()

	d.Connect(ctx, host, port, s.cfg.ControlInterfaceID, s.cfg.ConnectTimeout)

	s.pumpEvents(events)
	d.Close()
}

// pumpEvents drains the events channel belonging to this specific connect
// attempt, captured locally by the caller. Reading a shared field here
// instead would race: a pong-timeout can close the current transport from
// Heartbeat's goroutine while this one is still parked in its select, and
// a subsequent reconnect's runConnection would reassign the field out from
// under it.
func (s *Supervisor) pumpEvents(events <-chan transport.Event) {
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventOpened:
				s.onOpened()
			case transport.EventText:
				s.onText(ev.Text)
			case transport.EventPong:
				s.onPong()
			case transport.EventClosed, transport.EventError:
				s.onClosedOrError()
				return
			}
		}
	}
}

func (s *Supervisor) onOpened() {
	s.mu.Lock()
	reconnect := s.everConnectedThisSession
	s.everConnectedThisSession = true
	s.mu.Unlock()

	s.store.Mutate(s.id, func(i *model.Instance) {
		i.ConnState = model.Connected
		i.Healthy = true
	})

	if reconnect {
		s.log.Info("instance %s reconnected", s.id)
	} else {
		s.log.Info("instance %s connected", s.id)
	}
	s.reeval()
}

func (s *Supervisor) onText(data []byte) {
	var envelope struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &envelope); err != nil {
		s.log.Debug("instance %s: failed to parse inbound frame: %v", s.id, err)
		return
	}

	switch envelope.XMLName.Local {
	case "Variable":
		var v struct {
			ID    string `xml:"ID,attr"`
			Value string `xml:",chardata"`
		}
		if err := xml.Unmarshal(data, &v); err != nil {
			s.log.Debug("instance %s: failed to parse Variable frame: %v", s.id, err)
			return
		}
		s.handleVariableUpdate(v.ID, v.Value)
	default:
		// Forward-compatibility: unrecognized elements are ignored, not an
		// error.
	}
}

func (s *Supervisor) handleVariableUpdate(variableID, value string) {
	primaryID, known := s.source()
	if !known || primaryID != s.id {
		s.log.Debug("instance %s: dropping variable update %s, not effective primary", s.id, variableID)
		return
	}
	s.sink(variableID, value)
}

func (s *Supervisor) onPong() {
	s.mu.Lock()
	s.pendingPong = false
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.mu.Unlock()
}

// onClosedOrError handles the transport tearing down on its own (not via
// Stop/Close from the supervisor side) — an "unexpected" closure.
func (s *Supervisor) onClosedOrError() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.store.Mutate(s.id, func(i *model.Instance) {
		i.ConnState = model.Disconnected
		i.Healthy = false
	})
	s.clearPongTimer()
	s.log.Warn("instance %s: control transport closed unexpectedly", s.id)
	s.scheduleReconnect()
	s.reeval()
}

func (s *Supervisor) clearPongTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPong = false
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}

// scheduleReconnect arms a single-shot reconnect timer. Re-invocation while
// one is already pending is a no-op: at most one reconnect timer is ever
// outstanding for a given supervisor.
func (s *Supervisor) scheduleReconnect() {
	s.mu.Lock()
	if s.stopped || s.reconnectTimer != nil {
		s.mu.Unlock()
		return
	}
	metrics.ReconnectsScheduled.Inc()
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDelay, s.fireReconnect)
	s.mu.Unlock()
}

// fireReconnect is the reconnect timer's callback. The stopped check and the
// wg.Add that guards the new connection attempt happen under the same lock
// Close() uses to set stopped, so Close() can never observe wg back at zero
// (and return from wg.Wait()) while this callback is mid-spawn: either this
// critical section runs first and the new goroutine is counted before
// Close()'s Wait() call, or Close()'s critical section runs first and this
// callback sees stopped already true and spawns nothing.
func (s *Supervisor) fireReconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.store.Mutate(s.id, func(i *model.Instance) {
		i.ConnState = model.Connecting
	})
	go s.runConnection(context.Background())
}

// Heartbeat implements one heartbeat tick for this supervisor. The
// orchestrator calls this on every registered supervisor at pingInterval;
// one whose transport has no open connection sends no ping.
func (s *Supervisor) Heartbeat() {
	s.mu.Lock()
	if s.stopped || s.current == nil {
		s.mu.Unlock()
		return
	}
	alreadyPending := s.pendingPong
	s.mu.Unlock()

	if alreadyPending {
		s.log.Warn("instance %s: pong not received within timeout, declaring dead", s.id)
		metrics.PongTimeouts.Inc()
		s.forceDeadTransport()
		return
	}

	s.mu.Lock()
	d := s.current
	s.mu.Unlock()
	if d == nil || !d.Ping() {
		return
	}

	s.mu.Lock()
	s.pendingPong = true
	s.pongTimer = time.AfterFunc(s.cfg.PongTimeout, func() {
		s.mu.Lock()
		stillPending := s.pendingPong
		s.pongTimer = nil
		s.mu.Unlock()
		if stillPending {
			s.log.Warn("instance %s: pong-deadline expired", s.id)
			metrics.PongTimeouts.Inc()
			s.forceDeadTransport()
		}
	})
	s.mu.Unlock()
}

// forceDeadTransport handles the dead-transport path shared by pending-pong
// detection and pong-deadline expiry.
func (s *Supervisor) forceDeadTransport() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	d := s.current
	s.pendingPong = false
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.mu.Unlock()

	if d != nil {
		d.Close()
	}

	s.store.Mutate(s.id, func(i *model.Instance) {
		i.ConnState = model.Disconnected
		i.Healthy = false
	})
	s.scheduleReconnect()
	s.reeval()
}

// Send broadcasts a text frame to this Instance if connected.
func (s *Supervisor) Send(text []byte) bool {
	s.mu.Lock()
	d := s.current
	s.mu.Unlock()
	if d == nil {
		return false
	}
	return d.Send(text)
}

// Close tears the supervisor down: cancels any pending timers, closes the
// transport without triggering reconnection, idempotent.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.pendingPong = false
	d := s.current
	s.mu.Unlock()

	close(s.stopCh)
	if d != nil {
		d.Close()
	}
	s.wg.Wait()
}
