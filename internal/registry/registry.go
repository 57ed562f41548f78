// Package registry implements the Instance registry: a keyed collection of
// Instance records, synced against the Manager's list, with supervisors
// created/destroyed on entry/exit while preserving Manager ordering for
// deterministic tie-breaks in the selector. Every record and its
// supervisor are addressed by id, never by positional/array index.
package registry

import (
	"context"
	"sync"

	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/metrics"
	"github.com/aditbridge/core/internal/model"
)

// Supervisor is the subset of supervisor.Supervisor the registry needs,
// kept narrow so registry tests don't need a real transport.
type Supervisor interface {
	Open(ctx context.Context)
	Close()
	UpdateEndpoints(controlHost string, controlPort int, statusHost string, statusPort int)
	Send(text []byte) bool
	Heartbeat()
}

// SupervisorFactory creates a Supervisor for a newly discovered Instance.
type SupervisorFactory func(inst *model.Instance) Supervisor

// Registry owns the Instance map and the ordered Manager id list. The
// orchestrator alone adds and removes records; each supervisor writes only
// its own record through Mutate. Readers (selector, external status) go
// through Snapshot/Ordered, which return copies.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*model.Instance
	supervisor map[string]Supervisor
	order      []string // Manager-supplied ordering, preserved verbatim

	newSupervisor SupervisorFactory
	log           *logging.Logger
}

func New(factory SupervisorFactory, log *logging.Logger) *Registry {
	return &Registry{
		records:       make(map[string]*model.Instance),
		supervisor:    make(map[string]Supervisor),
		newSupervisor: factory,
		log:           log,
	}
}

// SyncAgainst diffs the registry against the Manager's instance list, in
// Manager order: removing ids no longer present, creating newly seen ids,
// and updating metadata for ids that persist.
func (r *Registry) SyncAgainst(ctx context.Context, list []model.InstanceDescriptor) {
	r.mu.Lock()

	present := make(map[string]bool, len(list))
	for _, d := range list {
		present[d.ID] = true
	}

	// Step 2: remove ids no longer present.
	var toClose []Supervisor
	for id := range r.records {
		if present[id] {
			continue
		}
		r.log.Info("instance %s removed from manager list", id)
		if sup, ok := r.supervisor[id]; ok {
			toClose = append(toClose, sup)
			delete(r.supervisor, id)
		}
		delete(r.records, id)
	}

	// Step 3: create or update.
	var toOpen []Supervisor
	for _, d := range list {
		if existing, ok := r.records[d.ID]; ok {
			// Update mutable metadata only; connState/timers are owned by
			// the supervisor and must not be touched here. Endpoint drift on a
			// Connected Instance is not reset.
			existing.Name = d.Name
			existing.Description = d.Description
			existing.ControlHost = d.IPAddress
			existing.ControlPort = d.ControlInterfacePortNumber
			existing.StatusHost = d.IPAddress
			existing.StatusPort = d.APIPortNumber
			if sup, ok := r.supervisor[d.ID]; ok {
				sup.UpdateEndpoints(existing.ControlHost, existing.ControlPort, existing.StatusHost, existing.StatusPort)
			}
			continue
		}

		r.log.Info("instance %s (%s) discovered", d.ID, d.Name)
		rec := &model.Instance{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			ControlHost: d.IPAddress,
			ControlPort: d.ControlInterfacePortNumber,
			StatusHost:  d.IPAddress,
			StatusPort:  d.APIPortNumber,
			ConnState:   model.Disconnected,
		}
		r.records[d.ID] = rec
		sup := r.newSupervisor(rec)
		r.supervisor[d.ID] = sup
		toOpen = append(toOpen, sup)
	}

	// Step 4: replace ordering with Manager's, verbatim.
	order := make([]string, len(list))
	for i, d := range list {
		order[i] = d.ID
	}
	r.order = order

	r.mu.Unlock()

	// Close/open supervisors outside the lock: tear-down of a removed
	// Instance happens-before a potential re-registration of the same id
	// because SyncAgainst itself is only ever invoked serially by the
	// orchestrator.
	for _, sup := range toClose {
		sup.Close()
	}
	for _, sup := range toOpen {
		sup.Open(ctx)
	}

	r.publishGaugeMetrics()
}

func (r *Registry) publishGaugeMetrics() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metrics.InstancesRegistered.Set(float64(len(r.records)))
	connected := 0
	for _, rec := range r.records {
		if rec.Healthy {
			connected++
		}
	}
	metrics.InstancesConnected.Set(float64(connected))
}

// Get returns a snapshot copy of the record for id, or false if absent.
func (r *Registry) Get(id string) (model.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return model.Instance{}, false
	}
	return rec.Snapshot(), true
}

// Mutate applies fn to the owned record for id under the
// registry's lock; used by the supervisor to publish its own state
// transitions (healthy, connState, reportedPrimary, etc). The supervisor
// never touches the map directly — only its own record, addressed by id.
func (r *Registry) Mutate(id string, fn func(*model.Instance)) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		fn(rec)
	}
	r.mu.Unlock()

	if ok {
		r.publishGaugeMetrics()
	}
}

// Snapshot returns value copies of every currently registered Instance,
// keyed by id, safe for external readers (selector, host status).
func (r *Registry) Snapshot() map[string]model.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.Instance, len(r.records))
	for id, rec := range r.records {
		out[id] = rec.Snapshot()
	}
	return out
}

// Ordered returns the Manager-supplied id ordering, a copy safe for the
// selector's tie-break logic to range over without synchronization.
func (r *Registry) Ordered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Clear tears down every supervisor and empties the registry, used on
// orchestrator stop and on reset-on-restart.
func (r *Registry) Clear() {
	r.mu.Lock()
	sups := make([]Supervisor, 0, len(r.supervisor))
	for _, sup := range r.supervisor {
		sups = append(sups, sup)
	}
	r.records = make(map[string]*model.Instance)
	r.supervisor = make(map[string]Supervisor)
	r.order = nil
	r.mu.Unlock()

	for _, sup := range sups {
		sup.Close()
	}
}

// Broadcast sends text to every registered Instance's supervisor, returning
// the number that accepted it. Supervisors whose transport is not Connected
// simply report false and are skipped: commands are dropped silently when
// no Instance is connected.
func (r *Registry) Broadcast(text []byte) int {
	r.mu.RLock()
	sups := make([]Supervisor, 0, len(r.supervisor))
	for _, sup := range r.supervisor {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	sent := 0
	for _, sup := range sups {
		if sup.Send(text) {
			sent++
		}
	}
	return sent
}

// HeartbeatAll calls Heartbeat on every registered Instance's supervisor,
// used by the orchestrator's heartbeat cycle.
func (r *Registry) HeartbeatAll() {
	r.mu.RLock()
	sups := make([]Supervisor, 0, len(r.supervisor))
	for _, sup := range r.supervisor {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	for _, sup := range sups {
		sup.Heartbeat()
	}
}

// Len returns the number of currently registered Instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
