// Package orchestrator implements the CORE orchestrator: three independent
// periodic cycles (Manager poll, Instance status poll, heartbeat) driving
// the registry and selector, plus cache-assisted cold start and the
// outbound command surface the Host uses to talk back to the Instance
// cluster. There is no package-level mutable state; every piece of state
// lives on the Orchestrator value.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aditbridge/core/internal/cache"
	"github.com/aditbridge/core/internal/host"
	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/metrics"
	"github.com/aditbridge/core/internal/model"
)

// ManagerClient is the subset of managerclient.Client the orchestrator
// needs, narrowed for testability without a real HTTP server.
type ManagerClient interface {
	FetchChannels(ctx context.Context, managerEndpoint string, timeout time.Duration) ([]model.ChannelDescriptor, error)
	FetchRules(ctx context.Context, managerEndpoint, channelID string, timeout time.Duration) ([]model.RuleDescriptor, error)
	FetchVariables(ctx context.Context, managerEndpoint, channelID string, timeout time.Duration) ([]model.VariableDescriptor, error)
	FetchInstances(ctx context.Context, managerEndpoint, channelID string, timeout time.Duration) ([]model.InstanceDescriptor, error)
	FetchInstanceStatus(ctx context.Context, instanceHost string, apiPort int, timeout time.Duration) (model.InstanceStatus, error)
}

// CacheStore is the subset of cache.Cache the orchestrator needs.
type CacheStore interface {
	Load(ctx context.Context) (model.CacheRecord, bool)
	Save(ctx context.Context, instancesBlob, variablesBlob, rulesBlob, channelName string) error
}

// Registry is the subset of registry.Registry the orchestrator needs.
type Registry interface {
	SyncAgainst(ctx context.Context, list []model.InstanceDescriptor)
	Snapshot() map[string]model.Instance
	Ordered() []string
	Mutate(id string, fn func(*model.Instance))
	Clear()
	Len() int
	Broadcast(text []byte) int
	HeartbeatAll()
}

// Selector is the subset of selector.Selector the orchestrator needs.
type Selector interface {
	Run(snapshot map[string]model.Instance, order []string) model.EffectivePrimary
	Current() model.EffectivePrimary
	Reset()
}

// Config carries the Manager identity and the timing defaults relevant to
// the orchestrator's own cycles (supervisor-level timing lives in
// supervisor.Config).
type Config struct {
	ManagerEndpoint string // "host:port"
	ChannelID       string // "" means none selected

	ManagerPollInterval    time.Duration
	InstanceStatusInterval time.Duration
	HeartbeatInterval      time.Duration
	HTTPManagerTimeout     time.Duration
	HTTPInstanceTimeout    time.Duration
}

// Orchestrator is the single concrete owner of the registry and selector.
// All mutable cycle-local state (reachability, fingerprints, cache-loaded
// flag) lives on this value, guarded by mu.
type Orchestrator struct {
	cfg Config
	mgr ManagerClient
	reg Registry
	sel Selector
	cs  CacheStore // may be nil: cache-assisted cold start is then skipped
	hst host.Sink
	log *logging.Logger

	mu                     sync.Mutex
	managerReachableKnown  bool
	managerReachable       bool
	everFetchedChannelData bool
	cacheLoadedThisSession bool
	lastAppliedChannelID   string
	lastRulesFingerprint   string
	lastVarsFingerprint    string
	lastChannelName        string
	instanceFailing        map[string]bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopped bool
}

// New builds an Orchestrator. cs may be nil if no cache backend is
// configured; the memory-fallback case still passes a real CacheStore, so
// nil is reserved for tests that want cold start skipped entirely.
func New(cfg Config, mgr ManagerClient, reg Registry, sel Selector, cs CacheStore, hst host.Sink, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:             cfg,
		mgr:             mgr,
		reg:             reg,
		sel:             sel,
		cs:              cs,
		hst:             hst,
		log:             log,
		instanceFailing: make(map[string]bool),
		// lastAppliedChannelID starts out distinguishable from any real
		// channel id (including "") so the first Manager poll always applies
		// definitions at least once.
		lastAppliedChannelID: "\x00unset",
	}
}

// Start launches the three independent cycles as goroutines joined by wg.
// Each cycle fires immediately, then on its own ticker.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	o.cancel = cancel

	o.wg.Add(3)
	go o.managerPollLoop(runCtx)
	go o.instanceStatusLoop(runCtx)
	go o.heartbeatLoop(runCtx)
}

// Stop cancels all cycles, closes every transport (via registry.Clear,
// which never triggers reconnection because Close sets stopped first) and
// resets selector state. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.reg.Clear()
	o.sel.Reset()
}

func (o *Orchestrator) managerPollLoop(ctx context.Context) {
	defer o.wg.Done()
	o.runManagerPollOnce(ctx)

	ticker := time.NewTicker(o.cfg.ManagerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runManagerPollOnce(ctx)
		}
	}
}

func (o *Orchestrator) instanceStatusLoop(ctx context.Context) {
	defer o.wg.Done()
	o.runInstanceStatusOnce(ctx)

	ticker := time.NewTicker(o.cfg.InstanceStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runInstanceStatusOnce(ctx)
		}
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reg.HeartbeatAll()
		}
	}
}

// runManagerPollOnce runs one full Manager poll cycle: fetch channels,
// rules, variables and instances, apply any changed definitions, sync the
// registry, and fall back to cache when the Manager is unreachable.
func (o *Orchestrator) runManagerPollOnce(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.HTTPManagerTimeout)
	channels, err := o.mgr.FetchChannels(fetchCtx, o.cfg.ManagerEndpoint, o.cfg.HTTPManagerTimeout)
	cancel()

	o.recordManagerReachability(err == nil)

	if err != nil {
		if o.registryLenIsZero() && !o.everFetchedAny() {
			o.tryLoadFromCache(ctx)
		}
		o.recomputeStatus()
		return
	}
	o.setEverFetchedChannelData()

	if o.cfg.ChannelID == "" {
		o.recomputeStatus()
		return
	}

	channelName := channelNameFor(channels, o.cfg.ChannelID)

	var rules []model.RuleDescriptor
	var vars []model.VariableDescriptor
	var instances []model.InstanceDescriptor

	rctx, rcancel := context.WithTimeout(ctx, o.cfg.HTTPManagerTimeout)
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error {
		var e error
		rules, e = o.mgr.FetchRules(gctx, o.cfg.ManagerEndpoint, o.cfg.ChannelID, o.cfg.HTTPManagerTimeout)
		return e
	})
	g.Go(func() error {
		var e error
		vars, e = o.mgr.FetchVariables(gctx, o.cfg.ManagerEndpoint, o.cfg.ChannelID, o.cfg.HTTPManagerTimeout)
		return e
	})
	g.Go(func() error {
		var e error
		instances, e = o.mgr.FetchInstances(gctx, o.cfg.ManagerEndpoint, o.cfg.ChannelID, o.cfg.HTTPManagerTimeout)
		return e
	})
	err = g.Wait()
	rcancel()
	if err != nil {
		o.log.Warn("manager fetch failed for channel %s: %v", o.cfg.ChannelID, err)
		o.recomputeStatus()
		return
	}

	o.applyDefinitionsIfChanged(rules, vars)
	o.reg.SyncAgainst(ctx, instances)
	o.persistCache(ctx, instances, vars, rules, channelName)

	o.mu.Lock()
	o.lastChannelName = channelName
	o.mu.Unlock()

	o.recomputeStatus()
}

func (o *Orchestrator) applyDefinitionsIfChanged(rules []model.RuleDescriptor, vars []model.VariableDescriptor) {
	rulesFP := fingerprint(rules)
	varsFP := fingerprint(vars)

	o.mu.Lock()
	channelChanged := o.cfg.ChannelID != o.lastAppliedChannelID
	changed := channelChanged || rulesFP != o.lastRulesFingerprint || varsFP != o.lastVarsFingerprint
	if changed {
		o.lastRulesFingerprint = rulesFP
		o.lastVarsFingerprint = varsFP
		o.lastAppliedChannelID = o.cfg.ChannelID
	}
	o.mu.Unlock()

	if changed {
		o.hst.SetActionDefinitions(rules)
		o.hst.SetVariableDefinitions(vars)
	}
}

func (o *Orchestrator) persistCache(ctx context.Context, instances []model.InstanceDescriptor, vars []model.VariableDescriptor, rules []model.RuleDescriptor, channelName string) {
	if o.cs == nil {
		return
	}
	instancesBlob, _ := json.Marshal(instances)
	variablesBlob, _ := json.Marshal(vars)
	rulesBlob, _ := json.Marshal(rules)
	if err := o.cs.Save(ctx, string(instancesBlob), string(variablesBlob), string(rulesBlob), channelName); err != nil {
		o.log.Warn("cache save failed: %v", err)
	}
}

// tryLoadFromCache serves cold start with the Manager down: it loads the
// last persisted definition set at most once per process lifetime.
func (o *Orchestrator) tryLoadFromCache(ctx context.Context) {
	if o.cs == nil {
		return
	}
	o.mu.Lock()
	if o.cacheLoadedThisSession {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	rec, ok := o.cs.Load(ctx)
	if !ok {
		return
	}

	var instances []model.InstanceDescriptor
	if err := json.Unmarshal([]byte(rec.InstancesBlob), &instances); err != nil {
		return
	}
	var vars []model.VariableDescriptor
	_ = json.Unmarshal([]byte(rec.VariablesBlob), &vars)
	var rules []model.RuleDescriptor
	_ = json.Unmarshal([]byte(rec.RulesBlob), &rules)

	o.mu.Lock()
	o.cacheLoadedThisSession = true
	o.lastChannelName = rec.ChannelName
	o.mu.Unlock()

	o.log.Info("using cached definitions for '%s' (cached %s)", rec.ChannelName, cache.AgeOf(rec.Timestamp))

	o.applyDefinitionsIfChanged(rules, vars)
	o.reg.SyncAgainst(ctx, instances)
}

// runInstanceStatusOnce polls every registered Instance's status endpoint
// concurrently, updates registry health/primary bookkeeping, re-runs
// selection, and pushes the resulting variables to the host.
func (o *Orchestrator) runInstanceStatusOnce(ctx context.Context) {
	snapshot := o.reg.Snapshot()
	if len(snapshot) == 0 {
		// Still re-run the selector and re-push the exposed variables: per
		// §4.6 rule 5 an empty registry must resolve to "no primary", and a
		// stale primary/connected-count left over from before the last
		// Instance was removed must not linger on the host forever.
		primary := o.sel.Run(snapshot, nil)
		o.pushInstanceVariables(snapshot, nil, primary)
		o.recomputeStatus()
		return
	}

	var wg sync.WaitGroup
	for id, inst := range snapshot {
		wg.Add(1)
		go func(id string, inst model.Instance) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, o.cfg.HTTPInstanceTimeout)
			defer cancel()

			status, err := o.mgr.FetchInstanceStatus(fctx, inst.StatusHost, inst.StatusPort, o.cfg.HTTPInstanceTimeout)
			if err != nil {
				o.reg.Mutate(id, func(i *model.Instance) { i.StatusPollFailures++ })
				o.noteStatusFailure(id, inst.Name)
				return
			}
			o.noteStatusRecovery(id, inst.Name)
			o.reg.Mutate(id, func(i *model.Instance) {
				i.ReportedPrimaryValid = true
				i.ReportedPrimary = status.Primary
				i.LastStatusCode = status.StatusCode
				i.StatusPollFailures = 0
			})
		}(id, inst)
	}
	wg.Wait()

	snap2 := o.reg.Snapshot()
	order := o.reg.Ordered()
	primary := o.sel.Run(snap2, order)
	o.pushInstanceVariables(snap2, order, primary)
	o.recomputeStatus()
}

func (o *Orchestrator) noteStatusFailure(id, name string) {
	o.mu.Lock()
	already := o.instanceFailing[id]
	o.instanceFailing[id] = true
	o.mu.Unlock()
	if !already {
		o.log.Debug("instance %s (%s): status poll failing", id, name)
	}
}

func (o *Orchestrator) noteStatusRecovery(id, name string) {
	o.mu.Lock()
	wasFailing := o.instanceFailing[id]
	delete(o.instanceFailing, id)
	o.mu.Unlock()
	if wasFailing {
		o.log.Info("instance %s (%s): status poll recovered", id, name)
	}
}

// pushInstanceVariables pushes the exposed-variable set to the host:
// primary_instance_id/name, instances_connected/registered, and per-
// Instance tuples indexed from 1 in Manager order.
func (o *Orchestrator) pushInstanceVariables(snapshot map[string]model.Instance, order []string, primary model.EffectivePrimary) {
	connected := 0
	for _, inst := range snapshot {
		if inst.Healthy {
			connected++
		}
	}

	primaryID := ""
	primaryName := ""
	if primary.Known && primary.ID != "" {
		primaryID = primary.ID
		if inst, ok := snapshot[primary.ID]; ok {
			primaryName = inst.Name
		}
	}

	o.hst.SetVariable("primary_instance_id", primaryID)
	o.hst.SetVariable("primary_instance_name", primaryName)
	o.hst.SetVariable("instances_connected", fmt.Sprintf("%d", connected))
	o.hst.SetVariable("instances_registered", fmt.Sprintf("%d", len(snapshot)))

	for i, id := range order {
		inst, ok := snapshot[id]
		if !ok {
			continue
		}
		n := i + 1
		o.hst.SetVariable(fmt.Sprintf("instance_%d_id", n), inst.ID)
		o.hst.SetVariable(fmt.Sprintf("instance_%d_name", n), inst.Name)
		o.hst.SetVariable(fmt.Sprintf("instance_%d_description", n), inst.Description)
		o.hst.SetVariable(fmt.Sprintf("instance_%d_ip_address", n), inst.ControlHost)
		o.hst.SetVariable(fmt.Sprintf("instance_%d_port_number", n), fmt.Sprintf("%d", inst.ControlPort))
		o.hst.SetVariable(fmt.Sprintf("instance_%d_connected", n), boolStr(inst.Healthy))
		o.hst.SetVariable(fmt.Sprintf("instance_%d_primary", n), boolStr(primary.Known && primary.ID == inst.ID))
	}
}

// SendSetVariableValue broadcasts a SetVariableValueRequest to every
// Connected Instance. Called by the Host-facing surface.
func (o *Orchestrator) SendSetVariableValue(id, value string) int {
	return o.reg.Broadcast(buildSetVariableValueRequest(id, value))
}

// SendEvaluateManualMessagingRule broadcasts an
// EvaluateManualMessagingRuleRequest to every Connected Instance.
func (o *Orchestrator) SendEvaluateManualMessagingRule(id string) int {
	return o.reg.Broadcast(buildEvaluateManualMessagingRuleRequest(id))
}

// Snapshot exposes a stable read-model for the /debug/snapshot endpoint.
type Snapshot struct {
	ManagerReachable bool                      `json:"managerReachable"`
	ChannelID        string                    `json:"channelId"`
	ChannelName      string                    `json:"channelName"`
	Primary          model.EffectivePrimary    `json:"primary"`
	Instances        map[string]model.Instance `json:"instances"`
	Order            []string                  `json:"order"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	reachable := o.managerReachable
	channelName := o.lastChannelName
	o.mu.Unlock()

	return Snapshot{
		ManagerReachable: reachable,
		ChannelID:        o.cfg.ChannelID,
		ChannelName:      channelName,
		Primary:          o.sel.Current(),
		Instances:        o.reg.Snapshot(),
		Order:            o.reg.Ordered(),
	}
}

func (o *Orchestrator) recordManagerReachability(reachable bool) {
	o.mu.Lock()
	wasKnown := o.managerReachableKnown
	was := o.managerReachable
	o.managerReachableKnown = true
	o.managerReachable = reachable
	o.mu.Unlock()

	if reachable {
		metrics.ManagerReachable.Set(1)
	} else {
		metrics.ManagerReachable.Set(0)
	}

	if !wasKnown {
		if reachable {
			o.log.Info("manager reachable")
		} else {
			o.log.Warn("manager unreachable")
		}
		return
	}
	if was == reachable {
		return
	}
	if reachable {
		o.log.Info("manager reachable again")
	} else {
		o.log.Warn("manager unreachable, maintaining %d existing connections", o.reg.Len())
	}
}

func (o *Orchestrator) setEverFetchedChannelData() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.everFetchedChannelData = true
}

func (o *Orchestrator) everFetchedAny() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.everFetchedChannelData
}

func (o *Orchestrator) registryLenIsZero() bool {
	return o.reg.Len() == 0
}

// recomputeStatus recomputes the host-facing status and issue-set mapping.
func (o *Orchestrator) recomputeStatus() {
	o.mu.Lock()
	managerUnreachable := o.managerReachableKnown && !o.managerReachable
	channelID := o.cfg.ChannelID
	o.mu.Unlock()

	if channelID == "" {
		o.hst.SetStatus(host.StatusReport{Status: host.StatusWarning, Message: "No channel selected"})
		return
	}

	snapshot := o.reg.Snapshot()
	registered := len(snapshot)
	connected := 0
	for _, inst := range snapshot {
		if inst.Healthy {
			connected++
		}
	}
	noInstancesRegistered := registered == 0
	noInstancesConnected := connected == 0

	if managerUnreachable && noInstancesConnected {
		o.hst.SetStatus(host.StatusReport{Status: host.StatusDisconnected, Message: "Manager unreachable and no Instances connected"})
		return
	}
	if managerUnreachable {
		o.hst.SetStatus(host.StatusReport{Status: host.StatusWarning, Message: fmt.Sprintf("Manager unreachable, maintaining %d existing connections", registered)})
		return
	}
	if noInstancesRegistered {
		o.hst.SetStatus(host.StatusReport{Status: host.StatusWarning, Message: "No instances registered"})
		return
	}
	if noInstancesConnected {
		o.hst.SetStatus(host.StatusReport{Status: host.StatusConnecting, Message: fmt.Sprintf("Connecting to %d registered instances", registered)})
		return
	}

	primary := o.sel.Current()
	if !primary.Known || primary.ID == "" {
		o.hst.SetStatus(host.StatusReport{Status: host.StatusWarning, Message: "No primary elected"})
		return
	}

	name := primary.ID
	if inst, ok := snapshot[primary.ID]; ok {
		name = inst.Name
	}
	o.hst.SetStatus(host.StatusReport{Status: host.StatusOK, Message: fmt.Sprintf("Primary: '%s' (%s)", name, primary.ID)})
}

func channelNameFor(channels []model.ChannelDescriptor, id string) string {
	for _, c := range channels {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

func fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

