// Package model holds the plain data types shared across the bridge: Manager
// descriptors, Instance records, and the cache record. None of these types
// own behavior; the owning components (registry, supervisor, selector,
// cache) are responsible for mutating them under their own locks.
package model

import "time"

// ChannelDescriptor is one entry from GET /channels.
type ChannelDescriptor struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`
}

// VariableDescriptor is one entry from GET /channels/{id}/variables.
type VariableDescriptor struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`
}

// RuleDescriptor is one entry from GET /channels/{id}/messaging-rules,
// already filtered to RuleType == 1 (manual rules) by the manager client.
type RuleDescriptor struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`
}

// InstanceDescriptor is one entry from GET /channels/{id}/instances.
type InstanceDescriptor struct {
	ID                         string `json:"ID"`
	Name                       string `json:"Name"`
	Description                string `json:"Description"`
	IPAddress                  string `json:"IPAddress"`
	APIPortNumber              int    `json:"APIPortNumber"`
	ControlInterfacePortNumber int    `json:"ControlInterfacePortNumber"`
}

// ConnState is the per-Instance control-transport lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Instance is the registry's owned record for one Instance.
// connState/pendingPong/timers are exclusively mutated by the supervisor
// that owns this record's id; the registry only touches the metadata
// fields (Name, Description, endpoints) and healthy/connState snapshots
// published back to it via supervisor events.
type Instance struct {
	ID          string
	Name        string
	Description string

	ControlHost string
	ControlPort int
	StatusHost  string
	StatusPort  int

	Healthy bool

	// ReportedPrimaryValid is false until the first successful status poll.
	ReportedPrimaryValid bool
	ReportedPrimary      bool

	LastStatusCode     int
	StatusPollFailures int

	ConnState ConnState
}

// Snapshot returns a value copy safe to hand to external readers.
func (i *Instance) Snapshot() Instance {
	return *i
}

// InstanceStatus is the decoded result of GET /status on an Instance,
// accepting both the flat and nested {Status: {...}} shapes.
type InstanceStatus struct {
	StatusCode int
	Primary    bool
}

// CacheRecord is the single persisted definition-set snapshot.
type CacheRecord struct {
	Version         int       `json:"version"`
	Timestamp       time.Time `json:"timestamp"`
	ManagerEndpoint string    `json:"managerEndpoint"`
	ChannelID       string    `json:"channelId"`
	ChannelName     string    `json:"channelName"`
	InstancesBlob   string    `json:"instancesBlob"`
	VariablesBlob   string    `json:"variablesBlob"`
	RulesBlob       string    `json:"rulesBlob"`
}

// CurrentCacheVersion is bumped whenever the persisted shape changes
// incompatibly; load() discards any record with a different version.
const CurrentCacheVersion = 1

// EffectivePrimary represents the selector's tri-state result:
// Unknown = never computed since start, Valid(false, "") = none eligible,
// Valid(true, id) = a specific Instance.
type EffectivePrimary struct {
	Known bool
	ID    string // empty when Known && no eligible instance
}

func (p EffectivePrimary) Equal(o EffectivePrimary) bool {
	return p.Known == o.Known && p.ID == o.ID
}
