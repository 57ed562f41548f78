// Package cache implements the definition cache: a versioned persistent
// blob of Instances/Variables/Rules keyed by (manager-endpoint, channel-
// id), with age reporting. Backend is a narrow seam so a fast in-memory
// store, Redis, or a Redis-plus-Postgres-mirror combination can all serve
// it interchangeably.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aditbridge/core/internal/metrics"
	"github.com/aditbridge/core/internal/model"
)

// Backend is the persistence seam. RedisBackend and PostgresMirror (in
// sibling files) implement it against real stores; MemoryBackend is used by
// tests and as the no-Redis-configured fallback.
type Backend interface {
	Load(ctx context.Context) (string, bool, error)
	Save(ctx context.Context, blob string) error
	Clear(ctx context.Context) error
}

// Cache is the single persisted CacheRecord for this process's configured
// (managerEndpoint, channelId).
type Cache struct {
	backend Backend

	managerEndpoint string
	channelID       string

	// lastSaved tracks the currently persisted blobs so Save can no-op when
	// all three are byte-identical, avoiding write/log churn.
	lastInstances string
	lastVariables string
	lastRules     string
	haveLast      bool
}

// New builds a Cache bound to a specific (managerEndpoint, channelId) pair;
// a mismatch on either during Load causes a discard.
func New(backend Backend, managerEndpoint, channelID string) *Cache {
	return &Cache{backend: backend, managerEndpoint: managerEndpoint, channelID: channelID}
}

// Load returns the persisted record, or false if none is usable. Every
// condition that would return false also clears the cache: no cache,
// decode failure, version mismatch, manager/channel mismatch, or a
// missing blob.
func (c *Cache) Load(ctx context.Context) (model.CacheRecord, bool) {
	raw, ok, err := c.backend.Load(ctx)
	if err != nil || !ok {
		metrics.CacheLoads.WithLabelValues("absent").Inc()
		return model.CacheRecord{}, false
	}

	var rec model.CacheRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		metrics.CacheLoads.WithLabelValues("decode_error").Inc()
		c.clear(ctx)
		return model.CacheRecord{}, false
	}

	if rec.Version != model.CurrentCacheVersion {
		metrics.CacheLoads.WithLabelValues("version_mismatch").Inc()
		c.clear(ctx)
		return model.CacheRecord{}, false
	}
	if rec.ManagerEndpoint != c.managerEndpoint || rec.ChannelID != c.channelID {
		metrics.CacheLoads.WithLabelValues("config_mismatch").Inc()
		c.clear(ctx)
		return model.CacheRecord{}, false
	}
	if rec.InstancesBlob == "" || rec.VariablesBlob == "" || rec.RulesBlob == "" {
		metrics.CacheLoads.WithLabelValues("incomplete").Inc()
		c.clear(ctx)
		return model.CacheRecord{}, false
	}

	metrics.CacheLoads.WithLabelValues("ok").Inc()
	c.lastInstances, c.lastVariables, c.lastRules = rec.InstancesBlob, rec.VariablesBlob, rec.RulesBlob
	c.haveLast = true
	return rec, true
}

// Save persists the three blobs plus the channel name. It is a no-op if all
// three blobs are byte-identical to what is currently persisted.
func (c *Cache) Save(ctx context.Context, instancesBlob, variablesBlob, rulesBlob, channelName string) error {
	if c.haveLast && instancesBlob == c.lastInstances && variablesBlob == c.lastVariables && rulesBlob == c.lastRules {
		return nil
	}

	rec := model.CacheRecord{
		Version:         model.CurrentCacheVersion,
		Timestamp:       time.Now(),
		ManagerEndpoint: c.managerEndpoint,
		ChannelID:       c.channelID,
		ChannelName:     channelName,
		InstancesBlob:   instancesBlob,
		VariablesBlob:   variablesBlob,
		RulesBlob:       rulesBlob,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: marshal failed: %w", err)
	}
	if err := c.backend.Save(ctx, string(data)); err != nil {
		return fmt.Errorf("cache: save failed: %w", err)
	}

	c.lastInstances, c.lastVariables, c.lastRules = instancesBlob, variablesBlob, rulesBlob
	c.haveLast = true
	metrics.CacheWrites.Inc()
	return nil
}

// Clear discards the persisted record and the in-memory last-saved blobs.
func (c *Cache) Clear(ctx context.Context) {
	c.clear(ctx)
}

func (c *Cache) clear(ctx context.Context) {
	c.backend.Clear(ctx)
	c.haveLast = false
	c.lastInstances, c.lastVariables, c.lastRules = "", "", ""
}

// AgeOf renders a human-readable age string for a cache timestamp, e.g.
// "2 minutes ago", used in the cold-start log line.
func AgeOf(ts time.Time) string {
	d := time.Since(ts)
	switch {
	case d < time.Minute:
		secs := int(d.Seconds())
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("%d second%s ago", secs, plural(secs))
	case d < time.Hour:
		mins := int(d.Minutes())
		return fmt.Sprintf("%d minute%s ago", mins, plural(mins))
	case d < 24*time.Hour:
		hours := int(d.Hours())
		return fmt.Sprintf("%d hour%s ago", hours, plural(hours))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%d day%s ago", days, plural(days))
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
