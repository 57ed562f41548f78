package cache

import (
	"context"
	"testing"
	"time"
)

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), "10.0.0.1:8000", "CH1")

	if err := c.Save(ctx, "instances", "variables", "rules", "News"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	rec, ok := c.Load(ctx)
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if rec.InstancesBlob != "instances" || rec.VariablesBlob != "variables" || rec.RulesBlob != "rules" {
		t.Fatalf("blobs did not round-trip: %+v", rec)
	}
	if rec.ChannelName != "News" {
		t.Fatalf("expected channel name News, got %q", rec.ChannelName)
	}
}

func TestSaveNoOpOnIdenticalBlobs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := New(backend, "10.0.0.1:8000", "CH1")

	if err := c.Save(ctx, "a", "b", "c", "News"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	first, _, _ := backend.Load(ctx)

	if err := c.Save(ctx, "a", "b", "c", "News"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second, _, _ := backend.Load(ctx)

	if first != second {
		t.Fatalf("expected identical-blob save to be a no-op, backend contents changed")
	}
}

func TestLoadDiscardsOnManagerMismatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	writer := New(backend, "10.0.0.1:8000", "CH1")
	if err := writer.Save(ctx, "a", "b", "c", "News"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reader := New(backend, "10.0.0.2:8000", "CH1")
	if _, ok := reader.Load(ctx); ok {
		t.Fatalf("expected load to discard on manager endpoint mismatch")
	}

	if _, ok, _ := backend.Load(ctx); ok {
		t.Fatalf("expected backend to be cleared after mismatch")
	}
}

func TestLoadDiscardsOnChannelMismatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	writer := New(backend, "10.0.0.1:8000", "CH1")
	if err := writer.Save(ctx, "a", "b", "c", "News"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reader := New(backend, "10.0.0.1:8000", "CH2")
	if _, ok := reader.Load(ctx); ok {
		t.Fatalf("expected load to discard on channel id mismatch")
	}
}

func TestLoadDiscardsOnIncompleteBlobs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	// Write a record missing the rules blob directly through the backend.
	backend.Save(ctx, `{"version":1,"managerEndpoint":"10.0.0.1:8000","channelId":"CH1","instancesBlob":"a","variablesBlob":"b","rulesBlob":""}`)

	c := New(backend, "10.0.0.1:8000", "CH1")
	if _, ok := c.Load(ctx); ok {
		t.Fatalf("expected load to discard incomplete record")
	}
}

func TestLoadDiscardsOnVersionMismatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	backend.Save(ctx, `{"version":99,"managerEndpoint":"10.0.0.1:8000","channelId":"CH1","instancesBlob":"a","variablesBlob":"b","rulesBlob":"c"}`)

	c := New(backend, "10.0.0.1:8000", "CH1")
	if _, ok := c.Load(ctx); ok {
		t.Fatalf("expected load to discard version mismatch")
	}
}

func TestLoadAbsentReturnsFalse(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), "10.0.0.1:8000", "CH1")
	if _, ok := c.Load(ctx); ok {
		t.Fatalf("expected no cache to return false")
	}
}

func TestAgeOfFormatting(t *testing.T) {
	now := time.Now()
	cases := []struct {
		ts   time.Time
		want string
	}{
		{now.Add(-30 * time.Second), "30 seconds ago"},
		{now.Add(-2 * time.Minute), "2 minutes ago"},
		{now.Add(-1 * time.Minute), "1 minute ago"},
	}
	for _, tc := range cases {
		got := AgeOf(tc.ts)
		if got != tc.want {
			t.Errorf("AgeOf(%v) = %q, want %q", tc.ts, got, tc.want)
		}
	}
}
