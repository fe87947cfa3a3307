package osmbridge

import (
	"testing"
	"time"
)

func TestClassifyMissingEntity(t *testing.T) {
	policy := DefaultPolicy()
	if got := policy.Classify(nil, time.Now()); got != Missing {
		t.Fatalf("expected Missing for nil entity, got %s", got)
	}
}

func TestClassifyLocalOnlyIsAlwaysStale(t *testing.T) {
	policy := DefaultPolicy()
	e := &Entity{
		Kind:             KindPoint,
		ID:               1,
		Provenance:       ProvenanceLocalOnly,
		LastSynchronized: time.Now(),
	}
	if got := policy.Classify(e, time.Now()); got != Stale {
		t.Fatalf("expected Stale for local-only entity, got %s", got)
	}
}

func TestClassifySyncedWithinMaxAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := Policy{DefaultMaxAge: time.Hour}
	e := &Entity{
		Kind:             KindPoint,
		ID:               1,
		Provenance:       ProvenanceSynced,
		LastSynchronized: now.Add(-30 * time.Minute),
	}
	if got := policy.Classify(e, now); got != Fresh {
		t.Fatalf("expected Fresh, got %s", got)
	}
	e.LastSynchronized = now.Add(-2 * time.Hour)
	if got := policy.Classify(e, now); got != Stale {
		t.Fatalf("expected Stale past max age, got %s", got)
	}
}

func TestMaxAgePerKindOverride(t *testing.T) {
	policy := Policy{
		DefaultMaxAge: 24 * time.Hour,
		PerKind:       map[Kind]time.Duration{KindGroup: time.Hour},
	}
	if got := policy.MaxAge(KindGroup); got != time.Hour {
		t.Fatalf("expected per-kind override, got %s", got)
	}
	if got := policy.MaxAge(KindPoint); got != 24*time.Hour {
		t.Fatalf("expected default max age, got %s", got)
	}
}

func TestMaxAgeZeroPolicyFallsBack(t *testing.T) {
	var policy Policy
	if got := policy.MaxAge(KindPoint); got != 24*time.Hour {
		t.Fatalf("expected fallback max age, got %s", got)
	}
}
