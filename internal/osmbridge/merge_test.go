package osmbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestMerger(t *testing.T, store EntityStore, now time.Time) *Merger {
	t.Helper()
	return NewMerger(MergerOptions{
		Store: store,
		Diags: NewDiagnosticRecorder(16, zerolog.Nop()),
		Feed:  NewChangeFeed(8),
		Now:   func() time.Time { return now },
	})
}

func TestMergeNewFragment(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	merger := newTestMerger(t, store, now)

	merged, err := merger.Merge(context.Background(), &Fragment{
		Kind: KindPoint, ID: 10, Version: 2, Latitude: 1, Longitude: 2,
		Tags:       Tags{"name": "spot"},
		RemoteMeta: RemoteMeta{Changeset: 9, Timestamp: now.Add(-time.Minute)},
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merged.Provenance != ProvenanceSynced {
		t.Fatalf("expected synced provenance, got %s", merged.Provenance)
	}
	if !merged.LastSynchronized.Equal(now) {
		t.Fatalf("expected sync timestamp %s, got %s", now, merged.LastSynchronized)
	}

	stored, err := store.Get(context.Background(), KindPoint, 10)
	if err != nil {
		t.Fatalf("get after merge failed: %v", err)
	}
	if stored.Version != 2 || stored.Tags["name"] != "spot" {
		t.Fatalf("merge did not commit fragment: %+v", stored)
	}
	if stored.RemoteMeta.Changeset != 9 || !stored.RemoteMeta.Timestamp.Equal(now.Add(-time.Minute)) {
		t.Fatalf("remote meta not persisted with the commit: %+v", stored.RemoteMeta)
	}
}

func TestMergeOlderVersionLeavesLocalUntouched(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	merger := newTestMerger(t, store, now)
	ctx := context.Background()

	local := &Entity{
		Kind: KindPoint, ID: 10, Version: 5, Latitude: 9, Longitude: 9,
		Provenance: ProvenanceSynced, LastSynchronized: now.Add(-time.Hour),
	}
	if err := store.Upsert(ctx, local, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := merger.Merge(ctx, &Fragment{Kind: KindPoint, ID: 10, Version: 3, Latitude: 1, Longitude: 1})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if got.Version != 5 || got.Latitude != 9 {
		t.Fatalf("stale remote read overwrote newer local record: %+v", got)
	}

	diags := merger.diags.Recent()
	found := false
	for _, d := range diags {
		if d.Code == DiagStaleRemoteRead && d.ID == 10 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stale_remote_read diagnostic, got %+v", diags)
	}
}

func TestMergeEqualVersionIdenticalContentIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	merger := newTestMerger(t, store, now)
	ctx := context.Background()

	frag := &Fragment{Kind: KindPoint, ID: 10, Version: 2, Latitude: 1, Longitude: 2, Tags: Tags{"name": "spot"}}
	if _, err := merger.Merge(ctx, frag); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	first, err := store.Get(ctx, KindPoint, 10)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	later := newTestMerger(t, store, now.Add(time.Hour))
	if _, err := later.Merge(ctx, frag); err != nil {
		t.Fatalf("repeat merge failed: %v", err)
	}
	second, err := store.Get(ctx, KindPoint, 10)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !second.LastSynchronized.Equal(first.LastSynchronized) {
		t.Fatalf("repeat merge of an identical fragment advanced the sync timestamp")
	}
}

func TestMergeMaterializesStubMembers(t *testing.T) {
	store := NewMemoryStore()
	merger := newTestMerger(t, store, time.Now().UTC())
	ctx := context.Background()

	if err := store.Upsert(ctx, &Entity{Kind: KindPoint, ID: 1, Version: 1, Provenance: ProvenanceSynced}, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	_, err := merger.Merge(ctx, &Fragment{Kind: KindPath, ID: 7, Version: 1, PointIDs: []int64{1, 2, 3}})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	for _, id := range []int64{2, 3} {
		stub, err := store.Get(ctx, KindPoint, id)
		if err != nil {
			t.Fatalf("expected stub for point %d: %v", id, err)
		}
		if stub.Provenance != ProvenanceLocalOnly || stub.Version != 0 {
			t.Fatalf("stub %d has unexpected shape: %+v", id, stub)
		}
	}
	known, err := store.Get(ctx, KindPoint, 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if known.Version != 1 || known.Provenance != ProvenanceSynced {
		t.Fatalf("known member was replaced by a stub: %+v", known)
	}
}

func TestMergeKeepsPendingLocalEditsAndSurfacesConflict(t *testing.T) {
	store := NewMemoryStore()
	merger := newTestMerger(t, store, time.Now().UTC())
	ctx := context.Background()

	local := &Entity{
		Kind: KindPoint, ID: 10, Version: 1, Latitude: 5, Longitude: 6,
		Tags:       Tags{"name": "local name", "amenity": "cafe"},
		Provenance: ProvenanceLocalOnly,
	}
	local.MarkEdited("latitude")
	local.MarkEdited("tag:name")
	if err := store.Upsert(ctx, local, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	merged, err := merger.Merge(ctx, &Fragment{
		Kind: KindPoint, ID: 10, Version: 2, Latitude: 50, Longitude: 60,
		Tags: Tags{"name": "remote name", "amenity": "restaurant"},
	})
	var conflict *MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected MergeConflictError, got %v", err)
	}
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("conflict error does not match ErrMergeConflict")
	}
	if len(conflict.Fields) != 2 {
		t.Fatalf("expected 2 conflicting fields, got %v", conflict.Fields)
	}

	if merged.Latitude != 5 {
		t.Fatalf("edited latitude was clobbered: %v", merged.Latitude)
	}
	if merged.Longitude != 60 {
		t.Fatalf("unedited longitude should adopt the fetched value: %v", merged.Longitude)
	}
	if merged.Tags["name"] != "local name" {
		t.Fatalf("edited tag was clobbered: %v", merged.Tags)
	}
	if merged.Tags["amenity"] != "restaurant" {
		t.Fatalf("unedited tag should adopt the fetched value: %v", merged.Tags)
	}
	if merged.Version != 2 || merged.Provenance != ProvenanceSynced {
		t.Fatalf("non-conflicting remainder was not committed: %+v", merged)
	}
}

func TestMergePendingEditMatchingRemoteClears(t *testing.T) {
	store := NewMemoryStore()
	merger := newTestMerger(t, store, time.Now().UTC())
	ctx := context.Background()

	local := &Entity{
		Kind: KindPoint, ID: 10, Version: 1, Latitude: 5, Longitude: 6,
		Provenance: ProvenanceLocalOnly,
	}
	local.MarkEdited("latitude")
	if err := store.Upsert(ctx, local, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// The remote already carries the edited value, so nothing conflicts.
	merged, err := merger.Merge(ctx, &Fragment{Kind: KindPoint, ID: 10, Version: 2, Latitude: 5, Longitude: 66})
	if err != nil {
		t.Fatalf("expected clean merge, got %v", err)
	}
	if len(merged.PendingEdits) != 0 {
		t.Fatalf("satisfied pending edit should be cleared, got %v", merged.PendingEdits)
	}
}

func TestMergeAllReportsFirstConflictAfterAllFragments(t *testing.T) {
	store := NewMemoryStore()
	merger := newTestMerger(t, store, time.Now().UTC())
	ctx := context.Background()

	local := &Entity{Kind: KindPoint, ID: 1, Version: 1, Latitude: 5, Provenance: ProvenanceLocalOnly}
	local.MarkEdited("latitude")
	if err := store.Upsert(ctx, local, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fragments := []*Fragment{
		{Kind: KindPoint, ID: 1, Version: 2, Latitude: 9},
		{Kind: KindPoint, ID: 2, Version: 1, Latitude: 1},
	}
	merged, err := merger.MergeAll(ctx, fragments)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("expected all fragments attempted, got %d", len(merged))
	}
	if _, err := store.Get(ctx, KindPoint, 2); err != nil {
		t.Fatalf("later fragment was not merged after conflict: %v", err)
	}
}

func TestMergeConcurrentSharedChildNeverRegressesVersion(t *testing.T) {
	store := NewMemoryStore()
	merger := newTestMerger(t, store, time.Now().UTC())
	ctx := context.Background()

	// Point 10 arrives as a child of two different paths fetched
	// concurrently; whichever commit lands last, the newer version must win.
	for i := int64(0); i < 25; i++ {
		olderV, newerV := 2*i+1, 2*i+2
		payloads := [][]*Fragment{
			{
				{Kind: KindPoint, ID: 10, Version: olderV, Latitude: float64(olderV), Longitude: 1},
				{Kind: KindPath, ID: 7, Version: olderV, PointIDs: []int64{10}},
			},
			{
				{Kind: KindPoint, ID: 10, Version: newerV, Latitude: float64(newerV), Longitude: 1},
				{Kind: KindPath, ID: 8, Version: newerV, PointIDs: []int64{10}},
			},
		}
		var wg sync.WaitGroup
		for _, payload := range payloads {
			wg.Add(1)
			go func(frags []*Fragment) {
				defer wg.Done()
				if _, err := merger.MergeAll(ctx, frags); err != nil {
					t.Errorf("merge failed: %v", err)
				}
			}(payload)
		}
		wg.Wait()

		got, err := store.Get(ctx, KindPoint, 10)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Version != newerV || got.Latitude != float64(newerV) {
			t.Fatalf("round %d: concurrent older merge regressed point 10: %+v", i, got)
		}
	}
}
