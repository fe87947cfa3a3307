package osmbridge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osmbridge/osmbridge/internal/metrics"
)

const mergeLockStripes = 64

type MergerOptions struct {
	Store   EntityStore
	Diags   *DiagnosticRecorder
	Feed    *ChangeFeed
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Merger reconciles fetched fragments with the local store. All writes of one
// merge (the entity plus its newly materialized stub members) land in a
// single atomic store commit. Merges of one identity are serialized: the same
// entity can arrive as a child of two concurrent payloads, and the version
// gate must not race its commit.
type Merger struct {
	store   EntityStore
	diags   *DiagnosticRecorder
	feed    *ChangeFeed
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	locks [mergeLockStripes]sync.Mutex
}

func NewMerger(opts MergerOptions) *Merger {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Merger{
		store:   opts.Store,
		diags:   opts.Diags,
		feed:    opts.Feed,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     now,
	}
}

// Merge commits one fetched fragment. The returned entity is the record now
// current in the store. A *MergeConflictError reports fields kept local; the
// non-conflicting remainder is still committed.
func (m *Merger) Merge(ctx context.Context, frag *Fragment) (*Entity, error) {
	if m == nil || m.store == nil {
		return nil, ErrInvalidInput
	}
	if frag == nil || !frag.Kind.Valid() || frag.ID <= 0 {
		return nil, ErrInvalidInput
	}

	lock := m.lockFor(frag.Kind, frag.ID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.store.Get(ctx, frag.Kind, frag.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil && frag.Version < existing.Version {
		if m.metrics != nil {
			m.metrics.StaleRemoteReadsTotal.Inc()
		}
		m.diags.Record(Diagnostic{
			Code: DiagStaleRemoteRead,
			Kind: frag.Kind,
			ID:   frag.ID,
			Detail: fmt.Sprintf("fetched version %d is older than local version %d",
				frag.Version, existing.Version),
		})
		return existing, nil
	}

	// Same version, same content: nothing to do. The sync timestamp only
	// advances when the fetched version is newer.
	if existing != nil && existing.Provenance == ProvenanceSynced &&
		frag.Version == existing.Version && fragmentEqual(existing, frag) {
		return existing, nil
	}

	merged, conflicts := applyFragment(existing, frag, m.now())
	stubs := m.collectStubs(ctx, merged)
	if err := m.store.Upsert(ctx, merged, stubs); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.MergeCommitsTotal.Inc()
		m.metrics.StubsCreatedTotal.Add(float64(len(stubs)))
	}
	for _, stub := range stubs {
		m.feed.Publish(EntityChange{Op: ChangeStubbed, Kind: stub.Kind, ID: stub.ID})
	}
	m.feed.Publish(EntityChange{Op: ChangeMerged, Kind: merged.Kind, ID: merged.ID, Version: merged.Version})

	if len(conflicts) > 0 {
		if m.metrics != nil {
			m.metrics.MergeConflictsTotal.Inc()
		}
		m.diags.Record(Diagnostic{
			Code:   DiagMergeConflict,
			Kind:   merged.Kind,
			ID:     merged.ID,
			Detail: fmt.Sprintf("pending local edits kept for: %v", conflicts),
		})
		m.feed.Publish(EntityChange{Op: ChangeConflict, Kind: merged.Kind, ID: merged.ID, Version: merged.Version})
		return merged, &MergeConflictError{Kind: merged.Kind, ID: merged.ID, Fields: conflicts}
	}
	return merged, nil
}

func (m *Merger) lockFor(kind Kind, id int64) *sync.Mutex {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", kind, id)
	return &m.locks[h.Sum64()%mergeLockStripes]
}

// MergeAll merges a parsed payload in order. Fragments arrive points first,
// so referential invariants hold at every intermediate commit. The first
// conflict is reported after all fragments have been attempted.
func (m *Merger) MergeAll(ctx context.Context, fragments []*Fragment) ([]*Entity, error) {
	merged := make([]*Entity, 0, len(fragments))
	var conflictErr error
	for _, frag := range fragments {
		e, err := m.Merge(ctx, frag)
		if err != nil {
			if errors.Is(err, ErrMergeConflict) {
				if conflictErr == nil {
					conflictErr = err
				}
			} else {
				return merged, err
			}
		}
		if e != nil {
			merged = append(merged, e)
		}
	}
	return merged, conflictErr
}

func fragmentEqual(e *Entity, f *Fragment) bool {
	if e.Kind == KindPoint && (e.Latitude != f.Latitude || e.Longitude != f.Longitude) {
		return false
	}
	if !e.Tags.Equal(f.Tags) {
		return false
	}
	if len(e.PointIDs) != len(f.PointIDs) {
		return false
	}
	for i := range e.PointIDs {
		if e.PointIDs[i] != f.PointIDs[i] {
			return false
		}
	}
	if len(e.Members) != len(f.Members) {
		return false
	}
	for i := range e.Members {
		if e.Members[i] != f.Members[i] {
			return false
		}
	}
	return true
}

// applyFragment builds the post-merge entity. Fields with pending local
// edits keep their local value and are returned as conflicts; everything
// else adopts the fetched value wholesale, ordered sequences included.
func applyFragment(existing *Entity, frag *Fragment, now time.Time) (*Entity, []string) {
	merged := &Entity{
		Kind:             frag.Kind,
		ID:               frag.ID,
		Version:          frag.Version,
		Latitude:         frag.Latitude,
		Longitude:        frag.Longitude,
		Tags:             frag.Tags.Clone(),
		PointIDs:         append([]int64(nil), frag.PointIDs...),
		Members:          append([]Member(nil), frag.Members...),
		Provenance:       ProvenanceSynced,
		LastSynchronized: now,
		RemoteMeta:       frag.RemoteMeta,
	}
	if existing == nil || existing.Provenance != ProvenanceLocalOnly || len(existing.PendingEdits) == 0 {
		return merged, nil
	}

	conflicts := make([]string, 0)
	keep := make([]string, 0)
	for _, field := range existing.PendingEdits {
		switch {
		case field == "latitude":
			if frag.Latitude != existing.Latitude {
				merged.Latitude = existing.Latitude
				conflicts = append(conflicts, field)
				keep = append(keep, field)
			}
		case field == "longitude":
			if frag.Longitude != existing.Longitude {
				merged.Longitude = existing.Longitude
				conflicts = append(conflicts, field)
				keep = append(keep, field)
			}
		case len(field) > 4 && field[:4] == "tag:":
			key := field[4:]
			localValue, localHas := existing.Tags[key]
			remoteValue, remoteHas := frag.Tags[key]
			if localHas != remoteHas || localValue != remoteValue {
				if merged.Tags == nil {
					merged.Tags = Tags{}
				}
				if localHas {
					merged.Tags[key] = localValue
				} else {
					delete(merged.Tags, key)
				}
				conflicts = append(conflicts, field)
				keep = append(keep, field)
			}
		}
	}
	merged.PendingEdits = keep
	return merged, conflicts
}

func (m *Merger) collectStubs(ctx context.Context, e *Entity) []*Entity {
	refs := make([]entityKey, 0)
	switch e.Kind {
	case KindPath:
		for _, id := range e.PointIDs {
			refs = append(refs, entityKey{kind: KindPoint, id: id})
		}
	case KindGroup:
		for _, member := range e.Members {
			refs = append(refs, entityKey{kind: member.Kind, id: member.ID})
		}
	default:
		return nil
	}
	seen := map[entityKey]bool{}
	stubs := make([]*Entity, 0)
	for _, ref := range refs {
		if seen[ref] || (ref.kind == e.Kind && ref.id == e.ID) {
			continue
		}
		seen[ref] = true
		if _, err := m.store.Get(ctx, ref.kind, ref.id); errors.Is(err, ErrNotFound) {
			stubs = append(stubs, Stub(ref.kind, ref.id))
		}
	}
	return stubs
}
