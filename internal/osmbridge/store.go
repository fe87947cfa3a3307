package osmbridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EntityStore is the contract against the backing relational store. Upsert
// must commit the entity and its stub members atomically, and reads must be
// consistent with the entity's directly owned relationship edges.
type EntityStore interface {
	Get(ctx context.Context, kind Kind, id int64) (*Entity, error)
	Upsert(ctx context.Context, entity *Entity, stubs []*Entity) error
	QueryLocal(ctx context.Context, f Filter) ([]*Entity, error)
	NextProvisionalID(ctx context.Context) (int64, error)
}

type entityKey struct {
	kind Kind
	id   int64
}

// MemoryStore is an in-process EntityStore holding the entity arena keyed by
// identity, with edges stored as identity references.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[entityKey]*Entity
	provisional int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: map[entityKey]*Entity{}}
}

func (s *MemoryStore) Get(ctx context.Context, kind Kind, id int64) (*Entity, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityKey{kind: kind, id: id}]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entity *Entity, stubs []*Entity) error {
	if s == nil || entity == nil {
		return ErrInvalidInput
	}
	if !entity.Kind.Valid() || entity.ID == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stub := range stubs {
		if stub == nil || !stub.Kind.Valid() || stub.ID == 0 {
			return ErrInvalidInput
		}
		key := entityKey{kind: stub.Kind, id: stub.ID}
		if _, exists := s.entities[key]; !exists {
			s.entities[key] = stub.Clone()
		}
	}
	s.entities[entityKey{kind: entity.Kind, id: entity.ID}] = entity.Clone()
	return nil
}

func (s *MemoryStore) QueryLocal(ctx context.Context, f Filter) ([]*Entity, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.Around != nil {
		return s.membersLocked(f)
	}
	out := make([]*Entity, 0)
	for _, e := range s.entities {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *MemoryStore) membersLocked(f Filter) ([]*Entity, error) {
	parent, ok := s.entities[entityKey{kind: f.Around.Kind, id: f.Around.ID}]
	if !ok {
		return nil, nil
	}
	out := make([]*Entity, 0)
	appendMember := func(kind Kind, id int64) {
		e, ok := s.entities[entityKey{kind: kind, id: id}]
		if !ok || !f.wantsKind(kind) {
			return
		}
		out = append(out, e.Clone())
	}
	switch parent.Kind {
	case KindPath:
		for _, id := range parent.PointIDs {
			appendMember(KindPoint, id)
		}
	case KindGroup:
		for _, m := range parent.Members {
			appendMember(m.Kind, m.ID)
		}
	}
	return out, nil
}

func (s *MemoryStore) NextProvisionalID(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisional--
	return s.provisional, nil
}

func sortEntities(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Kind != entities[j].Kind {
			return entities[i].Kind < entities[j].Kind
		}
		return entities[i].ID < entities[j].ID
	})
}

// BuildStoreFromDSN selects an EntityStore implementation by DSN scheme:
// "memory://" for the in-process arena, "postgres://" (or "postgresql://")
// for the relational adapter.
func BuildStoreFromDSN(dsn string) (EntityStore, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory://" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported store DSN %q", ErrInvalidInput, dsn)
	}
}
