package osmbridge

import (
	"fmt"
	"sort"
	"strings"
)

type PredicateOp string

const (
	PredicateEquals PredicateOp = "eq"
	PredicateExists PredicateOp = "exists"
)

type TagPredicate struct {
	Key   string      `json:"key"`
	Op    PredicateOp `json:"op"`
	Value string      `json:"value,omitempty"`
}

type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Traversal asks for the members of one known group or the points of one
// known path.
type Traversal struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

// Filter is a structured query against the entity universe. Predicates
// combine conjunctively. A filter must be bounded: at least a bounding box,
// one tag predicate, or a traversal.
type Filter struct {
	Kinds      []Kind         `json:"kinds,omitempty"`
	BBox       *BoundingBox   `json:"bbox,omitempty"`
	Predicates []TagPredicate `json:"predicates,omitempty"`
	Around     *Traversal     `json:"around,omitempty"`
}

func (f Filter) Validate() error {
	if f.BBox == nil && len(f.Predicates) == 0 && f.Around == nil {
		return fmt.Errorf("%w: filter needs a bounding box, a tag predicate or a traversal", ErrInvalidFilter)
	}
	if f.BBox != nil {
		if f.BBox.MinLat > f.BBox.MaxLat || f.BBox.MinLon > f.BBox.MaxLon {
			return fmt.Errorf("%w: bounding box is inverted", ErrInvalidFilter)
		}
		if f.BBox.MinLat < -90 || f.BBox.MaxLat > 90 || f.BBox.MinLon < -180 || f.BBox.MaxLon > 180 {
			return fmt.Errorf("%w: bounding box outside coordinate range", ErrInvalidFilter)
		}
	}
	for _, k := range f.Kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, k)
		}
	}
	for _, p := range f.Predicates {
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("%w: tag predicate with empty key", ErrInvalidFilter)
		}
		switch p.Op {
		case PredicateEquals, PredicateExists:
		case "":
			return fmt.Errorf("%w: tag predicate without operator", ErrInvalidFilter)
		default:
			return fmt.Errorf("%w: unsupported predicate operator %q", ErrInvalidFilter, p.Op)
		}
	}
	if f.Around != nil {
		if f.Around.Kind != KindGroup && f.Around.Kind != KindPath {
			return fmt.Errorf("%w: traversal must start at a path or group", ErrInvalidFilter)
		}
		if f.Around.ID <= 0 {
			return fmt.Errorf("%w: traversal identity must be positive", ErrInvalidFilter)
		}
	}
	return nil
}

func (f Filter) wantsKind(kind Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Signature returns a normalized key identifying this filter for query
// coalescing. Equivalent filters produce identical signatures regardless of
// predicate or kind ordering.
func (f Filter) Signature() string {
	var sb strings.Builder
	kinds := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	sb.WriteString("kinds=")
	sb.WriteString(strings.Join(kinds, ","))
	if f.BBox != nil {
		fmt.Fprintf(&sb, "|bbox=%.7f,%.7f,%.7f,%.7f", f.BBox.MinLat, f.BBox.MinLon, f.BBox.MaxLat, f.BBox.MaxLon)
	}
	preds := make([]string, 0, len(f.Predicates))
	for _, p := range f.Predicates {
		preds = append(preds, fmt.Sprintf("%s:%s:%s", p.Key, p.Op, p.Value))
	}
	sort.Strings(preds)
	if len(preds) > 0 {
		sb.WriteString("|preds=")
		sb.WriteString(strings.Join(preds, ";"))
	}
	if f.Around != nil {
		fmt.Fprintf(&sb, "|around=%s/%d", f.Around.Kind, f.Around.ID)
	}
	return sb.String()
}

// MatchesMerged reports whether a freshly merged entity satisfies the
// filter. The bounding box only constrains points: paths and groups were
// selected by the remote service's own geometry test, which the local side
// cannot reproduce.
func (f Filter) MatchesMerged(e *Entity) bool {
	if e == nil || !f.wantsKind(e.Kind) {
		return false
	}
	if f.BBox != nil && e.Kind == KindPoint && !f.BBox.Contains(e.Latitude, e.Longitude) {
		return false
	}
	for _, p := range f.Predicates {
		v, ok := e.Tags[p.Key]
		if p.Op == PredicateExists && !ok {
			return false
		}
		if p.Op == PredicateEquals && (!ok || v != p.Value) {
			return false
		}
	}
	return true
}

// Matches reports whether a stored entity satisfies the filter. Traversal
// filters match nothing here; membership is expanded by the store or the
// remote query.
func (f Filter) Matches(e *Entity) bool {
	if e == nil {
		return false
	}
	if !f.wantsKind(e.Kind) {
		return false
	}
	if f.BBox != nil {
		if e.Kind != KindPoint {
			return false
		}
		if !f.BBox.Contains(e.Latitude, e.Longitude) {
			return false
		}
	}
	for _, p := range f.Predicates {
		v, ok := e.Tags[p.Key]
		switch p.Op {
		case PredicateExists:
			if !ok {
				return false
			}
		case PredicateEquals:
			if !ok || v != p.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}
