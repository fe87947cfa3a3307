package osmbridge

import (
	"fmt"
	"sort"
	"time"
)

type Kind string

const (
	KindPoint Kind = "point"
	KindPath  Kind = "path"
	KindGroup Kind = "group"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPoint, KindPath, KindGroup:
		return true
	}
	return false
}

type Provenance string

const (
	ProvenanceLocalOnly Provenance = "local_only"
	ProvenanceSynced    Provenance = "synced"
)

type Freshness string

const (
	Fresh   Freshness = "fresh"
	Stale   Freshness = "stale"
	Missing Freshness = "missing"
)

type Tags map[string]string

func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Member is one entry of a group's ordered member sequence.
type Member struct {
	Kind Kind   `json:"kind"`
	ID   int64  `json:"id"`
	Role string `json:"role,omitempty"`
}

// RemoteMeta carries remote bookkeeping attributes that the service reports
// alongside an element. It is persisted opaquely and never consulted by the
// resolution logic.
type RemoteMeta struct {
	Changeset int64     `json:"changeset,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	UserName  string    `json:"userName,omitempty"`
	Visible   bool      `json:"visible,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Entity is a point, path or group as known to the local store. Negative
// identities are provisional local identities for records that have never
// been synchronized.
type Entity struct {
	Kind             Kind       `json:"kind"`
	ID               int64      `json:"id"`
	Version          int64      `json:"version"`
	Latitude         float64    `json:"latitude,omitempty"`
	Longitude        float64    `json:"longitude,omitempty"`
	Tags             Tags       `json:"tags,omitempty"`
	PointIDs         []int64    `json:"pointIds,omitempty"`
	Members          []Member   `json:"members,omitempty"`
	Provenance       Provenance `json:"provenance"`
	LastSynchronized time.Time  `json:"lastSynchronized,omitempty"`
	RemoteMeta       RemoteMeta `json:"remoteMeta,omitempty"`

	// PendingEdits names entity fields holding local edits that have not
	// been pushed upstream: "latitude", "longitude", "tag:<key>".
	PendingEdits []string `json:"pendingEdits,omitempty"`
}

func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Tags = e.Tags.Clone()
	if e.PointIDs != nil {
		out.PointIDs = append([]int64(nil), e.PointIDs...)
	}
	if e.Members != nil {
		out.Members = append([]Member(nil), e.Members...)
	}
	if e.PendingEdits != nil {
		out.PendingEdits = append([]string(nil), e.PendingEdits...)
	}
	return &out
}

func (e *Entity) Provisional() bool {
	return e != nil && e.ID < 0
}

func (e *Entity) HasPendingEdit(field string) bool {
	if e == nil {
		return false
	}
	for _, f := range e.PendingEdits {
		if f == field {
			return true
		}
	}
	return false
}

// MarkEdited records a pending local edit on the named field and resets the
// provenance bookkeeping so a later fetch does not clobber the edit.
func (e *Entity) MarkEdited(field string) {
	if e == nil || field == "" || e.HasPendingEdit(field) {
		return
	}
	e.PendingEdits = append(e.PendingEdits, field)
	sort.Strings(e.PendingEdits)
}

// Stub returns a minimal placeholder entity for a referenced identity that
// has not been fetched yet.
func Stub(kind Kind, id int64) *Entity {
	return &Entity{
		Kind:       kind,
		ID:         id,
		Provenance: ProvenanceLocalOnly,
	}
}

// Fragment is a remote-origin rendition of one entity, as parsed out of a
// remote payload. It has no local provenance bookkeeping.
type Fragment struct {
	Kind       Kind       `json:"kind"`
	ID         int64      `json:"id"`
	Version    int64      `json:"version"`
	Latitude   float64    `json:"latitude,omitempty"`
	Longitude  float64    `json:"longitude,omitempty"`
	Tags       Tags       `json:"tags,omitempty"`
	PointIDs   []int64    `json:"pointIds,omitempty"`
	Members    []Member   `json:"members,omitempty"`
	RemoteMeta RemoteMeta `json:"remoteMeta,omitempty"`
}

func (f *Fragment) Key() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s/%d", f.Kind, f.ID)
}
