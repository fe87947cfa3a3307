package osmbridge

import (
	"strings"
	"testing"
	"time"
)

func newTestTranslator(t *testing.T) *Translator {
	t.Helper()
	tr, err := NewTranslator(25 * time.Second)
	if err != nil {
		t.Fatalf("translator init failed: %v", err)
	}
	return tr
}

func TestSingleElementQuery(t *testing.T) {
	tr := newTestTranslator(t)
	query, err := tr.SingleElementQuery(KindPath, 7)
	if err != nil {
		t.Fatalf("query build failed: %v", err)
	}
	if !strings.Contains(query, "way(7);") {
		t.Fatalf("expected way selector in %q", query)
	}
	if !strings.Contains(query, "(._;>;);") {
		t.Fatalf("expected downward recursion in %q", query)
	}
	if !strings.Contains(query, "out meta;") {
		t.Fatalf("expected meta output in %q", query)
	}

	if _, err := tr.SingleElementQuery(KindPoint, -5); err == nil {
		t.Fatalf("expected error for provisional identity")
	}
}

func TestBuildQueryBBoxAndPredicates(t *testing.T) {
	tr := newTestTranslator(t)
	query, err := tr.BuildQuery(Filter{
		Kinds: []Kind{KindPoint},
		BBox:  &BoundingBox{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4},
		Predicates: []TagPredicate{
			{Key: "amenity", Op: PredicateEquals, Value: "cafe"},
			{Key: "name", Op: PredicateExists},
		},
	})
	if err != nil {
		t.Fatalf("query build failed: %v", err)
	}
	if !strings.Contains(query, `node["amenity"="cafe"]["name"]`) {
		t.Fatalf("expected tag clauses in %q", query)
	}
	if !strings.Contains(query, "(1.0000000,2.0000000,3.0000000,4.0000000)") {
		t.Fatalf("expected bbox clause in %q", query)
	}
}

func TestBuildQueryAllKindsWhenUnspecified(t *testing.T) {
	tr := newTestTranslator(t)
	query, err := tr.BuildQuery(Filter{BBox: &BoundingBox{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1}})
	if err != nil {
		t.Fatalf("query build failed: %v", err)
	}
	for _, selector := range []string{"node", "way", "relation"} {
		if !strings.Contains(query, selector) {
			t.Fatalf("expected %s selector in %q", selector, query)
		}
	}
}

func TestBuildQueryRejectsUnboundedFilter(t *testing.T) {
	tr := newTestTranslator(t)
	if _, err := tr.BuildQuery(Filter{Kinds: []Kind{KindPoint}}); err == nil {
		t.Fatalf("expected unbounded filter rejection")
	}
}

func TestParseResponseOrdersForwardReferences(t *testing.T) {
	tr := newTestTranslator(t)
	// Group and path precede the points they reference.
	payload := `{"elements":[
		{"type":"relation","id":30,"version":2,"members":[{"type":"way","ref":20,"role":"outer"}]},
		{"type":"way","id":20,"version":4,"nodes":[11,10]},
		{"type":"node","id":10,"lat":1.5,"lon":2.5,"version":1},
		{"type":"node","id":11,"lat":1.6,"lon":2.6,"version":1}
	]}`
	fragments, diags := tr.ParseResponse([]byte(payload))
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	if len(fragments) != 4 {
		t.Fatalf("expected 4 fragments, got %d", len(fragments))
	}
	order := []Kind{fragments[0].Kind, fragments[1].Kind, fragments[2].Kind, fragments[3].Kind}
	want := []Kind{KindPoint, KindPoint, KindPath, KindGroup}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("fragment order %v, want %v", order, want)
		}
	}
	path := fragments[2]
	if len(path.PointIDs) != 2 || path.PointIDs[0] != 11 || path.PointIDs[1] != 10 {
		t.Fatalf("path point order not preserved: %v", path.PointIDs)
	}
	group := fragments[3]
	if len(group.Members) != 1 || group.Members[0].Role != "outer" {
		t.Fatalf("group member roles not preserved: %+v", group.Members)
	}
}

func TestParseResponseSkipsMalformedElements(t *testing.T) {
	tr := newTestTranslator(t)
	payload := `{"elements":[
		{"type":"node","id":10,"version":1},
		{"type":"area","id":99},
		{"type":"node","id":11,"lat":1.0,"lon":2.0,"version":1}
	]}`
	fragments, diags := tr.ParseResponse([]byte(payload))
	if len(fragments) != 1 || fragments[0].ID != 11 {
		t.Fatalf("expected only the well-formed point, got %+v", fragments)
	}
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %+v", diags)
	}
	for _, d := range diags {
		if d.Code != DiagPartialFetch {
			t.Fatalf("expected partial_fetch diagnostics, got %q", d.Code)
		}
	}
}

func TestParseResponseUnusablePayloadDegrades(t *testing.T) {
	tr := newTestTranslator(t)
	fragments, diags := tr.ParseResponse([]byte("<html>rate limited</html>"))
	if len(fragments) != 0 {
		t.Fatalf("expected no fragments, got %d", len(fragments))
	}
	if len(diags) == 0 || diags[0].Code != DiagPartialFetch {
		t.Fatalf("expected partial_fetch diagnostic, got %+v", diags)
	}
}

func TestParseResponseMeta(t *testing.T) {
	tr := newTestTranslator(t)
	payload := `{"elements":[
		{"type":"node","id":10,"lat":1.0,"lon":2.0,"version":3,
		 "timestamp":"2026-01-02T03:04:05Z","changeset":77,"uid":12,"user":"mapper"}
	]}`
	fragments, _ := tr.ParseResponse([]byte(payload))
	if len(fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(fragments))
	}
	frag := fragments[0]
	if frag.Version != 3 || frag.RemoteMeta.Changeset != 77 || frag.RemoteMeta.UserName != "mapper" {
		t.Fatalf("remote meta not carried: %+v", frag)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !frag.RemoteMeta.Timestamp.Equal(want) {
		t.Fatalf("timestamp not parsed into remote meta: %s", frag.RemoteMeta.Timestamp)
	}
}
