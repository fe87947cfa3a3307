package osmbridge

import (
	"errors"
	"testing"
)

func TestFilterValidateRejectsUnbounded(t *testing.T) {
	f := Filter{Kinds: []Kind{KindPoint}}
	err := f.Validate()
	if !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for unbounded filter, got %v", err)
	}
}

func TestFilterValidateRejectsInvertedBBox(t *testing.T) {
	f := Filter{BBox: &BoundingBox{MinLat: 10, MinLon: 0, MaxLat: 5, MaxLon: 1}}
	if err := f.Validate(); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for inverted bbox, got %v", err)
	}
}

func TestFilterValidateRejectsOutOfRangeBBox(t *testing.T) {
	f := Filter{BBox: &BoundingBox{MinLat: -95, MinLon: 0, MaxLat: 5, MaxLon: 1}}
	if err := f.Validate(); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for out-of-range bbox, got %v", err)
	}
}

func TestFilterValidateRejectsBadPredicate(t *testing.T) {
	cases := []TagPredicate{
		{Key: "", Op: PredicateExists},
		{Key: "amenity", Op: ""},
		{Key: "amenity", Op: "regex"},
	}
	for _, p := range cases {
		f := Filter{Predicates: []TagPredicate{p}}
		if err := f.Validate(); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("expected ErrInvalidFilter for predicate %+v, got %v", p, err)
		}
	}
}

func TestFilterValidateTraversal(t *testing.T) {
	f := Filter{Around: &Traversal{Kind: KindPoint, ID: 1}}
	if err := f.Validate(); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for point traversal, got %v", err)
	}
	f = Filter{Around: &Traversal{Kind: KindGroup, ID: -3}}
	if err := f.Validate(); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for provisional traversal, got %v", err)
	}
	f = Filter{Around: &Traversal{Kind: KindPath, ID: 7}}
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid traversal filter, got %v", err)
	}
}

func TestFilterSignatureNormalizesOrdering(t *testing.T) {
	a := Filter{
		Kinds: []Kind{KindPath, KindPoint},
		BBox:  &BoundingBox{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4},
		Predicates: []TagPredicate{
			{Key: "amenity", Op: PredicateEquals, Value: "cafe"},
			{Key: "name", Op: PredicateExists},
		},
	}
	b := Filter{
		Kinds: []Kind{KindPoint, KindPath},
		BBox:  &BoundingBox{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4},
		Predicates: []TagPredicate{
			{Key: "name", Op: PredicateExists},
			{Key: "amenity", Op: PredicateEquals, Value: "cafe"},
		},
	}
	if a.Signature() != b.Signature() {
		t.Fatalf("equivalent filters produced different signatures:\n%s\n%s", a.Signature(), b.Signature())
	}

	c := b
	c.Predicates = c.Predicates[:1]
	if a.Signature() == c.Signature() {
		t.Fatalf("different filters produced identical signatures")
	}
}

func TestFilterMatchesBBoxRestrictsToPoints(t *testing.T) {
	f := Filter{BBox: &BoundingBox{MinLat: 0, MinLon: 0, MaxLat: 10, MaxLon: 10}}
	inside := &Entity{Kind: KindPoint, ID: 1, Latitude: 5, Longitude: 5}
	outside := &Entity{Kind: KindPoint, ID: 2, Latitude: 20, Longitude: 5}
	path := &Entity{Kind: KindPath, ID: 3}

	if !f.Matches(inside) {
		t.Fatalf("expected point inside bbox to match")
	}
	if f.Matches(outside) {
		t.Fatalf("expected point outside bbox not to match")
	}
	if f.Matches(path) {
		t.Fatalf("expected path not to match a pure bbox filter locally")
	}
	if !f.MatchesMerged(path) {
		t.Fatalf("expected remotely selected path to pass merged matching")
	}
	if f.MatchesMerged(outside) {
		t.Fatalf("expected merged point outside bbox not to match")
	}
}

func TestFilterMatchesPredicatesConjunctive(t *testing.T) {
	f := Filter{Predicates: []TagPredicate{
		{Key: "amenity", Op: PredicateEquals, Value: "cafe"},
		{Key: "name", Op: PredicateExists},
	}}
	e := &Entity{Kind: KindPoint, ID: 1, Tags: Tags{"amenity": "cafe", "name": "Corner"}}
	if !f.Matches(e) {
		t.Fatalf("expected entity with both tags to match")
	}
	delete(e.Tags, "name")
	if f.Matches(e) {
		t.Fatalf("expected entity missing one predicate not to match")
	}
}
