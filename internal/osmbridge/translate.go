package osmbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const remoteResponseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["elements"],
	"properties": {
		"elements": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "id"],
				"properties": {
					"type": {"enum": ["node", "way", "relation"]},
					"id": {"type": "integer"}
				}
			}
		}
	}
}`

func kindFromRemote(remoteType string) (Kind, bool) {
	switch remoteType {
	case "node":
		return KindPoint, true
	case "way":
		return KindPath, true
	case "relation":
		return KindGroup, true
	}
	return "", false
}

func remoteType(kind Kind) string {
	switch kind {
	case KindPoint:
		return "node"
	case KindPath:
		return "way"
	case KindGroup:
		return "relation"
	}
	return ""
}

// Translator converts structured filters into the remote query language and
// parses the remote element graph back into fragments.
type Translator struct {
	timeout time.Duration
	schema  *jsonschema.Schema
}

func NewTranslator(timeout time.Duration) (*Translator, error) {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(remoteResponseSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("remote-response.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("remote-response.json")
	if err != nil {
		return nil, err
	}
	return &Translator{timeout: timeout, schema: schema}, nil
}

// SingleElementQuery fetches one element by identity, recursing down so that
// a path arrives together with its points and a group with its members.
func (t *Translator) SingleElementQuery(kind Kind, id int64) (string, error) {
	if !kind.Valid() || id <= 0 {
		return "", ErrInvalidInput
	}
	return fmt.Sprintf("[out:json][timeout:%d];%s(%d);(._;>;);out meta;",
		int(t.timeout.Seconds()), remoteType(kind), id), nil
}

// BuildQuery renders a validated filter as a remote structured-query
// document. Predicates combine conjunctively only.
func (t *Translator) BuildQuery(f Filter) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[out:json][timeout:%d];", int(t.timeout.Seconds()))

	if f.Around != nil {
		fmt.Fprintf(&sb, "%s(%d);(._;>;);out meta;", remoteType(f.Around.Kind), f.Around.ID)
		return sb.String(), nil
	}

	clauses := tagClauses(f.Predicates)
	bbox := ""
	if f.BBox != nil {
		bbox = fmt.Sprintf("(%.7f,%.7f,%.7f,%.7f)", f.BBox.MinLat, f.BBox.MinLon, f.BBox.MaxLat, f.BBox.MaxLon)
	}
	kinds := f.Kinds
	if len(kinds) == 0 {
		kinds = []Kind{KindPoint, KindPath, KindGroup}
	}
	sb.WriteString("(")
	for _, k := range kinds {
		fmt.Fprintf(&sb, "%s%s%s;", remoteType(k), clauses, bbox)
	}
	sb.WriteString(");(._;>;);out meta;")
	return sb.String(), nil
}

func tagClauses(predicates []TagPredicate) string {
	var sb strings.Builder
	for _, p := range predicates {
		if p.Op == PredicateEquals {
			fmt.Fprintf(&sb, "[%q=%q]", p.Key, p.Value)
		} else {
			fmt.Fprintf(&sb, "[%q]", p.Key)
		}
	}
	return sb.String()
}

type remoteMember struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref"`
	Role string `json:"role"`
}

type remoteElement struct {
	Type      string         `json:"type"`
	ID        int64          `json:"id"`
	Lat       *float64       `json:"lat"`
	Lon       *float64       `json:"lon"`
	Version   int64          `json:"version"`
	Timestamp string         `json:"timestamp"`
	Changeset int64          `json:"changeset"`
	UID       int64          `json:"uid"`
	User      string         `json:"user"`
	Visible   *bool          `json:"visible"`
	Tags      Tags           `json:"tags"`
	Nodes     []int64        `json:"nodes"`
	Members   []remoteMember `json:"members"`
}

type remoteEnvelope struct {
	Elements []json.RawMessage `json:"elements"`
}

// ParseResponse decodes a remote payload into fragments. Fragments are
// ordered points first, then paths, then groups, so references within one
// payload are resolvable before the referencing fragment is merged. Malformed
// elements are skipped and reported as diagnostics; an unusable payload
// degrades to an empty result set, never an error.
func (t *Translator) ParseResponse(data []byte) ([]*Fragment, []Diagnostic) {
	diags := []Diagnostic{}
	if inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data)); err != nil {
		diags = append(diags, Diagnostic{Code: DiagPartialFetch, Detail: "remote payload is not valid JSON"})
		return nil, diags
	} else if err := t.schema.Validate(inst); err != nil {
		diags = append(diags, Diagnostic{Code: DiagPartialFetch, Detail: "remote payload failed schema validation"})
	}

	var envelope remoteEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		diags = append(diags, Diagnostic{Code: DiagPartialFetch, Detail: "remote payload envelope is unreadable"})
		return nil, diags
	}

	points := make([]*Fragment, 0)
	paths := make([]*Fragment, 0)
	groups := make([]*Fragment, 0)
	for _, raw := range envelope.Elements {
		var el remoteElement
		if err := json.Unmarshal(raw, &el); err != nil {
			diags = append(diags, Diagnostic{Code: DiagPartialFetch, Detail: "skipped unreadable element"})
			continue
		}
		kind, ok := kindFromRemote(el.Type)
		if !ok || el.ID <= 0 {
			diags = append(diags, Diagnostic{Code: DiagPartialFetch, Detail: fmt.Sprintf("skipped element of type %q", el.Type)})
			continue
		}
		frag := &Fragment{
			Kind:    kind,
			ID:      el.ID,
			Version: el.Version,
			Tags:    el.Tags,
			RemoteMeta: RemoteMeta{
				Changeset: el.Changeset,
				UserID:    el.UID,
				UserName:  el.User,
				Visible:   el.Visible == nil || *el.Visible,
			},
		}
		if el.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339, el.Timestamp); err == nil {
				frag.RemoteMeta.Timestamp = ts.UTC()
			}
		}
		switch kind {
		case KindPoint:
			if el.Lat == nil || el.Lon == nil {
				diags = append(diags, Diagnostic{
					Code: DiagPartialFetch, Kind: kind, ID: el.ID,
					Detail: "skipped point without coordinates",
				})
				continue
			}
			frag.Latitude = *el.Lat
			frag.Longitude = *el.Lon
			points = append(points, frag)
		case KindPath:
			frag.PointIDs = append([]int64(nil), el.Nodes...)
			paths = append(paths, frag)
		case KindGroup:
			for _, m := range el.Members {
				memberKind, ok := kindFromRemote(m.Type)
				if !ok {
					diags = append(diags, Diagnostic{
						Code: DiagPartialFetch, Kind: kind, ID: el.ID,
						Detail: fmt.Sprintf("dropped member of unknown type %q", m.Type),
					})
					continue
				}
				frag.Members = append(frag.Members, Member{Kind: memberKind, ID: m.Ref, Role: m.Role})
			}
			groups = append(groups, frag)
		}
	}

	fragments := make([]*Fragment, 0, len(points)+len(paths)+len(groups))
	fragments = append(fragments, points...)
	fragments = append(fragments, paths...)
	fragments = append(fragments, groups...)
	return fragments, diags
}
