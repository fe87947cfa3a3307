package osmbridge

import "time"

// Policy decides whether a locally stored entity is fresh enough to answer a
// resolve without touching the remote service.
type Policy struct {
	DefaultMaxAge time.Duration
	PerKind       map[Kind]time.Duration
}

func DefaultPolicy() Policy {
	return Policy{DefaultMaxAge: 24 * time.Hour}
}

func (p Policy) MaxAge(kind Kind) time.Duration {
	if age, ok := p.PerKind[kind]; ok && age > 0 {
		return age
	}
	if p.DefaultMaxAge > 0 {
		return p.DefaultMaxAge
	}
	return 24 * time.Hour
}

// Classify reports the freshness of an entity. A nil entity is Missing.
// LOCAL_ONLY records are always stale: they have never been confirmed by the
// remote service.
func (p Policy) Classify(e *Entity, now time.Time) Freshness {
	if e == nil {
		return Missing
	}
	if e.Provenance != ProvenanceSynced {
		return Stale
	}
	if now.Sub(e.LastSynchronized) <= p.MaxAge(e.Kind) {
		return Fresh
	}
	return Stale
}

// PolicyProvider yields the currently active policy. Providers must be safe
// for concurrent use.
type PolicyProvider interface {
	Current() Policy
}

type staticPolicy struct {
	policy Policy
}

func StaticPolicy(p Policy) PolicyProvider {
	return staticPolicy{policy: p}
}

func (s staticPolicy) Current() Policy {
	return s.policy
}
