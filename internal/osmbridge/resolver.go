package osmbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/osmbridge/osmbridge/internal/metrics"
)

type ResolverOptions struct {
	Store        EntityStore
	Remote       RemoteClient
	Translator   *Translator
	Policy       PolicyProvider
	Diags        *DiagnosticRecorder
	Feed         *ChangeFeed
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	MaxInFlight  int
	QueryHorizon time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Resolver is the single entry point for obtaining authoritative map
// entities. It probes the local store, classifies freshness, and refreshes
// from the remote service through the fetch coordinator and merge engine.
type Resolver struct {
	store       EntityStore
	remote      RemoteClient
	translator  *Translator
	policy      PolicyProvider
	coordinator *Coordinator
	merger      *Merger
	diags       *DiagnosticRecorder
	feed        *ChangeFeed
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	lifecycle       context.Context
	lifecycleCancel context.CancelFunc
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// Resolution is the outcome of one resolve: the current best-known entity
// and whether it was served stale because the remote was unreachable.
type Resolution struct {
	Entity      *Entity      `json:"entity"`
	Degraded    bool         `json:"degraded,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

func NewResolver(opts ResolverOptions) (*Resolver, error) {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: resolver needs a remote client", ErrInvalidInput)
	}
	translator := opts.Translator
	if translator == nil {
		var err error
		translator, err = NewTranslator(0)
		if err != nil {
			return nil, err
		}
	}
	policy := opts.Policy
	if policy == nil {
		policy = StaticPolicy(DefaultPolicy())
	}
	diags := opts.Diags
	if diags == nil {
		diags = NewDiagnosticRecorder(0, opts.Logger)
	}
	feed := opts.Feed
	if feed == nil {
		feed = NewChangeFeed(0)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	coordinator := NewCoordinator(CoordinatorOptions{
		MaxInFlight:  opts.MaxInFlight,
		QueryHorizon: opts.QueryHorizon,
		FetchTimeout: opts.FetchTimeout,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	merger := NewMerger(MergerOptions{
		Store:   store,
		Diags:   diags,
		Feed:    feed,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Now:     now,
	})
	lifecycle, cancel := context.WithCancel(context.Background())
	return &Resolver{
		store:           store,
		remote:          opts.Remote,
		translator:      translator,
		policy:          policy,
		coordinator:     coordinator,
		merger:          merger,
		diags:           diags,
		feed:            feed,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             now,
		lifecycle:       lifecycle,
		lifecycleCancel: cancel,
	}, nil
}

func (r *Resolver) Store() EntityStore {
	return r.store
}

func (r *Resolver) Diagnostics() *DiagnosticRecorder {
	return r.diags
}

func (r *Resolver) Feed() *ChangeFeed {
	return r.feed
}

// Close stops background refreshes and coordinator-owned remote work.
func (r *Resolver) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.lifecycleCancel()
		r.wg.Wait()
		r.coordinator.Close()
	})
}

// Resolve returns the current best-known entity for (kind, id). It never
// fails merely because the remote is down: with any local record present the
// caller gets that record flagged degraded.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, id int64) (Resolution, error) {
	if r == nil {
		return Resolution{}, ErrInvalidInput
	}
	if !kind.Valid() || id == 0 {
		return Resolution{}, fmt.Errorf("%w: kind %q id %d", ErrInvalidInput, kind, id)
	}
	started := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ResolveDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
		}
	}()

	local, err := r.store.Get(ctx, kind, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Resolution{}, err
	}

	// Provisional identities exist only locally; the remote service cannot
	// know them.
	if id < 0 {
		if local == nil {
			r.countResolve(kind, "not_found")
			return Resolution{}, ErrNotFound
		}
		r.countResolve(kind, "local")
		return Resolution{Entity: local}, nil
	}

	switch r.policy.Current().Classify(local, r.now()) {
	case Fresh:
		r.countResolve(kind, "fresh")
		return Resolution{Entity: local}, nil
	case Stale:
		if local.Provenance == ProvenanceLocalOnly {
			// Serve best-effort data now; reconcile in the background.
			r.backgroundRefresh(kind, id)
			r.countResolve(kind, "local_only")
			return Resolution{Entity: local}, nil
		}
		return r.refreshStale(ctx, kind, id, local)
	default:
		return r.fetchMissing(ctx, kind, id)
	}
}

func (r *Resolver) countResolve(kind Kind, outcome string) {
	if r.metrics != nil {
		r.metrics.ResolvesTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (r *Resolver) refreshStale(ctx context.Context, kind Kind, id int64, local *Entity) (Resolution, error) {
	_, _, err := r.fetchOne(ctx, kind, id)
	if err != nil {
		if errors.Is(err, ErrMergeConflict) {
			r.countResolve(kind, "conflict")
			return Resolution{Entity: local}, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Resolution{}, err
		}
		d := Diagnostic{
			Code:   DiagDegraded,
			Kind:   kind,
			ID:     id,
			Detail: fmt.Sprintf("serving stale record: %v", err),
		}
		r.diags.Record(d)
		if r.metrics != nil {
			r.metrics.DegradedServesTotal.Inc()
		}
		r.countResolve(kind, "degraded")
		return Resolution{Entity: local, Degraded: true, Diagnostics: []Diagnostic{d}}, nil
	}
	current, err := r.store.Get(ctx, kind, id)
	if err != nil {
		return Resolution{}, err
	}
	r.countResolve(kind, "refreshed")
	return Resolution{Entity: current}, nil
}

func (r *Resolver) fetchMissing(ctx context.Context, kind Kind, id int64) (Resolution, error) {
	_, _, err := r.fetchOne(ctx, kind, id)
	if err != nil {
		if errors.Is(err, ErrMergeConflict) {
			r.countResolve(kind, "conflict")
			return Resolution{}, err
		}
		if errors.Is(err, ErrNotFound) {
			r.countResolve(kind, "not_found")
			return Resolution{}, ErrNotFound
		}
		r.countResolve(kind, "unavailable")
		return Resolution{}, err
	}
	current, err := r.store.Get(ctx, kind, id)
	if err != nil {
		return Resolution{}, err
	}
	r.countResolve(kind, "fetched")
	return Resolution{Entity: current}, nil
}

// fetchOne runs the coalesced fetch-parse-merge cycle for one identity. The
// merge happens inside the coordinator call, so commits for one identity are
// serialized by the single-flight guarantee.
func (r *Resolver) fetchOne(ctx context.Context, kind Kind, id int64) ([]*Fragment, []Diagnostic, error) {
	return r.coordinator.Fetch(ctx, kind, id, func(fctx context.Context) ([]*Fragment, []Diagnostic, error) {
		query, err := r.translator.SingleElementQuery(kind, id)
		if err != nil {
			return nil, nil, err
		}
		data, err := r.remote.Run(fctx, query)
		if err != nil {
			return nil, nil, err
		}
		fragments, diags := r.translator.ParseResponse(data)
		for _, d := range diags {
			r.diags.Record(d)
		}
		found := false
		for _, frag := range fragments {
			if frag.Kind == kind && frag.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil, diags, &RemoteError{Failure: FailureNotFound}
		}
		_, mergeErr := r.merger.MergeAll(fctx, fragments)
		return fragments, diags, mergeErr
	})
}

func (r *Resolver) backgroundRefresh(kind Kind, id int64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, _, err := r.fetchOne(r.lifecycle, kind, id); err != nil {
			r.logger.Debug().
				Str("kind", string(kind)).
				Int64("id", id).
				Err(err).
				Msg("background reconciliation did not complete")
		}
	}()
}

type queryState int32

const (
	queryOpen queryState = iota
	queryClosed
)

// QuerySequence is a lazy, single-pass, non-restartable stream of entities:
// local matches first, then newly merged remote matches. Closing detaches
// the consumer without aborting the shared remote call.
type QuerySequence struct {
	items   chan *Entity
	cancel  context.CancelFunc
	partial atomic.Bool
	err     atomic.Value
	state   atomic.Int32
}

// Next blocks for the next entity. ok is false once the sequence is
// exhausted or the passed context is done.
func (s *QuerySequence) Next(ctx context.Context) (*Entity, bool) {
	if s == nil {
		return nil, false
	}
	select {
	case e, ok := <-s.items:
		if !ok {
			return nil, false
		}
		return e, true
	case <-ctx.Done():
		return nil, false
	}
}

// Partial reports whether the remote side of the query degraded; reliable
// once the sequence is exhausted.
func (s *QuerySequence) Partial() bool {
	return s != nil && s.partial.Load()
}

func (s *QuerySequence) Err() error {
	if s == nil {
		return nil
	}
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close detaches the consumer. Safe to call at any point and more than once.
func (s *QuerySequence) Close() {
	if s == nil {
		return
	}
	if s.state.CompareAndSwap(int32(queryOpen), int32(queryClosed)) {
		s.cancel()
	}
}

// ResolveQuery answers a structured filter: local matches are yielded first,
// then entities merged from the coalesced remote query. Unbounded filters
// are rejected before any remote call.
func (r *Resolver) ResolveQuery(ctx context.Context, f Filter) (*QuerySequence, error) {
	if r == nil {
		return nil, ErrInvalidInput
	}
	if err := f.Validate(); err != nil {
		if r.metrics != nil {
			r.metrics.QueriesTotal.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	qctx, cancel := context.WithCancel(ctx)
	seq := &QuerySequence{
		items:  make(chan *Entity),
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.runQuerySequence(qctx, f, seq)
	return seq, nil
}

func (r *Resolver) runQuerySequence(ctx context.Context, f Filter, seq *QuerySequence) {
	defer r.wg.Done()
	defer close(seq.items)

	yield := func(e *Entity) bool {
		select {
		case seq.items <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	seen := map[entityKey]bool{}

	local, err := r.store.QueryLocal(ctx, f)
	if err != nil {
		seq.err.Store(err)
		seq.partial.Store(true)
		return
	}
	for _, e := range local {
		key := entityKey{kind: e.Kind, id: e.ID}
		if seen[key] {
			continue
		}
		seen[key] = true
		if !yield(e) {
			return
		}
	}

	fragments, diags, err := r.coordinator.Query(ctx, f.Signature(), func(fctx context.Context) ([]*Fragment, []Diagnostic, error) {
		query, buildErr := r.translator.BuildQuery(f)
		if buildErr != nil {
			return nil, nil, buildErr
		}
		data, runErr := r.remote.Run(fctx, query)
		if runErr != nil {
			return nil, nil, runErr
		}
		frags, pdiags := r.translator.ParseResponse(data)
		for _, d := range pdiags {
			r.diags.Record(d)
		}
		_, mergeErr := r.merger.MergeAll(fctx, frags)
		return frags, pdiags, mergeErr
	})
	if err != nil && !errors.Is(err, ErrMergeConflict) {
		d := Diagnostic{Code: DiagDegraded, Detail: fmt.Sprintf("remote query degraded: %v", err)}
		r.diags.Record(d)
		seq.err.Store(err)
		seq.partial.Store(true)
		if r.metrics != nil {
			r.metrics.QueriesTotal.WithLabelValues("degraded").Inc()
			r.metrics.DegradedServesTotal.Inc()
		}
		return
	}
	for _, d := range diags {
		if d.Code == DiagPartialFetch {
			seq.partial.Store(true)
			break
		}
	}

	for _, frag := range fragments {
		key := entityKey{kind: frag.Kind, id: frag.ID}
		if seen[key] {
			continue
		}
		if f.Around != nil && frag.Kind == f.Around.Kind && frag.ID == f.Around.ID {
			continue
		}
		e, getErr := r.store.Get(ctx, frag.Kind, frag.ID)
		if getErr != nil {
			continue
		}
		if f.Around == nil && !f.MatchesMerged(e) {
			continue
		}
		if f.Around != nil && !f.wantsKind(e.Kind) {
			continue
		}
		seen[key] = true
		if !yield(e) {
			return
		}
	}
	if r.metrics != nil {
		outcome := "complete"
		if seq.partial.Load() {
			outcome = "partial"
		}
		r.metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	}
}
