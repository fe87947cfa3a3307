package osmbridge

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/osmbridge/osmbridge/internal/metrics"
)

// FetchFunc performs the actual remote fetch for one coalesced call. It runs
// on a context owned by the coordinator, detached from any single caller.
type FetchFunc func(ctx context.Context) ([]*Fragment, []Diagnostic, error)

type fetchKey struct {
	kind Kind
	id   int64
}

type fetchCall struct {
	done          chan struct{}
	fragments     []*Fragment
	diags         []Diagnostic
	err           error
	correlationID string
}

type queryCall struct {
	done          chan struct{}
	fragments     []*Fragment
	diags         []Diagnostic
	err           error
	correlationID string
	expiresAt     time.Time
}

type CoordinatorOptions struct {
	MaxInFlight  int
	QueryHorizon time.Duration
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Coordinator deduplicates concurrent remote work: at most one fetch per
// (kind, identity) is in flight, and identical structured queries within the
// coalescing horizon share one remote call. A caller abandoning its wait
// detaches without aborting the shared call.
type Coordinator struct {
	mu      sync.Mutex
	fetches map[fetchKey]*fetchCall
	queries map[string]*queryCall

	sem          *semaphore.Weighted
	queryHorizon time.Duration
	fetchTimeout time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	lifecycle       context.Context
	lifecycleCancel context.CancelFunc
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	queryHorizon := opts.QueryHorizon
	if queryHorizon <= 0 {
		queryHorizon = 3 * time.Second
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = time.Minute
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		fetches:         map[fetchKey]*fetchCall{},
		queries:         map[string]*queryCall{},
		sem:             semaphore.NewWeighted(int64(maxInFlight)),
		queryHorizon:    queryHorizon,
		fetchTimeout:    fetchTimeout,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		lifecycle:       lifecycle,
		lifecycleCancel: cancel,
	}
}

// Close stops all coordinator-owned work and waits for it to settle.
func (c *Coordinator) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.lifecycleCancel()
		c.wg.Wait()
	})
}

// Fetch joins or starts the single in-flight fetch for (kind, id). All
// attached callers observe the same outcome.
func (c *Coordinator) Fetch(ctx context.Context, kind Kind, id int64, fn FetchFunc) ([]*Fragment, []Diagnostic, error) {
	if c == nil || fn == nil {
		return nil, nil, ErrInvalidInput
	}
	key := fetchKey{kind: kind, id: id}
	c.mu.Lock()
	if call, ok := c.fetches[key]; ok {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CoalescedFetchesTotal.Inc()
		}
		return awaitFetch(ctx, call)
	}
	call := &fetchCall{
		done:          make(chan struct{}),
		correlationID: ulid.Make().String(),
	}
	c.fetches[key] = call
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runFetch(key, call, fn)
	return awaitFetch(ctx, call)
}

func awaitFetch(ctx context.Context, call *fetchCall) ([]*Fragment, []Diagnostic, error) {
	select {
	case <-call.done:
		return call.fragments, call.diags, call.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (c *Coordinator) runFetch(key fetchKey, call *fetchCall, fn FetchFunc) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.fetches, key)
		c.mu.Unlock()
		close(call.done)
	}()

	if err := c.sem.Acquire(c.lifecycle, 1); err != nil {
		call.err = &RemoteError{Failure: FailureTimeout, Err: err}
		return
	}
	defer c.sem.Release(1)
	if c.metrics != nil {
		c.metrics.RemoteFetchesTotal.Inc()
		c.metrics.InFlightFetches.Inc()
		defer c.metrics.InFlightFetches.Dec()
	}

	ctx, cancel := context.WithTimeout(c.lifecycle, c.fetchTimeout)
	defer cancel()
	started := time.Now()
	call.fragments, call.diags, call.err = fn(ctx)
	event := c.logger.Debug()
	if call.err != nil {
		event = c.logger.Warn().Err(call.err)
	}
	event.
		Str("kind", string(key.kind)).
		Int64("id", key.id).
		Str("correlationId", call.correlationID).
		Dur("elapsed", time.Since(started)).
		Msg("remote fetch settled")
	for i := range call.diags {
		if call.diags[i].CorrelationID == "" {
			call.diags[i].CorrelationID = call.correlationID
		}
	}
}

// Query joins, reuses or starts the remote call for a normalized filter
// signature. A completed outcome is reused for identical signatures until the
// coalescing horizon passes.
func (c *Coordinator) Query(ctx context.Context, signature string, fn FetchFunc) ([]*Fragment, []Diagnostic, error) {
	if c == nil || fn == nil || signature == "" {
		return nil, nil, ErrInvalidInput
	}
	now := time.Now()
	c.mu.Lock()
	c.pruneQueriesLocked(now)
	if call, ok := c.queries[signature]; ok {
		expired := false
		select {
		case <-call.done:
			expired = now.After(call.expiresAt)
		default:
		}
		if !expired {
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.CoalescedQueriesTotal.Inc()
			}
			return awaitQuery(ctx, call)
		}
		delete(c.queries, signature)
	}
	call := &queryCall{
		done:          make(chan struct{}),
		correlationID: ulid.Make().String(),
	}
	c.queries[signature] = call
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runQuery(signature, call, fn)
	return awaitQuery(ctx, call)
}

func (c *Coordinator) pruneQueriesLocked(now time.Time) {
	for signature, call := range c.queries {
		select {
		case <-call.done:
			if now.After(call.expiresAt) {
				delete(c.queries, signature)
			}
		default:
		}
	}
}

func awaitQuery(ctx context.Context, call *queryCall) ([]*Fragment, []Diagnostic, error) {
	select {
	case <-call.done:
		return call.fragments, call.diags, call.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (c *Coordinator) runQuery(signature string, call *queryCall, fn FetchFunc) {
	defer c.wg.Done()
	defer func() {
		call.expiresAt = time.Now().Add(c.queryHorizon)
		close(call.done)
	}()

	if err := c.sem.Acquire(c.lifecycle, 1); err != nil {
		call.err = &RemoteError{Failure: FailureTimeout, Err: err}
		return
	}
	defer c.sem.Release(1)
	if c.metrics != nil {
		c.metrics.RemoteFetchesTotal.Inc()
		c.metrics.InFlightFetches.Inc()
		defer c.metrics.InFlightFetches.Dec()
	}

	ctx, cancel := context.WithTimeout(c.lifecycle, c.fetchTimeout)
	defer cancel()
	started := time.Now()
	call.fragments, call.diags, call.err = fn(ctx)
	event := c.logger.Debug()
	if call.err != nil {
		event = c.logger.Warn().Err(call.err)
	}
	event.
		Str("signature", signature).
		Str("correlationId", call.correlationID).
		Dur("elapsed", time.Since(started)).
		Msg("remote query settled")
	for i := range call.diags {
		if call.diags[i].CorrelationID == "" {
			call.diags[i].CorrelationID = call.correlationID
		}
	}
}
