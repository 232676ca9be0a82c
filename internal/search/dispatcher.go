package search

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"colloquy/internal/session"
)

// QueryOutcome is the result of one dispatched query. A failed query (after
// its retry) carries Err and an empty source list; it never aborts the batch.
type QueryOutcome struct {
	Query   string
	Sources []session.SourceDocument
	Err     error
}

// Dispatcher fans a batch of queries out to the search provider with
// bounded concurrency and joins all of them before returning. Session-wide
// URL dedup happens where the outcomes are merged into the session.
type Dispatcher struct {
	provider     Provider
	concurrency  int
	perQueryTime time.Duration
	maxResults   int
	logger       *zap.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency bounds how many queries are in flight at once.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithQueryTimeout bounds each individual query attempt.
func WithQueryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.perQueryTime = t
		}
	}
}

// WithMaxResults bounds results fetched per query.
func WithMaxResults(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxResults = n
		}
	}
}

// NewDispatcher wires a dispatcher to a search provider.
func NewDispatcher(p Provider, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		provider:     p,
		concurrency:  8,
		perQueryTime: 30 * time.Second,
		maxResults:   15,
		logger:       logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch issues the queries concurrently and returns one outcome per
// distinct query, in input order. Each query gets one retry; two failures
// record the error and move on.
func (d *Dispatcher) Dispatch(ctx context.Context, queries []string) []QueryOutcome {
	distinct := dedupQueries(queries)
	outcomes := make([]QueryOutcome, len(distinct))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, query := range distinct {
		g.Go(func() error {
			outcomes[i] = d.runQuery(gctx, query)
			return nil
		})
	}
	// Workers never return errors; Wait is a join.
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) runQuery(ctx context.Context, query string) QueryOutcome {
	outcome := QueryOutcome{Query: query}
	var results []Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, d.perQueryTime)
		results, err = d.provider.Search(qctx, query, d.maxResults)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		d.logger.Warn("query attempt failed",
			zap.String("query", query),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Sources = make([]session.SourceDocument, 0, len(results))
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		outcome.Sources = append(outcome.Sources, session.SourceDocument{
			URL:       r.URL,
			Title:     r.Title,
			Snippet:   r.Snippet,
			Relevance: Relevance(r, query),
			Queries:   []string{query},
		})
	}
	return outcome
}

func dedupQueries(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		if q == "" {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
