// Package reconcile gathers a client's sessions from every identifier they
// are filed under and turns them into one deduplicated, newest-first list.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/botconsole/internal/conversation"
	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
)

// SessionSource answers the two lookups reconciliation needs.
type SessionSource interface {
	ListByClientID(ctx context.Context, clientID string) ([]conversation.Session, error)
	ListByApplicationSID(ctx context.Context, applicationSID string) ([]conversation.Session, error)
}

const (
	SourceClient         = "client"
	SourceApplicationSID = "application_sid"
)

// Failure records one sub-query that returned an error.
type Failure struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	Error  string `json:"error"`
}

// Report describes how a fetch went; failures never abort the fetch.
type Report struct {
	Queries  int       `json:"queries"`
	Fetched  int       `json:"fetched"`
	Merged   int       `json:"merged"`
	Failures []Failure `json:"failures"`
}

// Partial reports whether any sub-query failed.
func (r Report) Partial() bool {
	return len(r.Failures) > 0
}

type Reconciler struct {
	source  SessionSource
	metrics *observability.Metrics
}

func New(source SessionSource, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{source: source, metrics: metrics}
}

type query struct {
	source string
	id     string
}

// FetchForClient runs the direct client query and one query per application
// SID concurrently. Results are combined direct first, then SIDs in declared
// order, and merged.
func (r *Reconciler) FetchForClient(ctx context.Context, client conversation.Client) ([]conversation.Session, Report) {
	start := time.Now()
	queries := make([]query, 0, 1+len(client.ApplicationSIDs))
	if id := strings.TrimSpace(client.ID); id != "" {
		queries = append(queries, query{source: SourceClient, id: id})
	}
	for _, sid := range client.ApplicationSIDs {
		if sid = strings.TrimSpace(sid); sid != "" {
			queries = append(queries, query{source: SourceApplicationSID, id: sid})
		}
	}

	results := make([][]conversation.Session, len(queries))
	errs := make([]error, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = r.run(gctx, q)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Queries: len(queries), Failures: []Failure{}}
	batches := make([][]conversation.Session, 0, len(queries))
	for i, q := range queries {
		if errs[i] != nil {
			report.Failures = append(report.Failures, Failure{Source: q.source, ID: q.id, Error: errs[i].Error()})
			r.metrics.SubfetchFailed(q.source)
			logging.Ctx(ctx).Warn().Err(errs[i]).
				Str("client_id", client.ID).
				Str("source", q.source).
				Str("id", q.id).
				Msg("conversation sub-query failed")
			continue
		}
		report.Fetched += len(results[i])
		batches = append(batches, results[i])
	}

	merged := conversation.Merge(batches...)
	report.Merged = len(merged)
	r.metrics.ObserveStage(observability.StageReconcileFetch, time.Since(start))
	return merged, report
}

func (r *Reconciler) run(ctx context.Context, q query) ([]conversation.Session, error) {
	if r.source == nil {
		return nil, fmt.Errorf("no session source")
	}
	switch q.source {
	case SourceClient:
		return r.source.ListByClientID(ctx, q.id)
	default:
		return r.source.ListByApplicationSID(ctx, q.id)
	}
}
