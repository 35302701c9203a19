package timeseries

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
)

var ErrUnknownFamily = errors.New("unknown analytics family")

// MetricSource fetches one metric's per-day series for a channel.
type MetricSource interface {
	FetchMetric(ctx context.Context, metric string, days int, channel string) (MetricSeries, error)
}

// MetricPair names the two metrics a family's chart plots.
type MetricPair struct {
	First  string `json:"first"`
	Second string `json:"second"`
}

var families = map[string]MetricPair{
	"voice":    {First: "minutes", Second: "calls"},
	"chat":     {First: "minutes", Second: "sessions"},
	"whatsapp": {First: "messages", Second: "sessions"},
	"sms":      {First: "messages", Second: "sessions"},
}

// PairFor returns the metric pair for family.
func PairFor(family string) (MetricPair, bool) {
	p, ok := families[strings.ToLower(strings.TrimSpace(family))]
	return p, ok
}

// Chart is what the dashboard renders for one family and range.
type Chart struct {
	Family  string        `json:"family"`
	Days    int           `json:"days"`
	Metrics MetricPair    `json:"metrics"`
	Series  DisplaySeries `json:"series"`
	Cached  bool          `json:"cached"`
	Partial bool          `json:"partial"`
	Errors  []string      `json:"errors,omitempty"`
}

// Dashboard loads merged family series on first use and serves repeats
// from its RangeCache.
type Dashboard struct {
	source  MetricSource
	cache   *RangeCache
	metrics *observability.Metrics
	now     func() time.Time
}

func NewDashboard(source MetricSource, cache *RangeCache, metrics *observability.Metrics) *Dashboard {
	if cache == nil {
		cache = NewRangeCache()
	}
	return &Dashboard{source: source, cache: cache, metrics: metrics, now: time.Now}
}

func (d *Dashboard) Cache() *RangeCache {
	return d.cache
}

// Load returns the chart for family over days. A failed sub-fetch
// contributes an empty series and leaves the result uncached.
func (d *Dashboard) Load(ctx context.Context, family string, days int) (Chart, error) {
	family = strings.ToLower(strings.TrimSpace(family))
	pair, ok := families[family]
	if !ok {
		return Chart{}, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if !ValidRange(days) {
		return Chart{}, fmt.Errorf("%w: %d", ErrUnsupportedRange, days)
	}

	if e, hit, _ := d.cache.Get(family, days); hit {
		d.metrics.AnalyticsCacheLookup(true)
		return Chart{Family: family, Days: days, Metrics: pair, Series: e.Series, Cached: true}, nil
	}
	d.metrics.AnalyticsCacheLookup(false)

	start := time.Now()
	var first, second MetricSeries
	var firstErr, secondErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		first, firstErr = d.fetch(gctx, pair.First, days, family)
		return nil
	})
	g.Go(func() error {
		second, secondErr = d.fetch(gctx, pair.Second, days, family)
		return nil
	})
	_ = g.Wait()
	d.metrics.ObserveStage(observability.StageMetricFetch, time.Since(start))

	chart := Chart{Family: family, Days: days, Metrics: pair}
	for _, err := range []error{firstErr, secondErr} {
		if err == nil {
			continue
		}
		chart.Partial = true
		chart.Errors = append(chart.Errors, err.Error())
	}
	chart.Series = Merge(first, second)

	if chart.Partial {
		logging.Ctx(ctx).Warn().Str("family", family).Int("days", days).Strs("errors", chart.Errors).Msg("analytics load incomplete, not cached")
		return chart, nil
	}
	_ = d.cache.Put(Entry{Family: family, Days: days, Series: chart.Series, FetchedAt: d.now().UTC()})
	return chart, nil
}

func (d *Dashboard) fetch(ctx context.Context, metric string, days int, channel string) (MetricSeries, error) {
	if d.source == nil {
		return MetricSeries{}, errors.New("no metric source")
	}
	s, err := d.source.FetchMetric(ctx, metric, days, channel)
	if err != nil {
		d.metrics.SubfetchFailed("metric")
		return MetricSeries{}, fmt.Errorf("fetch %s: %w", metric, err)
	}
	if s == nil {
		s = MetricSeries{}
	}
	return s, nil
}
