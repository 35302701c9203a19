package timeseries

import (
	"context"
	"time"

	"github.com/antoniostano/botconsole/internal/store"
)

// StoreSource reads metric series from a store backend.
type StoreSource struct {
	Metrics store.MetricStore
	Now     func() time.Time
}

func (s StoreSource) FetchMetric(ctx context.Context, metric string, days int, channel string) (MetricSeries, error) {
	q := store.MetricQuery{Metric: metric, Days: days, Channel: channel}
	if s.Now != nil {
		q.Now = s.Now()
	}
	points, err := s.Metrics.MetricOverTime(ctx, q)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(points))
	for _, p := range points {
		rows = append(rows, map[string]any{"_id": p.Date, "value": p.Value})
	}
	return ParsePoints(rows, "_id", "value"), nil
}
