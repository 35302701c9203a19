package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/antoniostano/botconsole/internal/conversation"
)

const DayLayout = "2006-01-02"

var ErrUnknownMetric = errors.New("unknown metric")

// Metric names understood by MetricOverTime.
const (
	MetricMinutes  = "minutes"
	MetricCalls    = "calls"
	MetricSessions = "sessions"
	MetricMessages = "messages"
)

// MetricQuery selects one metric over the last Days calendar days.
// An empty Channel includes every channel.
type MetricQuery struct {
	Metric  string
	Days    int
	Channel string
	Now     time.Time
}

// MetricPoint is one day of a metric series, shaped as the backend returns it.
type MetricPoint struct {
	Date  string  `json:"_id"`
	Value float64 `json:"value"`
}

func (q MetricQuery) normalize() (MetricQuery, error) {
	q.Metric = strings.ToLower(strings.TrimSpace(q.Metric))
	switch q.Metric {
	case MetricMinutes, MetricCalls, MetricSessions, MetricMessages:
	default:
		return q, fmt.Errorf("%w: %q", ErrUnknownMetric, q.Metric)
	}
	if q.Days <= 0 {
		q.Days = 7
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
	q.Now = q.Now.UTC()
	q.Channel = strings.ToLower(strings.TrimSpace(q.Channel))
	return q, nil
}

// Since is midnight UTC of the first day in range.
func (q MetricQuery) Since() time.Time {
	day := time.Date(q.Now.Year(), q.Now.Month(), q.Now.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -(q.Days - 1))
}

// Aggregate buckets sessions by started_at day. Only days with at least one
// session appear.
func Aggregate(sessions []conversation.Session, q MetricQuery) []MetricPoint {
	since := q.Since()
	buckets := make(map[string]float64)
	for _, s := range sessions {
		if s.StartedAt.Before(since) {
			continue
		}
		if q.Channel != "" && string(s.ChannelType) != q.Channel {
			continue
		}
		day := s.StartedAt.UTC().Format(DayLayout)
		switch q.Metric {
		case MetricMinutes:
			buckets[day] += float64(s.DurationMinutes)
		case MetricCalls, MetricSessions:
			buckets[day]++
		case MetricMessages:
			buckets[day] += float64(len(s.MessageLog))
		}
	}

	out := make([]MetricPoint, 0, len(buckets))
	for day, v := range buckets {
		out = append(out, MetricPoint{Date: day, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
