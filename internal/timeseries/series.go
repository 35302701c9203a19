// Package timeseries turns per-day metric payloads into gap-free display
// series and caches them per dashboard range.
package timeseries

import (
	"bytes"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	DayLayout   = "2006-01-02"
	LabelLayout = "Jan 2"
)

// MetricSeries maps a calendar day (2006-01-02) to a value.
type MetricSeries map[string]float64

// Point is one row of a merged display series.
type Point struct {
	Date   string  `json:"date"`
	Label  string  `json:"label"`
	First  float64 `json:"first"`
	Second float64 `json:"second"`
}

// DisplaySeries is ordered by ascending date.
type DisplaySeries []Point

// Merge returns one point per date present in either series, ascending,
// with a missing side reported as 0. Keys are reduced to 2006-01-02 first, so
// "2024-1-9" and "2024-01-09" are the same day. Keys that are not dates sort
// after all dated points.
func Merge(a, b MetricSeries) DisplaySeries {
	a, b = canonical(a), canonical(b)
	dates := make(map[string]struct{}, len(a)+len(b))
	for d := range a {
		dates[d] = struct{}{}
	}
	for d := range b {
		dates[d] = struct{}{}
	}

	ordered := make([]string, 0, len(dates))
	for d := range dates {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ti, errI := time.Parse(DayLayout, ordered[i])
		tj, errJ := time.Parse(DayLayout, ordered[j])
		switch {
		case errI == nil && errJ == nil:
			return ti.Before(tj)
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return ordered[i] < ordered[j]
		}
	})

	out := make(DisplaySeries, 0, len(ordered))
	for _, d := range ordered {
		out = append(out, Point{
			Date:   d,
			Label:  Label(d),
			First:  a[d],
			Second: b[d],
		})
	}
	return out
}

// canonical rekeys s by normalized day, summing values that land on the same day.
func canonical(s MetricSeries) MetricSeries {
	out := make(MetricSeries, len(s))
	for d, v := range s {
		key := d
		if day, ok := normalizeDay(d); ok {
			key = day
		}
		out[key] += finite(v)
	}
	return out
}

// Label formats a 2006-01-02 date as "Jan 2". Unparseable input is returned as is.
func Label(date string) string {
	t, err := time.Parse(DayLayout, date)
	if err != nil {
		return date
	}
	return t.Format(LabelLayout)
}

// Coerce converts a JSON-decoded value to a number. Strings are parsed;
// NaN, infinities, nil and anything else become 0.
func Coerce(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case bool:
		return 0
	default:
		return 0
	}
	return finite(f)
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ParsePoints builds a series from rows like {"_id": "2024-01-01", "value": 5}.
// The date may also be an RFC3339 timestamp; it is reduced to its calendar
// day in UTC. Rows without a usable date are skipped; repeated days add up.
func ParsePoints(rows []map[string]any, dateKey, valueKey string) MetricSeries {
	if dateKey == "" {
		dateKey = "_id"
	}
	if valueKey == "" {
		valueKey = "value"
	}
	out := make(MetricSeries, len(rows))
	for _, row := range rows {
		raw, ok := row[dateKey]
		if !ok && dateKey != "_id" {
			raw, ok = row["_id"]
		}
		if !ok {
			continue
		}
		day, ok := normalizeDay(raw)
		if !ok {
			continue
		}
		out[day] += Coerce(row[valueKey])
	}
	return out
}

func normalizeDay(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{DayLayout, "2006-1-2"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DayLayout), true
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(DayLayout), true
	}
	return "", false
}

// DecodePoints parses a raw analytics response body.
func DecodePoints(body []byte, dateKey, valueKey string) (MetricSeries, error) {
	var rows []map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return ParsePoints(rows, dateKey, valueKey), nil
}
