package usage

import (
	"context"
	"log/slog"
	"time"

	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
)

// Retention classes per counter granularity.
const (
	hourlyTTL  = 48 * time.Hour
	dailyTTL   = 7 * 24 * time.Hour
	monthlyTTL = 366 * 24 * time.Hour
)

// Period label layouts (UTC).
const (
	hourLayout  = "2006-01-02-15"
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Summary is the headline usage numbers for one key identifier.
type Summary struct {
	// Total is the all-time request count.
	Total int64 `json:"total"`

	// Today is the request count for the current UTC day.
	Today int64 `json:"today"`

	// ThisHour is the request count for the current UTC hour.
	ThisHour int64 `json:"this_hour"`

	// ThisMonth is the request count for the current UTC month.
	ThisMonth int64 `json:"this_month"`
}

// EndpointCount is one row of an endpoint breakdown.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Count    int64  `json:"count"`
}

// DayCount is one day of a usage time series. Days without traffic are
// zero-filled.
type DayCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// Aggregator owns the usage counter namespace.
type Aggregator struct {
	store  store.CounterStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator over the store.
func NewAggregator(st store.CounterStore) *Aggregator {
	return &Aggregator{
		store:  st,
		logger: slog.Default().With("component", "quota.usage"),
		now:    time.Now,
	}
}

// SetClock replaces the aggregator's clock, for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

func totalKey(keyID string) string { return "usage:" + keyID + ":total" }

func periodKey(keyID, granularity, label string) string {
	return "usage:" + keyID + ":" + granularity + ":" + label
}

func endpointKey(keyID string) string { return "usage:" + keyID + ":ep" }

func endpointDailyKey(keyID, day string) string {
	return "usage:" + keyID + ":ep:daily:" + day
}

func tierTotalKey(name tier.Name) string { return "usage:tier:" + string(name) + ":total" }

func tierDailyKey(name tier.Name, day string) string {
	return "usage:tier:" + string(name) + ":daily:" + day
}

// endpointMember encodes (method, endpoint) as one sorted-set member.
func endpointMember(method, endpoint string) string {
	return method + " " + endpoint
}

// RecordAdmission increments all usage counters for one admitted request
// in a single batched store write.
//
// This is fire-and-forget relative to the request path: callers dispatch
// it through the Recorder, and a failure here is logged without ever
// affecting the admission decision already made.
func (a *Aggregator) RecordAdmission(ctx context.Context, keyID, endpoint, method string, t tier.Name) error {
	now := a.now().UTC()
	hour := now.Format(hourLayout)
	day := now.Format(dayLayout)
	month := now.Format(monthLayout)
	member := endpointMember(method, endpoint)

	return a.store.IncrementBatch(ctx, []store.CounterIncr{
		{Key: totalKey(keyID), Delta: 1},
		{Key: periodKey(keyID, "daily", day), Delta: 1, TTL: dailyTTL},
		{Key: periodKey(keyID, "hourly", hour), Delta: 1, TTL: hourlyTTL},
		{Key: periodKey(keyID, "monthly", month), Delta: 1, TTL: monthlyTTL},
		{Key: endpointKey(keyID), Member: member, Delta: 1, TTL: monthlyTTL},
		{Key: endpointDailyKey(keyID, day), Member: member, Delta: 1, TTL: dailyTTL},
		{Key: tierTotalKey(t), Delta: 1},
		{Key: tierDailyKey(t, day), Delta: 1, TTL: dailyTTL},
	})
}

// GetSummary returns the headline usage numbers for the key. Reads are
// idempotent: two calls with no intervening writes return identical
// results.
func (a *Aggregator) GetSummary(ctx context.Context, keyID string) (*Summary, error) {
	now := a.now().UTC()

	total, _, err := a.store.Get(ctx, totalKey(keyID))
	if err != nil {
		return nil, err
	}
	today, _, err := a.store.Get(ctx, periodKey(keyID, "daily", now.Format(dayLayout)))
	if err != nil {
		return nil, err
	}
	thisHour, _, err := a.store.Get(ctx, periodKey(keyID, "hourly", now.Format(hourLayout)))
	if err != nil {
		return nil, err
	}
	thisMonth, _, err := a.store.Get(ctx, periodKey(keyID, "monthly", now.Format(monthLayout)))
	if err != nil {
		return nil, err
	}

	return &Summary{
		Total:     total,
		Today:     today,
		ThisHour:  thisHour,
		ThisMonth: thisMonth,
	}, nil
}

// GetEndpointBreakdown returns per-endpoint request counts sorted
// descending by count.
func (a *Aggregator) GetEndpointBreakdown(ctx context.Context, keyID string, limit int64) ([]EndpointCount, error) {
	if limit <= 0 {
		limit = 50
	}

	members, err := a.store.SortedSetTopN(ctx, endpointKey(keyID), limit)
	if err != nil {
		return nil, err
	}

	out := make([]EndpointCount, 0, len(members))
	for _, m := range members {
		method, endpoint := splitEndpointMember(m.Member)
		out = append(out, EndpointCount{
			Endpoint: endpoint,
			Method:   method,
			Count:    m.Score,
		})
	}
	return out, nil
}

// GetTimeSeries returns per-day request counts over [start, end],
// zero-filled for days with no traffic. Both bounds are interpreted as
// UTC days, inclusive.
func (a *Aggregator) GetTimeSeries(ctx context.Context, keyID string, start, end time.Time) ([]DayCount, error) {
	startDay := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)

	var series []DayCount
	for day := startDay; !day.After(endDay); day = day.Add(24 * time.Hour) {
		label := day.Format(dayLayout)
		count, _, err := a.store.Get(ctx, periodKey(keyID, "daily", label))
		if err != nil {
			return nil, err
		}
		series = append(series, DayCount{Day: label, Count: count})
	}
	return series, nil
}

// splitEndpointMember decodes a sorted-set member back into
// (method, endpoint).
func splitEndpointMember(member string) (method, endpoint string) {
	for i := 0; i < len(member); i++ {
		if member[i] == ' ' {
			return member[:i], member[i+1:]
		}
	}
	return "", member
}
