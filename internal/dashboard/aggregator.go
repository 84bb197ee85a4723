// Package dashboard aggregates revocation activity from the audit ledger
// into an operator-facing overview. The aggregator never fails a request: a
// broken data source degrades to a zeroed dashboard carrying the error.
package dashboard

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// Aggregator builds revocation dashboards from ledger queries.
type Aggregator struct {
	ledger *audit.Ledger
	logger *zap.Logger
}

// NewAggregator creates a dashboard aggregator.
func NewAggregator(ledger *audit.Ledger, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{ledger: ledger, logger: logger}
}

// Summary holds the headline counts.
type Summary struct {
	TotalRevocations  int `json:"total_revocations"`
	SingleRevocations int `json:"single_revocations"`
	BulkOperations    int `json:"bulk_operations"`
	BulkRevoked       int `json:"bulk_revoked"`
	Rollbacks         int `json:"rollbacks"`
}

// ReasonCount is one slice of the by-reason breakdown.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// ActorCount is one slice of the by-actor breakdown.
type ActorCount struct {
	ActorID int64  `json:"actor_id"`
	Role    string `json:"role"`
	Count   int    `json:"count"`
}

// DayCount is one day in the trend series.
type DayCount struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// Dashboard is the aggregated revocation overview for a trailing period.
type Dashboard struct {
	PeriodDays     int            `json:"period_days"`
	GeneratedAt    time.Time      `json:"generated_at"`
	Summary        Summary        `json:"summary"`
	ByReason       []ReasonCount  `json:"by_reason"`
	ByActor        []ActorCount   `json:"by_actor"`
	Trends         []DayCount     `json:"trends"`
	RecentActivity []*audit.Entry `json:"recent_activity"`
	Error          string         `json:"error,omitempty"`
}

const (
	defaultPeriodDays = 30
	maxPeriodDays     = 365
	recentLimit       = 10
	queryPageSize     = 5000
)

// GetRevocationDashboard aggregates revocation activity over the trailing
// number of days. Query failures produce a zeroed dashboard with the error
// embedded, never a failed response.
func (a *Aggregator) GetRevocationDashboard(ctx context.Context, days int) *Dashboard {
	return a.dashboardAt(ctx, days, sast.Now())
}

func (a *Aggregator) dashboardAt(ctx context.Context, days int, now time.Time) *Dashboard {
	if days <= 0 {
		days = defaultPeriodDays
	}
	if days > maxPeriodDays {
		days = maxPeriodDays
	}

	d := &Dashboard{
		PeriodDays:  days,
		GeneratedAt: now,
		ByReason:    []ReasonCount{},
		ByActor:     []ActorCount{},
		Trends:      emptyTrends(now, days),
	}

	from := now.AddDate(0, 0, -days)
	singles, err := a.queryEvents(ctx, audit.EventPrescriptionRevoked, from)
	if err != nil {
		return a.degrade(d, err)
	}
	bulks, err := a.queryEvents(ctx, audit.EventBulkRevocationExecuted, from)
	if err != nil {
		return a.degrade(d, err)
	}
	rollbacks, err := a.queryEvents(ctx, audit.EventBulkRevocationRolledBack, from)
	if err != nil {
		return a.degrade(d, err)
	}

	d.Summary = summarize(singles, bulks, rollbacks)
	d.ByReason = countByReason(singles, bulks)
	d.ByActor = countByActor(singles, bulks)
	d.Trends = bucketByDay(singles, bulks, now, days)
	d.RecentActivity = recent(singles, bulks, rollbacks, recentLimit)
	return d
}

func (a *Aggregator) queryEvents(ctx context.Context, eventType string, from time.Time) ([]*audit.Entry, error) {
	res, err := a.ledger.Query(ctx, audit.Filter{EventType: eventType, From: &from}, queryPageSize, 0)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func (a *Aggregator) degrade(d *Dashboard, err error) *Dashboard {
	a.logger.Error("dashboard aggregation degraded", zap.Error(err))
	d.Error = err.Error()
	return d
}

// bulkCount reads how many prescriptions one bulk entry revoked.
func bulkCount(e *audit.Entry) int {
	n, err := intFromDetail(e.Details(), "revoked_count")
	if err != nil {
		return 0
	}
	return n
}

func summarize(singles, bulks, rollbacks []*audit.Entry) Summary {
	s := Summary{
		SingleRevocations: len(singles),
		BulkOperations:    len(bulks),
		Rollbacks:         len(rollbacks),
	}
	for _, e := range bulks {
		s.BulkRevoked += bulkCount(e)
	}
	s.TotalRevocations = s.SingleRevocations + s.BulkRevoked
	return s
}

// countByReason merges single and bulk revocations into a reason breakdown,
// largest first. Bulk entries contribute their full revoked count.
func countByReason(singles, bulks []*audit.Entry) []ReasonCount {
	counts := make(map[string]int)
	for _, e := range singles {
		counts[reasonOf(e)]++
	}
	for _, e := range bulks {
		counts[reasonOf(e)] += bulkCount(e)
	}

	out := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

func reasonOf(e *audit.Entry) string {
	if r := e.DetailString("reason"); r != "" {
		return r
	}
	return "unknown"
}

// countByActor counts operations per actor, largest first. A bulk operation
// counts once for its actor regardless of batch size.
func countByActor(singles, bulks []*audit.Entry) []ActorCount {
	type actorKey struct {
		id   int64
		role string
	}
	counts := make(map[actorKey]int)
	for _, e := range append(append([]*audit.Entry{}, singles...), bulks...) {
		counts[actorKey{e.ActorID(), e.ActorRole()}]++
	}

	out := make([]ActorCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, ActorCount{ActorID: k.id, Role: k.role, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ActorID < out[j].ActorID
	})
	return out
}

// bucketByDay builds a zero-filled daily series, oldest day first, ending on
// the current day. Bulk entries contribute their full revoked count to the
// day they executed.
func bucketByDay(singles, bulks []*audit.Entry, now time.Time, days int) []DayCount {
	trends := emptyTrends(now, days)
	index := make(map[string]int, len(trends))
	for i, t := range trends {
		index[t.Date] = i
	}

	add := func(e *audit.Entry, n int) {
		day := e.Timestamp().In(sast.Zone).Format("2006-01-02")
		if i, ok := index[day]; ok {
			trends[i].Count += n
		}
	}
	for _, e := range singles {
		add(e, 1)
	}
	for _, e := range bulks {
		add(e, bulkCount(e))
	}
	return trends
}

func emptyTrends(now time.Time, days int) []DayCount {
	trends := make([]DayCount, days)
	for i := 0; i < days; i++ {
		day := now.In(sast.Zone).AddDate(0, 0, -(days - 1 - i))
		trends[i] = DayCount{Date: day.Format("2006-01-02")}
	}
	return trends
}

// recent merges all event families and keeps the newest entries.
func recent(singles, bulks, rollbacks []*audit.Entry, limit int) []*audit.Entry {
	all := make([]*audit.Entry, 0, len(singles)+len(bulks)+len(rollbacks))
	all = append(all, singles...)
	all = append(all, bulks...)
	all = append(all, rollbacks...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID() > all[j].ID() })
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

func intFromDetail(details map[string]any, key string) (int, error) {
	switch v := details[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, errNotNumeric
	}
}

type detailError string

func (e detailError) Error() string { return string(e) }

const errNotNumeric = detailError("detail is not numeric")
