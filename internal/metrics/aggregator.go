package metrics

import (
	"context"
	"database/sql"
	"fmt"
)

// Funnel counts jobs at each stage of the pipeline.
type Funnel struct {
	Discovered int `json:"discovered"`
	Analyzed   int `json:"analyzed"`
	Approved   int `json:"approved"`
	Applied    int `json:"applied"`
}

// Segment is one row of a keyword or location breakdown.
type Segment struct {
	Name         string  `json:"name"`
	Discovered   int     `json:"discovered"`
	Approved     int     `json:"approved"`
	Applied      int     `json:"applied"`
	ApprovalRate float64 `json:"approval_rate"`
	ApplyRate    float64 `json:"apply_rate"`
}

// Breakdown groups funnel counts by search keyword and by location.
type Breakdown struct {
	ByKeyword  []Segment `json:"by_keyword"`
	ByLocation []Segment `json:"by_location"`
}

// Aggregator derives read-only statistics from the job tables.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates an Aggregator.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

const funnelQuery = `
SELECT
	(SELECT COUNT(*) FROM discovered_jobs),
	(SELECT COUNT(*) FROM discovered_jobs WHERE analyzed = 1),
	(SELECT COUNT(*) FROM approved_jobs),
	(SELECT COUNT(*) FROM approved_jobs WHERE applied_at IS NOT NULL)`

// ComputeFunnel returns the discovered, analyzed, approved and applied
// totals. An empty store yields all zeros.
func (a *Aggregator) ComputeFunnel(ctx context.Context) (Funnel, error) {
	var f Funnel
	err := a.db.QueryRowContext(ctx, funnelQuery).Scan(&f.Discovered, &f.Analyzed, &f.Approved, &f.Applied)
	if err != nil {
		return Funnel{}, fmt.Errorf("computing funnel: %w", err)
	}
	return f, nil
}

const keywordBreakdownQuery = `
SELECT d.keyword, COUNT(*), COUNT(a.id), COUNT(a.applied_at)
FROM discovered_jobs d
LEFT JOIN approved_jobs a ON a.discovered_job_id = d.id
GROUP BY d.keyword
ORDER BY COUNT(*) DESC, d.keyword`

const locationBreakdownQuery = `
SELECT d.location, COUNT(*), COUNT(a.id), COUNT(a.applied_at)
FROM discovered_jobs d
LEFT JOIN approved_jobs a ON a.discovered_job_id = d.id
GROUP BY d.location
ORDER BY COUNT(*) DESC, d.location`

// Breakdown returns per-keyword and per-location conversion figures.
func (a *Aggregator) Breakdown(ctx context.Context) (Breakdown, error) {
	byKeyword, err := a.segments(ctx, keywordBreakdownQuery)
	if err != nil {
		return Breakdown{}, fmt.Errorf("keyword breakdown: %w", err)
	}
	byLocation, err := a.segments(ctx, locationBreakdownQuery)
	if err != nil {
		return Breakdown{}, fmt.Errorf("location breakdown: %w", err)
	}
	return Breakdown{ByKeyword: byKeyword, ByLocation: byLocation}, nil
}

func (a *Aggregator) segments(ctx context.Context, query string) ([]Segment, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	out := []Segment{}
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.Name, &s.Discovered, &s.Approved, &s.Applied); err != nil {
			return nil, err
		}
		s.ApprovalRate = ratio(s.Approved, s.Discovered)
		s.ApplyRate = ratio(s.Applied, s.Approved)
		out = append(out, s)
	}
	return out, rows.Err()
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
