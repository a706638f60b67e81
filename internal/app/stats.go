package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"time"

	"github.com/eugener/pylon/internal/storage"
)

// Summary is the top-level statistics rollup for a time window.
type Summary struct {
	storage.Aggregate
	SuccessRate float64   `json:"success_rate"` // 0..1 over total requests
	StartTime   time.Time `json:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty"`
}

// StatsService answers statistics queries from the request log store.
type StatsService struct {
	logs storage.RequestLogStore
}

// NewStatsService returns a StatsService backed by logs.
func NewStatsService(logs storage.RequestLogStore) *StatsService {
	return &StatsService{logs: logs}
}

// Summary aggregates all requests in the filter window.
func (s *StatsService) Summary(ctx context.Context, f storage.LogFilter) (*Summary, error) {
	agg, err := s.logs.AggregateLogs(ctx, f)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Aggregate: *agg, StartTime: f.Start, EndTime: f.End}
	if agg.TotalRequests > 0 {
		sum.SuccessRate = float64(agg.SuccessCount) / float64(agg.TotalRequests)
	}
	return sum, nil
}

// Users returns per-key aggregates, busiest first.
func (s *StatsService) Users(ctx context.Context, f storage.LogFilter) ([]storage.KeyAggregate, error) {
	return s.logs.AggregateByKey(ctx, f)
}

// APIs returns per-API aggregates, busiest first.
func (s *StatsService) APIs(ctx context.Context, f storage.LogFilter) ([]storage.APIAggregate, error) {
	return s.logs.AggregateByAPI(ctx, f)
}

// ExportFormat selects the statistics export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
	ExportHTML ExportFormat = "html"
)

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportCSV:
		return "text/csv"
	case ExportHTML:
		return "text/html; charset=utf-8"
	}
	return "application/json"
}

// Filename returns the attachment filename for the format.
func (f ExportFormat) Filename() string {
	return "pylon-stats." + string(f)
}

// Valid reports whether f is a supported export format.
func (f ExportFormat) Valid() bool {
	switch f {
	case ExportJSON, ExportCSV, ExportHTML:
		return true
	}
	return false
}

// exportReport bundles every rollup for a single export document.
type exportReport struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Summary     *Summary               `json:"summary"`
	Users       []storage.KeyAggregate `json:"users"`
	APIs        []storage.APIAggregate `json:"apis"`
}

// Export writes a full statistics report to w in the given format.
func (s *StatsService) Export(ctx context.Context, w io.Writer, f storage.LogFilter, format ExportFormat) error {
	summary, err := s.Summary(ctx, f)
	if err != nil {
		return err
	}
	users, err := s.Users(ctx, f)
	if err != nil {
		return err
	}
	apis, err := s.APIs(ctx, f)
	if err != nil {
		return err
	}
	report := &exportReport{
		GeneratedAt: time.Now().UTC(),
		Summary:     summary,
		Users:       users,
		APIs:        apis,
	}

	switch format {
	case ExportCSV:
		return writeCSV(w, report)
	case ExportHTML:
		return exportTemplate.Execute(w, report)
	case ExportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func writeCSV(w io.Writer, r *exportReport) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"scope", "id", "total_requests", "success", "rate_limited", "sse_connections", "sse_messages", "avg_response_ms"},
		aggRow("summary", "", r.Summary.Aggregate),
	}
	for _, u := range r.Users {
		rows = append(rows, aggRow("user", u.KeyID, u.Aggregate))
	}
	for _, a := range r.APIs {
		rows = append(rows, aggRow("api", a.API, a.Aggregate))
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func aggRow(scope, id string, a storage.Aggregate) []string {
	return []string{
		scope, id,
		strconv.FormatInt(a.TotalRequests, 10),
		strconv.FormatInt(a.SuccessCount, 10),
		strconv.FormatInt(a.RateLimitedCount, 10),
		strconv.FormatInt(a.SSEConnections, 10),
		strconv.FormatInt(a.TotalSSEMessages, 10),
		strconv.FormatFloat(a.AvgResponseMs, 'f', 1, 64),
	}
}

var exportTemplate = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html>
<head><title>Pylon Statistics</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: right; }
th:first-child, td:first-child { text-align: left; }
</style>
</head>
<body>
<h1>Pylon Statistics</h1>
<p>Generated {{.GeneratedAt.Format "2006-01-02 15:04:05 UTC"}}</p>
<h2>Summary</h2>
<table>
<tr><th>Total</th><th>Success</th><th>Rate limited</th><th>SSE conns</th><th>SSE messages</th><th>Avg ms</th></tr>
<tr><td>{{.Summary.TotalRequests}}</td><td>{{.Summary.SuccessCount}}</td><td>{{.Summary.RateLimitedCount}}</td><td>{{.Summary.SSEConnections}}</td><td>{{.Summary.TotalSSEMessages}}</td><td>{{printf "%.1f" .Summary.AvgResponseMs}}</td></tr>
</table>
<h2>By API key</h2>
<table>
<tr><th>Key</th><th>Total</th><th>Success</th><th>Rate limited</th><th>SSE conns</th><th>Avg ms</th></tr>
{{range .Users}}<tr><td>{{.KeyID}}</td><td>{{.TotalRequests}}</td><td>{{.SuccessCount}}</td><td>{{.RateLimitedCount}}</td><td>{{.SSEConnections}}</td><td>{{printf "%.1f" .AvgResponseMs}}</td></tr>
{{end}}</table>
<h2>By API</h2>
<table>
<tr><th>API</th><th>Total</th><th>Success</th><th>Rate limited</th><th>SSE conns</th><th>Avg ms</th></tr>
{{range .APIs}}<tr><td>{{.API}}</td><td>{{.TotalRequests}}</td><td>{{.SuccessCount}}</td><td>{{.RateLimitedCount}}</td><td>{{.SSEConnections}}</td><td>{{printf "%.1f" .AvgResponseMs}}</td></tr>
{{end}}</table>
</body>
</html>
`))
