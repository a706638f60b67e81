package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
	"github.com/eugener/pylon/internal/testutil"
)

func seededStats(t *testing.T) *StatsService {
	t.Helper()
	store := testutil.NewFakeStore()
	now := time.Now().UTC()
	logs := []pylon.RequestLog{
		{KeyID: "k1", API: "POST /chat", Status: 200, RequestTime: now.Add(-2 * time.Minute), ResponseMs: 100},
		{KeyID: "k1", API: "POST /chat", Status: 200, RequestTime: now.Add(-time.Minute), ResponseMs: 200, SSE: true, SSEMessages: 5},
		{KeyID: "k1", API: "GET /models", Status: 429, RequestTime: now, ResponseMs: 1},
		{KeyID: "k2", API: "POST /chat", Status: 502, RequestTime: now, ResponseMs: 30},
	}
	if err := store.InsertLogs(context.Background(), logs); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return NewStatsService(store)
}

func TestStatsSummary(t *testing.T) {
	t.Parallel()
	s := seededStats(t)

	sum, err := s.Summary(context.Background(), storage.LogFilter{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalRequests != 4 {
		t.Errorf("total = %d, want 4", sum.TotalRequests)
	}
	if sum.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", sum.SuccessRate)
	}
	if sum.RateLimitedCount != 1 || sum.SSEConnections != 1 || sum.TotalSSEMessages != 5 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestStatsSummaryEmpty(t *testing.T) {
	t.Parallel()
	s := NewStatsService(testutil.NewFakeStore())

	sum, err := s.Summary(context.Background(), storage.LogFilter{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalRequests != 0 || sum.SuccessRate != 0 {
		t.Errorf("empty summary = %+v", sum)
	}
}

func TestStatsGroups(t *testing.T) {
	t.Parallel()
	s := seededStats(t)
	ctx := context.Background()

	users, err := s.Users(ctx, storage.LogFilter{})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 2 || users[0].KeyID != "k1" || users[0].TotalRequests != 3 {
		t.Errorf("users = %+v, want k1 first with 3", users)
	}

	apis, err := s.APIs(ctx, storage.LogFilter{KeyID: "k1"})
	if err != nil {
		t.Fatalf("apis: %v", err)
	}
	if len(apis) != 2 || apis[0].API != "POST /chat" {
		t.Errorf("apis = %+v, want POST /chat first", apis)
	}
}

func TestExportJSON(t *testing.T) {
	t.Parallel()
	s := seededStats(t)

	var buf bytes.Buffer
	if err := s.Export(context.Background(), &buf, storage.LogFilter{}, ExportJSON); err != nil {
		t.Fatalf("export: %v", err)
	}
	var report struct {
		Summary struct {
			TotalRequests int64   `json:"total_requests"`
			SuccessRate   float64 `json:"success_rate"`
		} `json:"summary"`
		Users []json.RawMessage `json:"users"`
		APIs  []json.RawMessage `json:"apis"`
	}
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Summary.TotalRequests != 4 || report.Summary.SuccessRate != 0.5 {
		t.Errorf("summary = %+v", report.Summary)
	}
	if len(report.Users) != 2 || len(report.APIs) != 2 {
		t.Errorf("groups = %d users, %d apis", len(report.Users), len(report.APIs))
	}
}

func TestExportCSV(t *testing.T) {
	t.Parallel()
	s := seededStats(t)

	var buf bytes.Buffer
	if err := s.Export(context.Background(), &buf, storage.LogFilter{}, ExportCSV); err != nil {
		t.Fatalf("export: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	// header + summary + 2 users + 2 apis
	if len(rows) != 6 {
		t.Fatalf("rows = %d, want 6", len(rows))
	}
	if rows[1][0] != "summary" || rows[1][2] != "4" {
		t.Errorf("summary row = %v", rows[1])
	}
}

func TestExportHTML(t *testing.T) {
	t.Parallel()
	s := seededStats(t)

	var buf bytes.Buffer
	if err := s.Export(context.Background(), &buf, storage.LogFilter{}, ExportHTML); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"<!DOCTYPE html>", "k1", "POST /chat"} {
		if !strings.Contains(out, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestExportFormat(t *testing.T) {
	t.Parallel()

	if ExportFormat("xml").Valid() {
		t.Error("xml should not be a valid format")
	}
	if got := ExportCSV.ContentType(); got != "text/csv" {
		t.Errorf("csv content type = %q", got)
	}
	if got := ExportJSON.Filename(); got != "pylon-stats.json" {
		t.Errorf("filename = %q", got)
	}
}
