package logsink

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	// Unique file-based temp DB per test to avoid shared :memory: races.
	s, err := NewSQLite(t.TempDir() + "/logs.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_InsertAndQuery(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []*gateway.LogRecord{
		{
			ID: "log-1", RequestID: "req-1", Router: "default",
			Provider: model.ProviderOpenAI, Endpoint: model.EndpointChat,
			SourceModel: "openai/gpt-4o", TargetModel: "gpt-4o",
			Status: 200, Stream: true, CacheStatus: "miss",
			TFFT: 120 * time.Millisecond, Latency: 900 * time.Millisecond,
			PromptTokens: 10, OutputTokens: 40,
			RequestBytes: 300, ResponseSize: 1200,
			CreatedAt: base,
		},
		{
			ID: "log-2", RequestID: "req-2", Router: "default",
			Provider: model.ProviderAnthropic, Endpoint: model.EndpointChat,
			Status: 502, CreatedAt: base.Add(time.Second),
		},
	}
	if err := s.InsertLogs(ctx, recs); err != nil {
		t.Fatal("insert:", err)
	}

	n, err := s.CountLogs(ctx)
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	got, err := s.RecentLogs(ctx, 10)
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if got[0].ID != "log-2" {
		t.Errorf("most recent first: got %q", got[0].ID)
	}

	r := got[1]
	if r.Provider != model.ProviderOpenAI || r.Endpoint != model.EndpointChat || r.Router != "default" {
		t.Errorf("identity fields = %q/%q/%q", r.Provider, r.Endpoint, r.Router)
	}
	if !r.Stream || r.CacheStatus != "miss" {
		t.Errorf("stream/cache = %v/%q", r.Stream, r.CacheStatus)
	}
	if r.TFFT != 120*time.Millisecond || r.Latency != 900*time.Millisecond {
		t.Errorf("durations = %v/%v", r.TFFT, r.Latency)
	}
	if r.PromptTokens != 10 || r.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d", r.PromptTokens, r.OutputTokens)
	}
	if r.RequestBytes != 300 || r.ResponseSize != 1200 {
		t.Errorf("sizes = %d/%d", r.RequestBytes, r.ResponseSize)
	}
	if !r.CreatedAt.Equal(base) {
		t.Errorf("created_at = %v, want %v", r.CreatedAt, base)
	}
}

func TestSQLite_InsertEmptyBatch(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	if err := s.InsertLogs(context.Background(), nil); err != nil {
		t.Fatalf("empty insert: %v", err)
	}
}

func TestSQLite_Ping(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRecorderIntoSQLite(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	rec := NewRecorder(s, nil, config.LogSinkConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range 5 {
		rec.Submit(ctx, &gateway.LogRecord{
			RequestID: "req",
			Router:    "default",
			Provider:  model.ProviderOpenAI,
			Endpoint:  model.EndpointChat,
			Status:    200,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	n, err := s.CountLogs(context.Background())
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 5 {
		t.Fatalf("count = %d, want 5", n)
	}
}
