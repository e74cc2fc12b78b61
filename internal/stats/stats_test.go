package stats

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

func TestCountersAreMonotonic(t *testing.T) {
	s := New()
	s.AddCollection()
	s.AddBatch()
	s.AddReceived(100)
	s.AddWritten(50)

	if s.TotalCollections() != 1 {
		t.Errorf("expected 1 collection, got %d", s.TotalCollections())
	}
	if s.TotalBatches() != 1 {
		t.Errorf("expected 1 batch, got %d", s.TotalBatches())
	}
	if s.TotalReceived() != 100 {
		t.Errorf("expected 100 received, got %d", s.TotalReceived())
	}
	if s.TotalWritten() != 50 {
		t.Errorf("expected 50 written, got %d", s.TotalWritten())
	}
}

func TestServeMetricsExposesCounters(t *testing.T) {
	s := New()
	s.AddBatch()
	s.AddBatch()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exp, err := ServeMetrics(ctx, "127.0.0.1:0", s)
	if err != nil {
		t.Fatalf("ServeMetrics: %v", err)
	}
	defer exp.Shutdown(context.Background())

	resp, err := http.Get("http://" + exp.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "dump_total_batches 2") {
		t.Errorf("expected dump_total_batches 2 in metrics output, got:\n%s", body)
	}
}
