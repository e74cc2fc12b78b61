// Package stats implements the monotonic Stats counters required by
// section 3 of the design specification, and optionally exposes them as
// Prometheus metrics for the duration of a run.
package stats

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats holds the atomic counters named in section 3. All fields are
// accessed through atomic fetch-add; invariant 4 requires they never
// decrease.
type Stats struct {
	totalCollections int64
	totalBatches     int64
	totalReceived    int64
	totalWritten     int64

	startTime time.Time
}

// New creates a Stats tracker with the start time recorded now.
func New() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) AddCollection()        { atomic.AddInt64(&s.totalCollections, 1) }
func (s *Stats) AddBatch()             { atomic.AddInt64(&s.totalBatches, 1) }
func (s *Stats) AddReceived(n int64)   { atomic.AddInt64(&s.totalReceived, n) }
func (s *Stats) AddWritten(n int64)    { atomic.AddInt64(&s.totalWritten, n) }

func (s *Stats) TotalCollections() int64 { return atomic.LoadInt64(&s.totalCollections) }
func (s *Stats) TotalBatches() int64     { return atomic.LoadInt64(&s.totalBatches) }
func (s *Stats) TotalReceived() int64    { return atomic.LoadInt64(&s.totalReceived) }
func (s *Stats) TotalWritten() int64     { return atomic.LoadInt64(&s.totalWritten) }
func (s *Stats) StartTime() time.Time    { return s.startTime }

// Exporter wires the four counters into Prometheus gauge functions,
// registered with MustRegister on a registry that ServeMetrics creates
// for each call.
type Exporter struct {
	stats *Stats
	reg   *prometheus.Registry
	srv   *http.Server
	ln    net.Listener
}

// Addr returns the address the metrics server is actually listening on.
func (e *Exporter) Addr() string { return e.ln.Addr().String() }

// ServeMetrics starts an HTTP server exposing the counters at /metrics on
// addr, matching the "metrics_addr" ambient option. Call Shutdown to stop
// it; the server runs until the context or Shutdown ends it.
func ServeMetrics(ctx context.Context, addr string, s *Stats) (*Exporter, error) {
	reg := prometheus.NewRegistry()

	collectionsGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dump_total_collections",
		Help: "Number of collections dumped so far.",
	}, func() float64 { return float64(s.TotalCollections()) })

	batchesGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dump_total_batches",
		Help: "Number of batches pulled so far.",
	}, func() float64 { return float64(s.TotalBatches()) })

	receivedGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dump_total_received_bytes",
		Help: "Total bytes received from the server so far.",
	}, func() float64 { return float64(s.TotalReceived()) })

	writtenGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dump_total_written_bytes",
		Help: "Total bytes written to disk so far.",
	}, func() float64 { return float64(s.TotalWritten()) })

	reg.MustRegister(collectionsGauge, batchesGauge, receivedGauge, writtenGauge)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	exp := &Exporter{stats: s, reg: reg, srv: srv, ln: ln}

	go func() {
		_ = srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		_ = exp.Shutdown(context.Background())
	}()

	return exp, nil
}

// Shutdown stops the metrics HTTP server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}
