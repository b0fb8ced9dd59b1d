package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the Sink over the TCP-local pull interface spec.md §6
// requires: a JSON endpoint at /telemetry and, since the corpus always
// ships a Prometheus mirror alongside a hand-rolled pull endpoint
// (internal/gateway/server.go's conditional /metrics route), a
// promhttp.Handler at PrometheusPath too.
type Server struct {
	sink           *Sink
	prometheusPath string
	httpSrv        *http.Server
}

// NewServer wires sink's JSON endpoint and a Prometheus mirror behind one
// http.Server listening on addr. promHandler is typically
// promhttp.Handler() in production and promhttp.HandlerFor(reg, ...) in
// tests that use an isolated registry; pass nil to use the default
// handler against the global registry.
func NewServer(addr string, sink *Sink, prometheusPath string, promHandler http.Handler) *Server {
	if prometheusPath == "" {
		prometheusPath = "/metrics"
	}
	if promHandler == nil {
		promHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", sink.handlePull)
	mux.Handle(prometheusPath, promHandler)

	return &Server{
		sink:           sink,
		prometheusPath: prometheusPath,
		httpSrv:        &http.Server{Addr: addr, Handler: mux},
	}
}

// Start binds and serves until Stop is called or the server errors.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	go func() {
		_ = s.httpSrv.Serve(ln)
	}()
	return nil
}

// Stop gracefully shuts down the telemetry HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// handlePull implements the JSON pull endpoint: GET
// /telemetry?target=proxy|domain&key=<id>&metric=<name>&window=<go-duration>
func (s *Sink) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	target := TargetProxy
	if q.Get("target") == "domain" {
		target = TargetDomain
	}

	key := q.Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	metric, err := parseMetric(q.Get("metric"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	window := time.Hour
	if raw := q.Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid window: "+err.Error(), http.StatusBadRequest)
			return
		}
		window = d
	}

	points := s.Query(target, key, metric, window)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(points)
}

func parseMetric(name string) (Metric, error) {
	switch name {
	case "", "requests":
		return MetricRequests, nil
	case "responses":
		return MetricResponses, nil
	case "2xx":
		return Metric2xx, nil
	case "3xx":
		return Metric3xx, nil
	case "4xx":
		return Metric4xx, nil
	case "5xx":
		return Metric5xx, nil
	case "bytes_in":
		return MetricBytesIn, nil
	case "bytes_out":
		return MetricBytesOut, nil
	}
	return 0, errInvalidMetric(name)
}

type errInvalidMetric string

func (e errInvalidMetric) Error() string { return "unknown metric " + strconv.Quote(string(e)) }
