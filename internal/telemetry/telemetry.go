// Package telemetry implements the Telemetry Sink (spec.md §4.8): counters
// bucketed per one-second slot, retained for one hour, keyed by proxy and
// by domain, with status-code class breakdowns and byte counts. Grounded
// on the teacher's internal/metrics.Collector shape (string-keyed counter
// maps, a point-in-time Snapshot, a hand-rolled Prometheus text writer),
// generalized from route|method|status keys to per-second ring buffers and
// extended with a real prometheus/client_golang mirror alongside the
// hand-rolled JSON pull endpoint spec.md §6 asks for.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const retentionSeconds = 3600

// bucket holds one second's worth of counters.
type bucket struct {
	sec       int64
	requests  uint64
	responses uint64
	status2xx uint64
	status3xx uint64
	status4xx uint64
	status5xx uint64
	bytesIn   uint64
	bytesOut  uint64
}

// series is a ring of 3600 buckets for one key (a proxy id or a domain
// sni). Overwrites the oldest slot on wrap, per spec.md §4.8.
type series struct {
	mu      sync.Mutex
	buckets [retentionSeconds]bucket
}

func (s *series) record(now int64, status int, bytesIn, bytesOut uint64) {
	idx := now % retentionSeconds
	s.mu.Lock()
	b := &s.buckets[idx]
	if b.sec != now {
		*b = bucket{sec: now}
	}
	b.requests++
	b.responses++
	switch {
	case status >= 200 && status < 300:
		b.status2xx++
	case status >= 300 && status < 400:
		b.status3xx++
	case status >= 400 && status < 500:
		b.status4xx++
	case status >= 500:
		b.status5xx++
	}
	b.bytesIn += bytesIn
	b.bytesOut += bytesOut
	s.mu.Unlock()
}

func (s *series) snapshotSince(now int64, window time.Duration) []bucket {
	seconds := int64(window / time.Second)
	if seconds <= 0 || seconds > retentionSeconds {
		seconds = retentionSeconds
	}
	out := make([]bucket, 0, seconds)
	s.mu.Lock()
	for i := int64(0); i < seconds; i++ {
		sec := now - i
		b := s.buckets[((sec%retentionSeconds)+retentionSeconds)%retentionSeconds]
		if b.sec == sec {
			out = append(out, b)
		}
	}
	s.mu.Unlock()
	return out
}

// Point is one entry of a pulled time series (spec.md §6: "{date_time,
// value, high, low}").
type Point struct {
	DateTime time.Time `json:"date_time"`
	Value    uint64    `json:"value"`
	High     uint64    `json:"high"`
	Low      uint64    `json:"low"`
}

// Metric selects which counter a Query reads.
type Metric int

const (
	MetricRequests Metric = iota
	MetricResponses
	Metric2xx
	Metric3xx
	Metric4xx
	Metric5xx
	MetricBytesIn
	MetricBytesOut
)

// Sink is the process-wide telemetry sink. NowFunc defaults to time.Now
// and exists so tests can drive the clock deterministically.
type Sink struct {
	mu       sync.RWMutex
	byProxy  map[string]*series
	byDomain map[string]*series
	NowFunc  func() time.Time

	promRequests *prometheus.CounterVec
	promStatus   *prometheus.CounterVec
	promBytes    *prometheus.CounterVec
}

// New builds a Sink and registers its Prometheus collectors against reg
// (pass prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Sink {
	s := &Sink{
		byProxy:  make(map[string]*series),
		byDomain: make(map[string]*series),
		NowFunc:  time.Now,
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gwrs_requests_total",
			Help: "Total forwarded requests.",
		}, []string{"proxy", "domain"}),
		promStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gwrs_responses_total",
			Help: "Total responses by status class.",
		}, []string{"proxy", "domain", "class"}),
		promBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gwrs_bytes_total",
			Help: "Total bytes forwarded.",
		}, []string{"proxy", "domain", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(s.promRequests, s.promStatus, s.promBytes)
	}
	return s
}

// RecordRequest records one completed request/response cycle for the given
// proxy and domain (domain may be empty for cleartext/high-speed
// connections with no SNI).
func (s *Sink) RecordRequest(proxyID, domain string, status int, bytesIn, bytesOut uint64) {
	now := s.NowFunc().Unix()

	s.mu.Lock()
	ps, ok := s.byProxy[proxyID]
	if !ok {
		ps = &series{}
		s.byProxy[proxyID] = ps
	}
	var ds *series
	if domain != "" {
		ds, ok = s.byDomain[domain]
		if !ok {
			ds = &series{}
			s.byDomain[domain] = ds
		}
	}
	s.mu.Unlock()

	ps.record(now, status, bytesIn, bytesOut)
	if ds != nil {
		ds.record(now, status, bytesIn, bytesOut)
	}

	s.promRequests.WithLabelValues(proxyID, domain).Inc()
	s.promStatus.WithLabelValues(proxyID, domain, statusClass(status)).Inc()
	s.promBytes.WithLabelValues(proxyID, domain, "in").Add(float64(bytesIn))
	s.promBytes.WithLabelValues(proxyID, domain, "out").Add(float64(bytesOut))
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}

// Target selects whether Query reads the by-proxy or by-domain index.
type Target int

const (
	TargetProxy Target = iota
	TargetDomain
)

// Query returns the raw per-second buckets for key over window, reshaped
// as metric Points. Each second is its own point (high == low == value)
// since the sink already stores per-second granularity; callers that want
// coarser buckets aggregate client-side or request a shorter window.
func (s *Sink) Query(target Target, key string, metric Metric, window time.Duration) []Point {
	s.mu.RLock()
	var sr *series
	var ok bool
	if target == TargetProxy {
		sr, ok = s.byProxy[key]
	} else {
		sr, ok = s.byDomain[key]
	}
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	now := s.NowFunc().Unix()
	raw := sr.snapshotSince(now, window)

	points := make([]Point, 0, len(raw))
	for _, b := range raw {
		v := metricValue(b, metric)
		points = append(points, Point{
			DateTime: time.Unix(b.sec, 0).UTC(),
			Value:    v,
			High:     v,
			Low:      v,
		})
	}
	return points
}

func metricValue(b bucket, metric Metric) uint64 {
	switch metric {
	case MetricRequests:
		return b.requests
	case MetricResponses:
		return b.responses
	case Metric2xx:
		return b.status2xx
	case Metric3xx:
		return b.status3xx
	case Metric4xx:
		return b.status4xx
	case Metric5xx:
		return b.status5xx
	case MetricBytesIn:
		return b.bytesIn
	case MetricBytesOut:
		return b.bytesOut
	}
	return 0
}
