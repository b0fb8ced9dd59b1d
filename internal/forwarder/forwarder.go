// Package forwarder implements the Connection Forwarder (spec.md §4.6):
// per-connection TLS termination via SNI lookup, HTTP/1.x classification
// and rule-driven rewriting, upstream connect, bidirectional byte
// splicing, and the high-speed raw-TCP fallback for proxies with no
// matching rule. Grounded on the teacher's internal/proxy/tcp.Proxy
// (pipe/splice shape, BufferedConn+ParseClientHelloSNI for the raw peek)
// generalized from CIDR/SNI route matching + a load balancer to this
// spec's Pattern Matcher + single-upstream-per-node model.
package forwarder

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/zonblade/gwrs/internal/errors"
	"github.com/zonblade/gwrs/internal/route"
	"github.com/zonblade/gwrs/internal/telemetry"
	"github.com/zonblade/gwrs/internal/tlscache"
)

// Config holds the forwarder's operator-tunable knobs (spec.md §5's
// cancellation/timeouts and backpressure rules).
type Config struct {
	ConnectTimeout   time.Duration
	IdleKeepAlive    time.Duration
	DefaultTLSPolicy tlscache.Policy
	DebugRuleHeader  bool
	MaxConnPerProxy  int            // 0 = unlimited
	MaxConnOverrides map[string]int // proxy id -> ceiling, 0 = unlimited
}

// Forwarder is the per-connection entry point handed to listener.Manager
// as a listener.Handler.
type Forwarder struct {
	table *route.Table
	tls   *tlscache.Cache
	sink  *telemetry.Sink
	cfg   Config
	log   *zap.Logger

	mu     sync.Mutex
	slots  map[string]chan struct{} // proxy id -> semaphore, lazily built
}

// New builds a Forwarder reading routes from table, certificates from
// cache, and recording outcomes to sink.
func New(table *route.Table, cache *tlscache.Cache, sink *telemetry.Sink, cfg Config, log *zap.Logger) *Forwarder {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.IdleKeepAlive <= 0 {
		cfg.IdleKeepAlive = 60 * time.Second
	}
	return &Forwarder{
		table: table,
		tls:   cache,
		sink:  sink,
		cfg:   cfg,
		log:   log,
		slots: make(map[string]chan struct{}),
	}
}

// Handle is the listener.Handler entry point: it owns conn's full
// lifetime and always closes it before returning.
func (f *Forwarder) Handle(ctx context.Context, conn net.Conn, proxyID string) {
	defer conn.Close()

	release, ok := f.acquireSlot(proxyID)
	if !ok {
		// Backpressure: excess accepts close immediately with no TLS work
		// done (spec.md §5).
		return
	}
	defer release()

	// The Snapshot reference is fixed at accept time and held for the
	// connection's whole life (spec.md §4.6.3): a reload never yanks
	// routing out from under an in-flight connection.
	snap := f.table.Current()
	if snap == nil {
		return
	}
	px, ok := snap.ByID[proxyID]
	if !ok {
		return
	}

	br := bufio.NewReader(conn)

	tlsEnabled := false
	for _, d := range px.Domains {
		if d.TLSEnabled {
			tlsEnabled = true
			break
		}
	}

	var downstream net.Conn = conn
	var sni string
	if tlsEnabled {
		policy := f.policyFor(px)
		getCert := f.tls.GetCertificateFunc(proxyID, policy)
		tlsConn := tls.Server(readerConn{Conn: conn, r: br}, &tls.Config{
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				cert, err := getCert(hello)
				var gwErr *gwerrors.GatewayError
				if errors.As(err, &gwErr) && gwErr.Kind == gwerrors.ErrNoRouteMatched.Kind {
					// No certificate and no error makes crypto/tls answer an
					// SNI miss with an unrecognized_name alert.
					return nil, nil
				}
				return cert, err
			},
			MinVersion: tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			f.log.Debug("tls handshake failed", zap.String("proxy_id", proxyID), zap.Error(err))
			return
		}
		sni = strings.ToLower(tlsConn.ConnectionState().ServerName)
		downstream = tlsConn
		br = bufio.NewReader(downstream)
	} else if s, err := peekClientHelloSNI(br); err == nil {
		// Plain-TCP proxy that still carries a TLS payload (passthrough):
		// use the peeked SNI as the telemetry domain without terminating it.
		sni = strings.ToLower(s)
	}

	f.serveHTTP(ctx, downstream, br, px, sni)
}

// policyFor resolves the proxy's strict/lenient SNI-miss override, falling
// back to the forwarder's configured default.
func (f *Forwarder) policyFor(px *route.CompiledProxy) tlscache.Policy {
	switch px.TLSPolicy {
	case "strict":
		return tlscache.Strict
	case "lenient":
		return tlscache.Lenient
	default:
		return f.cfg.DefaultTLSPolicy
	}
}

// acquireSlot enforces the per-proxy connection ceiling. A zero ceiling
// means unlimited and short-circuits without allocating a semaphore.
func (f *Forwarder) acquireSlot(proxyID string) (release func(), ok bool) {
	limit := f.cfg.MaxConnPerProxy
	if override, has := f.cfg.MaxConnOverrides[proxyID]; has {
		limit = override
	}
	if limit <= 0 {
		return func() {}, true
	}

	f.mu.Lock()
	sem, exists := f.slots[proxyID]
	if !exists {
		sem = make(chan struct{}, limit)
		f.slots[proxyID] = sem
	}
	f.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

// serveHTTP implements spec.md §4.6 step 2: parse, match, rewrite, forward,
// repeat for keepalive. On the first request that fails to parse as
// HTTP/1.x, it falls back to a raw splice if the proxy carries a
// high_speed_upstream; otherwise it's a malformed-request 400.
func (f *Forwarder) serveHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, px *route.CompiledProxy, sni string) {
	for first := true; ; first = false {
		conn.SetReadDeadline(time.Now().Add(f.cfg.IdleKeepAlive))

		req, err := http.ReadRequest(br)
		if err != nil {
			if first && px.HighSpeedUpstream != "" {
				f.rawSplice(ctx, conn, br, px, sni, nil)
				return
			}
			if err != io.EOF {
				gwerrors.ErrMalformedRequest.WriteLine(asResponseWriter(conn))
			}
			return
		}

		rule, rewritten, matched := px.MatchRule(req.URL.Path)
		if !matched {
			if px.HighSpeedUpstream != "" {
				f.rawSplice(ctx, conn, br, px, sni, req)
				return
			}
			gwerrors.ErrNoRouteMatched.WriteLine(asResponseWriter(conn))
			f.sink.RecordRequest(px.ID, sni, http.StatusNotFound, 0, 0)
			return
		}

		node, hasNode := px.Nodes[rule.GwNodeID]
		if !hasNode {
			gwerrors.ErrNoRouteMatched.WriteLine(asResponseWriter(conn))
			f.sink.RecordRequest(px.ID, sni, http.StatusNotFound, 0, 0)
			return
		}

		status, bytesIn, bytesOut, keepAlive := f.forwardOne(ctx, conn, req, rewritten, node.Upstream, rule.ID)
		f.sink.RecordRequest(px.ID, sni, status, bytesIn, bytesOut)
		if !keepAlive {
			return
		}
	}
}

// forwardOne dials the upstream, writes the rewritten request, streams the
// response back, and reports whether the connection should stay open for
// another request.
func (f *Forwarder) forwardOne(ctx context.Context, downstream net.Conn, req *http.Request, rewrittenPath, upstreamAddr, ruleID string) (status int, bytesIn, bytesOut uint64, keepAlive bool) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	upstream, err := d.DialContext(dialCtx, "tcp", upstreamAddr)
	if err != nil {
		gwerrors.ErrUpstreamConnectFailed.WithCause(err).WriteLine(asResponseWriter(downstream))
		return http.StatusBadGateway, 0, 0, false
	}
	defer upstream.Close()

	if rewrittenPath != "" {
		req.URL.Path = rewrittenPath
		req.RequestURI = ""
	}

	cl := &countingW{Writer: upstream}
	if err := req.Write(cl); err != nil {
		return http.StatusBadGateway, 0, uint64(cl.n), false
	}
	bytesOut = uint64(cl.n)

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		gwerrors.ErrUpstreamConnectFailed.WithCause(err).WriteLine(asResponseWriter(downstream))
		return http.StatusBadGateway, bytesOut, 0, false
	}
	defer resp.Body.Close()

	if f.cfg.DebugRuleHeader {
		resp.Header.Set("X-GWRS-Rule", ruleID)
	}

	cw := countingConn{Conn: downstream}
	if err := resp.Write(&cw); err != nil {
		return resp.StatusCode, bytesOut, uint64(cw.n), false
	}

	keepAlive = !req.Close && !resp.Close && req.ProtoAtLeast(1, 1)
	return resp.StatusCode, bytesOut, uint64(cw.n), keepAlive
}

// rawSplice implements spec.md §4.6c: bypass HTTP parsing entirely and
// pipe raw bytes to the proxy's high_speed_upstream, counting bytes but
// not status codes (there is no HTTP framing to report one from). When the
// caller already parsed an http.Request off br before deciding to fall
// back (the no-rule-matched path), preamble carries it so its request line,
// headers and body — already consumed out of br by http.ReadRequest — are
// replayed to the upstream before the rest of the raw stream is spliced
// through; br alone no longer holds those bytes.
func (f *Forwarder) rawSplice(ctx context.Context, downstream net.Conn, br *bufio.Reader, px *route.CompiledProxy, sni string, preamble *http.Request) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	upstream, err := d.DialContext(dialCtx, "tcp", px.HighSpeedUpstream)
	if err != nil {
		f.log.Warn("high-speed upstream connect failed", zap.String("proxy_id", px.ID), zap.Error(err))
		return
	}
	defer upstream.Close()

	var preambleBytes int64
	if preamble != nil {
		cw := &countingW{Writer: upstream}
		if err := preamble.Write(cw); err != nil {
			f.log.Warn("high-speed preamble replay failed", zap.String("proxy_id", px.ID), zap.Error(err))
			return
		}
		preambleBytes = cw.n
	}

	errCh := make(chan struct{ n int64 }, 2)

	go func() {
		n, _ := io.Copy(upstream, br)
		if tcpConn, ok := upstream.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
		errCh <- struct{ n int64 }{n}
	}()
	go func() {
		n, _ := io.Copy(downstream, upstream)
		if tcpConn, ok := downstream.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
		errCh <- struct{ n int64 }{n}
	}()

	bytesOut := preambleBytes
	var bytesIn int64
	for i := 0; i < 2; i++ {
		select {
		case r := <-errCh:
			if i == 0 {
				bytesOut += r.n
			} else {
				bytesIn = r.n
			}
		case <-ctx.Done():
			f.sink.RecordRequest(px.ID, sni, 0, uint64(bytesOut), uint64(bytesIn))
			return
		}
	}
	f.sink.RecordRequest(px.ID, sni, 0, uint64(bytesOut), uint64(bytesIn))
}

// readerConn lets tls.Server consume a connection through a *bufio.Reader
// that may already hold peeked bytes, instead of re-reading from the raw
// socket and losing them.
type readerConn struct {
	net.Conn
	r *bufio.Reader
}

func (c readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// asResponseWriter lets errors.GatewayError.WriteLine (which wants an
// http.ResponseWriter) write directly to a raw net.Conn before any
// response framing has started.
func asResponseWriter(conn net.Conn) http.ResponseWriter {
	return &rawWriter{conn: conn, header: make(http.Header)}
}

type rawWriter struct {
	conn        net.Conn
	header      http.Header
	wroteHeader bool
}

func (w *rawWriter) Header() http.Header { return w.header }

func (w *rawWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(b)
}

func (w *rawWriter) WriteHeader(status int) {
	w.wroteHeader = true
	fmt.Fprintf(w.conn, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	w.header.Set("Connection", "close")
	w.header.Write(w.conn)
	fmt.Fprint(w.conn, "\r\n")
}

// countingConn wraps a net.Conn to count bytes written, for Telemetry.
type countingConn struct {
	net.Conn
	n int64
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.n += int64(n)
	return n, err
}

type countingW struct {
	io.Writer
	n int64
}

func (c *countingW) Write(p []byte) (int, error) {
	n, err := c.Writer.Write(p)
	c.n += int64(n)
	return n, err
}
