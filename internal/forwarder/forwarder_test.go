package forwarder

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zonblade/gwrs/internal/model"
	"github.com/zonblade/gwrs/internal/route"
	"github.com/zonblade/gwrs/internal/telemetry"
	"github.com/zonblade/gwrs/internal/tlscache"
)

// echoUpstream starts a plain HTTP server that replies 200 with the
// request path in the body, returning its address.
func echoUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				body := "path=" + req.URL.Path
				io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: "+itoa(len(body))+"\r\nConnection: close\r\n\r\n"+body)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func buildSnapshot(t *testing.T, proxy model.Proxy, node model.GatewayNode, rule model.GatewayRule) *route.Snapshot {
	t.Helper()
	raw := &model.RawSnapshot{
		Version:      1,
		Proxies:      []model.Proxy{proxy},
		GatewayNodes: []model.GatewayNode{node},
		GatewayRules: []model.GatewayRule{rule},
	}
	snap, buildErr := route.Build(raw, func(h string) (string, error) { return h, nil })
	require.Nil(t, buildErr)
	return snap
}

func TestHandleForwardsMatchedRequestOverPlainHTTP(t *testing.T) {
	upstream := echoUpstream(t)
	proxy := model.Proxy{ID: "px1", AddrListen: "0.0.0.0:0"}
	node := model.GatewayNode{ID: "n1", ProxyID: "px1", AltTarget: upstream}
	rule := model.GatewayRule{ID: "r1", GwNodeID: "n1", Pattern: "/api/*", Target: "/v2/$1"}

	snap := buildSnapshot(t, proxy, node, rule)
	tbl := route.NewTable()
	tbl.Publish(snap)

	cache, err := tlscache.New(8, t.TempDir())
	require.NoError(t, err)
	sink := telemetry.New(prometheus.NewRegistry())

	fwd := New(tbl, cache, sink, Config{ConnectTimeout: time.Second}, zap.NewNop())

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		fwd.Handle(context.Background(), serverConn, "px1")
		close(done)
	}()

	io.WriteString(clientConn, "GET /api/users HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "path=/v2/users")

	<-done
}

func TestHandleReturns404WhenNoRuleMatchesAndNoHighSpeedFallback(t *testing.T) {
	proxy := model.Proxy{ID: "px1", AddrListen: "0.0.0.0:0"}
	node := model.GatewayNode{ID: "n1", ProxyID: "px1", AltTarget: "127.0.0.1:1"}
	rule := model.GatewayRule{ID: "r1", GwNodeID: "n1", Pattern: "/only", Target: "/only"}

	snap := buildSnapshot(t, proxy, node, rule)
	tbl := route.NewTable()
	tbl.Publish(snap)

	cache, err := tlscache.New(8, t.TempDir())
	require.NoError(t, err)
	sink := telemetry.New(prometheus.NewRegistry())
	fwd := New(tbl, cache, sink, Config{ConnectTimeout: time.Second}, zap.NewNop())

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		fwd.Handle(context.Background(), serverConn, "px1")
		close(done)
	}()

	io.WriteString(clientConn, "GET /nomatch HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	<-done
}

// rawEchoUpstream starts a TCP listener that echoes back every byte it
// receives verbatim, with no HTTP framing, so a test can assert on exactly
// what bytes the forwarder sent it.
func rawEchoUpstream(t *testing.T) (addr string, received chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	received = make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), received
}

func TestHandleFallsBackToHighSpeedSpliceWithFullRequestReplayedOnNoRuleMatch(t *testing.T) {
	upstreamAddr, received := rawEchoUpstream(t)
	proxy := model.Proxy{ID: "px1", AddrListen: "0.0.0.0:0", HighSpeed: true, HighSpeedUpstream: upstreamAddr}
	node := model.GatewayNode{ID: "n1", ProxyID: "px1", AltTarget: "127.0.0.1:1"}
	rule := model.GatewayRule{ID: "r1", GwNodeID: "n1", Pattern: "/only", Target: "/only"}

	snap := buildSnapshot(t, proxy, node, rule)
	tbl := route.NewTable()
	tbl.Publish(snap)

	cache, err := tlscache.New(8, t.TempDir())
	require.NoError(t, err)
	sink := telemetry.New(prometheus.NewRegistry())
	fwd := New(tbl, cache, sink, Config{ConnectTimeout: time.Second}, zap.NewNop())

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		fwd.Handle(context.Background(), serverConn, "px1")
		close(done)
	}()

	io.WriteString(clientConn, "GET /nomatch HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")
	clientConn.Close()
	<-done

	data := <-received
	assert.Contains(t, string(data), "GET /nomatch HTTP/1.1", "the request line consumed by http.ReadRequest must be replayed to the high-speed upstream")
	assert.Contains(t, string(data), "Host: x", "headers consumed by http.ReadRequest must be replayed to the high-speed upstream")
}

func TestAcquireSlotEnforcesPerProxyCeiling(t *testing.T) {
	tbl := route.NewTable()
	cache, err := tlscache.New(8, t.TempDir())
	require.NoError(t, err)
	sink := telemetry.New(prometheus.NewRegistry())
	fwd := New(tbl, cache, sink, Config{MaxConnPerProxy: 1}, zap.NewNop())

	release1, ok1 := fwd.acquireSlot("px1")
	require.True(t, ok1)

	_, ok2 := fwd.acquireSlot("px1")
	assert.False(t, ok2, "second connection over the ceiling must be rejected")

	release1()
	_, ok3 := fwd.acquireSlot("px1")
	assert.True(t, ok3, "slot is reusable after release")
}

func TestAcquireSlotUnlimitedByDefault(t *testing.T) {
	tbl := route.NewTable()
	cache, err := tlscache.New(8, t.TempDir())
	require.NoError(t, err)
	sink := telemetry.New(prometheus.NewRegistry())
	fwd := New(tbl, cache, sink, Config{}, zap.NewNop())

	for i := 0; i < 10; i++ {
		_, ok := fwd.acquireSlot("px1")
		assert.True(t, ok)
	}
}
