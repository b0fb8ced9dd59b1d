package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonblade/gwrs/internal/model"
)

func literalResolve(hostPort string) (string, error) { return hostPort, nil }

func sampleRaw() *model.RawSnapshot {
	return &model.RawSnapshot{
		Version: 1,
		Proxies: []model.Proxy{
			{ID: "px1", AddrListen: "0.0.0.0:8080"},
		},
		TLSDomains: []model.TLSDomain{
			{ID: "dom1", SNI: "api.example.com", ProxyID: "px1", TLSEnabled: false},
		},
		GatewayNodes: []model.GatewayNode{
			{ID: "node1", ProxyID: "px1", AltTarget: "10.0.0.1:9000", DomainID: "dom1"},
		},
		GatewayRules: []model.GatewayRule{
			{ID: "rule1", GwNodeID: "node1", Pattern: "/api/*", Target: "/v2/$1", Priority: 10},
			{ID: "rule0", GwNodeID: "node1", Pattern: "/healthz", Target: "/internal/health", Priority: 0},
		},
	}
}

func TestBuildHappyPath(t *testing.T) {
	snap, buildErr := Build(sampleRaw(), literalResolve)
	require.Nil(t, buildErr)
	require.NotNil(t, snap)
	assert.EqualValues(t, 1, snap.Version)

	px, ok := snap.ByAddr["0.0.0.0:8080"]
	require.True(t, ok)
	require.Len(t, px.Rules, 2)
	// priority 0 sorts before priority 10.
	assert.Equal(t, "rule0", px.Rules[0].ID)
	assert.Equal(t, "rule1", px.Rules[1].ID)

	node, ok := px.Nodes["node1"]
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9000", node.Upstream)
}

func TestBuildRejectsDanglingNodeReference(t *testing.T) {
	raw := sampleRaw()
	raw.GatewayNodes[0].ProxyID = "missing-proxy"

	_, buildErr := Build(raw, literalResolve)
	require.NotNil(t, buildErr)
	assert.Equal(t, DanglingReference, buildErr.Kind)
}

func TestBuildRejectsDanglingRuleReference(t *testing.T) {
	raw := sampleRaw()
	raw.GatewayRules[0].GwNodeID = "missing-node"

	_, buildErr := Build(raw, literalResolve)
	require.NotNil(t, buildErr)
	assert.Equal(t, DanglingReference, buildErr.Kind)
}

func TestBuildRejectsDuplicateListenAddr(t *testing.T) {
	raw := sampleRaw()
	raw.Proxies = append(raw.Proxies, model.Proxy{ID: "px2", AddrListen: "0.0.0.0:8080"})

	_, buildErr := Build(raw, literalResolve)
	require.NotNil(t, buildErr)
	assert.Equal(t, DuplicateListenAddr, buildErr.Kind)
}

func TestBuildRejectsBadCertificate(t *testing.T) {
	raw := sampleRaw()
	raw.TLSDomains[0].TLSEnabled = true
	raw.TLSDomains[0].AutoTLS = false
	raw.TLSDomains[0].CertPEM = "-----BEGIN CERTIFICATE-----\nZm9v\n-----END CERTIFICATE-----"
	raw.TLSDomains[0].CertKey = "not pem at all"

	_, buildErr := Build(raw, literalResolve)
	require.NotNil(t, buildErr)
	assert.Equal(t, BadCertificate, buildErr.Kind)
}

func TestBuildRejectsBadPattern(t *testing.T) {
	raw := sampleRaw()
	raw.GatewayRules[0].Target = "/v2/$1/$2"

	_, buildErr := Build(raw, literalResolve)
	require.NotNil(t, buildErr)
	assert.Equal(t, BadPattern, buildErr.Kind)
}

func TestBuildRejectsUnresolvableUpstream(t *testing.T) {
	raw := sampleRaw()
	failResolve := func(hostPort string) (string, error) {
		return "", assert.AnError
	}

	_, buildErr := Build(raw, failResolve)
	require.NotNil(t, buildErr)
	assert.Equal(t, UnresolvableUpstream, buildErr.Kind)
}

func TestCompiledProxyMatchRuleOrdersByPriority(t *testing.T) {
	snap, buildErr := Build(sampleRaw(), literalResolve)
	require.Nil(t, buildErr)
	px := snap.ByAddr["0.0.0.0:8080"]

	rule, rewritten, ok := px.MatchRule("/healthz")
	require.True(t, ok)
	assert.Equal(t, "rule0", rule.ID)
	assert.Equal(t, "/internal/health", rewritten)

	rule, rewritten, ok = px.MatchRule("/api/users")
	require.True(t, ok)
	assert.Equal(t, "rule1", rule.ID)
	assert.Equal(t, "/v2/users", rewritten)

	_, _, ok = px.MatchRule("/unmatched")
	assert.False(t, ok)
}

func TestTablePublishRejectsOlderVersion(t *testing.T) {
	tbl := NewTable()
	assert.Nil(t, tbl.Current())

	s1 := &Snapshot{Version: 2}
	require.True(t, tbl.Publish(s1))
	assert.Same(t, s1, tbl.Current())

	older := &Snapshot{Version: 1}
	assert.False(t, tbl.Publish(older))
	assert.Same(t, s1, tbl.Current(), "stale publish must not replace the current snapshot")

	newer := &Snapshot{Version: 3}
	require.True(t, tbl.Publish(newer))
	assert.Same(t, newer, tbl.Current())
}
