package kubernetes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestDecodeConfigMapParsesAllCollections(t *testing.T) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "gwrs-snapshot", ResourceVersion: "42"},
		Data: map[string]string{
			"proxies.json":       `[{"id":"px1","addr_listen":"0.0.0.0:8080"}]`,
			"tls_domains.json":   `[{"id":"d1","sni":"a.example.com","proxy_id":"px1"}]`,
			"gateway_nodes.json": `[{"id":"n1","proxy_id":"px1","alt_target":"10.0.0.1:9000"}]`,
			"gateway_rules.json": `[{"id":"r1","gwnode_id":"n1","pattern":"/healthz","target":"/x"}]`,
			"version":            "7",
		},
	}

	snap, err := decodeConfigMap(cm)
	require.NoError(t, err)
	assert.EqualValues(t, 7, snap.Version)
	require.Len(t, snap.Proxies, 1)
	assert.Equal(t, "px1", snap.Proxies[0].ID)
	require.Len(t, snap.TLSDomains, 1)
	require.Len(t, snap.GatewayNodes, 1)
	require.Len(t, snap.GatewayRules, 1)
}

func TestDecodeConfigMapFallsBackToResourceVersion(t *testing.T) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "gwrs-snapshot", ResourceVersion: "99"},
		Data:       map[string]string{},
	}

	snap, err := decodeConfigMap(cm)
	require.NoError(t, err)
	assert.EqualValues(t, 99, snap.Version)
}

func TestDecodeConfigMapRejectsMalformedJSON(t *testing.T) {
	cm := &corev1.ConfigMap{
		Data: map[string]string{"proxies.json": "{not json"},
	}
	_, err := decodeConfigMap(cm)
	require.Error(t, err)
}
