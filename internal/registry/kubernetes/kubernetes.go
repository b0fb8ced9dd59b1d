// Package kubernetes implements registry.Client backed by a single
// ConfigMap holding the serialized entity collections, watched via
// client-go the way an operator reconciler would watch its state object.
// This is the simplest possible Kubernetes-native source: no CRDs to
// install, just `kubectl apply` a ConfigMap with one JSON blob per key.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/zonblade/gwrs/internal/model"
)

// Config selects which ConfigMap to read and how to reach the cluster.
type Config struct {
	Namespace     string
	ConfigMapName string
	LabelSelector string
	InCluster     bool
	KubeConfig    string // path, used when InCluster is false
}

// Client is a registry.Client backed by one Kubernetes ConfigMap.
type Client struct {
	cs            *kubernetes.Clientset
	namespace     string
	name          string
	labelSelector string
}

// New builds a Kubernetes clientset from in-cluster config or a kubeconfig
// file, the way a controller's main() would.
func New(cfg Config) (*Client, error) {
	var restCfg *rest.Config
	var err error
	if cfg.InCluster {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes registry: building config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes registry: building clientset: %w", err)
	}

	name := cfg.ConfigMapName
	if name == "" {
		name = "gwrs-snapshot"
	}

	return &Client{cs: cs, namespace: cfg.Namespace, name: name, labelSelector: cfg.LabelSelector}, nil
}

// FetchSnapshot reads the ConfigMap and decodes each of its JSON fields. When
// labelSelector is configured, the ConfigMap must also carry those labels —
// a deliberately placed label mismatch makes a misrouted operator-managed
// ConfigMap invisible to this client instead of silently applying it.
func (c *Client) FetchSnapshot(ctx context.Context) (*model.RawSnapshot, error) {
	if c.labelSelector != "" {
		list, err := c.cs.CoreV1().ConfigMaps(c.namespace).List(ctx, metav1.ListOptions{
			FieldSelector: fields.OneTermEqualSelector("metadata.name", c.name).String(),
			LabelSelector: c.labelSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("kubernetes registry: list configmap: %w", err)
		}
		if len(list.Items) == 0 {
			return &model.RawSnapshot{}, nil
		}
		return decodeConfigMap(&list.Items[0])
	}

	cm, err := c.cs.CoreV1().ConfigMaps(c.namespace).Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return &model.RawSnapshot{}, nil
		}
		return nil, fmt.Errorf("kubernetes registry: get configmap: %w", err)
	}
	return decodeConfigMap(cm)
}

func decodeConfigMap(cm *corev1.ConfigMap) (*model.RawSnapshot, error) {
	snap := &model.RawSnapshot{}

	if v, ok := cm.Data["proxies.json"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &snap.Proxies); err != nil {
			return nil, fmt.Errorf("kubernetes registry: decode proxies.json: %w", err)
		}
	}
	if v, ok := cm.Data["tls_domains.json"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &snap.TLSDomains); err != nil {
			return nil, fmt.Errorf("kubernetes registry: decode tls_domains.json: %w", err)
		}
	}
	if v, ok := cm.Data["gateway_nodes.json"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &snap.GatewayNodes); err != nil {
			return nil, fmt.Errorf("kubernetes registry: decode gateway_nodes.json: %w", err)
		}
	}
	if v, ok := cm.Data["gateway_rules.json"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &snap.GatewayRules); err != nil {
			return nil, fmt.Errorf("kubernetes registry: decode gateway_rules.json: %w", err)
		}
	}

	if v, ok := cm.Data["version"]; ok && v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			snap.Version = n
		}
	} else {
		// Fall back to the ConfigMap's own resourceVersion parsed as a
		// best-effort ordering token when the operator doesn't set one
		// explicitly. Kubernetes resourceVersions are opaque strings in
		// general, but etcd-backed clusters emit numeric ones in practice.
		if n, err := strconv.ParseUint(cm.ResourceVersion, 10, 64); err == nil {
			snap.Version = n
		}
	}

	return snap, nil
}

// Watch follows the ConfigMap via a field-selected watch, pushing a freshly
// decoded RawSnapshot on every MODIFIED/ADDED event.
func (c *Client) Watch(ctx context.Context) (<-chan *model.RawSnapshot, error) {
	selector := fields.OneTermEqualSelector("metadata.name", c.name).String()
	w, err := c.cs.CoreV1().ConfigMaps(c.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: selector,
		LabelSelector: c.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("kubernetes registry: watch: %w", err)
	}

	ch := make(chan *model.RawSnapshot, 4)
	go func() {
		defer close(ch)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				if ev.Type != watch.Added && ev.Type != watch.Modified {
					continue
				}
				cm, ok := ev.Object.(*corev1.ConfigMap)
				if !ok {
					continue
				}
				snap, err := decodeConfigMap(cm)
				if err != nil {
					continue
				}
				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Close is a no-op: client-go's typed clientset holds no persistent
// connection outside of an active Watch, which owns its own teardown.
func (c *Client) Close() error { return nil }
