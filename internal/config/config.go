// Package config loads the core's bootstrap file: the registry endpoint to
// pull desired state from, plus the handful of ambient knobs spec.md's CLI
// surface names (bind overrides, TLS strict mode, drain ceiling, per-proxy
// connection ceilings). Everything else — proxies, domains, nodes, rules —
// lives in the registry, not here.
package config

import "time"

// Config is the top-level bootstrap configuration, loaded once at startup
// from the --config file and never hot-reloaded (only the registry snapshot
// reloads at runtime).
type Config struct {
	Registry  RegistryConfig  `yaml:"registry"`
	Proxy     ProxyDefaults   `yaml:"proxy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Debug     bool            `yaml:"debug"`
}

// RegistryConfig selects and configures the registry backend.
type RegistryConfig struct {
	// Type is one of "memory", "etcd", "consul", "kubernetes".
	Type       string           `yaml:"type"`
	Prefix     string           `yaml:"prefix"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Consul     ConsulConfig     `yaml:"consul"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	// PollInterval is parsed and defaulted but no backend reads it: every
	// backend watches through its native primitive instead of polling
	// (see SPEC_FULL.md's open-question decision).
	PollInterval time.Duration `yaml:"poll_interval"`
	// BackoffMax caps the exponential backoff on fetch errors.
	BackoffMax time.Duration `yaml:"backoff_max"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

type ConsulConfig struct {
	Address    string `yaml:"address"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

type KubernetesConfig struct {
	Namespace     string `yaml:"namespace"`
	ConfigMapName string `yaml:"config_map_name"`
	LabelSelector string `yaml:"label_selector"`
	InCluster     bool   `yaml:"in_cluster"`
	KubeConfig    string `yaml:"kubeconfig"`
}

// ProxyDefaults are ambient, process-wide knobs layered under the
// registry-sourced Proxy entities.
type ProxyDefaults struct {
	// BindOverrides remaps a proxy's addr_listen from the registry (keyed
	// by proxy id) — used to rebind a proxy to a different local address
	// without touching the shared registry record.
	BindOverrides map[string]string `yaml:"bind_overrides"`
	// TLSLenient opts the global default into fallback-to-first-certificate
	// on SNI miss instead of a TLS alert. Zero value (false) is strict,
	// matching spec.md §4.3's "strict by default". A Proxy's own TLSPolicy
	// field overrides this per-proxy.
	TLSLenient bool `yaml:"tls_lenient"`
	// DrainCeiling bounds how long a retired listener waits for its live
	// connections before force-closing. Default 30s per spec.md §4.5.
	DrainCeiling time.Duration `yaml:"drain_ceiling"`
	// ConnectTimeout bounds upstream connect attempts. Default 5s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// IdleKeepAlive bounds HTTP/1.1 keepalive idle time. Default 60s.
	IdleKeepAlive time.Duration `yaml:"idle_keepalive"`
	// MaxConnPerProxy is the default per-proxy connection ceiling; 0 means
	// unlimited. Per-proxy overrides keyed by proxy id.
	MaxConnPerProxy        int            `yaml:"max_conn_per_proxy"`
	MaxConnOverrides       map[string]int `yaml:"max_conn_overrides"`
	DebugRuleHeader        bool           `yaml:"debug_rule_header"`
}

// TelemetryConfig configures the pull endpoint. RetentionWindow is parsed
// and defaulted but not passed to the sink, whose retention is fixed at
// one hour.
type TelemetryConfig struct {
	Addr            string        `yaml:"addr"`
	RetentionWindow time.Duration `yaml:"retention_window"`
	PrometheusPath  string        `yaml:"prometheus_path"`
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Defaults fills zero-value fields with spec.md's stated defaults.
func (c *Config) Defaults() {
	if c.Registry.Type == "" {
		c.Registry.Type = "memory"
	}
	if c.Registry.Prefix == "" {
		c.Registry.Prefix = "/gwrs/"
	}
	if c.Registry.BackoffMax == 0 {
		c.Registry.BackoffMax = 30 * time.Second
	}
	if c.Registry.PollInterval == 0 {
		c.Registry.PollInterval = 5 * time.Second
	}
	if c.Proxy.DrainCeiling == 0 {
		c.Proxy.DrainCeiling = 30 * time.Second
	}
	if c.Proxy.ConnectTimeout == 0 {
		c.Proxy.ConnectTimeout = 5 * time.Second
	}
	if c.Proxy.IdleKeepAlive == 0 {
		c.Proxy.IdleKeepAlive = 60 * time.Second
	}
	if c.Telemetry.RetentionWindow == 0 {
		c.Telemetry.RetentionWindow = time.Hour
	}
	if c.Telemetry.PrometheusPath == "" {
		c.Telemetry.PrometheusPath = "/metrics"
	}
	if c.Telemetry.Addr == "" {
		c.Telemetry.Addr = "127.0.0.1:9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
