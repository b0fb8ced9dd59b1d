package config

import (
	"errors"
	"fmt"
)

// Validate checks the bootstrap config for the conditions that would make
// the core refuse to start (CLI exit code 1, spec.md §6).
func (c *Config) Validate() error {
	var errs []error

	switch c.Registry.Type {
	case "memory", "etcd", "consul", "kubernetes":
	default:
		errs = append(errs, fmt.Errorf("registry.type: unknown backend %q", c.Registry.Type))
	}

	if c.Registry.Type == "etcd" && len(c.Registry.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("registry.etcd.endpoints: must not be empty"))
	}
	if c.Registry.Type == "consul" && c.Registry.Consul.Address == "" {
		errs = append(errs, errors.New("registry.consul.address: must not be empty"))
	}
	if c.Registry.Type == "kubernetes" && c.Registry.Kubernetes.Namespace == "" {
		errs = append(errs, errors.New("registry.kubernetes.namespace: must not be empty"))
	}

	if c.Proxy.DrainCeiling <= 0 {
		errs = append(errs, errors.New("proxy.drain_ceiling: must be positive"))
	}
	if c.Proxy.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("proxy.connect_timeout: must be positive"))
	}
	if c.Proxy.MaxConnPerProxy < 0 {
		errs = append(errs, errors.New("proxy.max_conn_per_proxy: must not be negative"))
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}
