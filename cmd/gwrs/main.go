package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zonblade/gwrs/internal/config"
	"github.com/zonblade/gwrs/internal/forwarder"
	"github.com/zonblade/gwrs/internal/listener"
	"github.com/zonblade/gwrs/internal/logging"
	"github.com/zonblade/gwrs/internal/reconcile"
	"github.com/zonblade/gwrs/internal/registry"
	"github.com/zonblade/gwrs/internal/registry/consul"
	"github.com/zonblade/gwrs/internal/registry/etcd"
	"github.com/zonblade/gwrs/internal/registry/kubernetes"
	"github.com/zonblade/gwrs/internal/registry/memory"
	"github.com/zonblade/gwrs/internal/route"
	"github.com/zonblade/gwrs/internal/telemetry"
	"github.com/zonblade/gwrs/internal/tlscache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitRegistryDown  = 2
	exitFatal         = 3
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gwrs.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gwrs %s (built %s)\n", version, buildTime)
		os.Exit(exitOK)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(exitOK)
	}

	log, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(exitFatal)
	}
	defer closer.Close()
	logging.SetGlobal(log)

	log.Info("starting gwrs", zap.String("version", version), zap.String("config", *configPath))

	backend, err := newRegistryClient(cfg.Registry)
	if err != nil {
		log.Error("registry client init failed", zap.Error(err))
		os.Exit(exitRegistryDown)
	}
	defer backend.Close()
	client := registry.WithBindOverrides(backend, cfg.Proxy.BindOverrides)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := client.FetchSnapshot(ctx); err != nil {
		log.Error("initial registry fetch failed", zap.Error(err))
		os.Exit(exitRegistryDown)
	}

	table := route.NewTable()

	tlsCache, err := tlscache.New(1024, os.TempDir())
	if err != nil {
		log.Error("tls cache init failed", zap.Error(err))
		os.Exit(exitFatal)
	}

	reg := prometheus.NewRegistry()
	sink := telemetry.New(reg)
	telemetrySrv := telemetry.NewServer(cfg.Telemetry.Addr, sink, cfg.Telemetry.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := telemetrySrv.Start(); err != nil {
		log.Error("telemetry server failed to start", zap.Error(err))
		os.Exit(exitFatal)
	}
	defer telemetrySrv.Stop()

	fwd := forwarder.New(table, tlsCache, sink, forwarder.Config{
		ConnectTimeout:   cfg.Proxy.ConnectTimeout,
		IdleKeepAlive:    cfg.Proxy.IdleKeepAlive,
		DefaultTLSPolicy: tlsPolicy(cfg.Proxy.TLSLenient),
		DebugRuleHeader:  cfg.Proxy.DebugRuleHeader,
		MaxConnPerProxy:  cfg.Proxy.MaxConnPerProxy,
		MaxConnOverrides: cfg.Proxy.MaxConnOverrides,
	}, log)

	mgr := listener.NewManager(fwd.Handle, cfg.Proxy.DrainCeiling, log)

	ctrl := reconcile.New(client, table, tlsCache, mgr, nil, cfg.Registry.BackoffMax, log)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- ctrl.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconfiguration controller exited", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Proxy.DrainCeiling+5*time.Second)
	defer shutdownCancel()

	for _, err := range mgr.StopAll(shutdownCtx) {
		log.Warn("listener drain error on shutdown", zap.Error(err))
	}

	log.Info("gwrs shut down cleanly")
	os.Exit(exitOK)
}

func tlsPolicy(lenient bool) tlscache.Policy {
	if lenient {
		return tlscache.Lenient
	}
	return tlscache.Strict
}

func newRegistryClient(cfg config.RegistryConfig) (registry.Client, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "etcd":
		return etcd.New(etcd.Config{
			Endpoints: cfg.Etcd.Endpoints,
			Username:  cfg.Etcd.Username,
			Password:  cfg.Etcd.Password,
			Prefix:    cfg.Prefix,
		})
	case "consul":
		return consul.New(consul.Config{
			Address:    cfg.Consul.Address,
			Datacenter: cfg.Consul.Datacenter,
			Token:      cfg.Consul.Token,
			Prefix:     cfg.Prefix,
		})
	case "kubernetes":
		return kubernetes.New(kubernetes.Config{
			Namespace:     cfg.Kubernetes.Namespace,
			ConfigMapName: cfg.Kubernetes.ConfigMapName,
			LabelSelector: cfg.Kubernetes.LabelSelector,
			InCluster:     cfg.Kubernetes.InCluster,
			KubeConfig:    cfg.Kubernetes.KubeConfig,
		})
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}
