// Package daemon wires the sealed store, keystore, session manager, IPC
// server and metrics listener into one process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"seedkeeper/go-keystore/internal/adapters/rpc"
	"seedkeeper/go-keystore/internal/config"
	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/platform/endpoint"
	"seedkeeper/go-keystore/internal/platform/metrics"
	"seedkeeper/go-keystore/internal/securestore"
	"seedkeeper/go-keystore/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type Daemon struct {
	cfg      config.Daemon
	logger   *slog.Logger
	listen   endpoint.Endpoint
	store    *securestore.Store
	keys     *keystore.KeyStore
	manager  *session.Manager
	server   *rpc.Server
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

type Option func(*options)

type options struct {
	version string
	kdf     *securestore.KDFParams
}

func WithVersion(v string) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithKDFParams overrides the store's passphrase stretching cost.
func WithKDFParams(p securestore.KDFParams) Option {
	return func(o *options) {
		o.kdf = &p
	}
}

// Build opens the store and assembles the services. The store lock is held
// from here until Run returns or Close is called.
func Build(cfg config.Daemon, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	listen, err := endpoint.Parse(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("ipc listen: %w", err)
	}

	var storeOpts []securestore.StoreOption
	keyOpts := []keystore.Option{}
	if o.kdf != nil {
		storeOpts = append(storeOpts, securestore.WithKDFParams(*o.kdf))
		keyOpts = append(keyOpts, keystore.WithExportKDFParams(*o.kdf))
	}
	store, err := securestore.OpenStore(cfg.StorePath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	keys := keystore.New(keyOpts...)
	manager, err := session.NewManager(store, keys,
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithBackoff(cfg.Session.BackoffBase, cfg.Session.BackoffMax),
		session.WithLogger(logger),
		session.WithStateHook(func(s session.State) {
			m.SetUnlocked(s == session.StateUnlocked)
			// Locking wipes key material but keeps the entry table.
			m.SetSeeds(keys.Count())
		}),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ipcCfg := cfg.IPC
	ipcCfg.Version = o.version
	server, err := rpc.NewServer(manager, keys,
		rpc.WithConfig(ipcCfg),
		rpc.WithLogger(logger),
		rpc.WithMetrics(m),
	)
	if err != nil {
		manager.Close()
		_ = store.Close()
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		listen:   listen,
		store:    store,
		keys:     keys,
		manager:  manager,
		server:   server,
		metrics:  m,
		registry: metrics.NewRegistry(m),
	}, nil
}

// Run serves until ctx is done or a component fails, then locks the session
// and releases the store.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.ListenAndServe(gctx, d.listen)
	})
	g.Go(func() error {
		return d.manager.Run(gctx)
	})
	if d.cfg.MetricsListen != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, d.cfg.MetricsListen, d.registry, d.logger)
		})
	}
	d.logger.Info("keystore daemon started",
		"component", "daemon",
		"store", d.store.Path(),
		"listen", d.listen.String(),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("keystore daemon stopped", "component", "daemon")
	return err
}

// Addr is the IPC listener address once Run is serving.
func (d *Daemon) Addr() net.Addr {
	return d.server.Addr()
}

// Close locks the session and releases the store lock. Safe to call twice.
func (d *Daemon) Close() {
	_ = d.server.Close()
	d.manager.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close failed", "component", "daemon", "error", err)
	}
}
