// Package app wires the Juggler demo server runtime: config, logging,
// metrics registration, and the juggler.Listen HTTP/WebSocket surface.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"juggler"
)

// App is the demo server runtime: a *juggler.Server plus the ambient
// logging/metrics wiring around it.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *juggler.Metrics

	srv *juggler.Server
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = juggler.NewMetrics(a.registry)
	}

	opts := juggler.ListenOptions{
		Host: cfg.HTTPHost,
		Port: cfg.HTTPPort,

		WSPath:               cfg.WSPath,
		StaticDir:            cfg.StaticDir,
		IndexPath:            cfg.IndexPath,
		DisableIndexRedirect: cfg.DisableIndexRedirect,
		DisableCache:         cfg.DisableCache,
		HtpasswdFile:         cfg.HtpasswdFile,

		ShutdownTimeout:  cfg.ShutdownTimeout,
		ParallelRequests: cfg.ParallelRequests,

		SendQueueSize:  cfg.SendQueueSize,
		MaxSegmentSize: cfg.MaxSegmentSize,
		PingDelay:      cfg.PingDelay,
		PingTimeout:    cfg.PingTimeout,

		AdditionalRoutes: additionalRoutes(log, cfg, a.registry),

		Logger:  log,
		Metrics: a.metrics,
	}

	if cfg.AutoflushDelay > 0 {
		delay := cfg.AutoflushDelay
		opts.AutoflushDelay = &delay
	}

	if cfg.TLSCertFile != "" {
		tlsCfg, err := juggler.LoadDevTLSConfig(cfg.TLSCertFile)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}

	srv, err := juggler.Listen(context.Background(), a.onConnect, a.onRequest, opts)
	if err != nil {
		return nil, err
	}
	a.srv = srv

	return a, nil
}

// onConnect is the demo connection callback.
func (a *App) onConnect(conn *juggler.Connection) {
	a.log.Info("juggler.connect")
}

// onRequest is the demo request handler: "echo" returns data
// unchanged, "time" ignores data and returns the server clock, anything
// else fails with an unknown-request error.
func (a *App) onRequest(conn *juggler.Connection, name string, data json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "echo":
		return data, nil
	case "time":
		return json.Marshal(time.Now().UTC().Format(time.RFC3339))
	default:
		return nil, fmt.Errorf("unknown request: %q", name)
	}
}

// Run blocks until ctx is canceled, then closes the server.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("juggler.start", "addr", a.srv.Addr().String())
	<-ctx.Done()
	a.log.Info("juggler.stop", "reason", "context_done")
	a.srv.Close()
	a.log.Info("juggler.stopped")
	return nil
}
