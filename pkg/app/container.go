// Package app wires configuration into a running renflow process: logging,
// metrics, the event bus, the connector manager, the event journal and the
// gateway API.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/adapter/onebot"
	"github.com/renflow/runner/pkg/api"
	"github.com/renflow/runner/pkg/config"
	"github.com/renflow/runner/pkg/connector"
	"github.com/renflow/runner/pkg/connector/templates"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
	"github.com/renflow/runner/pkg/infrastructure/persistence"
	"github.com/renflow/runner/pkg/logger"
	"github.com/renflow/runner/pkg/metrics"
	"github.com/renflow/runner/pkg/queue"
)

// ---------------------------------------------------------------------------
// Application container: composition root
// ---------------------------------------------------------------------------

// Container holds the process-wide services built from a Config.
type Container struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Bus      *eventbus.Bus
	Manager  *connector.Manager

	// Journal is nil unless journal.enabled is set.
	Journal   *persistence.Journal
	Templates *templates.Registry
	// Server is nil unless gateway.enabled is set.
	Server *api.Server

	cancel context.CancelFunc
}

// New builds a container from cfg. Nothing is connected until Start.
func New(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger.Configure(os.Stderr, cfg.Log.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	reg, m := metrics.NewRegistry()
	bus := eventbus.New(
		eventbus.WithRecentSize(cfg.Bus.RecentSize),
		eventbus.WithDedupeTTL(cfg.Bus.DedupeTTL),
		eventbus.WithMetrics(m),
	)

	mgr := connector.NewManager(bus, connector.WithMetrics(m))
	mgr.RegisterBuiltins()

	c := &Container{
		Config:   cfg,
		Registry: reg,
		Metrics:  m,
		Bus:      bus,
		Manager:  mgr,
	}

	if cfg.Journal.Enabled {
		j, err := persistence.OpenJournal(cfg.Journal.Path)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.Attach(bus)
		c.Journal = j
	}

	c.Templates = loadTemplates(cfg.Templates.Dir)

	if cfg.Gateway.Enabled {
		opts := []api.Option{api.WithGatherer(reg), api.WithTemplates(c.Templates)}
		if c.Journal != nil {
			opts = append(opts, api.WithJournal(c.Journal))
		}
		c.Server = api.NewServer(cfg.Gateway, mgr, opts...)
	}
	return c, nil
}

// Start creates the configured adapters and queues, connects the adapters
// marked auto_connect and starts the gateway. A failed connect is logged and
// left to the adapter's own reconnect schedule.
func (c *Container) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for _, qc := range c.Config.Queues {
		opts := adapter.Options{"concurrency": qc.Concurrency}
		if qc.RetryDelay > 0 {
			opts["retryDelay"] = qc.RetryDelay
		}
		q, err := c.Manager.CreateQueueAdapter(qc.Kind, opts, qc.ID)
		if err != nil {
			return fmt.Errorf("queue %s: %w", qc.ID, err)
		}
		q.StartWorker(queue.BusRelay(c.Bus, q.ID()), qc.Concurrency)
	}

	var auto []adapter.Adapter
	for _, ac := range c.Config.Adapters {
		a, err := c.Manager.CreateBotAdapter(ctx, ac.Kind, adapterOptions(c.Config, ac), ac.ID)
		if err != nil {
			return fmt.Errorf("adapter %s: %w", ac.ID, err)
		}
		if ac.AutoConnect {
			auto = append(auto, a)
		}
	}
	for _, a := range auto {
		if err := a.Connect(ctx); err != nil {
			logger.WarnCF("app", "Auto-connect failed", map[string]interface{}{
				"id":    a.ID(),
				"error": err.Error(),
			})
		}
	}

	if c.Server != nil {
		if err := c.Server.Start(runCtx); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
	}

	logger.InfoCF("app", "Runner started", map[string]interface{}{
		"adapters": len(c.Config.Adapters),
		"queues":   len(c.Config.Queues),
		"gateway":  c.Server != nil,
		"journal":  c.Journal != nil,
	})
	return nil
}

// Stop shuts everything down in reverse order and returns the joined errors.
func (c *Container) Stop(ctx context.Context) error {
	var errs []error
	if c.Server != nil {
		if err := c.Server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop gateway: %w", err))
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.Journal != nil {
		if err := c.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	c.Bus.Close()
	logger.InfoC("app", "Runner stopped")
	return errors.Join(errs...)
}

// loadTemplates reads dir when it exists. Broken files are logged and skipped.
func loadTemplates(dir string) *templates.Registry {
	reg := templates.NewRegistry()
	if dir == "" {
		return reg
	}
	if _, err := os.Stat(dir); err != nil {
		return reg
	}
	n, errs := reg.Load(dir)
	for _, err := range errs {
		logger.WarnCF("app", "Skipped adapter template", map[string]interface{}{"error": err.Error()})
	}
	logger.InfoCF("app", "Adapter templates loaded", map[string]interface{}{"dir": dir, "count": n})
	return reg
}

// adapterOptions copies ac.Options and fills the onebot endpoint and token
// from the global onebot section when the adapter leaves them unset.
func adapterOptions(cfg *config.Config, ac config.AdapterConfig) adapter.Options {
	opts := make(adapter.Options, len(ac.Options)+2)
	for k, v := range ac.Options {
		opts[k] = v
	}
	if ac.Kind != onebot.Kind && ac.Kind != onebot.Alias {
		return opts
	}
	if opts.GetString("url", "ws", "endpoint") == "" && cfg.OneBot.URL != "" {
		opts["url"] = cfg.OneBot.URL
	}
	if opts.GetString("token", "access_token", "accessToken") == "" && cfg.OneBot.AccessToken != "" {
		opts["access_token"] = cfg.OneBot.AccessToken
	}
	return opts
}
