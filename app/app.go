// Package app wires the orchestrator and its collaborators from Settings.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	httpplugin "github.com/BDNK1/flowgate/plugins/http"
	sqlplugin "github.com/BDNK1/flowgate/plugins/sql"
	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/audit"
	"github.com/BDNK1/flowgate/runtime/cache"
	"github.com/BDNK1/flowgate/runtime/filesource"
	"github.com/BDNK1/flowgate/runtime/flowstore"
	"github.com/BDNK1/flowgate/runtime/metrics"
	"github.com/BDNK1/flowgate/runtime/orchestrator"
	"github.com/BDNK1/flowgate/runtime/postprocess"
	"github.com/BDNK1/flowgate/runtime/template"
)

type App struct {
	Settings     *runtime.Settings
	Orchestrator *orchestrator.Orchestrator
	Flows        *flowstore.Store
	Registry     *prometheus.Registry

	flowFiles     *filesource.Dir
	templateFiles *filesource.Dir
	databases     *sqlplugin.Registry
	cache         *cache.Cache
	l             *slog.Logger
}

// New builds every component. Database connections open lazily on first use;
// an unreachable Redis degrades to the in-process cache.
func New(ctx context.Context, s *runtime.Settings, l *slog.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	flowFiles := filesource.NewDir(s.FlowsPath, l)
	templateFiles := filesource.NewDir(s.TemplatesPath, l)
	flows := flowstore.New(flowFiles, s.CacheTTL(), l)

	databases := sqlplugin.NewRegistry(s.Databases, l)
	sqlExec := sqlplugin.NewExecutor(databases, l)
	httpExec := httpplugin.NewExecutor(s.HTTP, sqlExec, l)

	c, err := cache.New(ctx, cacheOptions(s.Redis, m), l)
	if err != nil {
		return nil, err
	}

	selector := template.NewSelector(l)
	renderer := template.NewRenderer(templateFiles, s.CacheTTL(), l)

	orch := orchestrator.New(orchestrator.Options{
		Flows:          flows,
		SQL:            sqlExec,
		HTTP:           httpExec,
		Cache:          c,
		Selector:       selector,
		Renderer:       renderer,
		PostProcessing: postprocess.New(httpExec, selector, renderer, m, l),
		Metrics:        m,
		Audit:          audit.New(l),
	}, l)

	l.InfoContext(ctx, "Orchestrator initialized",
		"flows_path", s.FlowsPath,
		"templates_path", s.TemplatesPath,
		"databases", databases.Names(),
		"distributed_cache", c.Distributed())

	return &App{
		Settings:      s,
		Orchestrator:  orch,
		Flows:         flows,
		Registry:      reg,
		flowFiles:     flowFiles,
		templateFiles: templateFiles,
		databases:     databases,
		cache:         c,
		l:             l,
	}, nil
}

func cacheOptions(s runtime.RedisSettings, observer cache.Observer) cache.Options {
	opts := cache.Options{
		LocalMaxCost: s.LocalMaxMB << 20,
		Observer:     observer,
	}
	if s.Enabled {
		opts.Redis = &redis.Options{
			Addr:        s.Addr,
			Password:    s.Password,
			DB:          s.DB,
			DialTimeout: s.DialTimeout,
		}
	}
	return opts
}

// Watch invalidates cached flows and templates when their files change. It
// blocks until ctx is done.
func (a *App) Watch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.flowFiles.Watch(ctx) })
	g.Go(func() error { return a.templateFiles.Watch(ctx) })
	return g.Wait()
}

func (a *App) Close() error {
	return errors.Join(a.databases.Close(), a.cache.Close())
}
