// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/tabula/pkg/billing"
	"github.com/kadirpekel/tabula/pkg/codeexec"
	"github.com/kadirpekel/tabula/pkg/config"
	"github.com/kadirpekel/tabula/pkg/engine"
	"github.com/kadirpekel/tabula/pkg/knowledge"
	"github.com/kadirpekel/tabula/pkg/loader"
	"github.com/kadirpekel/tabula/pkg/logger"
	"github.com/kadirpekel/tabula/pkg/model"
	"github.com/kadirpekel/tabula/pkg/observability"
	"github.com/kadirpekel/tabula/pkg/rag"
	"github.com/kadirpekel/tabula/pkg/server"
	"github.com/kadirpekel/tabula/pkg/table"
	"github.com/kadirpekel/tabula/pkg/tools"
	"github.com/kadirpekel/tabula/pkg/vector"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port    int    `help:"Override the configured listen port."`
	Project string `help:"Project id tagged onto retrieval results." default:"default"`
	Watch   bool   `help:"Watch the config source and log changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfgLoader, err := config.NewLoader(cli.Config)
	if err != nil {
		return err
	}
	defer cfgLoader.Close()
	cfg, err := cfgLoader.Load(ctx)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch {
		changes, err := cfgLoader.Watch(ctx)
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		go func() {
			for range changes {
				slog.Warn("configuration source changed; restart to apply")
			}
		}()
	}

	log := logger.GetLogger()

	metrics, err := observability.InitMetrics(ctx, cfg.Observability.MetricsEnabled)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Observability.TracingEnabled,
		EndpointURL:  cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.SampleRate,
		ServiceName:  cfg.Observability.ServiceName,
	}); err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	router, err := model.NewRouter(cfg.Models, model.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to build model router: %w", err)
	}
	defer router.Close()

	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	vec, err := vector.NewProvider(vector.Config{
		Type:   vector.ProviderType(cfg.Vector.Provider),
		Path:   cfg.Vector.Path,
		Host:   cfg.Vector.Host,
		Port:   cfg.Vector.Port,
		APIKey: cfg.Vector.APIKey,
		Index:  cfg.Vector.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to build vector provider: %w", err)
	}
	defer vec.Close()

	search, err := knowledge.NewService(cfg.Knowledge.FTSPath, vec, store, log)
	if err != nil {
		return fmt.Errorf("failed to build knowledge service: %w", err)
	}
	defer search.Close()

	assembler := rag.NewAssembler(router, search, store, c.Project, rag.WithLogger(log))

	runner, err := openRunner(cfg.CodeExec)
	if err != nil {
		return fmt.Errorf("failed to start code runner: %w", err)
	}
	defer runner.Close()

	toolRegistry := tools.NewRegistry()
	defer toolRegistry.Close()
	for _, tc := range cfg.Tools {
		src, err := tools.NewSource(tools.Config{
			Name:      tc.Name,
			Transport: tc.Transport,
			Command:   tc.Command,
			Args:      tc.Args,
			URL:       tc.URL,
		}, log)
		if err != nil {
			return err
		}
		if err := toolRegistry.Register(src); err != nil {
			return err
		}
	}

	var egress *billing.Accumulator
	if cfg.Billing.Enabled {
		egress = billing.NewAccumulator(&billing.LogCollector{Logger: log})
	}

	eng := engine.New(engine.Capabilities{
		Store:    store,
		Router:   router,
		Loader:   loader.New(),
		Runner:   runner,
		Grounder: assembler,
		Tools:    toolRegistry,
		Metrics:  metrics,
		Billing:  egress,
		Logger:   log,
	}, cfg.Engine, log)

	serverOpts := []server.Option{server.WithLogger(log), server.WithBilling(egress)}
	if cfg.Observability.MetricsEnabled {
		serverOpts = append(serverOpts, server.WithMetrics(metrics))
	}
	srv := server.New(cfg.Server, eng, store, serverOpts...)

	log.Info("tabula ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"vector", cfg.Vector.Provider,
		"models", len(cfg.Models))
	return srv.Start(ctx)
}

func openStore(cfg config.StoreConfig) (table.Store, error) {
	if cfg.Driver == "memory" {
		return table.NewMemStore(), nil
	}
	return table.NewSQLStore(cfg.Driver, cfg.DSN, cfg.MaxOpenConns)
}

func openRunner(cfg config.CodeExecConfig) (codeexec.Runner, error) {
	if !cfg.Enabled {
		return codeexec.NewDisabledRunner(), nil
	}
	return codeexec.NewPluginRunner(cfg.PluginPath)
}
