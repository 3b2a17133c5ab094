// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcpgate/pkg/api"
	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/authz"
	"github.com/stacklok/mcpgate/pkg/gateway/aggregator"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/gateway/health"
	"github.com/stacklok/mcpgate/pkg/gateway/manager"
	"github.com/stacklok/mcpgate/pkg/gateway/middleware"
	"github.com/stacklok/mcpgate/pkg/gateway/registry"
	"github.com/stacklok/mcpgate/pkg/gateway/reload"
	"github.com/stacklok/mcpgate/pkg/gateway/server"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
	"github.com/stacklok/mcpgate/pkg/logger"
	"github.com/stacklok/mcpgate/pkg/telemetry"
)

// runServe wires the gateway together and serves until the context is
// cancelled or a listener fails.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	component := cfg.Name
	if component == "" {
		component = "mcpgate"
	}
	logger.Infow("configuration loaded",
		"path", configPath,
		"backends", len(cfg.Backends),
		"conflict_resolution", cfg.ConflictResolution.Strategy)

	// Audit recorder. All emitters tolerate a nil auditor, so the recorder
	// is only constructed when enabled.
	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		sink := audit.NewSink(cfg.Audit.File, cfg.Audit.MaxSizeMB, cfg.Audit.BackupCount)
		recorder = audit.NewRecorder(sink, cfg.Audit.QueueSize)
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Warnw("audit recorder close failed", "error", err)
			}
		}()
	}

	// Telemetry providers. Metrics are always exported via the management
	// API when enabled; traces need an OTLP endpoint.
	var metricsHandler http.Handler
	if cfg.Telemetry.Enabled {
		serviceName := cfg.Telemetry.ServiceName
		if serviceName == "" {
			serviceName = component
		}
		tp, err := telemetry.NewProvider(ctx, telemetry.Config{
			ServiceName:    serviceName,
			ServiceVersion: getVersion(),
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SamplingRate:   cfg.Telemetry.SamplingRate,
		})
		if err != nil {
			return fmt.Errorf("creating telemetry providers: %w", err)
		}
		metricsHandler = tp.PrometheusHandler()
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warnw("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// The routable-change hook closes over the registry and MCP server,
	// which do not exist yet when the manager is built.
	var reg *registry.Registry
	var mcpSrv *server.Server
	onRoutableChange := func() {
		if reg == nil {
			return
		}
		if err := reg.Rebuild(); err != nil {
			logger.Errorw("route map rebuild failed", "error", err)
			return
		}
		if mcpSrv != nil {
			mcpSrv.SyncPrompts()
		}
	}

	managerOpts := []manager.Option{manager.WithRoutableChangeHook(onRoutableChange)}
	if recorder != nil {
		managerOpts = append(managerOpts, manager.WithAuditor(recorder))
	}
	mgr := manager.New(cfg.Backends, cfg.Operational.MaxConcurrency, component, managerOpts...)

	agg, err := aggregator.New(cfg.Backends, cfg.ConflictResolution)
	if err != nil {
		return fmt.Errorf("building aggregator: %w", err)
	}
	reg = registry.New(agg, mgr, auditorOrNil(recorder), component)

	// Backend failures at startup leave the gateway serving the backends
	// that did come up; the health monitor keeps retrying the rest.
	if err := mgr.StartAll(ctx); err != nil {
		logger.Warnw("some backends failed to start", "error", err)
	}
	for _, status := range mgr.Snapshot() {
		logger.Infow("backend started",
			"backend", status.Name,
			"phase", status.Phase,
			"tools", status.ToolCount,
			"resources", status.ResourceCount,
			"prompts", status.PromptCount,
			"init_latency", status.LastLatency)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Operational.ShutdownDeadline.Duration())
		defer cancel()
		if err := mgr.StopAll(stopCtx); err != nil {
			logger.Warnw("backend shutdown incomplete", "error", err)
		}
	}()

	monitor := health.New(cfg.Health, mgr)
	monitor.Start()
	defer monitor.Stop()

	// Incoming auth and policy.
	provider, err := auth.NewProvider(ctx, auth.Config{
		Type:       cfg.IncomingAuth.Type,
		Token:      cfg.IncomingAuth.Token,
		JWKSURL:    cfg.IncomingAuth.JWKSURL,
		Issuer:     cfg.IncomingAuth.Issuer,
		Audience:   cfg.IncomingAuth.Audience,
		Algorithms: cfg.IncomingAuth.Algorithms,
	})
	if err != nil {
		return fmt.Errorf("building auth provider: %w", err)
	}
	engine, err := authz.NewEngine(cfg.Authorization)
	if err != nil {
		return fmt.Errorf("building authorization engine: %w", err)
	}

	handler, err := buildChain(cfg, component, reg, mgr, monitor, provider, engine, auditorOrNil(recorder))
	if err != nil {
		return err
	}

	// Session tracker with the registry as its frozen-snapshot source.
	tracker := session.NewTracker(cfg.Operational.SessionTTL.Duration(), reg)
	tracker.StartSweep()
	defer tracker.Stop()

	mcpSrv = server.New(server.Config{
		Name:    component,
		Version: getVersion(),
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
	}, handler, tracker, reg)

	// Reload coordinator, file watcher, and management API.
	coordinator := reload.New(cfg, mgr, agg, reg, monitor, auditorOrNil(recorder), component)
	if viper.GetBool("watch") {
		watcher := reload.NewWatcher(configPath, coordinator)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	var apiSrv *api.Server
	if cfg.Server.ManagementPort > 0 {
		apiSrv = api.New(api.Config{
			Host:       cfg.Server.Host,
			Port:       cfg.Server.ManagementPort,
			Name:       component,
			Version:    getVersion(),
			ConfigPath: configPath,
		}, mgr, reg, coordinator, eventsOrNil(recorder), metricsHandler)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- mcpSrv.Start() }()
	if apiSrv != nil {
		go func() { errCh <- apiSrv.Start() }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Errorw("listener failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Operational.ShutdownDeadline.Duration())
	defer cancel()
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("MCP server shutdown failed", "error", err)
	}
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("management API shutdown failed", "error", err)
		}
	}
	return serveErr
}

// buildChain composes the middleware chain around the routing terminal, in
// the order Recovery, Authentication, Authorization, Telemetry, Audit.
// Rejections by the auth layers stay outside the audit layer, so a denied
// request produces its auth_failure event and no mcp_operation pair.
// Disabled layers are omitted rather than inserted as no-ops.
func buildChain(
	cfg *config.Config,
	component string,
	resolver middleware.Resolver,
	sessions middleware.Sessions,
	health middleware.Health,
	provider auth.Provider,
	engine *authz.Engine,
	auditor middleware.Auditor,
) (middleware.Handler, error) {
	layers := []middleware.Middleware{
		middleware.Recovery(),
		middleware.Authentication(provider, auditor, component),
	}

	if engine.Enabled() {
		layers = append(layers, middleware.Authorization(engine, auditor, component))
	}
	if cfg.Telemetry.Enabled {
		tmw, err := middleware.Telemetry()
		if err != nil {
			return nil, fmt.Errorf("building telemetry middleware: %w", err)
		}
		layers = append(layers, tmw)
	}
	if cfg.Audit.Enabled && auditor != nil {
		layers = append(layers, middleware.Audit(auditor, component))
	}

	return middleware.Chain(middleware.Terminal(resolver, sessions, health), layers...), nil
}

// auditorOrNil avoids handing callees a non-nil interface holding a nil
// recorder.
func auditorOrNil(recorder *audit.Recorder) middleware.Auditor {
	if recorder == nil {
		return nil
	}
	return recorder
}

func eventsOrNil(recorder *audit.Recorder) api.Events {
	if recorder == nil {
		return nil
	}
	return recorder
}
