package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/easzlab/ipfloater/pkg/api"
	"github.com/easzlab/ipfloater/pkg/arp"
	"github.com/easzlab/ipfloater/pkg/config"
	"github.com/easzlab/ipfloater/pkg/endpoint"
	"github.com/easzlab/ipfloater/pkg/healthcheck"
	"github.com/easzlab/ipfloater/pkg/nat"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// shutdownTimeout bounds how long in-flight API requests may take on exit.
const shutdownTimeout = 5 * time.Second

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr *config.Manager
	orch      *nat.Orchestrator
	store     endpoint.Store
	endpoints *endpoint.Manager
	resolver  arp.Resolver
	healthMgr *healthcheck.Manager
	api       *api.Server
	logger    *zap.Logger

	// started is the global section the server was built with; changes to
	// its restart-only keys are reported on reload.
	started config.GlobalConfig
	// level, when set, follows global.log_level across reloads.
	level *zap.AtomicLevel

	// ctx scopes the health probes; cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer loads the configuration, opens the configured NAT backend and
// returns a ready-to-run Server.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	global := configMgr.GetConfig().Global
	backend, err := nat.NewBackend(global.Backend, global.Namespace, logger.Named("nat"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", global.Backend, err)
	}

	return newServerWithBackend(configMgr, backend, arp.NewNeighResolver(
		configMgr.GetConfig().ARP.GetCacheSize(),
		configMgr.GetConfig().ARP.GetCacheTTL(),
		logger.Named("arp"),
	), logger)
}

// newServerWithBackend initializes a Server on a pre-created NAT backend.
// This allows tests to inject the in-memory backend and a fake resolver.
func newServerWithBackend(configMgr *config.Manager, backend nat.Backend, resolver arp.Resolver, logger *zap.Logger) (*Server, error) {
	cfg := configMgr.GetConfig()

	table, err := nat.NewTable(backend, logger.Named("nat"))
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to read nat table: %w", err)
	}
	orch := nat.NewOrchestrator(table,
		nat.Naming{Namespace: cfg.Global.Namespace},
		nat.DefaultRuleBuilder{Protocols: cfg.Global.Protocols},
		logger.Named("orchestrator"),
	)

	pool, err := endpoint.NewPool(cfg.Pool.IPs(), cfg.Pool.PortMin, cfg.Pool.PortMax)
	if err != nil {
		orch.Close()
		return nil, fmt.Errorf("failed to build public pool: %w", err)
	}

	var store endpoint.Store = endpoint.NopStore{}
	if cfg.Global.StateFile != "" {
		store = endpoint.NewFileStore(cfg.Global.StateFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		configMgr: configMgr,
		orch:      orch,
		store:     store,
		endpoints: endpoint.NewManager(orch, pool, store, logger.Named("endpoint")),
		resolver:  resolver,
		logger:    logger,
		started:   cfg.Global,
		ctx:       ctx,
		cancel:    cancel,
	}

	server.healthMgr = healthcheck.NewManager(healthSettings(cfg.HealthCheck),
		server.onHealthChange, logger.Named("healthcheck"))

	// Keep the probed destinations in step with the applied endpoints.
	server.endpoints.SetOnChange(func(applied []*endpoint.Endpoint) {
		server.healthMgr.UpdateTargets(server.ctx, probeTargets(applied))
	})

	handler := api.NewHandler(server.endpoints, resolver, server.healthMgr, logger.Named("api"))
	server.api = api.NewServer(cfg.Global.Listen, handler.Routes(), logger.Named("api"))

	return server, nil
}

// Run starts the server in daemon mode: prepares the NAT table, restores or
// discards previous endpoints, starts the API and config watching, then
// enters the main event loop until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.start(); err != nil {
		s.shutdown()
		return err
	}

	// Start config file watching
	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	// Main event loop
	s.logger.Info("server started, entering main loop")
	for {
		select {
		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, applying")
			s.reload()

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			s.shutdown()
			return nil
		}
	}
}

// start brings the NAT table and the endpoint registry to a consistent state
// and starts serving the API.
func (s *Server) start() error {
	cfg := s.configMgr.GetConfig()

	if cfg.Global.RestoreOnStart {
		if err := s.orch.SetupBasicRules(); err != nil {
			return fmt.Errorf("failed to set up nat topology: %w", err)
		}
		if err := s.endpoints.Restore(); err != nil {
			s.logger.Error("some endpoints could not be restored", zap.Error(err))
		}
	} else {
		if err := s.discard(nil); err != nil {
			s.logger.Error("failed to remove previous endpoints", zap.Error(err))
		}
		if err := s.orch.SetupBasicRules(); err != nil {
			return fmt.Errorf("failed to set up nat topology: %w", err)
		}
	}

	s.healthMgr.UpdateTargets(s.ctx, probeTargets(s.endpoints.Applied()))

	if err := s.api.Start(); err != nil {
		return err
	}
	return nil
}

// RunCleanup removes every endpoint recorded in the state file together with
// the base topology, then forgets them. It is used by the cleanup command.
func (s *Server) RunCleanup() error {
	err := s.discard(nil)
	if closeErr := s.orch.Close(); closeErr != nil {
		s.logger.Warn("failed to close nat backend", zap.Error(closeErr))
	}
	s.cancel()
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// discard removes the chains of the endpoints in the store and of active, then
// the base topology, and clears the store keeping the id counter.
func (s *Server) discard(active []string) error {
	snap, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	ids := snap.IDs()
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	for _, id := range active {
		if !known[id] {
			ids = append(ids, id)
		}
	}
	if err := s.orch.CleanupAll(ids); err != nil {
		return err
	}
	if err := s.store.Save(&endpoint.Snapshot{NextID: snap.NextID}); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

// reload applies the parts of a new configuration that can change at
// runtime: the public pool and the health check settings.
func (s *Server) reload() {
	cfg := s.configMgr.GetConfig()

	if err := s.endpoints.UpdatePool(cfg.Pool.IPs(), cfg.Pool.PortMin, cfg.Pool.PortMax); err != nil {
		s.logger.Error("failed to update public pool", zap.Error(err))
	}
	s.healthMgr.Reconfigure(s.ctx, healthSettings(cfg.HealthCheck), probeTargets(s.endpoints.Applied()))
	s.applyLogLevel(cfg.Global.LogLevel)

	for _, key := range restartOnlyChanges(s.started, cfg.Global) {
		s.logger.Warn("config change takes effect after restart", zap.String("key", key))
	}
}

// SetLogLevel hands the server the level of its logger, so global.log_level
// applies now and on every reload.
func (s *Server) SetLogLevel(level zap.AtomicLevel) {
	s.level = &level
	s.applyLogLevel(s.configMgr.GetConfig().Global.LogLevel)
}

// applyLogLevel switches to the named level; validation already rejected
// unknown names.
func (s *Server) applyLogLevel(name string) {
	if s.level == nil || name == "" {
		return
	}
	parsed, err := zapcore.ParseLevel(name)
	if err != nil || parsed == s.level.Level() {
		return
	}
	s.level.SetLevel(parsed)
	s.logger.Info("log level changed", zap.String("level", parsed.String()))
}

// restartOnlyChanges lists the global keys that differ between old and
// updated and are only read at startup.
func restartOnlyChanges(old, updated config.GlobalConfig) []string {
	var keys []string
	if old.Namespace != updated.Namespace {
		keys = append(keys, "global.namespace")
	}
	if old.Backend != updated.Backend {
		keys = append(keys, "global.backend")
	}
	if old.Listen != updated.Listen {
		keys = append(keys, "global.listen")
	}
	if old.StateFile != updated.StateFile {
		keys = append(keys, "global.state_file")
	}
	if !slices.Equal(old.Protocols, updated.Protocols) {
		keys = append(keys, "global.protocols")
	}
	return keys
}

// onHealthChange is called by the health check manager when a private
// destination changes health.
func (s *Server) onHealthChange(address string, healthy bool) {
	affected := 0
	for _, ep := range s.endpoints.Applied() {
		if ep.PrivateAddress() == address {
			affected++
		}
	}
	s.logger.Info("private destination health changed",
		zap.String("address", address),
		zap.Bool("healthy", healthy),
		zap.Int("endpoints", affected),
	)
}

// shutdown gracefully stops all modules.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.api.Shutdown(ctx); err != nil {
		s.logger.Warn("api shutdown", zap.Error(err))
	}

	s.cancel()
	s.healthMgr.Stop()

	if s.configMgr.GetConfig().Global.CleanupOnExit {
		if err := s.discard(s.endpoints.ActiveIDs()); err != nil {
			s.logger.Error("cleanup on exit failed", zap.Error(err))
		}
	}

	if err := s.orch.Close(); err != nil {
		s.logger.Warn("failed to close nat backend", zap.Error(err))
	}
	s.logger.Info("server stopped")
}

// probeTargets returns the private destinations worth probing: whole-IP
// endpoints have no port to connect to.
func probeTargets(applied []*endpoint.Endpoint) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, ep := range applied {
		if ep.WholeIP() {
			continue
		}
		address := ep.PrivateAddress()
		if !seen[address] {
			seen[address] = true
			targets = append(targets, address)
		}
	}
	return targets
}

func healthSettings(hc config.HealthCheckConfig) healthcheck.Settings {
	return healthcheck.Settings{
		Enabled:   hc.IsEnabled(),
		Interval:  hc.GetInterval(),
		Timeout:   hc.GetTimeout(),
		FailCount: hc.GetFailCount(),
		RiseCount: hc.GetRiseCount(),
	}
}
