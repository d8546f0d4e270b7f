// ABOUTME: Gateway orchestrator that wires the registry, dispatcher, loops and both listeners.
// ABOUTME: Owns the control socket server, the admin HTTP server and their lifecycle.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/deploy"
	"github.com/2389/fleet-gateway/internal/reaper"
	"github.com/2389/fleet-gateway/internal/reconcile"
	"github.com/2389/fleet-gateway/internal/rpc"
	"github.com/2389/fleet-gateway/internal/store"
)

// Gateway orchestrates the fleet-gateway server components.
type Gateway struct {
	config     *config.Config
	registry   *agent.Registry
	dispatcher *rpc.Dispatcher
	store      store.Store
	reaper     *reaper.Reaper
	reconciler *reconcile.Loop
	planner    *deploy.Planner
	monitor    *monitor
	verifier   auth.TokenVerifier // nil when the admin API is open
	upgrader   websocket.Upgrader

	controlServer *http.Server
	httpServer    *http.Server
	logger        *slog.Logger

	// serverID identifies this gateway instance in welcome frames
	serverID string

	loops sync.WaitGroup
}

type options struct {
	store     store.Store
	occupancy reaper.OccupancyOracle
	notifier  reaper.Notifier
	local     *localWorker
}

type localWorker struct {
	id        string
	handler   agent.LocalHandler
	guilds    []string
	allGuilds bool
}

// Option customises New.
type Option func(*options)

// WithStore uses s instead of opening the configured SQLite database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithOccupancyOracle lets the reaper check voice channel occupancy.
// Without one, idle voice sessions are evicted on inactivity alone.
func WithOccupancyOracle(oracle reaper.OccupancyOracle) Option {
	return func(o *options) { o.occupancy = oracle }
}

// WithNotifier replaces the default notifier, which only logs.
func WithNotifier(n reaper.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLocalWorker registers an in-process worker that takes part in leasing.
func WithLocalWorker(id string, h agent.LocalHandler, guilds []string, allGuilds bool) Option {
	return func(o *options) {
		o.local = &localWorker{id: id, handler: h, guilds: guilds, allGuilds: allGuilds}
	}
}

// initStore opens the configured database.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	if o.local != nil {
		registry.AttachLocal(o.local.id, o.local.handler, o.local.guilds, o.local.allGuilds)
	}

	correlator := rpc.NewCorrelator(registry, cfg.Agents.RPCTimeout, logger.With("component", "correlator"))
	breaker := rpc.NewBreaker(rpc.BreakerSettings{
		ErrorThresholdPercent: cfg.Breaker.ErrorThresholdPercent,
		MinRequests:           cfg.Breaker.MinRequests,
		Window:                cfg.Breaker.Window,
		CoolDown:              cfg.Breaker.CoolDown,
	}, logger.With("component", "breaker"))
	dispatcher := rpc.NewDispatcher(registry, correlator, breaker, logger.With("component", "dispatcher"))

	notifier := o.notifier
	if notifier == nil {
		notifier = logNotifier{logger: logger.With("component", "notifier")}
	}

	gw := &Gateway{
		config:     cfg,
		registry:   registry,
		dispatcher: dispatcher,
		store:      s,
		reaper: reaper.New(reaper.Config{
			IdleRelease:     cfg.Sessions.IdleRelease,
			TextIdleRelease: cfg.Sessions.TextIdleRelease,
			SweepInterval:   cfg.Sessions.SweepInterval,
			TenantCacheTTL:  cfg.Sessions.TenantCacheTTL,
		}, registry, dispatcher, s, o.occupancy, notifier, logger.With("component", "reaper")),
		reconciler: reconcile.New(s, registry, cfg.Agents.ReconcileInterval, logger.With("component", "reconcile")),
		planner:    deploy.NewPlanner(s, registry),
		monitor: newMonitor(registry,
			cfg.Agents.HeartbeatInterval,
			cfg.Agents.PruneInterval,
			cfg.Agents.StaleAfter,
			logger.With("component", "monitor")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// workers are processes, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	gw.controlServer = &http.Server{
		Addr:              cfg.Server.ControlAddr,
		Handler:           gw.controlHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.apiHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Registry exposes the live registry, mainly for tests and the local worker.
func (g *Gateway) Registry() *agent.Registry {
	return g.registry
}

func (g *Gateway) controlHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents", g.handleAgentSocket)
	mux.HandleFunc("GET /health", g.handleHealth)
	return mux
}

func (g *Gateway) apiHandler() http.Handler {
	api := http.NewServeMux()
	g.registerAPIRoutes(api)

	protected := auth.HTTPAuthMiddleware(g.verifier)(auth.RequireAdminHTTP()(api))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle("/api/", protected)
	return mux
}

// setupListeners opens the control and HTTP listeners.
func (g *Gateway) setupListeners() (controlLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"control_addr", g.config.Server.ControlAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	controlLn, err = net.Listen("tcp", g.config.Server.ControlAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on control address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = controlLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return controlLn, httpLn, nil
}

// startServers starts both servers in goroutines, returning the error channel.
func (g *Gateway) startServers(controlLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("control server listening", "addr", controlLn.Addr().String())
		if err := g.controlServer.Serve(controlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startLoops launches the monitor, reaper and reconciliation loops.
func (g *Gateway) startLoops(ctx context.Context) {
	for _, loop := range []func(context.Context){g.monitor.run, g.reaper.Run, g.reconciler.Run} {
		g.loops.Add(1)
		go func() {
			defer g.loops.Done()
			loop(ctx)
		}()
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background loops and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	controlLn, httpLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.startLoops(loopCtx)

	errCh := g.startServers(controlLn, httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	cancel()
	g.loops.Wait()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops both servers, closes every worker socket and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "control shutdown", g.controlServer.Shutdown(ctx))

	// hijacked sockets are not tracked by http.Server
	for _, ep := range g.registry.Endpoints() {
		_ = ep.Transport.Close(websocket.CloseGoingAway, "gateway shutting down")
	}

	g.reaper.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent can take work.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	total, ready := g.registry.Count()
	if ready == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "no ready agents (%d connected)", total)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d of %d agents)", ready, total)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "fleet-gateway-" + uuid.NewString()[:8]
}

// logNotifier records idle notifications in the log when no delivery
// channel is wired.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(_ context.Context, note reaper.Notification) error {
	n.logger.Info("idle session notification",
		"guild_id", note.GuildID,
		"channel_id", note.ChannelID,
		"user_id", note.UserID,
		"agent_id", note.AgentID,
		"session_key", note.Key.String(),
		"message", note.Message,
	)
	return nil
}

var _ agent.Transport = (*wsTransport)(nil)
