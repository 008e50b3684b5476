// ABOUTME: Gateway orchestrator that wires the store, fan-out, presence and HTTP surface
// ABOUTME: Manages the HTTP listener (TCP or Tailscale) and ordered shutdown of every component

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/fanout"
	"github.com/2389/support-gateway/internal/presence"
	"github.com/2389/support-gateway/internal/session"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
	"github.com/2389/support-gateway/internal/transport/memory"
	"github.com/2389/support-gateway/internal/transport/pusher"
	"github.com/2389/support-gateway/internal/transport/socket"
)

// typingCacheSize bounds the number of chat/user pairs remembered for typing suppression.
const typingCacheSize = 10_000

// Gateway orchestrates the support-gateway server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      store.Store
	transport  transport.Transport
	hub        *socket.Hub
	events     *memory.Broadcaster // set only for the memory backend
	dispatcher *fanout.Dispatcher
	typing     *dedupe.Cache
	service    *conversation.Service
	presence   *presence.Tracker
	verifier   auth.TokenVerifier // nil when auth is disabled

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	draining    chan struct{} // closed when HTTP shutdown begins; ends open event streams
	startedAt   time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the store selected by the database driver.
func initStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		s, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Path
		if envPath := os.Getenv("SUPPORT_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// originChecker admits WebSocket upgrades from the configured CORS origins.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// initTransport picks the fan-out backend. The socket hub is always created
// because /ws serves client actions regardless of where events are published.
func (g *Gateway) initTransport(cfg *config.Config) {
	g.hub = socket.NewHub(socket.Config{
		PingInterval: cfg.Presence.HeartbeatInterval,
		PongTimeout:  cfg.Presence.HeartbeatTimeout,
		CheckOrigin:  originChecker(cfg.CORS.AllowedOrigins),
	}, g.logger)

	switch cfg.Transport.Backend {
	case config.BackendPusher:
		p := cfg.Transport.Pusher
		g.transport = pusher.NewOrNop(pusher.Config{
			AppID:   p.AppID,
			Key:     p.Key,
			Secret:  p.Secret,
			Cluster: p.Cluster,
			UseTLS:  p.TLS(),
			Timeout: cfg.Transport.PublishTimeout,
		}, g.logger)
	case config.BackendMemory:
		g.events = memory.NewBroadcaster(g.logger)
		g.transport = g.events
	default:
		g.transport = g.hub
	}
	g.logger.Info("fan-out transport ready", "backend", cfg.Transport.Backend)
	if g.transport != g.hub {
		g.logger.Warn("/ws accepts client actions but receives no events with this backend; subscribe through the backend instead",
			"backend", cfg.Transport.Backend)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		draining: make(chan struct{}),
	}

	if cfg.Auth.Enabled() {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		g.verifier = verifier
		g.logger.Info("HTTP auth enabled")
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured, trusting identity fields in requests")
	}

	s, err := initStore(context.Background(), cfg.Database)
	if err != nil {
		return nil, err
	}
	g.store = s

	g.initTransport(cfg)
	g.dispatcher = fanout.NewDispatcher(g.transport, fanout.DispatcherConfig{
		Workers:        cfg.Transport.Workers,
		QueueSize:      cfg.Transport.QueueSize,
		Attempts:       cfg.Transport.PublishAttempts,
		PublishTimeout: cfg.Transport.PublishTimeout,
	}, logger)
	g.typing = dedupe.New(cfg.Typing.DedupeWindow, typingCacheSize)
	g.service = conversation.New(s, g.dispatcher, logger, conversation.WithTypingFilter(g.typing))
	g.presence = presence.NewTracker(session.PresenceNotifier(g.service, logger), logger)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer.RegisterOnShutdown(func() { close(g.draining) })
	return g, nil
}

// Handler returns the HTTP handler, for embedding the gateway in another server.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves HTTP until ctx is canceled or the server fails, then shuts
// every component down. Returns nil on a graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}
	g.startedAt = time.Now()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", "error", err)
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})
	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "support-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests and releases every component in
// dependency order: sockets before presence, presence before the
// dispatcher, queued events before the transport, and the store last.
// Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "socket hub close", g.hub.Close())
	g.presence.Close()
	g.dispatcher.Close()
	if g.transport != g.hub {
		errs = appendCloseError(errs, "transport close", g.transport.Close())
	}
	g.typing.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
