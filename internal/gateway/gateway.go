// ABOUTME: Gateway orchestrator that wires the conversation core to its HTTP surface
// ABOUTME: Manages the store, observer hub, auto-resume scheduler, listeners and shutdown

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
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-switchboard/internal/config"
	"github.com/2389/coven-switchboard/internal/conversation"
	"github.com/2389/coven-switchboard/internal/dedupe"
	"github.com/2389/coven-switchboard/internal/hub"
	"github.com/2389/coven-switchboard/internal/scheduler"
	"github.com/2389/coven-switchboard/internal/store"
)

// Gateway owns every long-lived component of a running switchboard.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	hub          *hub.Hub
	scheduler    *scheduler.Scheduler
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// replies remembers command responses by Idempotency-Key
	replies *dedupe.Cache[*commandReply]

	// frames drops inbound observer frames that were already handled
	frames *dedupe.Cache[struct{}]

	startedAt time.Time
}

// initStore creates the storage backend selected by config.
// SWITCHBOARD_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		return store.NewMockStore(), nil
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with the store selected by cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway around an existing store. The gateway takes
// ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := hub.New(hub.Config{
		OutboxSize:   cfg.Hub.OutboxSize,
		WriteTimeout: cfg.Hub.WriteTimeout,
	}, logger)

	convService := conversation.New(s, h, conversation.Options{
		MaxAttempts:     cfg.Engine.MaxAttempts,
		RetryDelay:      cfg.Engine.RetryDelay,
		MessagePageSize: cfg.Engine.MessagePageSize,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		hub:          h,
		logger:       logger.With("component", "gateway"),
		replies:      dedupe.New[*commandReply](cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries),
		frames:       dedupe.New[struct{}](cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries),
		startedAt:    time.Now(),
	}

	if cfg.Pause.AutoResume {
		gw.scheduler = scheduler.New(convService, logger)
		gw.scheduler.Attach(h)
		gw.logger.Info("auto-resume enabled for timed pauses")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Observer streams are long-lived requests; closing the hub ends them so
	// Shutdown does not wait out its deadline.
	gw.httpServer.RegisterOnShutdown(h.Close)
	return gw, nil
}

// Handler returns the HTTP handler serving every switchboard route.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Conversation API
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleStartConversation)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/transcript", g.handleTranscript)
	mux.HandleFunc("POST /api/conversations/{id}/pause", g.handlePause)
	mux.HandleFunc("POST /api/conversations/{id}/resume", g.handleResume)
	mux.HandleFunc("POST /api/conversations/{id}/takeover", g.handleTakeover)
	mux.HandleFunc("POST /api/conversations/{id}/complete", g.handleComplete)
	mux.HandleFunc("POST /api/conversations/{id}/fail", g.handleFail)

	// Observer streams
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("GET /events", g.handleEvents)

	return mux
}

// Conversation returns the conversation service.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// Hub returns the observer hub.
func (g *Gateway) Hub() *hub.Hub {
	return g.hub
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting switchboard", "http_addr", g.config.Server.HTTPAddr)

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
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is canceled, then shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
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
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet with tsnet and listens for HTTP.
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

	switch {
	case tsCfg.Funnel:
		return g.createTailscaleFunnelListener()
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

// createTailscaleFunnelListener exposes the switchboard publicly over HTTPS.
func (g *Gateway) createTailscaleFunnelListener() (net.Listener, error) {
	g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
	ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
	}
	return ln, nil
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

// Shutdown stops the HTTP server, disconnects observers and releases resources.
// Broadcasts queued before Shutdown are still dispatched.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down switchboard")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Already closed by the shutdown hook when the server was running.
	g.hub.Close()
	if g.scheduler != nil {
		g.scheduler.Close()
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.replies.Close()
	g.frames.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// HealthResponse is the JSON response for GET /health/ready.
type HealthResponse struct {
	Status        string `json:"status"`
	Observers     int    `json:"observers"`
	Queued        int    `json:"queued"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	PendingResume int    `json:"pendingResume"`
	Uptime        string `json:"uptime"`
	Error         string `json:"error,omitempty"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when storage answers, with hub counters.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	stats := g.hub.Stats()
	resp := HealthResponse{
		Status:    "ready",
		Observers: stats.Observers,
		Queued:    stats.Queued,
		Delivered: stats.Delivered,
		Dropped:   stats.Dropped,
		Uptime:    time.Since(g.startedAt).Round(time.Second).String(),
	}
	if g.scheduler != nil {
		resp.PendingResume = g.scheduler.Pending()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := g.store.ListConversations(ctx, store.ConversationFilter{PageSize: 1}); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		resp.Status = "unavailable"
		resp.Error = "storage unavailable"
		g.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	g.sendJSON(w, http.StatusOK, resp)
}
