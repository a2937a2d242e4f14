// ABOUTME: Gateway server that coordinates the HTTP API, gRPC health and both databases
// ABOUTME: Builds the conversation stack from config and manages listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/taskagent-gateway/internal/config"
	"github.com/2389/taskagent-gateway/internal/conversation"
	"github.com/2389/taskagent-gateway/internal/dedupe"
	"github.com/2389/taskagent-gateway/internal/model"
	"github.com/2389/taskagent-gateway/internal/store"
	"github.com/2389/taskagent-gateway/internal/tasks"
	"github.com/2389/taskagent-gateway/internal/threadstate"
)

// readyTimeout bounds the database pings behind /health/ready.
const readyTimeout = 2 * time.Second

// Gateway serves the chat API and owns every long-lived component.
type Gateway struct {
	config       *config.Config
	store        store.Store
	tasks        *tasks.DB
	orchestrator *conversation.Orchestrator
	conversation *conversation.Service
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// requests rejects replays of the same X-Request-ID
	requests *dedupe.Index
}

// New builds a gateway from cfg. Both databases are opened and migrated here.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	provider, err := model.New(model.Options{
		Provider:        cfg.Model.Provider,
		Model:           cfg.Model.Name,
		APIKey:          cfg.Model.APIKey,
		BaseURL:         cfg.Model.BaseURL,
		MaxOutputTokens: cfg.Model.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("creating model provider: %w", err)
	}
	return newGateway(cfg, provider, logger)
}

func newGateway(cfg *config.Config, provider model.Provider, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	codec, err := threadstate.NewCodec(cfg.State.SealSecret)
	if err != nil {
		return nil, fmt.Errorf("creating thread state codec: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	taskDB, err := tasks.Open(cfg.Database.TasksPath)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing task database: %w", err)
	}

	orch := conversation.NewOrchestrator(s, s, codec, provider,
		tasks.NewExecutor(taskDB, logger),
		conversation.Options{
			SystemPrompt:    cfg.Model.SystemPrompt,
			Timeout:         cfg.Turn.Timeout,
			MaxToolRounds:   cfg.Turn.MaxToolRounds,
			EventBuffer:     cfg.Turn.EventBuffer,
			MetadataRetries: cfg.Turn.MetadataRetries,
			RetryBackoff:    cfg.Turn.RetryBackoff,
			RefusalMessage:  cfg.Turn.RefusalMessage,
			ErrorMessage:    cfg.Turn.ErrorMessage,
		}, logger)

	grpcServer, hs := newGRPCServer()

	gw := &Gateway{
		config:       cfg,
		store:        s,
		tasks:        taskDB,
		orchestrator: orch,
		conversation: conversation.NewService(s, orch.Leases(), logger),
		grpcServer:   grpcServer,
		health:       hs,
		logger:       logger.With("component", "gateway"),
		requests:     dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	setServing(hs, true)
	gw.logger.Info("gateway initialized",
		"provider", provider.Name(),
		"sealed_state", codec.Sealed(),
		"db", cfg.Database.Path,
		"tasks_db", cfg.Database.TasksPath,
	)
	return gw, nil
}

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("POST /api/chat/stream", g.handleChatStream)
	mux.HandleFunc("GET /api/threads", g.handleListThreads)
	mux.HandleFunc("GET /api/threads/{id}/messages", g.handleThreadMessages)
	mux.HandleFunc("DELETE /api/threads/{id}", g.handleDeleteThread)
	return mux
}

// Handler returns the HTTP handler, for embedding the API in another server.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
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

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
		select {
		case more := <-errCh:
			g.logger.Error("additional server error", "error", more)
		default:
		}
	}

	// The run context is already canceled here, so shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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
	return filepath.Join(homeDir, ".local", "share", "taskagent", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens for gRPC on :50051
// and HTTP on :80 of the node.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops both servers and closes the databases. HTTP shutdown waits
// for in-flight turns, so their persistence completes before the stores close.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	setServing(g.health, false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	errs = appendCloseError(errs, "task database close", g.tasks.Close())
	g.requests.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when both databases answer a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "database", "conversations", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("conversation database unavailable"))
		return
	}
	if err := g.tasks.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "database", "tasks", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("task database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
