// ABOUTME: Gateway orchestrator that wires the native connector, dispatcher and event hub
// ABOUTME: Owns the HTTP and gRPC health servers, optional tsnet listeners and shutdown ordering

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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/vox-gateway/internal/auth"
	"github.com/2389/vox-gateway/internal/config"
	"github.com/2389/vox-gateway/internal/connector"
	"github.com/2389/vox-gateway/internal/dedupe"
	"github.com/2389/vox-gateway/internal/functions"
	"github.com/2389/vox-gateway/internal/metrics"
	"github.com/2389/vox-gateway/internal/mirror"
	"github.com/2389/vox-gateway/internal/sse"
	"github.com/2389/vox-gateway/internal/store"
	"github.com/2389/vox-gateway/internal/transport"
)

// HealthService is the gRPC health service name that tracks the native link.
const HealthService = "vox.gateway"

// Gateway owns every long-lived component of the process.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	connector  *connector.Connector
	registry   *functions.Registry
	dispatcher *functions.Dispatcher
	hub        *sse.Hub
	dedupe     *dedupe.Cache

	// ledger and ledgerWriter are nil when database.path is empty
	ledger       store.Store
	ledgerWriter *store.Writer

	// mirror is nil when redis.addr is empty
	mirror      *mirror.Mirror
	redisClient *redis.Client

	verifier *auth.JWTVerifier

	metricsRegistry *prometheus.Registry
	health          *health.Server
	grpcServer      *grpc.Server
	httpServer      *http.Server
	tsnetServer     *tsnet.Server

	luaMu        sync.RWMutex
	luaFunctions map[string]LuaFunction

	startedAt time.Time
	unsubs    []func()
	hubCancel context.CancelFunc
}

// Option customises New.
type Option func(*options)

type options struct {
	factory   connector.ChannelFactory
	publisher mirror.Publisher
}

// WithChannelFactory replaces the dialer built from native.address.
func WithChannelFactory(f connector.ChannelFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithRedisPublisher mirrors events through pub instead of dialling redis.addr.
func WithRedisPublisher(pub mirror.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// initLedger opens the ledger when database.path is set. VOX_DB_PATH overrides it.
func initLedger(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("VOX_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	return s, nil
}

func newChannelFactory(cfg *config.Config) (connector.ChannelFactory, error) {
	codec, err := transport.CodecByName(cfg.Native.Codec)
	if err != nil {
		return nil, err
	}
	dialer, err := transport.NewDialer(cfg.Native.Address, codec)
	if err != nil {
		return nil, fmt.Errorf("native.address: %w", err)
	}
	return dialer, nil
}

// createGRPCServer builds the gRPC server carrying only the health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a Gateway. Nothing is dialled or listened on until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	factory := o.factory
	if factory == nil {
		f, err := newChannelFactory(cfg)
		if err != nil {
			return nil, err
		}
		factory = f
	}

	gw := &Gateway{
		config:          cfg,
		logger:          logger.With("component", "gateway"),
		metricsRegistry: prometheus.NewRegistry(),
		luaFunctions:    make(map[string]LuaFunction),
		startedAt:       time.Now(),
	}

	gw.connector = connector.New(connector.Config{
		Factory:          factory,
		Logger:           logger,
		RequestTimeout:   cfg.Native.RequestTimeout,
		DialTimeout:      cfg.Native.DialTimeout,
		ReconnectInitial: cfg.Native.ReconnectInitial,
		ReconnectMax:     cfg.Native.ReconnectMax,
	})

	ledger, err := initLedger(cfg)
	if err != nil {
		return nil, err
	}
	gw.ledger = ledger

	var recorder functions.CallRecorder
	if ledger != nil {
		gw.ledgerWriter = store.NewWriter(ledger, store.DefaultQueueSize, logger)
		recorder = gw.ledgerWriter
	}

	if err := gw.initMirror(cfg, o.publisher, logger); err != nil {
		gw.closeLedger()
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.closeLedger()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = v
	}

	gw.dedupe = dedupe.New(cfg.Functions.DedupeTTL, dedupe.DefaultMaxSize)
	gw.registry = functions.NewRegistry(cfg.Functions.DefaultTimeout, logger)
	gw.dispatcher = functions.NewDispatcher(functions.DispatcherConfig{
		Registry: gw.registry,
		Link:     gw.connector,
		Logger:   logger,
		Dedupe:   gw.dedupe,
		Recorder: recorder,
	})
	gw.hub = sse.NewHub(sse.HubConfig{
		Logger:     logger,
		KeepAlive:  cfg.Events.KeepAliveInterval,
		BufferSize: cfg.Events.Buffer,
	})

	gw.grpcServer, gw.health = createGRPCServer()

	if err := metrics.RegisterGauges(gw.metricsRegistry, metrics.Sources{
		Connected:         gw.connector.IsConnected,
		PendingRequests:   func() int { return gw.connector.Stats().PendingRequests },
		ReconnectAttempts: func() int { return gw.connector.Stats().ReconnectAttempts },
		ActiveClients:     func() int { return gw.hub.Stats().ActiveClients },
		Functions:         func() int { return gw.registry.Stats().RegisteredFunctions },
	}); err != nil {
		gw.closeLedger()
		return nil, fmt.Errorf("registering gauges: %w", err)
	}

	gw.subscribe()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Event streams never go idle; end them so Shutdown does not wait out its deadline.
	gw.httpServer.RegisterOnShutdown(gw.hub.Close)

	return gw, nil
}

func (g *Gateway) initMirror(cfg *config.Config, pub mirror.Publisher, logger *slog.Logger) error {
	if pub == nil && cfg.Redis.Addr != "" {
		client, err := mirror.Dial(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		g.redisClient = client
		pub = client
	}
	if pub == nil {
		return nil
	}
	g.mirror = mirror.New(pub, mirror.Options{Channel: cfg.Redis.Channel, Logger: logger})
	g.logger.Info("mirroring game events to redis", "channel", g.mirror.Channel())
	return nil
}

// subscribe attaches gateway handlers to connector topics. The dispatcher
// attaches its own in Start.
func (g *Gateway) subscribe() {
	g.dispatcher.Start()
	g.unsubs = append(g.unsubs,
		g.connector.Subscribe(connector.TopicGameEvent, g.handleGameEvent),
		g.connector.Subscribe(connector.TopicLuaRegister, g.handleLuaRegister),
		g.connector.Subscribe(connector.TopicConnected, g.handleConnected),
		g.connector.Subscribe(connector.TopicDisconnected, g.handleDisconnected),
	)
}

// Connector exposes the native link.
func (g *Gateway) Connector() *connector.Connector { return g.connector }

// Dispatcher exposes the function dispatcher.
func (g *Gateway) Dispatcher() *functions.Dispatcher { return g.dispatcher }

// Hub exposes the event hub.
func (g *Gateway) Hub() *sse.Hub { return g.hub }

// setupTCPListeners creates plain TCP listeners. grpcLn is nil when
// server.grpc_addr is empty.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"native", g.config.Native.Address,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// connectNative makes the first connection attempt. A failure is logged and
// left to the connector's reconnect loop.
func (g *Gateway) connectNative(ctx context.Context) {
	if err := g.connector.Connect(ctx); err != nil {
		g.logger.Warn("native process not reachable yet, will keep retrying",
			"address", g.config.Native.Address,
			"error", err,
		)
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

// Run starts the servers, connects to the native process and blocks until
// ctx is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	g.hubCancel = cancel
	go g.hub.Run(hubCtx)

	errCh := g.startServers(grpcListener, httpListener)
	go g.connectNative(ctx)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
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
	return filepath.Join(homeDir, ".local", "share", "vox-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners starts a tsnet node and listens on it.
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

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
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

// createTailscaleHTTPListener picks Funnel, tailnet HTTPS or plain :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
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

func (g *Gateway) closeLedger() error {
	if g.ledgerWriter != nil {
		g.ledgerWriter.Close()
	}
	if g.ledger != nil {
		return g.ledger.Close()
	}
	return nil
}

// Shutdown stops servers, drops the native link and flushes background writers.
// Order: HTTP, gRPC, native link, dispatcher, hub, mirror, ledger, tailscale.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	for _, unsub := range g.unsubs {
		unsub()
	}
	g.connector.Disconnect()
	g.dispatcher.Close()

	if g.hubCancel != nil {
		g.hubCancel()
	}
	g.hub.Close()

	if g.mirror != nil {
		g.mirror.Close()
	}
	if g.redisClient != nil {
		errs = appendCloseError(errs, "redis close", g.redisClient.Close())
	}
	errs = appendCloseError(errs, "ledger close", g.closeLedger())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
