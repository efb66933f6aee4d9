package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"liveclass/internal/api"
	"liveclass/internal/bus"
	"liveclass/internal/config"
	"liveclass/internal/database"
	"liveclass/internal/hub"
	"liveclass/internal/logger"
	"liveclass/internal/metrics"
	"liveclass/internal/router"
	"liveclass/internal/session"
	"liveclass/internal/websocket"
	dbconfig "liveclass/pkg/database"
)

const maintenanceInterval = time.Minute

// Application owns every relay component. Construction order is
// database, sessions, registry, router, hub, handler, API.
type Application struct {
	config         *config.Config
	log            *zap.Logger
	metrics        *metrics.Metrics
	dbManager      *database.Manager
	sessionManager *session.Manager
	registry       *websocket.Registry
	messageRouter  *router.Router
	messageHub     *hub.Hub
	wsHandler      *websocket.Handler
	apiServer      *api.Server
	httpServer     *http.Server
	redisClient    *redis.Client
	bus            *bus.Bus

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewApplication builds the relay. A nil cfg uses the defaults.
func NewApplication(cfg *config.Config, log *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log = logger.OrNop(log)
	m := metrics.New()

	dbCfg := &dbconfig.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
	dbManager, err := database.NewManager(dbCfg, log, database.WithWriteTimeout(cfg.Database.WriteTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbconfig.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Info("database migrations applied", zap.String("path", cfg.Database.Path))

	sessionManager := session.NewManager(dbManager, log)
	if err := sessionManager.LoadActiveSessions(context.Background()); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	registry := websocket.NewRegistry(log)

	a := &Application{
		config:         cfg,
		log:            log,
		metrics:        m,
		dbManager:      dbManager,
		sessionManager: sessionManager,
		registry:       registry,
	}

	routerOpts := []router.Option{
		router.WithRateLimits(cfg.Router.SignalsPerMinute, cfg.Router.EventsPerMinute),
	}
	if cfg.Redis.Enabled {
		client, err := bus.NewRedisClient(cfg.Redis)
		if err != nil {
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redisClient = client
		a.bus = bus.NewBus(router.NewLocalDeliverer(registry, log, m), bus.NewRedisTransport(client), cfg.Redis.ChannelPrefix, log)
		routerOpts = append(routerOpts, router.WithDeliverer(a.bus))
	}

	a.messageRouter = router.NewRouter(registry, sessionManager, dbManager, log, m, routerOpts...)
	a.messageHub = hub.NewHub(a.messageRouter, log)
	a.wsHandler = websocket.NewHandler(registry, sessionManager, a.messageHub, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		BufferSize:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, log, m)
	a.apiServer = api.NewServer(sessionManager, dbManager, registry, http.HandlerFunc(a.wsHandler.HandleWebSocket), log, m)

	a.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

// Start runs the hub and background loops, then begins serving. It
// returns once the listener is bound.
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.messageHub.Start(runCtx); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.messageRouter.RunMaintenance(runCtx, maintenanceInterval)
	}()

	if a.bus != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.bus.Run(runCtx); err != nil {
				a.log.Error("bus stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server stopped", zap.Error(err))
		}
	}()

	a.log.Info("liveclass relay started", zap.String("addr", a.Addr()))
	return nil
}

// Stop shuts down in reverse order: sockets and HTTP, hub, background
// loops, Redis, database.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info("shutting down liveclass relay")

	var errs []error
	a.wsHandler.Shutdown(ctx)
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := a.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	a.log.Info("liveclass relay shutdown complete")
	return errors.Join(errs...)
}

// Addr is the bound address once started, else the configured one.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler exposes the HTTP surface for in-process tests.
func (a *Application) Handler() http.Handler {
	return a.apiServer
}
