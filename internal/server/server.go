package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/gateway"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/router"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/server/middleware"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/config"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/presence"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/transport"
)

var errShutdown = errors.New("graceful shutdown")

// App orchestrates the gateway: the authentication gate, the connection
// registry, and the background policing loops.
type App struct {
	logger     *slog.Logger
	registry   *gateway.Registry
	subs       *gateway.SubscriptionManager
	abuse      *gateway.AbuseTracker
	liveness   *gateway.LivenessMonitor
	dispatcher *gateway.Dispatcher
	msgRouter  *router.MessageRouter
	wg         sync.WaitGroup
	http       *http.Server
	config     *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	clk := clock.New()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := presence.NewRedisStore(rdb)

	subs := gateway.NewSubscriptionManager(logger)
	registry := gateway.NewRegistry(logger, subs, store, clk)
	abuse := gateway.NewAbuseTracker(logger, store, func(identity string, reason error) {
		registry.Disconnect(identity, reason)
	}, clk)
	abuse.SetPolicy(cfg.Abuse.MaxErrors, cfg.Abuse.BanDuration, cfg.Abuse.ResetInterval)
	liveness := gateway.NewLivenessMonitor(logger, registry, clk)
	liveness.SetPolicy(cfg.Liveness.SweepInterval, cfg.Liveness.IdleTimeout)
	dispatcher := gateway.NewDispatcher(logger, registry, subs, abuse, clk)
	msgRouter := router.NewMessageRouter(logger, registry, subs, abuse, clk)

	app := &App{
		logger:     logger,
		registry:   registry,
		subs:       subs,
		abuse:      abuse,
		liveness:   liveness,
		dispatcher: dispatcher,
		msgRouter:  msgRouter,
		config:     cfg,
		ctx:        rootCtx,
	}

	verifier := gateway.NewJWTVerifier(cfg.Server.Auth.JWTSecret)
	banCheck := func(r *http.Request, identity string) bool {
		return abuse.IsBanned(r.Context(), identity)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, verifier, banCheck),
		),
	)
	mux.HandleFunc("/stats", app.statsHandler)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Dispatcher exposes the send/broadcast API for upstream producers.
func (a *App) Dispatcher() *gateway.Dispatcher {
	return a.dispatcher
}

func (a *App) Run() error {
	go a.abuse.Run(a.ctx)
	go a.liveness.Run(a.ctx)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:   a.config.Transport.ReadTimeout,
			SendQueueSize: a.config.Transport.SendQueueSize,
		},
		a.logger,
	)
	// Admission wires cascading cleanup into the transport's close handler,
	// so the message handler must be attached before the pumps start.
	a.registry.Admit(r.Context(), reqMeta.UserID, conn)
	conn.SetOnMessageHandler(a.msgRouter.HandlerFor(reqMeta.UserID))

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

func (a *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.dispatcher.Stats()); err != nil {
		a.logger.Error("Failed to encode stats", slog.Any("error", err))
	}
}

// Shutdown runs the graceful shutdown sequence: stop accepting new
// connections, stop producer sends, then disconnect everyone and wait for
// the connection goroutines to finish their cleanup.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	a.dispatcher.Drain()

	a.logger.Info("Closing all active connections...")
	a.registry.DisconnectAll(errShutdown)

	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
