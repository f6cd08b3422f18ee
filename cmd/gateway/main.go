// Package main provides the gateway binary: the game-server websocket
// endpoint, the chat bots, the admin API and the gRPC health service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/CrashVibe/FGateNexus/internal/binding"
	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/chatbridge/discord"
	"github.com/CrashVibe/FGateNexus/internal/chatbridge/onebot"
	"github.com/CrashVibe/FGateNexus/internal/config"
	"github.com/CrashVibe/FGateNexus/internal/dispatch"
	"github.com/CrashVibe/FGateNexus/internal/gateway"
	"github.com/CrashVibe/FGateNexus/internal/health"
	"github.com/CrashVibe/FGateNexus/internal/httpapi"
	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/observability"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/router"
	"github.com/CrashVibe/FGateNexus/internal/server"
	"github.com/CrashVibe/FGateNexus/internal/session"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

const filterCacheSize = 256

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	autoMigrate := flag.Bool("migrate", true, "apply pending schema migrations on start")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("grpc_addr", cfg.Health.Addr()),
	)

	loc, err := time.LoadLocation(cfg.Bridge.Timezone)
	if err != nil {
		logger.Fatal("loading timezone", zap.Error(err))
	}

	if *autoMigrate {
		res, err := postgres.Migrate(cfg.Database.DSN(), "up", 0)
		if err != nil {
			logger.Fatal("migrating database", zap.Error(err))
		}
		logger.Info("schema ready", zap.Uint("version", res.Version), zap.Bool("changed", res.Changed))
	}

	pool, err := postgres.NewPool(ctx, cfg.Database, postgres.WithLogger(logger.Named("postgres")))
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.MustNewMetrics(reg)
	reg.MustRegister(postgres.NewStatsCollector(pool))

	servers := postgres.NewServerRepository(pool.DB())
	targets := postgres.NewTargetRepository(pool.DB())
	players := postgres.NewPlayerRepository(pool.DB())
	accounts := postgres.NewSocialAccountRepository(pool.DB())
	adapters := postgres.NewAdapterRepository(pool.DB())

	engine := jsonrpc.NewEngine(logger.Named("jsonrpc"), metrics, cfg.Bridge.RequestTimeout)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fgate",
		Subsystem: "bridge",
		Name:      "pending_requests",
		Help:      "Outbound requests awaiting a response.",
	}, func() float64 { return float64(engine.Pending()) }))
	registry := session.NewRegistry(engine, servers, logger.Named("session"), metrics, cfg.Bridge.HandshakeTimeout)
	game := gateway.NewGame(registry, engine, cfg.Bridge.RequestTimeout)

	hub := onebot.NewHub(logger.Named("onebot"))
	bridge := chatbridge.NewBridge(logger.Named("chatbridge"), metrics, map[model.AdapterType]chatbridge.Factory{
		model.AdapterOneBot:  onebot.NewFactory(hub),
		model.AdapterDiscord: discord.NewFactory(),
	})

	filter, err := policy.NewFilter(filterCacheSize)
	if err != nil {
		logger.Fatal("creating message filter", zap.Error(err))
	}

	bindings := binding.NewService(servers, players, accounts, bridge, game, logger.Named("binding"), metrics)
	relay := router.New(servers, bridge, game, filter, loc, logger.Named("router"), metrics)
	bridge.SetInterceptor(bindings)
	bridge.SetHandler(relay)

	handlers := gateway.NewHandlers(players, servers, bindings, relay, loc, logger.Named("handlers"))
	dispatcher := dispatch.MustNew(engine, logger.Named("dispatch"), handlers.Routes()...)
	acceptor := gateway.NewAcceptor(cfg.Bridge, servers, registry, engine, dispatcher, logger.Named("gateway"))

	api := httpapi.New(httpapi.Deps{
		Adapters:   adapters,
		Servers:    servers,
		Targets:    targets,
		Players:    players,
		Bots:       bridge,
		Sessions:   registry,
		Game:       game,
		Bindings:   bindings,
		WebSocket:  acceptor,
		OneBot:     hub,
		Gatherer:   reg,
		AdminToken: cfg.HTTP.AdminToken,
	}, logger.Named("httpapi"))

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	checker := health.NewChecker(pool, cfg.Health.Interval, logger.Named("health"))
	grpcServer := grpc.NewServer()
	checker.Register(grpcServer)

	lifecycle := server.NewLifecycle(logger, cfg.HTTP.ShutdownTimeout)

	stopPostgres := make(chan struct{})
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			<-stopPostgres
			return nil
		},
		StopFn: func(context.Context) {
			close(stopPostgres)
			pool.Close()
		},
	})

	lifecycle.Add("health", checker)

	lifecycle.Add("grpc", &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", cfg.Health.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Health.Addr(), err)
			}
			logger.Info("gRPC health service listening", zap.String("addr", lis.Addr().String()))
			return grpcServer.Serve(lis)
		},
		StopFn: func(ctx context.Context) {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				grpcServer.Stop()
			}
		},
	})

	stopBridge := make(chan struct{})
	lifecycle.Add("chatbridge", &server.FuncService{
		StartFn: func() error {
			loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := bridge.LoadEnabled(loadCtx, adapters)
			cancel()
			if err != nil {
				logger.Warn("loading adapters", zap.Error(err))
			}
			<-stopBridge
			return nil
		},
		StopFn: func(context.Context) {
			close(stopBridge)
			bridge.Close()
		},
	})

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("HTTP listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func(ctx context.Context) {
			acceptor.Stop()
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Warn("HTTP shutdown", zap.Error(err))
			}
		},
	})

	logger.Info("gateway initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
