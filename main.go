package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"realtime-service/internal/auth"
	"realtime-service/internal/config"
	"realtime-service/internal/db"
	grpcserver "realtime-service/internal/grpc"
	"realtime-service/internal/handlers"
	"realtime-service/internal/logger"
	"realtime-service/internal/messaging"
	"realtime-service/internal/middleware"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/rabbitmq"
	"realtime-service/internal/repositories"
	"realtime-service/internal/rooms"
	"realtime-service/internal/state"
	"realtime-service/internal/telemetry"
	"realtime-service/internal/typing"
	"realtime-service/internal/ws"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogLevel)
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	audit := telemetry.NewAuditEmitter(publisher, observability.RoutingKeyAudit, cfg.ServiceName, cfg.Environment)

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	rdb, err := state.NewRedisClient(ctx, state.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPool,
	})
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()
	store := state.NewRedisStore(rdb, cfg.PresenceTTL,
		state.WithTimeout(cfg.StoreTimeout),
		state.WithKeyPrefix(cfg.KeyPrefix),
	)

	backbone, closeBackbone, err := newBackbone(cfg, rdb, log)
	if err != nil {
		log.Fatal("failed to set up broadcast backbone", zap.Error(err))
	}
	defer closeBackbone()

	userRepo := repositories.NewUserRepo(database)
	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	authService := auth.NewService(cfg.JWTSecret, userRepo)

	hub := ws.NewHub(backbone, log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal("failed to start hub", zap.Error(err))
	}
	roomsCoord := rooms.NewCoordinator(conversationRepo, hub, log)
	typingCoord := typing.NewCoordinator(store, roomsCoord, cfg.TypingTTL, log)
	registry := presence.NewRegistry(store, authService, hub, typingCoord, roomsCoord, log)
	pipeline := messaging.NewPipeline(messageRepo, conversationRepo, roomsCoord, typingCoord, audit, cfg.MaxMessageLength, log)
	gateway := ws.NewGateway(hub, registry, roomsCoord, typingCoord, pipeline, audit, ws.DefaultOptions(), log)

	presenceHandler := handlers.NewPresenceHandler(registry)
	typingHandler := handlers.NewTypingHandler(typingCoord, roomsCoord)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(authService)

	router.GET("/healthz", handlers.Health(store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/presence/online", authMiddleware, presenceHandler.ListOnline)
	router.GET("/presence/users/:user_id", authMiddleware, presenceHandler.GetUserPresence)
	router.GET("/presence/connections/:conn_id", authMiddleware, presenceHandler.GetConnection)
	router.GET("/conversations/:conversation_id/typing", authMiddleware, typingHandler.ListTyping)

	router.GET("/ws", gateway.Handle)

	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer := grpcserver.NewHealthServer(store, 10*time.Second, log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			log.Error("grpc server stopped", zap.Error(err))
		}
	}()

	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	healthServer.Stop()
	// Hijacked websocket connections are not closed by Shutdown.
	_ = hub.Close()
	typingCoord.Close()
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}
}
