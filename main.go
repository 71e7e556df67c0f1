package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/bus"
	"chat-realtime/internal/db"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/redisstore"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

const serviceName = "chat-realtime"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	verifier := auth.NewJWTVerifier(jwtSecret)

	database, err := db.Connect()
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	rdb, err := redisstore.Connect(getEnv("REDIS_URL", "redis://localhost:6379"))
	if err != nil {
		if rdb == nil {
			log.Fatalf("failed to configure redis: %v", err)
		}
		log.Printf("redis unreachable, presence degraded to local until it recovers: %v", err)
	}

	convRepo := repositories.NewConversationRepo(database)
	msgRepo := repositories.NewMessageRepo(database)

	fanout := bus.New(rdb)
	defer fanout.Close()

	store := presence.NewRedisStore(rdb)
	tracker := presence.NewTracker(store, fanout, presence.Config{
		HeartbeatInterval: getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 15*time.Second),
		HeartbeatTTL:      getEnvDuration("PRESENCE_HEARTBEAT_TTL", 45*time.Second),
		CleanupInterval:   getEnvDuration("PRESENCE_CLEANUP_INTERVAL", 60*time.Second),
	})
	go tracker.Run(ctx)

	hub := ws.NewHub()
	relay := ws.NewRelay(hub, convRepo)
	if err := fanout.Subscribe(ctx, relay.Handlers()); err != nil {
		log.Printf("bus subscribe failed, fan-out degraded to local delivery: %v", err)
	}

	amqpURL := getEnv("AMQP_URL", "")
	amqpExchange := getEnv("AMQP_EXCHANGE", "chat.events")
	auditPublisher := rabbitmq.NewPublisher(amqpURL, amqpExchange)
	defer auditPublisher.Close()
	log.Printf("audit publisher mode=%s", rabbitmq.PublisherMode(auditPublisher))

	if obsPublisher, err := observability.NewAMQPPublisher(amqpURL, amqpExchange); err == nil {
		observability.SetPublisher(obsPublisher)
		defer obsPublisher.Close()
	} else {
		log.Printf("ws event publisher disabled: %v", err)
	}

	auditor := telemetry.NewAuditEmitter(auditPublisher, "audit.chat", serviceName, getEnv("ENVIRONMENT", "development"))

	socketHandler := ws.NewSocketHandler(hub, verifier, tracker, convRepo, msgRepo, fanout)
	presenceHandler := handlers.NewPresenceHandler(tracker)
	messageHandler := handlers.NewMessageHandler(convRepo, msgRepo)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/online-users", authMiddleware, presenceHandler.OnlineUsers)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, messageHandler.ListConversationMessages)
	router.GET("/ws", socketHandler.Handle)
	handlers.RegisterDebugRoutes(router, auditor, getEnv("DEBUG_ROUTES", "") == "true")

	port := getEnv("PORT", "4000")
	srv := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("%s listening on :%s", serviceName, port)

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		log.Printf("invalid duration for %s, using default %s: %v", key, fallback, err)
		return fallback
	}
	return parsed
}
