package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopchat/internal/adapters/kafka"
	"shopchat/internal/config"
	"shopchat/internal/database"
	"shopchat/internal/repository"
	"shopchat/internal/router"
	"shopchat/internal/service"
	"shopchat/internal/websocket"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.NewPostgresConnection(cfg.Database.URI())
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	redisClient, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	roomRepo := repository.NewRoomRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	presenceRepo := repository.NewPresenceRepository(db, redisClient)

	var eventSink websocket.EventSink
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		eventSink = producer
		slog.Info("kafka producer enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	manager := websocket.NewConnectionManager(roomRepo, messageRepo, presenceRepo, eventSink, websocket.ManagerConfig{
		HeartbeatSweepInterval: cfg.Chat.HeartbeatSweepInterval,
		HeartbeatTimeout:       cfg.Chat.HeartbeatTimeout,
		TypingSweepInterval:    cfg.Chat.TypingSweepInterval,
		TypingIdleCutoff:       cfg.Chat.TypingIdleCutoff,
	})
	manager.StartBackgroundTasks()

	authService := service.NewAuthService(cfg.JWT.Secret, cfg.JWT.ExpirationTime)
	chatService := service.NewChatService(roomRepo, messageRepo, presenceRepo, manager)

	r := router.NewRouter(manager, chatService, authService, redisClient)
	r.SetupRoutes()

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	manager.StopBackgroundTasks()
	manager.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
