package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emoji-chat/internal/config"
	"emoji-chat/internal/messaging"
	"emoji-chat/internal/notify"
	"emoji-chat/internal/observability"
	"emoji-chat/internal/service"

	fbapp "firebase.google.com/go/v4"
)

func main() {
	cfg := config.Load()
	observability.InitLogger("notifier", cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting push notifier", slog.String("backend", cfg.Backend))

	if cfg.RabbitMQURL == "" {
		slog.Error("RABBITMQ_URL is required for the notifier")
		os.Exit(1)
	}
	if cfg.Backend == config.BackendMemory {
		slog.Error("the notifier needs a shared backend, memory is process-local")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 60*time.Second)
	defer initCancel()

	var app *fbapp.App
	if cfg.UsesFirebase() {
		var err error
		app, err = config.NewFirebaseApp(initCtx, cfg)
		if err != nil {
			slog.Error("failed to initialize firebase", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	backend, err := config.NewBackend(initCtx, cfg, app)
	if err != nil {
		slog.Error("failed to open realtime backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backend.Close()

	rmq, err := messaging.NewRabbitMQWithRetry(initCtx, cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()
	slog.Info("connected to rabbitmq")

	deliveries, err := rmq.ConsumePushNotifications()
	if err != nil {
		slog.Error("failed to start consuming", slog.String("error", err.Error()))
		os.Exit(1)
	}

	chatService := service.NewChatService(backend, cfg.ServiceConfig())
	dispatcher := notify.NewDispatcher(
		chatService,
		notify.NewRegistry(backend),
		notify.NewWebhookSender(cfg.PushRateLimit),
	)

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx, deliveries)
		close(done)
	}()
	slog.Info("push notifier is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		slog.Info("shutting down push notifier")
	case <-done:
		slog.Warn("push queue closed, exiting")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("dispatcher did not stop in time")
	}
	slog.Info("push notifier stopped")
}
