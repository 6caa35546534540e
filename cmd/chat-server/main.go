package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emoji-chat/internal/config"
	"emoji-chat/internal/domain"
	"emoji-chat/internal/handler"
	"emoji-chat/internal/messaging"
	"emoji-chat/internal/middleware"
	"emoji-chat/internal/notify"
	"emoji-chat/internal/observability"
	"emoji-chat/internal/service"
	"emoji-chat/internal/websocket"

	fbapp "firebase.google.com/go/v4"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	observability.InitLogger("chat-server", cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting chat server",
		slog.String("environment", cfg.Environment),
		slog.String("backend", cfg.Backend),
		slog.String("auth_provider", cfg.AuthProvider))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
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
	slog.Info("realtime backend ready", slog.String("backend", backend.Name()))

	verifier, err := config.NewTokenVerifier(initCtx, cfg, app)
	if err != nil {
		slog.Error("failed to initialize token verifier", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub := websocket.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go func() {
		if err := hub.Run(hubCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("hub error", slog.String("error", err.Error()))
		}
	}()
	slog.Info("websocket hub started")

	// Without a broker the hub receives message events directly. With one,
	// events go through the exchange so every server instance and the
	// notifier see them.
	var publisher domain.MessagePublisher = hub
	var broker handler.Broker
	if cfg.RabbitMQURL != "" {
		rmqCtx, rmqCancel := context.WithTimeout(ctx, 60*time.Second)
		rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
		rmqCancel()
		if err != nil {
			slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer rmq.Close()

		if err := messaging.NewEventConsumer(rmq, hub).Start(ctx); err != nil {
			slog.Error("failed to start event consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("event consumer started")
		publisher = rmq
		broker = rmq
	} else {
		slog.Info("rabbitmq disabled, delivering events in process")
	}

	chatService := service.NewChatService(backend, cfg.ServiceConfig(), service.WithPublisher(publisher))
	authService := service.NewAuthService(verifier, backend)
	registry := notify.NewRegistry(backend)

	roomHandler := handler.NewRoomHandler(chatService)
	profileHandler := handler.NewProfileHandler(authService)
	pushHandler := handler.NewPushHandler(registry)
	origins := middleware.ParseOrigins(cfg.AllowedOrigins)
	wsHandler := handler.NewWebSocketHandler(ctx, hub, chatService, origins)

	apiLimiter := middleware.NewRateLimiter(cfg.APIRateLimit, cfg.APIRateBurst)
	defer apiLimiter.Stop()

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestContext)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(origins))
	r.Use(middleware.Metrics())
	r.Use(middleware.OpenAPIValidator(middleware.NewOpenAPIValidatorConfig(cfg.OpenAPISpecPath, cfg.OpenAPIValidation)))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(backend, backend.Name(), broker))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Not found"}`, http.StatusNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(authService))
		r.Use(apiLimiter.Middleware())

		r.Get("/me", profileHandler.Me)
		r.Put("/me", profileHandler.Update)

		r.Get("/rooms", roomHandler.List)
		r.Post("/rooms", roomHandler.Create)
		r.Get("/rooms/{id}", roomHandler.Get)
		r.Post("/rooms/{id}/repair", roomHandler.Repair)
		r.Get("/rooms/{id}/messages", roomHandler.GetMessages)
		r.Post("/rooms/{id}/messages", roomHandler.SendMessage)

		r.Post("/push/subscriptions", pushHandler.Register)
		r.Delete("/push/subscriptions/{id}", pushHandler.Unregister)
	})

	// Browsers cannot set headers on the upgrade, so the token comes from ?token=
	r.With(middleware.Auth(authService)).Get("/ws", wsHandler.HandleConnection)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("chat server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	// Stops room subscriptions before the hub closes client channels
	cancel()
	hubCancel()

	time.Sleep(100 * time.Millisecond)

	slog.Info("server stopped gracefully")
}
