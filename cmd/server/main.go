package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/buzz-line/buzz-line/internal/bridge"
	"github.com/buzz-line/buzz-line/internal/chat"
	"github.com/buzz-line/buzz-line/internal/config"
	"github.com/buzz-line/buzz-line/internal/db"
	"github.com/buzz-line/buzz-line/internal/gateway"
	"github.com/buzz-line/buzz-line/internal/httpapi"
	"github.com/buzz-line/buzz-line/internal/httpapi/handlers"
	"github.com/buzz-line/buzz-line/internal/hub"
	"github.com/buzz-line/buzz-line/internal/ratelimit"
	"github.com/buzz-line/buzz-line/internal/session"
	"github.com/buzz-line/buzz-line/internal/store"
	"github.com/buzz-line/buzz-line/internal/telegram"
	"github.com/buzz-line/buzz-line/internal/upload"
)

const maintenanceInterval = 60 * time.Second

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	// Only configuration errors are fatal; everything past this point
	// degrades per request.
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	gin.SetMode(gin.ReleaseMode)

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	repo := store.NewRepo(gdb)

	files, err := upload.NewStore(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("upload store init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sockets := hub.New(log)
	limiter := ratelimit.New(ratelimit.DefaultLimits())
	validator := session.NewValidator(cfg, repo, sockets, log)

	tg := telegram.NewClient(cfg.BotToken, cfg.ChatID)

	chatSvc := chat.NewService(repo, sockets, nil, cfg.MessageMaxLen, log)
	br := bridge.New(repo, tg, chatSvc, files, sockets, cfg.ChatID, log)
	chatSvc.SetBridge(br)

	if username, err := tg.GetMe(ctx); err != nil {
		log.Warn().Err(err).Msg("bot identity lookup failed")
	} else {
		br.SetBotUsername(username)
	}

	gw := gateway.New(cfg, validator, repo, chatSvc, sockets, limiter, br, log)
	h := handlers.NewHandler(cfg, validator, chatSvc, limiter, br, files, log)
	router := httpapi.NewRouter(cfg, h, gw, validator, log)

	switch cfg.DeliveryMode {
	case config.ModeWebhook:
		url := strings.TrimRight(cfg.PublicURL, "/") + cfg.WebhookPath
		if err := tg.SetWebhook(ctx, url, cfg.WebhookSecret); err != nil {
			log.Fatal().Err(err).Msg("webhook registration failed")
		}
		log.Info().Str("url", url).Msg("webhook delivery enabled")
	case config.ModePolling:
		if err := tg.DeleteWebhook(ctx); err != nil {
			log.Warn().Err(err).Msg("webhook cleanup failed")
		}
		go bridge.NewPoller(tg, br, log).Run(ctx)
	}

	// The only scheduled work in the core: prune rate-limit entries and
	// purge expired token sessions.
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
				validator.Sweep(ctx)
			}
		}
	}()

	srv := &http.Server{Addr: cfg.Addr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("mode", cfg.DeliveryMode).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}
