// Command server runs the realtime chat API: REST endpoints plus one
// websocket per client session, backed by SQLite or Postgres and optionally
// fanned out across nodes through Redis.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/onechat-realtime/internal/bus"
	"github.com/tbourn/onechat-realtime/internal/config"
	httpapi "github.com/tbourn/onechat-realtime/internal/http"
	"github.com/tbourn/onechat-realtime/internal/observability"
	"github.com/tbourn/onechat-realtime/internal/presence"
	"github.com/tbourn/onechat-realtime/internal/repo"
	"github.com/tbourn/onechat-realtime/internal/services"
	"github.com/tbourn/onechat-realtime/internal/session"
	"github.com/tbourn/onechat-realtime/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownGrace  = 15 * time.Second
	purgeEvery     = 10 * time.Minute
	redisPingLimit = 5 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env")
	}
	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.Store.Driver, cfg.Store.DSN())
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if err := repo.EnsureGlobalRoom(ctx, db); err != nil {
		return err
	}

	busOpts := []bus.Option{bus.WithBuffer(cfg.BusBuffer), bus.WithNodeID(observability.InstanceID)}
	var presenceStore presence.Store = presence.NewMemoryStore()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		presenceStore = presence.NewRedisStore(rdb, "")
	}

	eventBus := bus.New(busOpts...)
	if rdb != nil {
		relay := bus.NewRedisRelay(rdb, cfg.BusChannel, eventBus)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("bus relay stopped")
			}
		}()
	}

	users := services.NewUserService(db)
	convs := services.NewConversationService(db, eventBus)
	convs.MaxContentRunes = cfg.MaxContentRunes
	convs.GlobalRoomLimit = cfg.GlobalRoomLimit
	convs.IdempotencyTTL = cfg.IdempotencyTTL
	reqs := services.NewRequestService(db, eventBus, users)

	hub := session.NewHub(convs, reqs, users, presence.NewRegistry(presenceStore, cfg.PresenceWindow), eventBus)
	go purgeIdempotency(ctx, convs)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, hub, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("driver", cfg.Store.Driver).
			Bool("redis", rdb != nil).
			Str("version", version).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Int("sessions", hub.Sessions()).Msg("shutting down")
	// Websockets are hijacked and ignored by Shutdown; close them first so
	// clients see a going-away frame.
	hub.CloseAll()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(sctx)
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, redisPingLimit)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func purgeIdempotency(ctx context.Context, convs *services.ConversationService) {
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := convs.PurgeIdempotency(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("idempotency keys expired")
			}
		}
	}
}
