package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	v1 "github.com/gosuda/tether/internal/api/v1"
	"github.com/gosuda/tether/internal/auth"
	"github.com/gosuda/tether/internal/config"
	"github.com/gosuda/tether/internal/hub"
	"github.com/gosuda/tether/internal/notify"
	"github.com/gosuda/tether/internal/sealbox"
	"github.com/gosuda/tether/internal/secrets"
	"github.com/gosuda/tether/internal/server"
	"github.com/gosuda/tether/internal/store/memory"
	"github.com/gosuda/tether/internal/store/postgres"
	redisstore "github.com/gosuda/tether/internal/store/redis"
)

// relayStore is satisfied by both *postgres.Store and *memory.Store.
type relayStore interface {
	v1.DataStore
	SealedKeys() secrets.SealedKeyRepository
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	cfg, err := config.LoadHub()
	if err != nil {
		return err
	}
	cfg.Log.Apply()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	master, err := sealbox.ParseKey(cfg.Relay.KeyEncryptionKey)
	if err != nil {
		return fmt.Errorf("TETHER_KEY_ENCRYPTION_KEY: %w", err)
	}
	vault, err := secrets.NewVault(master)
	if err != nil {
		return err
	}
	keys := secrets.NewKeyStore(store.SealedKeys(), vault)

	// Connect to Redis when running more than one replica.
	var fanout hub.Fanout
	if cfg.Redis.Addr != "" {
		pubsub, psErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if psErr != nil {
			return psErr
		}
		defer pubsub.Close()
		fanout = pubsub
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis fan-out enabled")
	}

	senders := notify.NewRegistry()
	senders.Register(notify.PlatformLog, notify.LogSender{})
	if cfg.Slack.BotToken != "" {
		senders.Register(notify.PlatformSlack, notify.NewSlackSender(slacklib.New(cfg.Slack.BotToken)))
		log.Info().Msg("slack notifications enabled")
	}

	verifier := auth.NewJWTVerifier(cfg.JWT.Secret)
	rooms := hub.NewRooms()
	broadcaster := hub.NewBroadcaster(rooms, fanout, cfg.Redis.Channel)

	relay := hub.New(hub.Deps{
		Verifier:    verifier,
		Sessions:    store.Sessions(),
		Approvals:   store.Approvals(),
		Keys:        keys,
		Notifier:    notify.New(senders, store.Devices()),
		Broadcaster: broadcaster,
		Rooms:       rooms,
	}, hub.Options{
		IngressRate:    cfg.Relay.IngressRPS,
		IngressBurst:   cfg.Relay.IngressBurst,
		SendBuffer:     cfg.Relay.SendBuffer,
		ReadLimit:      cfg.Relay.ReadLimit,
		OriginPatterns: originPatterns(cfg.Server.CORSOrigins),
	})

	srv := server.New(ctx, cfg, server.Deps{
		Store:    store,
		Keys:     keys,
		Verifier: verifier,
		Relay:    relay,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("instance", broadcaster.Instance()).Msg("starting hub")
		return srv.Start(gctx)
	})

	g.Go(func() error {
		return broadcaster.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		relay.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}

// openStore connects to PostgreSQL and applies the schema, or falls back to
// the in-memory store when no database host is configured.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (relayStore, func(), error) {
	if cfg.Host == "" {
		log.Warn().Msg("TETHER_DB_HOST not set; using in-memory store")
		return memory.New(), func() {}, nil
	}

	if cfg.MaxConns < 0 || cfg.MaxConns > math.MaxInt32 {
		return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.MaxConns)
	}

	store, err := postgres.New(ctx, cfg.DSN(), int32(cfg.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return nil, nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	return store, store.Close, nil
}

// originPatterns converts CORS origins into the host patterns the websocket
// handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
