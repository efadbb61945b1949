package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agones-join-coordinator/allocator"
	"agones-join-coordinator/config"
	"agones-join-coordinator/gateway"
	"agones-join-coordinator/health"
	"agones-join-coordinator/join"
	"agones-join-coordinator/metrics"
	"agones-join-coordinator/presence"
	"agones-join-coordinator/queues"
	qpubsub "agones-join-coordinator/queues/pubsub"
	"agones-join-coordinator/tickets"
	"agones-join-coordinator/users"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	logLevel := pflag.String("log-level", "", "log level (overrides JOIN_LOG_LEVEL)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := config.Load()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting agones-join-coordinator version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	fleets, err := config.LoadPlaceFleets(cfg.PlaceFleetsFile, cfg.DefaultFleet)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load place fleets")
	}
	codec, err := tickets.NewCodec([]byte(cfg.JoinTicketSecret), []byte(cfg.ServerTicketSecret),
		tickets.WithJoinTTL(cfg.JoinTicketTTL),
		tickets.WithServerTTL(cfg.ServerTicketTTL),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build ticket codec")
	}

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	store := presence.NewStore(rdb, cfg.PresenceTTL)

	dir, err := users.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open user database")
	}
	defer dir.Close()

	var events queues.Publisher = queues.Discard{}
	if cfg.EventsTopic != "" {
		pub := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.EventsTopic, cfg.CredentialsFile)
		defer pub.Close()
		events = pub
	}

	agones := allocator.NewAgones(cfg.TargetNamespace, fleets)
	coord := join.NewCoordinator(codec, agones, store, dir, join.Options{
		BaseURL:           cfg.BaseURL,
		AllocationTimeout: cfg.AllocationTimeout,
		ValidationTimeout: cfg.ValidationTimeout,
	})
	gw := gateway.New(coord, dir, store, events, gateway.Options{
		BaseURL:             cfg.BaseURL,
		ServerAuthorization: cfg.GameServerSecret,
		ServerAliveWindow:   cfg.ServerAliveWindow,
		DebugEndpoints:      cfg.DebugEndpoints,
	}).WithServers(agones, store)
	if cfg.DebugEndpoints {
		log.Warn().Msg("debug endpoints enabled; tickets can be minted for any user")
	}

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux,
		health.Check{Name: "redis", Ping: store.Ping},
		health.Check{Name: "postgres", Ping: dir.Ping},
	)
	mux.Handle("/", gw.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.ActivitySubscription != "" {
		subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.ActivitySubscription, cfg.CredentialsFile)
		defer subscriber.Close()
		go func() {
			log.Info().Str("subscription", cfg.ActivitySubscription).Msg("starting player activity subscriber loop")
			if err := subscriber.Start(ctx, func(ctx context.Context, act *queues.PlayerActivity) error {
				if err := store.Apply(ctx, act); err != nil {
					return err
				}
				metrics.PlayerActivityTotal.WithLabelValues("pubsub", string(act.EventType)).Inc()
				return nil
			}); err != nil {
				// Non-recoverable: if we can't receive from Pub/Sub, terminate the process
				log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
			}
		}()
	}

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
