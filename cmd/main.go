package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/go-chi/chi"
	"github.com/go-chi/docgen"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/sksmith/bunnyq"
	"github.com/sksmith/checkout-reservations/api"
	"github.com/sksmith/checkout-reservations/cache"
	"github.com/sksmith/checkout-reservations/config"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/core/user"
	"github.com/sksmith/checkout-reservations/db"
	"github.com/sksmith/checkout-reservations/db/memrepo"
	"github.com/sksmith/checkout-reservations/db/resrepo"
	"github.com/sksmith/checkout-reservations/db/usrrepo"
	"github.com/sksmith/checkout-reservations/queue"
)

const projectPath = "github.com/sksmith/checkout-reservations"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFromFlags()

	configLogging(cfg)
	printLogHeader(cfg)
	cfg.Print()

	resRepo, userRepo := configRepositories(ctx, cfg)

	var bq *bunnyq.BunnyQ
	if !cfg.RabbitMQ.Mock.Value {
		bq = rabbit(ctx, cfg)
	}
	q := configReservationQueue(bq, cfg)

	opts := []reservation.Option{reservation.WithTTL(cfg.Reservation.TTL())}
	if c := configCache(ctx, cfg); c != nil {
		defer c.Close()
		opts = append(opts, reservation.WithCache(c))
	}

	log.Info().Dur("ttl", cfg.Reservation.TTL()).Msg("creating reservation service...")
	reservationService := reservation.NewService(resRepo, q, opts...)

	log.Info().Msg("creating user service...")
	userService := user.NewService(userRepo)

	log.Info().Msg("starting expiry sweeper...")
	sweeper := reservation.NewSweeper(reservationService, cfg.Reservation.SweepInterval.Value, int(cfg.Reservation.SweepLimit.Value))
	go sweeper.Run(ctx)

	if bq != nil {
		log.Info().Msg("consuming stock feed and release requests...")
		stockFeed := queue.NewStockFeedQueue(bq, cfg.RabbitMQ.StockFeed.Queue.Value, cfg.RabbitMQ.StockFeed.Dlt.Exchange.Value)
		go stockFeed.ConsumeStock(ctx, reservationService)
		releases := queue.NewReleaseQueue(bq, cfg.RabbitMQ.Release.Queue.Value)
		go releases.ConsumeReleases(ctx, reservationService)
	}

	log.Info().Msg("configuring router...")
	r := api.ConfigureRouter(cfg, reservationService, userService)

	if cfg.GenerateRoutes.Value {
		generateRoutes(r)
	}

	srv := &http.Server{Addr: ":" + cfg.Port.Value, Handler: r}
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to shut down cleanly")
		}
	}()

	log.Info().Str("port", cfg.Port.Value).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Send()
	}
}

func configRepositories(ctx context.Context, cfg *config.Config) (reservation.Repository, user.Repository) {
	if cfg.Db.InMemory.Value {
		log.Warn().Msg("using the in-memory store, nothing will survive a restart")
		return memrepo.NewRepo(), memrepo.NewUserRepo()
	}

	dbPool, err := db.ConnectDb(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to the database")
	}
	return resrepo.NewPostgresRepo(dbPool), usrrepo.NewPostgresRepo(dbPool)
}

func configReservationQueue(bq *bunnyq.BunnyQ, cfg *config.Config) reservation.Queue {
	switch {
	case cfg.Kafka.Enabled.Value:
		log.Info().Strs("brokers", cfg.Kafka.BrokerList()).Str("topic", cfg.Kafka.Topic.Value).Msg("publishing to kafka...")
		return queue.NewKafkaQueue(cfg.Kafka.BrokerList(), cfg.Kafka.Topic.Value)
	case bq == nil:
		log.Info().Msg("creating mock queue...")
		return queue.NewMockQueue()
	default:
		log.Info().Msg("publishing to rabbitmq...")
		return queue.New(bq, cfg.RabbitMQ.Reservation.Exchange.Value, cfg.RabbitMQ.Stock.Exchange.Value)
	}
}

func configCache(ctx context.Context, cfg *config.Config) *cache.RedisCache {
	if !cfg.Redis.Enabled.Value {
		return nil
	}

	log.Info().Str("addr", cfg.Redis.Addr.Value).Msg("connecting to redis...")
	c := cache.NewRedisCache(cfg.Redis.Addr.Value, cfg.Redis.Password.Value, cfg.Redis.TTL.Value, cfg.Redis.Prefix.Value)
	if err := c.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis is unreachable, availability reads will fall through to the store")
	}
	return c
}

func rabbit(ctx context.Context, cfg *config.Config) *bunnyq.BunnyQ {
	log.Info().Str("host", cfg.RabbitMQ.Host.Value).Msg("connecting to rabbitmq...")

	osChannel := make(chan os.Signal, 1)
	signal.Notify(osChannel, syscall.SIGTERM)

	return bunnyq.New(ctx,
		bunnyq.Address{
			User: cfg.RabbitMQ.User.Value,
			Pass: cfg.RabbitMQ.Pass.Value,
			Host: cfg.RabbitMQ.Host.Value,
			Port: cfg.RabbitMQ.Port.Value,
		},
		osChannel,
		bunnyq.LogHandler(logger{}),
	)
}

type logger struct {
}

func (l logger) Log(_ context.Context, level bunnyq.LogLevel, msg string, data map[string]interface{}) {
	var evt *zerolog.Event
	switch level {
	case bunnyq.LogLevelTrace:
		evt = log.Trace()
	case bunnyq.LogLevelDebug:
		evt = log.Debug()
	case bunnyq.LogLevelInfo:
		evt = log.Info()
	case bunnyq.LogLevelWarn:
		evt = log.Warn()
	case bunnyq.LogLevelError:
		evt = log.Error()
	default:
		evt = log.Info()
	}

	for k, v := range data {
		evt.Interface(k, v)
	}

	evt.Msg(msg)
}

func generateRoutes(r chi.Router) {
	log.Info().Msg("writing route documentation...")

	if err := ioutil.WriteFile("routes.json", []byte(docgen.JSONRoutesDoc(r)), 0644); err != nil {
		log.Warn().Err(err).Msg("failed to write routes.json")
	}

	md := docgen.MarkdownRoutesDoc(r, docgen.MarkdownOpts{
		ProjectPath: projectPath,
		Intro:       "Checkout stock reservation REST API.",
	})
	if err := ioutil.WriteFile("routes.md", []byte(md), 0644); err != nil {
		log.Warn().Err(err).Msg("failed to write routes.md")
	}
}

func printLogHeader(cfg *config.Config) {
	if cfg.Log.Structured.Value {
		log.Info().Str("application", cfg.AppName).
			Str("revision", cfg.Revision).
			Str("version", cfg.AppVersion).
			Str("sha1ver", cfg.Sha1Version).
			Str("build-time", cfg.BuildTime).
			Str("profile", cfg.Profile.Value).
			Str("config-source", cfg.Config.Source.Value).
			Str("config-branch", cfg.Config.Spring.Branch.Value).
			Send()
	} else {
		f := figure.NewFigure(cfg.AppName, "", true)
		f.Print()

		log.Info().Msg("=============================================")
		log.Info().Msg(fmt.Sprintf("       Revision: %s", cfg.Revision))
		log.Info().Msg(fmt.Sprintf("        Profile: %s", cfg.Profile.Value))
		log.Info().Msg(fmt.Sprintf("  Config Server: %s - %s", cfg.Config.Source.Value, cfg.Config.Spring.Branch.Value))
		log.Info().Msg(fmt.Sprintf("    Tag Version: %s", cfg.AppVersion))
		log.Info().Msg(fmt.Sprintf("   Sha1 Version: %s", cfg.Sha1Version))
		log.Info().Msg(fmt.Sprintf("     Build Time: %s", cfg.BuildTime))
		log.Info().Msg("=============================================")
	}
}

func configLogging(cfg *config.Config) {
	log.Info().Msg("configuring logging...")

	if !cfg.Log.Structured.Value {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level.Value)
	if err != nil {
		log.Warn().Str("loglevel", cfg.Log.Level.Value).Err(err).Msg("defaulting to info")
		level = zerolog.InfoLevel
	}
	log.Info().Str("loglevel", level.String()).Msg("setting log level")
	zerolog.SetGlobalLevel(level)
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}
