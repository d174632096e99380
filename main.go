package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/metrics"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/web"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// instanceActor signs outbound fetches for servers that require authorized fetch.
const instanceActor = "instance"

func main() {
	fmt.Println(color.CyanString(" _             _\n| |_ _   _ ___| | __\n| __| | | / __| |/ /\n| |_| |_| \\__ \\   <\n \\__|\\__,_|___/_|\\_\\"))
	fmt.Printf("%s\n", color.New(color.FgHiCyan).Add(color.Bold).Sprint(util.GetNameAndVersion()))
	color.HiBlack("=====================================================\n")

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read configuration")
	}
	util.SetupLogger(conf.Conf.LogLevel)
	fed := conf.Conf.Federation

	database, err := db.Open(util.ResolvePath(conf.Conf.DatabasePath))
	if err != nil {
		log.Fatal().Err(err).Str("path", conf.Conf.DatabasePath).Msg("Failed to open database")
	}
	defer database.Close()

	log.Info().Msg("Running database migrations...")
	if err := database.RunMigrations(); err != nil {
		log.Fatal().Err(err).Msg("Database migrations failed")
	}

	local := activitypub.NewLocalActors(conf.BaseURL())
	signer := activitypub.NewKeySigner(local)
	if err := loadKeys(signer, util.ResolvePath(conf.Conf.KeysDir)); err != nil {
		log.Fatal().Err(err).Msg("Failed to load signing keys")
	}

	client := activitypub.NewSafeClient(fed.FetchTimeout)
	fetcher := activitypub.NewHTTPFetcher(client, fed.FetchRatePerHost, util.UserAgent())
	fetcher.SignAs(signer, instanceActor)

	direct := activitypub.NewHTTPDeliverer(client, signer, util.UserAgent())
	var deliverer activitypub.Deliverer = direct
	if fed.DeliveryMode == util.DeliveryModeQueue {
		deliverer = activitypub.NewQueueDeliverer(database)
	}

	actorCache, err := activitypub.NewMemoryCache(10000)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create actor cache")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	events := activitypub.NewEventBus()
	collector.Subscribe(events)

	federation := activitypub.New(activitypub.Config{
		Store:     database,
		Fetcher:   fetcher,
		Deliverer: deliverer,
		Signer:    signer,
		Cache:     actorCache,
		Events:    events,
		Local:     local,
		Conf:      fed,
	})

	if err := federation.Tasks.Start(fed.TaskSchedule); err != nil {
		log.Fatal().Err(err).Msg("Failed to start task runner")
	}
	defer federation.Tasks.Stop()

	if fed.DeliveryMode == util.DeliveryModeQueue {
		quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
		if _, err := quartz.AddFunc(fed.TaskSchedule, func() {
			n, err := activitypub.DrainQueue(context.Background(), database, direct, 100)
			if err != nil {
				log.Error().Err(err).Msg("Delivery: queue drain failed")
			} else if n > 0 {
				log.Info().Int("delivered", n).Msg("Delivery: queue drained")
			}
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule delivery queue")
		}
		quartz.Start()
		defer func() { <-quartz.Stop().Done() }()
	}

	gin.SetMode(gin.ReleaseMode)
	router := web.NewRouter(web.Config{
		Inbox:     federation.Dispatcher,
		Verifier:  federation.Verifier,
		Followers: federation.Sync,
		Keys:      signer,
		Local:     local,
		Gatherer:  registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	if err := web.Serve(ctx, addr, router); err != nil {
		log.Error().Err(err).Msg("HTTP server stopped")
	}
	log.Info().Msg("Shutting down")
}

// loadKeys registers every <actor>.pem in dir, creating the instance key on
// first start.
func loadKeys(signer *activitypub.KeySigner, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if _, err := util.LoadOrCreatePrivateKey(filepath.Join(dir, instanceActor+".pem")); err != nil {
		return err
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), ".pem")
		pem, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := signer.AddKey(id, string(pem)); err != nil {
			return fmt.Errorf("key %s: %w", path, err)
		}
		log.Info().Str("actor", id).Msg("Loaded signing key")
	}
	return nil
}
