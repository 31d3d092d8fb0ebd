// Command wikistats consumes WikipediaFeed, counts new-page edits per user
// in a durable local store, and publishes the running totals to
// WikipediaStats.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebmezh/wikistats"
	"github.com/glebmezh/wikistats/pkg/log"
)

func main() {
	var (
		brokers        = flag.String("brokers", "localhost:9092", "comma-separated Kafka broker addresses")
		registryURL    = flag.String("registry", "http://localhost:8081", "schema registry URL")
		stateDir       = flag.String("state-dir", "/tmp/wikistats", "root directory for durable local state")
		appID          = flag.String("app-id", "wikipedia-feed-example", "application id, also used as the consumer group")
		commitInterval = flag.Duration("commit-interval", 10*time.Second, "interval between commit cycles")
		offsetReset    = flag.String("offset-reset", "earliest", "start position without a committed offset: earliest or latest")
		reset          = flag.Bool("reset", false, "remove local state and exit")
	)
	flag.Parse()

	logger := log.New()

	var policy wikistats.ResetPolicy
	switch *offsetReset {
	case "earliest":
		policy = wikistats.ResetEarliest
	case "latest":
		policy = wikistats.ResetLatest
	default:
		logger.Fatal().Str("offset-reset", *offsetReset).Msg("Unknown offset reset policy")
	}

	app, err := wikistats.New(*appID,
		wikistats.WithBrokers(strings.Split(*brokers, ",")),
		wikistats.WithRegistryURL(*registryURL),
		wikistats.WithStateDir(*stateDir),
		wikistats.WithCommitInterval(*commitInterval),
		wikistats.WithResetPolicy(policy),
		wikistats.WithLog(log.NewSlog()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	if *reset {
		if err := app.Clean(); err != nil {
			logger.Fatal().Err(err).Msg("Reset failed")
		}
		logger.Info().Str("app", *appID).Msg("Local state removed")
		return
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		logger.Info().Msg("Shutting down")
		if err := app.Close(); err != nil {
			logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	logger.Info().Str("app", *appID).Str("brokers", *brokers).Msg("Starting")
	if err := app.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Pipeline failed")
	}
	logger.Info().Msg("Stopped")
}
