// Command wikistats-driver exercises the pipeline end to end: it creates
// the topics, produces a stream of random WikipediaFeed edits, and tails
// WikipediaStats printing each user's running total.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebmezh/wikistats/kserde"
	"github.com/glebmezh/wikistats/pkg/log"
	"github.com/glebmezh/wikistats/wikifeed"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sr"
	"golang.org/x/sync/errgroup"
)

var users = []string{"erica", "bob", "joe", "damian", "tania", "phil", "sam", "lauren", "joseph"}

func main() {
	var (
		brokers     = flag.String("brokers", "localhost:9092", "comma-separated Kafka broker addresses")
		registryURL = flag.String("registry", "http://localhost:8081", "schema registry URL")
		partitions  = flag.Int("partitions", 4, "partition count for created topics")
		interval    = flag.Duration("interval", 100*time.Millisecond, "delay between produced edits")
	)
	flag.Parse()

	logger := log.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seeds := strings.Split(*brokers, ",")

	producer, err := kgo.NewClient(kgo.SeedBrokers(seeds...))
	if err != nil {
		logger.Fatal().Err(err).Msg("Create producer client")
	}
	defer producer.Close()

	if err := createTopics(ctx, kadm.NewClient(producer), int32(*partitions)); err != nil {
		logger.Fatal().Err(err).Msg("Create topics")
	}

	registry, err := sr.NewClient(sr.URLs(*registryURL))
	if err != nil {
		logger.Fatal().Err(err).Msg("Create registry client")
	}
	serde, err := wikifeed.NewSerde(ctx, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Register feed schema")
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.ConsumeTopics(wikifeed.StatsTopic),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Create consumer client")
	}
	defer consumer.Close()

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			user := users[rand.IntN(len(users))]
			feed := wikifeed.WikiFeed{
				User:    user,
				IsNew:   rand.IntN(2) == 1,
				Content: fmt.Sprintf("blah blah by %s", user),
			}
			value, err := serde.Encode(feed)
			if err != nil {
				return fmt.Errorf("encode feed: %w", err)
			}

			producer.Produce(ctx, &kgo.Record{
				Topic: wikifeed.FeedTopic,
				Key:   []byte(user),
				Value: value,
			}, func(_ *kgo.Record, err error) {
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("Produce failed")
				}
			})
		}
	})

	grp.Go(func() error {
		for {
			fetches := consumer.PollFetches(ctx)
			if ctx.Err() != nil || fetches.IsClientClosed() {
				return nil
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				logger.Error().Str("topic", topic).Int32("partition", partition).Err(err).Msg("Fetch failed")
			})
			fetches.EachRecord(func(record *kgo.Record) {
				user, err := kserde.StringDeserializer(record.Key)
				if err != nil {
					logger.Error().Err(err).Msg("Decode stats key")
					return
				}
				count, err := kserde.Uint64Deserializer(record.Value)
				if err != nil {
					logger.Error().Err(err).Msg("Decode stats value")
					return
				}
				fmt.Printf("%s=%d\n", user, count)
			})
		}
	})

	logger.Info().Str("brokers", *brokers).Msg("Driver running, Ctrl-C to stop")
	if err := grp.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Driver failed")
	}
}

func createTopics(ctx context.Context, adm *kadm.Client, partitions int32) error {
	resps, err := adm.CreateTopics(ctx, partitions, 1, nil, wikifeed.FeedTopic, wikifeed.StatsTopic)
	if err != nil {
		return err
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}
