package wikistats

import (
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Option is a function that configures an App.
type Option func(*App)

// ResetPolicy selects where consumption starts when the group has no
// committed offset for a partition.
type ResetPolicy int

const (
	// ResetEarliest starts from the beginning of the topic. The default:
	// counts are totals, so a fresh group should see the full history.
	ResetEarliest ResetPolicy = iota
	// ResetLatest starts from the end of the topic.
	ResetLatest
)

func (p ResetPolicy) offset() kgo.Offset {
	if p == ResetLatest {
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().AtStart()
}

func (p ResetPolicy) String() string {
	if p == ResetLatest {
		return "latest"
	}
	return "earliest"
}

// WithBrokers sets the Kafka broker addresses.
var WithBrokers = func(brokers []string) Option {
	return func(s *App) {
		s.brokers = brokers
	}
}

// WithRegistryURL sets the schema registry URL.
var WithRegistryURL = func(url string) Option {
	return func(s *App) {
		s.registryURL = url
	}
}

// WithStateDir sets the root directory for durable local state.
var WithStateDir = func(stateDir string) Option {
	return func(s *App) {
		s.stateDir = stateDir
	}
}

// WithCommitInterval sets how often flushed state is emitted and source
// offsets are committed.
var WithCommitInterval = func(commitInterval time.Duration) Option {
	return func(s *App) {
		s.commitInterval = commitInterval
	}
}

// WithResetPolicy sets where consumption starts without a committed offset.
var WithResetPolicy = func(policy ResetPolicy) Option {
	return func(s *App) {
		s.resetPolicy = policy
	}
}

// WithPollTimeout sets the timeout for polling records from Kafka.
var WithPollTimeout = func(timeout time.Duration) Option {
	return func(s *App) {
		s.pollTimeout = timeout
	}
}

// WithMaxPollRecords sets the maximum number of records polled at once.
var WithMaxPollRecords = func(n int) Option {
	return func(s *App) {
		s.maxPollRecords = n
	}
}

// WithLog sets the logger for the application.
var WithLog = func(log *slog.Logger) Option {
	return func(s *App) {
		s.log = log
	}
}

// NullWriter is a writer that discards all data.
type NullWriter struct{}

func (NullWriter) Write([]byte) (int, error) { return 0, nil }

// NullLogger creates a logger that discards all output.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
