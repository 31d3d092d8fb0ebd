// Package wikistats runs a continuous aggregation over the WikipediaFeed
// topic: new-page edits are counted per user in a durable local store and
// the running totals are published to WikipediaStats.
package wikistats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebmezh/wikistats/internal/execution"
	"github.com/glebmezh/wikistats/internal/store"
	"github.com/glebmezh/wikistats/wikifeed"
	"github.com/twmb/franz-go/pkg/sr"
	"golang.org/x/sync/errgroup"
)

// ErrStateDirRequired is returned when an App is created without WithStateDir().
var ErrStateDirRequired = errors.New("wikistats: WithStateDir() is required")

// ErrRunning is returned by Clean while the application is running.
var ErrRunning = errors.New("wikistats: application is running")

const schemaRegisterTimeout = 30 * time.Second

// App wires the consumer, the count store, and the stats producer into one
// runnable pipeline. The application id doubles as the consumer group name
// and as the per-application subdirectory under the state dir.
type App struct {
	appID       string
	brokers     []string
	registryURL string

	stateDir string

	commitInterval time.Duration
	pollTimeout    time.Duration
	maxPollRecords int
	resetPolicy    ResetPolicy

	mu      sync.Mutex
	running bool
	worker  *execution.Worker

	log *slog.Logger
}

// New creates an application. Returns an error if the configuration is
// invalid; state is durable, so the state dir is always required.
func New(appID string, opts ...Option) (*App, error) {
	if appID == "" {
		return nil, errors.New("wikistats: application id is required")
	}

	s := &App{
		appID:          appID,
		brokers:        []string{"localhost:9092"},
		registryURL:    "http://localhost:8081",
		commitInterval: 10 * time.Second,
		pollTimeout:    10 * time.Second,
		maxPollRecords: 10000,
		resetPolicy:    ResetEarliest,
		log:            NullLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.stateDir == "" {
		return nil, ErrStateDirRequired
	}

	return s, nil
}

// MustNew creates an application, panicking on configuration errors.
func MustNew(appID string, opts ...Option) *App {
	app, err := New(appID, opts...)
	if err != nil {
		panic(err)
	}
	return app
}

// Run blocks until the pipeline exits, either by an error or by a graceful
// shutdown triggered by a call to Close.
func (c *App) Run() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.worker = nil
		c.mu.Unlock()
	}()

	registry, err := sr.NewClient(sr.URLs(c.registryURL))
	if err != nil {
		return fmt.Errorf("schema registry client: %w", err)
	}

	registerCtx, cancel := context.WithTimeout(context.Background(), schemaRegisterTimeout)
	serde, err := wikifeed.NewSerde(registerCtx, registry)
	cancel()
	if err != nil {
		return fmt.Errorf("register feed schema: %w", err)
	}

	worker, err := execution.NewWorker(execution.Config{
		Brokers:        c.brokers,
		Group:          c.appID,
		Topic:          wikifeed.FeedTopic,
		StateDir:       c.appStateDir(),
		ResetOffset:    c.resetPolicy.offset(),
		CommitInterval: c.commitInterval,
		PollTimeout:    c.pollTimeout,
		MaxPollRecords: c.maxPollRecords,
		Serde:          serde,
		Log:            c.log,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.worker = worker
	c.mu.Unlock()

	grp := errgroup.Group{}
	grp.Go(worker.Run)
	return grp.Wait()
}

// Close gracefully shuts down the application. The worker finishes its
// current batch, runs a final commit cycle, and releases local state.
func (c *App) Close() error {
	c.mu.Lock()
	worker := c.worker
	c.mu.Unlock()

	if worker == nil {
		return nil
	}
	return worker.Close()
}

// Clean removes the application's local state: counts, changelog, and
// checkpoint. The next Run rebuilds from the source topic according to the
// reset policy. Refuses while the application, or any other process holding
// the state directory, is running.
func (c *App) Clean() error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return ErrRunning
	}

	dir := c.appStateDir()
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	lock := store.NewDirectoryLock(dir)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("clean state: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		_ = lock.Unlock()
		return fmt.Errorf("clean state: %w", err)
	}
	return lock.Unlock()
}

func (c *App) appStateDir() string {
	return filepath.Join(c.stateDir, c.appID)
}
