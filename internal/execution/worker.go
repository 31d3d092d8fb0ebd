// Package execution contains the topology runtime: the worker poll loop,
// per-partition tasks, and the commit coordinator that ties durable state,
// output emission, and offset checkpoints together.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebmezh/wikistats/internal/checkpoint"
	"github.com/glebmezh/wikistats/internal/stage"
	"github.com/glebmezh/wikistats/internal/store"
	"github.com/glebmezh/wikistats/wikifeed"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sr"
)

// WorkerState is the worker lifecycle state. Transitions happen only from
// within the run loop.
type WorkerState string

const (
	StateCreated            WorkerState = "CREATED"
	StatePartitionsAssigned WorkerState = "PARTITIONS_ASSIGNED"
	StateRunning            WorkerState = "RUNNING"
	StateCloseRequested     WorkerState = "CLOSE_REQUESTED"
	StateClosed             WorkerState = "CLOSED"
)

const checkpointFileName = "source.checkpoint"

// DefaultShutdownTimeout bounds graceful shutdown, including the final
// forced commit cycle.
const DefaultShutdownTimeout = 30 * time.Second

// Config holds everything a Worker needs. StateDir is the fully resolved
// per-application directory.
type Config struct {
	Brokers        []string
	Group          string
	Topic          string
	StateDir       string
	ResetOffset    kgo.Offset
	CommitInterval time.Duration
	PollTimeout    time.Duration
	MaxPollRecords int
	Serde          *sr.Serde
	Log            *slog.Logger
}

// AssignedOrRevoked carries a partition assignment change from the client
// callbacks into the run loop.
type AssignedOrRevoked struct {
	Assigned map[string][]int32
	Revoked  map[string][]int32
}

// Worker owns the poll → transform → aggregate → commit loop for its
// assigned partitions. One store and one commit coordinator are shared by
// all tasks because re-keying can map records from different input
// partitions onto the same aggregation key.
type Worker struct {
	client      *kgo.Client
	store       *store.CountStore
	coordinator *CommitCoordinator

	topic      string
	serde      *sr.Serde
	transform  stage.Transform[string, wikifeed.WikiFeed]
	aggregator *stage.CountAggregator

	tasks map[int32]*Task

	state WorkerState

	assignedOrRevoked chan AssignedOrRevoked
	newlyAssigned     map[string][]int32
	newlyRevoked      map[string][]int32

	closeRequested chan struct{}

	cancelPollMtx sync.Mutex
	cancelPoll    func()

	closed    sync.WaitGroup
	closeOnce sync.Once

	lastSuccessfulCommit time.Time
	commitInterval       time.Duration
	pollTimeout          time.Duration
	maxPollRecords       int
	shutdownTimeout      time.Duration

	err error
	log *slog.Logger
}

// NewWorker opens the local state (restoring from the changelog) and builds
// the Kafka client. Restoration failures, including a corrupted changelog,
// fail construction; the operator must explicitly reset state to proceed.
func NewWorker(cfg Config) (*Worker, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("worker", cfg.Group)

	countStore, err := store.Open(cfg.StateDir, log)
	if err != nil {
		return nil, fmt.Errorf("open count store: %w", err)
	}

	checkpointFile := checkpoint.NewFile(filepath.Join(cfg.StateDir, checkpointFileName))
	positions, err := checkpointFile.Read()
	if err != nil {
		_ = countStore.Close()
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	for tp, offset := range positions {
		log.Info("Flushed state covers source position",
			"topic", tp.Topic, "partition", tp.Partition, "offset", offset)
	}

	assignments := make(chan AssignedOrRevoked, 10)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(cfg.ResetOffset),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
			assignments <- AssignedOrRevoked{Assigned: m}
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
			assignments <- AssignedOrRevoked{Revoked: m}
		}),
	)
	if err != nil {
		_ = countStore.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	sink := NewStatsSink(client, wikifeed.StatsTopic)
	coordinator := NewCommitCoordinator(countStore, sink, newGroupCommitter(client), checkpointFile, log)

	w := &Worker{
		client:            client,
		store:             countStore,
		coordinator:       coordinator,
		topic:             cfg.Topic,
		serde:             cfg.Serde,
		transform:         stage.NewFeedTransform(),
		aggregator:        stage.NewCountAggregator(countStore),
		tasks:             make(map[int32]*Task),
		state:             StateCreated,
		assignedOrRevoked: assignments,
		closeRequested:    make(chan struct{}, 1),
		commitInterval:    cfg.CommitInterval,
		pollTimeout:       cfg.PollTimeout,
		maxPollRecords:    cfg.MaxPollRecords,
		shutdownTimeout:   DefaultShutdownTimeout,
		log:               log,
	}

	w.closed.Add(1)
	return w, nil
}

func (r *Worker) changeState(newState WorkerState) {
	r.log.Info("Change state", "from", r.state, "to", newState)
	r.state = newState
}

// Run drives the state machine until the worker is closed or fails.
func (r *Worker) Run() error {
	for {
		switch r.state {
		case StateCreated:
			r.handleCreated()
		case StatePartitionsAssigned:
			r.handlePartitionsAssigned()
		case StateRunning:
			r.handleRunning()
		case StateCloseRequested:
			r.handleCloseRequested()
		case StateClosed:
			r.handleClosed()
			return r.err
		}
	}
}

// ErrShutdownTimeout is returned when graceful shutdown exceeds the timeout.
var ErrShutdownTimeout = fmt.Errorf("worker shutdown timed out")

// Close requests a graceful shutdown and waits for it. The shutdown signal
// is observed between batches, never mid-batch, and triggers one final
// forced commit cycle before resources are released.
func (r *Worker) Close() error {
	r.closeOnce.Do(func() {
		r.cancelPollMtx.Lock()
		select {
		case r.closeRequested <- struct{}{}:
		default:
		}
		if r.cancelPoll != nil {
			r.cancelPoll()
		}
		r.cancelPollMtx.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.closed.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.shutdownTimeout):
		r.log.Error("Shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		return ErrShutdownTimeout
	}
}
