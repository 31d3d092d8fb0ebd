package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebmezh/wikistats/internal/checkpoint"
	"github.com/glebmezh/wikistats/internal/store"
	"github.com/twmb/franz-go/pkg/kgo"
)

// CommitState is the coordinator's position in a commit cycle.
type CommitState string

const (
	StateIdle          CommitState = "IDLE"
	StateFlushing      CommitState = "FLUSHING"
	StateEmitting      CommitState = "EMITTING"
	StateCheckpointing CommitState = "CHECKPOINTING"
)

// CommitCoordinator drives the flush → emit → checkpoint cycle.
//
// Ordering guarantee: the consumed-offset checkpoint never advances before
// dirty state is durably flushed and every changed key's aggregate has been
// acknowledged by the sink. A failure anywhere aborts the cycle without a
// checkpoint advance; the next tick retries.
//
// Flushed-but-unemitted entries are carried in a pending map across failed
// cycles (the store clears dirty flags on successful flush, so the
// coordinator owns them from then on). Newer flushes overwrite pending
// values per key: emission can be delayed by a failure but a changed key is
// never skipped and never emitted stale.
type CommitCoordinator struct {
	store          *store.CountStore
	sink           Emitter
	committer      OffsetCommitter
	checkpointFile *checkpoint.File

	state   CommitState
	pending map[string]uint64

	retry retryPolicy
	log   *slog.Logger
}

// NewCommitCoordinator wires the coordinator to its collaborators.
func NewCommitCoordinator(
	countStore *store.CountStore,
	sink Emitter,
	committer OffsetCommitter,
	checkpointFile *checkpoint.File,
	log *slog.Logger,
) *CommitCoordinator {
	return &CommitCoordinator{
		store:          countStore,
		sink:           sink,
		committer:      committer,
		checkpointFile: checkpointFile,
		state:          StateIdle,
		pending:        make(map[string]uint64),
		retry:          defaultRetryPolicy,
		log:            log.With("component", "commit_coordinator"),
	}
}

// ShouldCommit reports whether enough wall-clock time has passed since the
// last successful commit.
func (c *CommitCoordinator) ShouldCommit(lastCommit time.Time, interval time.Duration) bool {
	return time.Since(lastCommit) >= interval
}

func (c *CommitCoordinator) changeState(newState CommitState) {
	c.log.Debug("Commit state change", "from", c.state, "to", newState)
	c.state = newState
}

// State returns the coordinator's current commit state.
func (c *CommitCoordinator) State() CommitState {
	return c.state
}

// EmitError marks a commit cycle that failed while publishing aggregates.
// State is already durably flushed and the entries stay queued, so the
// caller may simply retry the cycle on its next interval.
type EmitError struct {
	Err error
}

func (e *EmitError) Error() string { return fmt.Sprintf("emit aggregates: %v", e.Err) }

func (e *EmitError) Unwrap() error { return e.Err }

// Commit performs one full commit cycle for the given tasks.
func (c *CommitCoordinator) Commit(ctx context.Context, tasks []*Task) error {
	defer c.changeState(StateIdle)

	c.changeState(StateFlushing)
	var entries []store.Entry
	err := c.retry.run(ctx, c.log, "flush count store", func(ctx context.Context) error {
		var ferr error
		entries, ferr = c.store.Flush(ctx)
		return ferr
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		c.pending[e.Key] = e.Count
	}

	// An empty changed set skips straight to checkpointing.
	if len(c.pending) > 0 {
		c.changeState(StateEmitting)
		if err := c.retry.run(ctx, c.log, "emit aggregates", c.emitPending); err != nil {
			return &EmitError{Err: err}
		}
		clear(c.pending)
	}

	c.changeState(StateCheckpointing)
	if err := c.checkpoint(ctx, tasks); err != nil {
		return err
	}

	for _, task := range tasks {
		task.ClearOffsets()
	}

	return nil
}

func (c *CommitCoordinator) emitPending(ctx context.Context) error {
	for key, count := range c.pending {
		if err := c.sink.Emit(ctx, key, count); err != nil {
			return err
		}
	}
	return c.sink.Flush(ctx)
}

func (c *CommitCoordinator) checkpoint(ctx context.Context, tasks []*Task) error {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	positions := make(map[checkpoint.TopicPartition]int64)

	for _, task := range tasks {
		offset, ok := task.CommittableOffset()
		if !ok {
			continue
		}
		if _, ok := offsets[task.topic]; !ok {
			offsets[task.topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[task.topic][task.partition] = offset
		positions[checkpoint.TopicPartition{Topic: task.topic, Partition: task.partition}] = offset.Offset
	}

	if len(offsets) == 0 {
		return nil
	}

	if err := c.committer.CommitOffsets(ctx, offsets); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	// The local checkpoint file records positions for all partitions ever
	// owned, not just this cycle's, so merge over the previous content.
	existing, err := c.checkpointFile.Read()
	if err != nil {
		return fmt.Errorf("read checkpoint file: %w", err)
	}
	for tp, offset := range positions {
		existing[tp] = offset
	}
	if err := c.checkpointFile.Write(existing); err != nil {
		return fmt.Errorf("write checkpoint file: %w", err)
	}

	return nil
}
