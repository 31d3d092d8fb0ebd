package execution

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/glebmezh/wikistats/internal/checkpoint"
	"github.com/glebmezh/wikistats/internal/store"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeEmitter struct {
	ops      *[]string
	emitted  map[string]uint64
	emitErr  error
	flushErr error
}

func (f *fakeEmitter) Emit(_ context.Context, key string, count uint64) error {
	if f.emitErr != nil {
		return f.emitErr
	}
	*f.ops = append(*f.ops, "emit")
	if f.emitted == nil {
		f.emitted = make(map[string]uint64)
	}
	f.emitted[key] = count
	return nil
}

func (f *fakeEmitter) Flush(context.Context) error {
	if f.flushErr != nil {
		return f.flushErr
	}
	*f.ops = append(*f.ops, "sink-flush")
	return nil
}

type fakeCommitter struct {
	ops       *[]string
	committed map[string]map[int32]kgo.EpochOffset
	err       error
}

func (f *fakeCommitter) CommitOffsets(_ context.Context, offsets map[string]map[int32]kgo.EpochOffset) error {
	if f.err != nil {
		return f.err
	}
	*f.ops = append(*f.ops, "commit-offsets")
	f.committed = offsets
	return nil
}

type coordinatorFixture struct {
	store       *store.CountStore
	emitter     *fakeEmitter
	committer   *fakeCommitter
	checkpoints *checkpoint.File
	coordinator *CommitCoordinator
	ops         []string
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	dir := t.TempDir()

	countStore, err := store.Open(dir, slog.Default())
	assert.NoError(t, err)
	t.Cleanup(func() { _ = countStore.Close() })

	f := &coordinatorFixture{store: countStore}
	f.emitter = &fakeEmitter{ops: &f.ops}
	f.committer = &fakeCommitter{ops: &f.ops}
	f.checkpoints = checkpoint.NewFile(filepath.Join(dir, "source.checkpoint"))
	f.coordinator = NewCommitCoordinator(countStore, f.emitter, f.committer, f.checkpoints, slog.Default())
	// Single attempt keeps failure tests from sleeping through backoff.
	f.coordinator.retry = retryPolicy{attempts: 1, backoff: time.Millisecond, maxBackoff: time.Millisecond}
	return f
}

func taskAt(topic string, partition int32, offset int64) *Task {
	return &Task{
		topic:          topic,
		partition:      partition,
		committable:    kgo.EpochOffset{Offset: offset},
		hasCommittable: true,
		log:            slog.Default(),
	}
}

func TestCommitCycleEmitsBeforeCommittingOffsets(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.store.Increment("erica")
	assert.NoError(t, err)
	_, err = f.store.Increment("erica")
	assert.NoError(t, err)
	_, err = f.store.Increment("bob")
	assert.NoError(t, err)

	task := taskAt("WikipediaFeed", 0, 3)
	assert.NoError(t, f.coordinator.Commit(context.Background(), []*Task{task}))

	assert.Equal(t, map[string]uint64{"erica": 2, "bob": 1}, f.emitter.emitted)
	assert.Equal(t, 4, len(f.ops))
	assert.Equal(t, "sink-flush", f.ops[2])
	assert.Equal(t, "commit-offsets", f.ops[3])

	assert.Equal(t, int64(3), f.committer.committed["WikipediaFeed"][0].Offset)

	positions, err := f.checkpoints.Read()
	assert.NoError(t, err)
	tp := checkpoint.TopicPartition{Topic: "WikipediaFeed", Partition: 0}
	assert.Equal(t, int64(3), positions[tp])

	_, ok := task.CommittableOffset()
	assert.False(t, ok)
	assert.Equal(t, StateIdle, f.coordinator.State())
}

func TestEmitFailureAbortsWithoutAdvancingOffsets(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.store.Increment("erica")
	assert.NoError(t, err)

	f.emitter.emitErr = errors.New("broker unavailable")
	task := taskAt("WikipediaFeed", 0, 1)

	err = f.coordinator.Commit(context.Background(), []*Task{task})
	var emitErr *EmitError
	assert.True(t, errors.As(err, &emitErr))

	assert.Zero(t, f.committer.committed)
	positions, err := f.checkpoints.Read()
	assert.NoError(t, err)
	assert.Equal(t, 0, len(positions))

	_, ok := task.CommittableOffset()
	assert.True(t, ok)

	// The flushed entry survives in the coordinator even though the store
	// flush cleared its dirty flag. The next cycle emits it.
	f.emitter.emitErr = nil
	assert.NoError(t, f.coordinator.Commit(context.Background(), []*Task{task}))
	assert.Equal(t, map[string]uint64{"erica": 1}, f.emitter.emitted)
	assert.NotZero(t, f.committer.committed)
}

func TestNewerFlushOverwritesPendingEntry(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.store.Increment("erica")
	assert.NoError(t, err)

	f.emitter.emitErr = errors.New("timeout")
	err = f.coordinator.Commit(context.Background(), []*Task{taskAt("WikipediaFeed", 0, 1)})
	assert.Error(t, err)

	_, err = f.store.Increment("erica")
	assert.NoError(t, err)

	f.emitter.emitErr = nil
	assert.NoError(t, f.coordinator.Commit(context.Background(), []*Task{taskAt("WikipediaFeed", 0, 2)}))
	assert.Equal(t, map[string]uint64{"erica": 2}, f.emitter.emitted)
}

func TestEmptyChangedSetSkipsEmitButCheckpoints(t *testing.T) {
	f := newCoordinatorFixture(t)

	task := taskAt("WikipediaFeed", 1, 7)
	assert.NoError(t, f.coordinator.Commit(context.Background(), []*Task{task}))

	assert.Zero(t, f.emitter.emitted)
	assert.Equal(t, int64(7), f.committer.committed["WikipediaFeed"][1].Offset)
}

func TestNoCommittableOffsetsSkipsBroker(t *testing.T) {
	f := newCoordinatorFixture(t)

	task := &Task{topic: "WikipediaFeed", partition: 0, log: slog.Default()}
	assert.NoError(t, f.coordinator.Commit(context.Background(), []*Task{task}))
	assert.Zero(t, f.committer.committed)
}

func TestCheckpointMergesAcrossCycles(t *testing.T) {
	f := newCoordinatorFixture(t)

	assert.NoError(t, f.coordinator.Commit(context.Background(), []*Task{taskAt("WikipediaFeed", 0, 5)}))
	assert.NoError(t, f.coordinator.Commit(context.Background(), []*Task{taskAt("WikipediaFeed", 1, 9)}))

	positions, err := f.checkpoints.Read()
	assert.NoError(t, err)
	assert.Equal(t, map[checkpoint.TopicPartition]int64{
		{Topic: "WikipediaFeed", Partition: 0}: 5,
		{Topic: "WikipediaFeed", Partition: 1}: 9,
	}, positions)
}
