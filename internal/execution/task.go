package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glebmezh/wikistats/internal/stage"
	"github.com/glebmezh/wikistats/kserde"
	"github.com/glebmezh/wikistats/wikifeed"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sr"
)

// DecodeError reports a record value that could not be interpreted. Decode
// failures are fatal for the batch and surfaced to the operator; silently
// dropping them could mask upstream corruption.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record %s-%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Task processes one input partition: decode, transform, aggregate, track
// the committable offset. Records within a partition are strictly
// sequential; the shared count store handles keys colliding across
// partitions after re-keying.
type Task struct {
	topic     string
	partition int32

	serde           *sr.Serde
	keyDeserializer kserde.Deserializer[string]
	transform       stage.Transform[string, wikifeed.WikiFeed]
	aggregator      *stage.CountAggregator

	committable    kgo.EpochOffset
	hasCommittable bool

	log *slog.Logger
}

// NewTask creates a task for one (topic, partition) pair.
func NewTask(
	topic string,
	partition int32,
	serde *sr.Serde,
	transform stage.Transform[string, wikifeed.WikiFeed],
	aggregator *stage.CountAggregator,
	log *slog.Logger,
) *Task {
	return &Task{
		topic:           topic,
		partition:       partition,
		serde:           serde,
		keyDeserializer: kserde.StringDeserializer,
		transform:       transform,
		aggregator:      aggregator,
		log:             log.With("task", fmt.Sprintf("%s-%d", topic, partition)),
	}
}

// Process runs records through the stage chain in offset order. The
// committable offset only advances past records that were fully applied
// (or filtered out), so a mid-batch failure reprocesses from the failed
// record, never skipping one.
func (t *Task) Process(ctx context.Context, records ...*kgo.Record) error {
	for _, record := range records {
		key, err := t.keyDeserializer(record.Key)
		if err != nil {
			return &DecodeError{Topic: record.Topic, Partition: record.Partition, Offset: record.Offset, Err: err}
		}

		var feed wikifeed.WikiFeed
		if err := t.serde.Decode(record.Value, &feed); err != nil {
			return &DecodeError{Topic: record.Topic, Partition: record.Partition, Offset: record.Offset, Err: err}
		}

		if newKey, ok := t.transform.Apply(key, feed); ok {
			if err := t.aggregator.Apply(ctx, newKey); err != nil {
				return fmt.Errorf("aggregate %s-%d@%d: %w", record.Topic, record.Partition, record.Offset, err)
			}
		}

		t.committable = kgo.EpochOffset{
			Epoch:  record.LeaderEpoch,
			Offset: record.Offset + 1,
		}
		t.hasCommittable = true
	}

	return nil
}

// CommittableOffset returns the next-to-consume offset for this partition
// and whether any record was processed since the last commit.
func (t *Task) CommittableOffset() (kgo.EpochOffset, bool) {
	return t.committable, t.hasCommittable
}

// ClearOffsets forgets the committable offset after a successful commit.
func (t *Task) ClearOffsets() {
	t.hasCommittable = false
}

func (t *Task) String() string {
	return fmt.Sprintf("%s-%d", t.topic, t.partition)
}
