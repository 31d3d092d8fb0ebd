package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/glebmezh/wikistats/kserde"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Emitter is the output boundary of the commit cycle: buffer aggregate
// records, then Flush as an acknowledgement barrier. The commit coordinator
// never advances the checkpoint before Flush returns nil.
type Emitter interface {
	Emit(ctx context.Context, key string, count uint64) error
	Flush(ctx context.Context) error
}

// StatsSink produces (user, count) records to the stats topic. Produces are
// asynchronous; Flush awaits all outstanding acks and surfaces the first
// failure.
type StatsSink struct {
	client          *kgo.Client
	topic           string
	keySerializer   kserde.Serializer[string]
	valueSerializer kserde.Serializer[uint64]

	futuresWg sync.WaitGroup
	futuresMu sync.Mutex
	futures   []error
}

// NewStatsSink creates a sink writing to topic via client.
func NewStatsSink(client *kgo.Client, topic string) *StatsSink {
	return &StatsSink{
		client:          client,
		topic:           topic,
		keySerializer:   kserde.StringSerializer,
		valueSerializer: kserde.Uint64Serializer,
	}
}

func (s *StatsSink) Emit(ctx context.Context, key string, count uint64) error {
	keyBytes, err := s.keySerializer(key)
	if err != nil {
		return fmt.Errorf("sink %s: serialize key: %w", s.topic, err)
	}

	valueBytes, err := s.valueSerializer(count)
	if err != nil {
		return fmt.Errorf("sink %s: serialize value: %w", s.topic, err)
	}

	s.futuresWg.Add(1)
	// Background context for the async produce: the emit context may be
	// cancelled after Emit returns while the ack is still in flight.
	s.client.Produce(context.Background(), &kgo.Record{
		Topic: s.topic,
		Key:   keyBytes,
		Value: valueBytes,
	}, func(r *kgo.Record, err error) {
		if err != nil {
			s.futuresMu.Lock()
			s.futures = append(s.futures, err)
			s.futuresMu.Unlock()
		}
		s.futuresWg.Done()
	})

	return nil
}

// Flush waits for all pending produces and reports the first error. The
// error slice is reset either way; a failed cycle re-emits from scratch.
func (s *StatsSink) Flush(ctx context.Context) error {
	s.futuresWg.Wait()

	s.futuresMu.Lock()
	defer s.futuresMu.Unlock()

	for _, err := range s.futures {
		if err != nil {
			s.futures = s.futures[:0]
			return fmt.Errorf("sink %s: produce failed: %w", s.topic, err)
		}
	}

	s.futures = s.futures[:0]
	return nil
}

var _ Emitter = (*StatsSink)(nil)
