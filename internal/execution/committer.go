package execution

import (
	"context"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// OffsetCommitter advances the consumed-offset checkpoint at the broker.
// Split behind an interface so commit-cycle ordering can be tested without
// a broker.
type OffsetCommitter interface {
	CommitOffsets(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset) error
}

type groupCommitter struct {
	client *kgo.Client
}

func newGroupCommitter(client *kgo.Client) *groupCommitter {
	return &groupCommitter{client: client}
}

// CommitOffsets commits synchronously and decodes per-partition error codes
// from the response; a partial failure fails the whole commit.
func (g *groupCommitter) CommitOffsets(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset) error {
	errCh := make(chan error, 1)

	g.client.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			errCh <- err
			return
		}

		for _, topic := range resp.Topics {
			for _, partition := range topic.Partitions {
				if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
					errCh <- err
					return
				}
			}
		}

		errCh <- nil
	})

	return <-errCh
}

var _ OffsetCommitter = (*groupCommitter)(nil)
