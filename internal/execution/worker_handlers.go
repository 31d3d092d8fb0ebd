package execution

import (
	"context"
	"errors"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

func (r *Worker) handleCreated() {
	select {
	case ev := <-r.assignedOrRevoked:
		r.newlyAssigned = ev.Assigned
		r.newlyRevoked = ev.Revoked
		r.changeState(StatePartitionsAssigned)
	case <-r.closeRequested:
		r.changeState(StateCloseRequested)
	}
}

func (r *Worker) handlePartitionsAssigned() {
	if len(r.newlyRevoked) > 0 {
		// Commit before losing ownership so the next owner of these
		// partitions resumes from positions our flushed state covers.
		if err := r.forceCommit(); err != nil {
			r.err = err
			r.changeState(StateCloseRequested)
			return
		}
		for _, partitions := range r.newlyRevoked {
			for _, partition := range partitions {
				r.log.Info("Partition revoked", "partition", partition)
				delete(r.tasks, partition)
			}
		}
		r.newlyRevoked = nil
	}

	for topic, partitions := range r.newlyAssigned {
		for _, partition := range partitions {
			r.log.Info("Partition assigned", "partition", partition)
			r.tasks[partition] = NewTask(topic, partition, r.serde, r.transform, r.aggregator, r.log)
		}
	}
	r.newlyAssigned = nil

	if len(r.tasks) > 0 {
		if r.lastSuccessfulCommit.IsZero() {
			// Start the interval clock here; a zero value would trigger a
			// commit cycle on the very first poll.
			r.lastSuccessfulCommit = time.Now()
		}
		r.changeState(StateRunning)
	} else {
		r.changeState(StateCreated)
	}
}

func (r *Worker) handleRunning() {
	select {
	case ev := <-r.assignedOrRevoked:
		r.newlyAssigned = ev.Assigned
		r.newlyRevoked = ev.Revoked
		r.changeState(StatePartitionsAssigned)
		return
	case <-r.closeRequested:
		r.changeState(StateCloseRequested)
		return
	default:
	}

	pollCtx, cancelPoll := context.WithTimeout(context.Background(), r.pollTimeout)
	r.cancelPollMtx.Lock()
	r.cancelPoll = cancelPoll
	r.cancelPollMtx.Unlock()
	fetches := r.client.PollRecords(pollCtx, r.maxPollRecords)
	cancelPoll()

	if fetches.IsClientClosed() {
		r.changeState(StateCloseRequested)
		return
	}

	var fatal error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("Fetch failed", "topic", topic, "partition", partition, "error", err)
		fatal = err
	})
	if fatal != nil {
		r.err = fatal
		r.changeState(StateCloseRequested)
		return
	}

	fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
		if fatal != nil {
			return
		}
		task, ok := r.tasks[ftp.Partition]
		if !ok {
			// Records for a partition we no longer own arrive when a
			// rebalance races a poll already in flight. Dropping them is
			// safe, the new owner re-reads from the committed offset.
			r.log.Warn("Dropping records for unassigned partition", "partition", ftp.Partition)
			return
		}
		if err := task.Process(context.Background(), ftp.Records...); err != nil {
			r.log.Error("Processing failed", "task", task.String(), "error", err)
			fatal = err
		}
	})
	if fatal != nil {
		r.err = fatal
		r.changeState(StateCloseRequested)
		return
	}

	r.maybeCommit()
}

func (r *Worker) maybeCommit() {
	if !r.coordinator.ShouldCommit(r.lastSuccessfulCommit, r.commitInterval) {
		return
	}
	if err := r.commit(); err != nil {
		var emitErr *EmitError
		if errors.As(err, &emitErr) {
			// Aggregates stay queued in the coordinator and the source
			// offsets stay uncommitted, so the next interval retries the
			// whole cycle from the emit step.
			r.log.Warn("Commit cycle aborted, will retry", "error", err)
			return
		}
		r.err = err
		r.changeState(StateCloseRequested)
	}
}

// forceCommit runs a commit cycle regardless of the interval. Any failure,
// including emission, is an error because the caller cannot retry later.
func (r *Worker) forceCommit() error {
	return r.commit()
}

func (r *Worker) commit() error {
	commitCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	tasks := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	if err := r.coordinator.Commit(commitCtx, tasks); err != nil {
		return err
	}
	r.lastSuccessfulCommit = time.Now()
	return nil
}

func (r *Worker) handleCloseRequested() {
	if len(r.tasks) > 0 {
		if err := r.forceCommit(); err != nil {
			r.log.Error("Final commit failed", "error", err)
			if r.err == nil {
				r.err = err
			}
		}
	}

	r.client.Close()

	if err := r.store.Close(); err != nil {
		r.log.Error("Closing count store failed", "error", err)
		if r.err == nil {
			r.err = err
		}
	}

	r.changeState(StateClosed)
}

func (r *Worker) handleClosed() {
	r.closed.Done()
}
