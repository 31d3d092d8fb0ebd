// Package stage holds the record transformation stages applied before
// aggregation, expressed as composed function values rather than a dynamic
// processor graph: the stage set is fixed and small.
package stage

import (
	"context"

	"github.com/glebmezh/wikistats/wikifeed"
)

// Filter decides whether a record enters the rest of the pipeline.
type Filter[K, V any] func(K, V) bool

// Rekey derives a new grouping key for a record. The value is unchanged.
type Rekey[K, V any] func(K, V) K

// Transform composes a filter with a re-keying step.
type Transform[K, V any] struct {
	filter Filter[K, V]
	rekey  Rekey[K, V]
}

// NewTransform builds a transform from a filter and a rekey function.
func NewTransform[K, V any](filter Filter[K, V], rekey Rekey[K, V]) Transform[K, V] {
	return Transform[K, V]{filter: filter, rekey: rekey}
}

// Apply runs the record through the stage. ok is false when the record is
// filtered out; otherwise the returned key is the new grouping key. Pure,
// no side effects.
func (t Transform[K, V]) Apply(k K, v V) (K, bool) {
	if !t.filter(k, v) {
		var zero K
		return zero, false
	}
	return t.rekey(k, v), true
}

// NewFeedTransform returns the stage used by the pipeline: drop feeds that
// are not new, then group by the feed's user.
func NewFeedTransform() Transform[string, wikifeed.WikiFeed] {
	return NewTransform(
		func(_ string, v wikifeed.WikiFeed) bool { return v.IsNew },
		func(_ string, v wikifeed.WikiFeed) string { return v.User },
	)
}

// Counter is the store surface the aggregator needs.
type Counter interface {
	Increment(key string) (uint64, error)
}

// CountAggregator applies the count transition function per re-keyed
// record. Filtering happened upstream; this stage only advances the count,
// so alternative aggregations (sum, min, max) can be substituted behind the
// same contract without touching the store or the commit path.
type CountAggregator struct {
	counter Counter
}

// NewCountAggregator builds an aggregator over counter.
func NewCountAggregator(counter Counter) *CountAggregator {
	return &CountAggregator{counter: counter}
}

// Apply increments the count for key.
func (a *CountAggregator) Apply(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.counter.Increment(key)
	return err
}
