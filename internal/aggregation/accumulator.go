package aggregation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/vdaf"
	"github.com/divviup/ppm-aggregator/internal/shard"
)

// pendingKey identifies one in-memory accumulator slot: a batch under one
// aggregation parameter, sharded by a randomly chosen ordinal (spec.md §4.5:
// "Random sharding is intentional: it eliminates hotspots on batches
// receiving concurrent writes from multiple replicas").
type pendingKey struct {
	batchIdentifier  string
	aggregationParam string
	ord              int
}

// pendingAggregate is the mutable accumulator cell for one shard.
type pendingAggregate struct {
	share    []byte
	count    int64
	checksum [32]byte
	minTS    time.Time
	maxTS    time.Time
}

// Accumulator is the in-memory map (batch_identifier, shard_ordinal) ->
// PendingAggregate described in spec.md §4.5. It is not safe for concurrent
// use from multiple goroutines without external locking; the driver owns
// one Accumulator per job step.
type Accumulator struct {
	taskID     string
	v          vdaf.Vdaf
	shardCount int
	pending    map[pendingKey]*pendingAggregate
}

// NewAccumulator creates an empty accumulator for one task's VDAF, sharding
// writes across shardCount ordinals (spec.md §6 batch_aggregation_shard_count).
func NewAccumulator(taskID string, v vdaf.Vdaf, shardCount int) *Accumulator {
	if shardCount < 1 {
		shardCount = 1
	}
	return &Accumulator{
		taskID:     taskID,
		v:          v,
		shardCount: shardCount,
		pending:    make(map[pendingKey]*pendingAggregate),
	}
}

// Update merges one report's output share into a randomly chosen shard of
// the given batch/aggregation-parameter (spec.md §4.5).
func (a *Accumulator) Update(batchIdentifier string, aggregationParam []byte, reportID string, clientTimestamp time.Time, outputShare []byte) error {
	key := pendingKey{
		batchIdentifier:  batchIdentifier,
		aggregationParam: string(aggregationParam),
		ord:              shard.For(a.shardCount),
	}

	reportHash := sha256.Sum256([]byte(reportID))

	p, ok := a.pending[key]
	if !ok {
		a.pending[key] = &pendingAggregate{
			share:    outputShare,
			count:    1,
			checksum: reportHash,
			minTS:    clientTimestamp,
			maxTS:    clientTimestamp,
		}
		return nil
	}

	merged, err := a.v.MergeAggregateShares(aggregationParam, p.share, outputShare)
	if err != nil {
		return fmt.Errorf("accumulator: merge aggregate share: %w", err)
	}
	p.share = merged
	p.count++
	for i := range p.checksum {
		p.checksum[i] ^= reportHash[i]
	}
	if clientTimestamp.Before(p.minTS) {
		p.minTS = clientTimestamp
	}
	if clientTimestamp.After(p.maxTS) {
		p.maxTS = clientTimestamp
	}
	return nil
}

// Empty reports whether any updates have been accumulated.
func (a *Accumulator) Empty() bool { return len(a.pending) == 0 }

// FlushToDatastore performs one sharded upsert per accumulated entry within
// tx, merging with whatever was already stored for that shard (spec.md §4.1
// increment_batch_aggregation_shard: "shard row exists -> merge; else
// insert"). skip is the set of batch identifiers whose shards must not be
// written because the targeted batch is already Closed (spec.md §4.4
// no-collected-batch invariant); entries for those batches are dropped here
// rather than written and immediately superseded.
func (a *Accumulator) FlushToDatastore(ctx context.Context, tx storage.Transaction, skip map[string]bool) error {
	for key, p := range a.pending {
		if skip[key.batchIdentifier] {
			continue
		}
		delta := &dap.BatchAggregation{
			TaskID:             a.taskID,
			BatchIdentifier:    key.batchIdentifier,
			AggregationParam:   []byte(key.aggregationParam),
			Ord:                key.ord,
			AggregateShare:     p.share,
			ReportCount:        p.count,
			Checksum:           p.checksum,
			MinClientTimestamp: p.minTS,
			MaxClientTimestamp: p.maxTS,
		}
		if err := tx.IncrementBatchAggregationShard(ctx, delta); err != nil {
			return fmt.Errorf("accumulator: flush shard %d for batch %q: %w", key.ord, key.batchIdentifier, err)
		}
	}
	return nil
}
