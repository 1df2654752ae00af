// Package shard picks the BatchAggregation shard ordinal for a report
// (spec.md §4.5 Accumulator): "picks a shard ordinal uniformly at random"
// to spread concurrent writers across distinct rows of the same batch
// instead of contending on one, the same hot-row-avoidance problem the
// teacher's internal/core/partition solved with a hash. Random selection
// fits better here: unlike the teacher's stable per-tenant routing, a
// BatchAggregation shard has no identity worth being stable across calls —
// only even spread across concurrent flushes matters.
package shard

import "crypto/rand"

// For picks a shard ordinal in [0, count) for one Accumulator flush.
// count is the task's configured batch_aggregation_shard_count.
func For(count int) int {
	if count <= 1 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	return int(n % uint64(count))
}
