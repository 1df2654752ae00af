package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/storage/storagetest"
	"github.com/divviup/ppm-aggregator/internal/core/vdaf"
)

func countInputShare(v bool) []byte {
	if v {
		return []byte(decimal.NewFromInt(1).String())
	}
	return []byte(decimal.Zero.String())
}

func TestAccumulator_UpdateAndFlush_SumsAcrossShards(t *testing.T) {
	v := vdaf.Prio3Count{}
	acc := NewAccumulator("task-1", v, 4)

	now := time.Unix(1000, 0).UTC()
	for i := 0; i < 10; i++ {
		step, err := v.LeaderInitialized(nil, nil, nil, nil, countInputShare(true))
		require.NoError(t, err)
		require.Equal(t, vdaf.StepFinished, step.Kind)
		require.NoError(t, acc.Update("batch-1", nil, "report-"+string(rune('a'+i)), now, step.OutputShare))
	}
	require.False(t, acc.Empty())

	store := storagetest.New()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		return acc.FlushToDatastore(ctx, tx, nil)
	}))

	var shards []string
	var total int64
	var shareSum decimal.Decimal
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		bas, err := tx.GetBatchAggregationsForBatch(ctx, "task-1", "batch-1", nil)
		if err != nil {
			return err
		}
		for _, ba := range bas {
			shards = append(shards, ba.BatchIdentifier)
			total += ba.ReportCount
			d, derr := decimal.NewFromString(string(ba.AggregateShare))
			if derr != nil {
				return derr
			}
			shareSum = shareSum.Add(d)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), total)
	require.True(t, shareSum.Equal(decimal.NewFromInt(10)))
}

func TestAccumulator_Flush_SkipsClosedBatches(t *testing.T) {
	v := vdaf.Prio3Count{}
	acc := NewAccumulator("task-1", v, 1)
	now := time.Unix(0, 0).UTC()

	step, err := v.LeaderInitialized(nil, nil, nil, nil, countInputShare(true))
	require.NoError(t, err)
	require.NoError(t, acc.Update("closed-batch", nil, "report-a", now, step.OutputShare))

	store := storagetest.New()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		return acc.FlushToDatastore(ctx, tx, map[string]bool{"closed-batch": true})
	}))

	err = store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		bas, gerr := tx.GetBatchAggregationsForBatch(ctx, "task-1", "closed-batch", nil)
		require.NoError(t, gerr)
		require.Empty(t, bas)
		return nil
	})
	require.NoError(t, err)
}
