package gateway

import (
	"encoding/json"
	"math"

	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// CostEstimator picks how many batch items go into one compute call.
type CostEstimator interface {
	ShardSize(lane models.Lane, items []json.RawMessage) int
}

// FixedShardSize puts at most N items in every shard.
type FixedShardSize struct {
	N int
}

func (f FixedShardSize) ShardSize(models.Lane, []json.RawMessage) int {
	return max(f.N, 1)
}

// ComputeBudget sizes shards so that MinutesPerItem times the shard size
// stays within the lane's compute minute budget, capped at Max items.
type ComputeBudget struct {
	MinutesPerItem float64
	Lanes          map[models.Lane]config.LaneLimits
	Max            int
}

func (b ComputeBudget) ShardSize(lane models.Lane, _ []json.RawMessage) int {
	size := b.Max
	if l, ok := b.Lanes[lane]; ok && b.MinutesPerItem > 0 && l.MaxComputeMinutes > 0 {
		fit := int(math.Floor(float64(l.MaxComputeMinutes) / b.MinutesPerItem))
		if size <= 0 || fit < size {
			size = fit
		}
	}
	return max(size, 1)
}

// EstimatorFor picks the estimator the policy asks for: a compute budget
// when minutes_per_item is set, else a fixed shard size.
func EstimatorFor(p config.PolicyConfig) CostEstimator {
	if p.MinutesPerItem > 0 {
		return ComputeBudget{MinutesPerItem: p.MinutesPerItem, Lanes: p.Lanes, Max: p.ShardSize}
	}
	return FixedShardSize{N: p.ShardSize}
}

// shardCount returns ceil(items/size).
func shardCount(items, size int) int {
	return (items + size - 1) / size
}
