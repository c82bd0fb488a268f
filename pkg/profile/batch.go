package profile

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MergeShardsParallel partitions profiles into len(shardOf) groups using
// shardOf(profileIndex) and merges each shard independently and
// concurrently, since Merger is shared-nothing and single-threaded per
// instance (§4.G/§5). It returns one merged Profile per shard, in shard
// order. A single shard's merge error aborts the whole batch.
func MergeShardsParallel(profiles []*Profile, numShards int, shardOf func(index int) int, options MergeOptions) ([]*Profile, error) {
	if numShards <= 0 {
		return nil, fmt.Errorf("profile: MergeShardsParallel: numShards must be positive, got %d", numShards)
	}

	buckets := make([][]*Profile, numShards)
	for i, p := range profiles {
		shard := shardOf(i)
		if shard < 0 || shard >= numShards {
			return nil, fmt.Errorf("profile: MergeShardsParallel: shardOf(%d) = %d out of range [0,%d)", i, shard, numShards)
		}
		buckets[shard] = append(buckets[shard], p)
	}

	results := make([]*Profile, numShards)
	var g errgroup.Group
	for shard := range buckets {
		shard := shard
		g.Go(func() error {
			if len(buckets[shard]) == 0 {
				results[shard] = NewBuilder().Finish()
				return nil
			}
			merged, err := MergeProfiles(buckets[shard], options)
			if err != nil {
				return fmt.Errorf("profile: shard %d: %w", shard, err)
			}
			results[shard] = merged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
