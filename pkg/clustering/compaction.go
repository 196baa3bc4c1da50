package clustering

import (
	"context"
	"math"
	"sort"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/redis"
	"go.uber.org/zap"
)

// CompactResult reports one compaction pass.
type CompactResult struct {
	Examined int `json:"examined"`
	Groups   int `json:"groups"`
	Merged   int `json:"merged"`
}

// PlanCompaction groups small clusters whose feature vectors lie within
// epsilon of each other. Only clusters sharing a dominant script type are
// compared. Groups and their clusters are ordered by cluster id.
func PlanCompaction(clusters []entity.Cluster, epsilon float64) [][]entity.Cluster {
	buckets := map[string][]entity.Cluster{}
	for _, c := range clusters {
		if len(c.SummaryFeatures) != entity.FeatureCount {
			continue
		}
		script := c.DominantScript()
		buckets[script] = append(buckets[script], c)
	}

	// |a0-b0| bounds the euclidean distance from below, so a sweep sorted on
	// the first feature can stop early.
	reach := epsilon * math.Sqrt(float64(entity.FeatureCount))
	uf := NewUnionFind()
	byID := map[string]entity.Cluster{}
	for _, script := range sortedKeys(buckets) {
		bucket := buckets[script]
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].SummaryFeatures[0] != bucket[j].SummaryFeatures[0] {
				return bucket[i].SummaryFeatures[0] < bucket[j].SummaryFeatures[0]
			}
			return bucket[i].ClusterID < bucket[j].ClusterID
		})
		for i, a := range bucket {
			byID[a.ClusterID] = a
			uf.Add(a.ClusterID)
			for _, b := range bucket[i+1:] {
				if b.SummaryFeatures[0]-a.SummaryFeatures[0] > reach {
					break
				}
				if Distance(a.SummaryFeatures, b.SummaryFeatures) <= epsilon {
					uf.Union(a.ClusterID, b.ClusterID)
				}
			}
		}
	}

	var groups [][]entity.Cluster
	comps := uf.Components()
	for _, root := range sortedKeys(comps) {
		ids := comps[root]
		if len(ids) < 2 {
			continue
		}
		group := make([]entity.Cluster, len(ids))
		for i, id := range ids {
			group[i] = byID[id]
		}
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].ClusterID < groups[j][0].ClusterID })
	return groups
}

// Compact merges behaviorally similar small clusters. Merges are written
// under the same lock as incremental runs and recorded with reason compaction.
func (e *Engine) Compact(ctx context.Context) (CompactResult, error) {
	small, err := e.store.SmallClusters(ctx, e.cfg.CompactionMaxSize, e.cfg.CompactionBatch)
	if err != nil {
		return CompactResult{}, errs.Dependency(dependsOn, err)
	}
	res := CompactResult{Examined: len(small)}
	groups := PlanCompaction(small, e.cfg.CompactionEpsilon)
	if len(groups) == 0 {
		return res, nil
	}
	height, err := e.store.Watermark(ctx, JobName)
	if err != nil {
		return res, errs.Dependency(dependsOn, err)
	}

	err = e.withLock(ctx, func(lock *redis.Lock) error {
		return e.retryConflict(ctx, func() error {
			g, merged, err := e.applyCompaction(ctx, lock, groups, height)
			res.Groups, res.Merged = g, merged
			return err
		})
	})
	if err != nil {
		return res, err
	}
	e.logger.Info("compaction complete",
		zap.Int("examined", res.Examined),
		zap.Int("groups", res.Groups),
		zap.Int("merged", res.Merged))
	return res, nil
}

func (e *Engine) applyCompaction(ctx context.Context, lock *redis.Lock, groups [][]entity.Cluster, height uint64) (int, int, error) {
	var ids []string
	for _, g := range groups {
		for _, c := range g {
			ids = append(ids, c.ClusterID)
		}
	}
	members, err := e.store.ClusterMembers(ctx, ids)
	if err != nil {
		return 0, 0, errs.Dependency(dependsOn, err)
	}
	var watched []string
	for _, ms := range members {
		watched = append(watched, ms...)
	}
	before, err := e.store.MembershipVersion(ctx, watched)
	if err != nil {
		return 0, 0, errs.Dependency(dependsOn, err)
	}

	now := e.clock.Now().UTC()
	cs := store.ClusterChangeSet{Now: now}
	merged := 0
	for _, g := range groups {
		// a cluster archived since planning drops out of its group
		var live []entity.Cluster
		var all []string
		for _, c := range g {
			if ms := members[c.ClusterID]; len(ms) > 0 {
				live = append(live, c)
				all = append(all, ms...)
			}
		}
		if len(live) < 2 {
			continue
		}
		sort.Strings(all)
		newID := entity.ClusterID(all)
		anchor := members[live[0].ClusterID][0]
		for _, c := range live {
			if c.ClusterID == newID {
				continue
			}
			cs.Archived = append(cs.Archived, c.ClusterID)
			cs.History = append(cs.History, entity.ClusterIDChange{
				OldClusterID: c.ClusterID,
				NewClusterID: newID,
				Reason:       entity.ChangeCompaction,
				BlockHeight:  height,
				ChangedAt:    now,
			})
			if c.ClusterID != live[0].ClusterID {
				cs.Edges = append(cs.Edges, entity.ClusterEdge{
					BlockHeight: height,
					Kind:        entity.EdgeCompaction,
					From:        anchor,
					To:          members[c.ClusterID][0],
					Score:       1 - Distance(live[0].SummaryFeatures, c.SummaryFeatures),
					Applied:     1,
					RecordedAt:  now,
				})
			}
			e.metrics.ClusterChanges.WithLabelValues(string(entity.ChangeCompaction)).Inc()
		}
		cs.Clusters = append(cs.Clusters, entity.Cluster{
			ClusterID: newID,
			Size:      uint64(len(all)),
			Members:   all,
			Active:    1,
			UpdatedAt: now,
		})
		merged += len(live)
	}
	if len(cs.Clusters) == 0 {
		return 0, 0, nil
	}
	if err := e.commit(ctx, lock, &cs, watched, before); err != nil {
		return 0, 0, err
	}
	return len(cs.Clusters), merged, nil
}
