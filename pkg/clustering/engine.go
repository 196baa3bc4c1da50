package clustering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/chain"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/canopy-network/entityx/pkg/redis"
	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// JobName keys the clustering watermark.
const JobName = "clustering"

const (
	lockPoll  = 250 * time.Millisecond
	mapChunk  = 500
	dependsOn = "clickhouse"
)

// Store is the analytical storage the engine reads transactions from and
// writes the partition to.
type Store interface {
	HeadHeight(ctx context.Context) (uint64, error)
	Watermark(ctx context.Context, job string) (uint64, error)
	CommitWatermark(ctx context.Context, job string, height uint64) error
	Transactions(ctx context.Context, from, to uint64) ([]chain.Transaction, error)
	FirstSeen(ctx context.Context, addresses []string) (map[string]string, error)
	MixerAddresses(ctx context.Context) ([]string, error)
	Memberships(ctx context.Context, addresses []string) (map[string]entity.AddressCluster, error)
	MembershipVersion(ctx context.Context, addresses []string) (uint64, error)
	LiveClusters(ctx context.Context, addresses []string) (map[string][]string, error)
	ClusterMembers(ctx context.Context, clusterIDs []string) (map[string][]string, error)
	AddressStats(ctx context.Context, addresses []string, roundUnit uint64) (map[string]store.AddressStats, error)
	SmallClusters(ctx context.Context, maxSize uint64, limit int) ([]entity.Cluster, error)
	ApplyClusterChanges(ctx context.Context, cs store.ClusterChangeSet) error
	InsertEdges(ctx context.Context, edges []entity.ClusterEdge) error
}

// Locker serializes reduce steps across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl, wait, interval time.Duration) (*redis.Lock, error)
}

// Engine maintains the address partition incrementally.
type Engine struct {
	store   Store
	locker  Locker
	cfg     config.Clustering
	pool    pond.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

// RunResult reports what one Run processed.
type RunResult struct {
	From         uint64 `json:"from"`
	To           uint64 `json:"to"`
	Transactions int    `json:"transactions"`
	Edges        int    `json:"edges"`
	SoftEdges    int    `json:"soft_edges"`
	Created      int    `json:"created"`
	Archived     int    `json:"archived"`
}

func NewEngine(st Store, locker Locker, cfg config.Clustering, logger *zap.Logger, m *metrics.Metrics, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.Nop()
	}
	workers := cfg.MapWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		store:   st,
		locker:  locker,
		cfg:     cfg,
		pool:    pond.NewPool(workers),
		logger:  logger.Named("clustering"),
		metrics: m,
		clock:   clock,
	}
}

// Close stops the map pool.
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// Run processes heights (watermark, head] in sub-batches. The watermark is
// committed after each sub-batch is written, so a cancelled or failed run
// resumes from the last committed height.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	start := e.clock.Now()
	defer func() { e.metrics.ClusterRunDuration.Observe(e.clock.Since(start).Seconds()) }()

	from, err := e.store.Watermark(ctx, JobName)
	if err != nil {
		return RunResult{}, errs.Dependency(dependsOn, err)
	}
	head, err := e.store.HeadHeight(ctx)
	if err != nil {
		return RunResult{}, errs.Dependency(dependsOn, err)
	}
	res := RunResult{From: from, To: from}
	if head <= from {
		return res, nil
	}

	mixers, err := e.mixerSet(ctx)
	if err != nil {
		return res, err
	}

	step := e.cfg.MaxHeightsPerRun
	if step == 0 {
		step = 1000
	}
	for from < head {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		to := min(head, from+step)
		if err := e.runBatch(ctx, mixers, from, to, &res); err != nil {
			return res, err
		}
		if err := e.store.CommitWatermark(ctx, JobName, to); err != nil {
			return res, errs.Dependency(dependsOn, err)
		}
		res.To = to
		from = to
	}

	e.logger.Info("clustering run complete",
		zap.Uint64("from", res.From),
		zap.Uint64("to", res.To),
		zap.Int("transactions", res.Transactions),
		zap.Int("edges", res.Edges),
		zap.Int("soft_edges", res.SoftEdges),
		zap.Int("created", res.Created),
		zap.Int("archived", res.Archived))
	return res, nil
}

func (e *Engine) mixerSet(ctx context.Context) (map[string]struct{}, error) {
	labeled, err := e.store.MixerAddresses(ctx)
	if err != nil {
		return nil, errs.Dependency(dependsOn, err)
	}
	set := make(map[string]struct{}, len(labeled)+len(e.cfg.MixerAddresses))
	for _, a := range e.cfg.MixerAddresses {
		set[a] = struct{}{}
	}
	for _, a := range labeled {
		set[a] = struct{}{}
	}
	return set, nil
}

func (e *Engine) runBatch(ctx context.Context, mixers map[string]struct{}, from, to uint64, res *RunResult) error {
	txs, err := e.store.Transactions(ctx, from, to)
	if err != nil {
		return errs.Dependency(dependsOn, err)
	}
	res.Transactions += len(txs)
	if len(txs) == 0 {
		return nil
	}

	firstSeen, err := e.store.FirstSeen(ctx, ChangeCandidates(txs))
	if err != nil {
		return errs.Dependency(dependsOn, err)
	}
	h := Heuristics{
		Mixers:     mixers,
		ChangeMode: e.cfg.ChangeMode,
		RoundUnit:  e.cfg.RoundUnit,
		Novel:      func(address, txid string) bool { return firstSeen[address] == txid },
	}

	edges, err := e.extract(ctx, h, txs)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		applied := "true"
		if edge.Applied == 0 {
			applied = "false"
			res.SoftEdges++
		} else {
			res.Edges++
		}
		e.metrics.ClusterEdges.WithLabelValues(string(edge.Kind), applied).Inc()
	}

	return e.withLock(ctx, func(lock *redis.Lock) error {
		return e.retryConflict(ctx, func() error {
			created, archived, err := e.reduce(ctx, lock, edges, to)
			if err != nil {
				return err
			}
			res.Created += created
			res.Archived += archived
			return nil
		})
	})
}

// extract is the map phase: edges are computed per chunk on the pool and
// concatenated in transaction order.
func (e *Engine) extract(ctx context.Context, h Heuristics, txs []chain.Transaction) ([]entity.ClusterEdge, error) {
	now := e.clock.Now().UTC()
	chunks := (len(txs) + mapChunk - 1) / mapChunk
	results := make([][]entity.ClusterEdge, chunks)

	group := e.pool.NewGroupContext(ctx)
	for i := 0; i < chunks; i++ {
		lo, hi := i*mapChunk, min(len(txs), (i+1)*mapChunk)
		group.Submit(func() {
			var out []entity.ClusterEdge
			for _, tx := range txs[lo:hi] {
				out = append(out, h.Extract(tx, now)...)
			}
			results[i] = out
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, fmt.Errorf("extract edges: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var edges []entity.ClusterEdge
	for _, r := range results {
		edges = append(edges, r...)
	}
	return edges, nil
}

// withLock runs fn while holding the global merge lock.
func (e *Engine) withLock(ctx context.Context, fn func(lock *redis.Lock) error) error {
	lock, err := e.locker.Lock(ctx, e.cfg.LockKey, e.cfg.LockTTL, e.cfg.LockWait, lockPoll)
	if errors.Is(err, redis.ErrLockHeld) {
		return errs.Conflict("cluster_merge_lock", "held by another run")
	}
	if err != nil {
		return errs.Dependency("redis", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("release merge lock", zap.Error(err))
		}
	}()
	return fn(lock)
}

// retryConflict runs fn again once when it reports a concurrent writer. fn
// re-reads everything it depends on.
func (e *Engine) retryConflict(ctx context.Context, fn func() error) error {
	err := fn()
	if !errs.IsConflict(err) || ctx.Err() != nil {
		return err
	}
	e.metrics.ClusterConflicts.Inc()
	e.logger.Warn("cluster write conflict, retrying with fresh state", zap.Error(err))
	return fn()
}

// reduce applies edges to the stored partition. Components whose member set
// is unchanged keep their id, which makes re-applying a batch a no-op.
func (e *Engine) reduce(ctx context.Context, lock *redis.Lock, edges []entity.ClusterEdge, height uint64) (int, int, error) {
	var touched []string
	for _, edge := range edges {
		if edge.Applied == 1 {
			touched = append(touched, edge.From, edge.To)
		}
	}
	touched = utils.SortedUnique(touched)
	if len(touched) == 0 {
		if err := e.store.InsertEdges(ctx, edges); err != nil {
			return 0, 0, errs.Dependency(dependsOn, err)
		}
		return 0, 0, nil
	}

	before, err := e.store.MembershipVersion(ctx, touched)
	if err != nil {
		return 0, 0, errs.Dependency(dependsOn, err)
	}
	current, err := e.store.Memberships(ctx, touched)
	if err != nil {
		return 0, 0, errs.Dependency(dependsOn, err)
	}
	// A write interrupted before its archive step leaves the superseded
	// cluster live while address_clusters already names its successor.
	live, err := e.store.LiveClusters(ctx, touched)
	if err != nil {
		return 0, 0, errs.Dependency(dependsOn, err)
	}
	existingIDs := make([]string, 0, len(current))
	for _, m := range current {
		existingIDs = append(existingIDs, m.ClusterID)
	}
	for _, ids := range live {
		existingIDs = append(existingIDs, ids...)
	}
	members, err := e.store.ClusterMembers(ctx, utils.SortedUnique(existingIDs))
	if err != nil {
		return 0, 0, errs.Dependency(dependsOn, err)
	}

	uf := NewUnionFind()
	owners := make(map[string][]string)
	for _, id := range sortedKeys(members) {
		for _, m := range members[id] {
			owners[m] = append(owners[m], id)
			uf.Add(m)
		}
		uf.UnionAll(members[id])
	}
	for _, a := range touched {
		uf.Add(a)
	}
	for _, edge := range edges {
		if edge.Applied == 1 {
			uf.Union(edge.From, edge.To)
		}
	}

	now := e.clock.Now().UTC()
	cs := store.ClusterChangeSet{Now: now, Edges: edges}
	comps := uf.Components()
	for _, root := range sortedKeys(comps) {
		ms := comps[root]
		if len(ms) < 2 {
			continue
		}
		newID := entity.ClusterID(ms)
		var olds []string
		for _, m := range ms {
			for _, id := range owners[m] {
				if id != newID {
					olds = append(olds, id)
				}
			}
		}
		olds = utils.SortedUnique(olds)
		if len(olds) == 0 && len(owners[ms[0]]) > 0 {
			continue
		}

		reason := entity.ChangeGrowth
		if len(olds) > 1 {
			reason = entity.ChangeMerge
		}
		for _, old := range olds {
			cs.Archived = append(cs.Archived, old)
			cs.History = append(cs.History, entity.ClusterIDChange{
				OldClusterID: old,
				NewClusterID: newID,
				Reason:       reason,
				BlockHeight:  height,
				ChangedAt:    now,
			})
			e.metrics.ClusterChanges.WithLabelValues(string(reason)).Inc()
		}
		cs.Clusters = append(cs.Clusters, entity.Cluster{
			ClusterID: newID,
			Size:      uint64(len(ms)),
			Members:   ms,
			Active:    1,
			UpdatedAt: now,
		})
	}

	if len(cs.Clusters) == 0 {
		if err := e.store.InsertEdges(ctx, edges); err != nil {
			return 0, 0, errs.Dependency(dependsOn, err)
		}
		return 0, 0, nil
	}
	if err := e.commit(ctx, lock, &cs, touched, before); err != nil {
		return 0, 0, err
	}
	return len(cs.Clusters), len(cs.Archived), nil
}

// commit fills cluster summaries, checks that no other writer moved the
// watched addresses since before was read, and writes the change set.
func (e *Engine) commit(ctx context.Context, lock *redis.Lock, cs *store.ClusterChangeSet, watched []string, before uint64) error {
	var all []string
	for _, c := range cs.Clusters {
		all = append(all, c.Members...)
	}
	stats, err := e.store.AddressStats(ctx, all, e.cfg.RoundUnit)
	if err != nil {
		return errs.Dependency(dependsOn, err)
	}
	for i := range cs.Clusters {
		s := Summarize(cs.Clusters[i].Members, stats)
		cs.Clusters[i].FirstSeenHeight = s.FirstSeenHeight
		cs.Clusters[i].LastSeenHeight = s.LastSeenHeight
		cs.Clusters[i].ScriptMix = s.ScriptMix
		cs.Clusters[i].SummaryFeatures = s.Features
	}

	after, err := e.store.MembershipVersion(ctx, watched)
	if err != nil {
		return errs.Dependency(dependsOn, err)
	}
	if after != before {
		return errs.Conflict("cluster_membership", fmt.Sprintf("version moved from %d to %d", before, after))
	}
	if err := lock.Extend(ctx, e.cfg.LockTTL); err != nil {
		if errors.Is(err, redis.ErrLockLost) {
			return errs.Conflict("cluster_merge_lock", "lease expired before write")
		}
		return errs.Dependency("redis", err)
	}

	cs.Version = max(before+1, uint64(cs.Now.UnixNano()))
	if err := e.store.ApplyClusterChanges(ctx, *cs); err != nil {
		return errs.Dependency(dependsOn, err)
	}
	return nil
}
