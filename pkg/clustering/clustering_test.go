package clustering

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/chain"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/canopy-network/entityx/pkg/redis"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func wpkh(addr string, v uint64) chain.IO { return chain.IO{Address: addr, Value: v, ScriptType: "p2wpkh"} }

func tx(id string, height uint64, inputs []chain.IO, outputs ...chain.IO) chain.Transaction {
	return chain.Transaction{TxID: id, BlockHeight: height, BlockTime: t0.Add(time.Duration(height) * 10 * time.Minute), Inputs: inputs, Outputs: outputs}
}

// t1 spends A and B, pays P and returns change to the new address C.
func t1() chain.Transaction {
	return tx("t1", 1,
		[]chain.IO{wpkh("A", 50_000), wpkh("B", 30_000)},
		chain.IO{Address: "P", Value: 60_000, ScriptType: "p2pkh"},
		wpkh("C", 19_537),
	)
}

func newTestEngine(t *testing.T, st Store, mutate func(*config.Clustering)) (*Engine, *metrics.Metrics, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.NewFromClient(rdb, zaptest.NewLogger(t), 100)

	cfg := config.Default().Clustering
	cfg.LockWait = time.Second
	cfg.MapWorkers = 2
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New(nil)
	e := NewEngine(st, client, cfg, zaptest.NewLogger(t), m, clockwork.NewFakeClockAt(t0))
	t.Cleanup(e.Close)
	return e, m, client
}

func TestUnionFind(t *testing.T) {
	uf := NewUnionFind()
	assert.True(t, uf.Union("a", "b"))
	assert.True(t, uf.Union("c", "d"))
	assert.False(t, uf.Union("b", "a"))
	assert.True(t, uf.Union("d", "a"))
	uf.Add("e")

	assert.True(t, uf.Connected("a", "c"))
	assert.False(t, uf.Connected("a", "e"))
	assert.Equal(t, 5, uf.Len())

	comps := uf.Components()
	require.Len(t, comps, 2)
	root := uf.Find("a")
	assert.Equal(t, []string{"a", "b", "c", "d"}, comps[root])
}

func TestCommonInput(t *testing.T) {
	h := Heuristics{Mixers: map[string]struct{}{"M": {}}}

	edges := h.CommonInput(tx("x", 1, []chain.IO{wpkh("A", 1), wpkh("M", 1), wpkh("B", 1), wpkh("A", 2)}), t0)
	require.Len(t, edges, 1)
	assert.Equal(t, "A", edges[0].From)
	assert.Equal(t, "B", edges[0].To)
	assert.Equal(t, entity.EdgeCommonInput, edges[0].Kind)

	assert.Empty(t, h.CommonInput(tx("x", 1, []chain.IO{wpkh("A", 1)}), t0))
	assert.Empty(t, h.CommonInput(tx("x", 1, []chain.IO{wpkh("A", 1), wpkh("M", 1)}), t0))

	cb := tx("cb", 1, []chain.IO{wpkh("A", 1), wpkh("B", 1)})
	cb.IsCoinbase = true
	assert.Empty(t, h.CommonInput(cb, t0))
}

func TestChangeOutput(t *testing.T) {
	novel := func(string, string) bool { return true }
	h := Heuristics{ChangeMode: config.ChangeModeHard, RoundUnit: 10_000, Novel: novel}

	edge, ok := h.ChangeOutput(t1(), t0)
	require.True(t, ok)
	assert.Equal(t, "C", edge.To)
	assert.Equal(t, "A", edge.From)
	assert.Equal(t, uint8(1), edge.Applied)
	assert.Equal(t, 1.0, edge.Score)

	t.Run("round value", func(t *testing.T) {
		_, ok := h.ChangeOutput(tx("x", 1, []chain.IO{wpkh("A", 50_000)}, wpkh("P", 1), wpkh("C", 20_000)), t0)
		assert.True(t, ok, "P qualifies")
		_, ok = h.ChangeOutput(tx("x", 1, []chain.IO{wpkh("A", 50_000)}, chain.IO{Address: "P", Value: 1, ScriptType: "p2sh"}, wpkh("C", 20_000)), t0)
		assert.False(t, ok)
	})

	t.Run("value not below largest input", func(t *testing.T) {
		_, ok := h.ChangeOutput(tx("x", 1, []chain.IO{wpkh("A", 10)}, wpkh("P", 11), wpkh("C", 13)), t0)
		assert.False(t, ok)
	})

	t.Run("reused address", func(t *testing.T) {
		old := h
		old.Novel = func(addr, _ string) bool { return addr != "C" }
		_, ok := old.ChangeOutput(t1(), t0)
		assert.False(t, ok)
	})

	t.Run("tie yields no edge", func(t *testing.T) {
		_, ok := h.ChangeOutput(tx("x", 1, []chain.IO{wpkh("A", 50_000)}, wpkh("P", 12_345), wpkh("C", 23_451)), t0)
		assert.False(t, ok)
	})

	t.Run("higher precision wins", func(t *testing.T) {
		e, ok := h.ChangeOutput(tx("x", 1, []chain.IO{wpkh("A", 50_000)}, wpkh("P", 12_340), wpkh("C", 23_451)), t0)
		require.True(t, ok)
		assert.Equal(t, "C", e.To)
	})

	t.Run("anchored on first non-mixer input", func(t *testing.T) {
		mixed := h
		mixed.Mixers = map[string]struct{}{"M": {}, "N": {}}
		spend := tx("x", 1, []chain.IO{wpkh("M", 50_000), wpkh("A", 30_000)}, chain.IO{Address: "P", Value: 60_000, ScriptType: "p2pkh"}, wpkh("C", 19_537))
		e, ok := mixed.ChangeOutput(spend, t0)
		require.True(t, ok)
		assert.Equal(t, "A", e.From)
		assert.Equal(t, "C", e.To)

		allMixers := tx("y", 1, []chain.IO{wpkh("M", 50_000), wpkh("N", 30_000)}, chain.IO{Address: "P", Value: 60_000, ScriptType: "p2pkh"}, wpkh("C", 19_537))
		_, ok = mixed.ChangeOutput(allMixers, t0)
		assert.False(t, ok)
	})

	t.Run("soft mode records without applying", func(t *testing.T) {
		soft := h
		soft.ChangeMode = config.ChangeModeSoft
		e, ok := soft.ChangeOutput(t1(), t0)
		require.True(t, ok)
		assert.Equal(t, uint8(0), e.Applied)
	})

	t.Run("off mode", func(t *testing.T) {
		off := h
		off.ChangeMode = config.ChangeModeOff
		_, ok := off.ChangeOutput(t1(), t0)
		assert.False(t, ok)
	})
}

func TestRunClustersInputsAndChange(t *testing.T) {
	st := newMemStore(t1())
	e, m, _ := newTestEngine(t, st, nil)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.To)
	assert.Equal(t, 2, res.Edges)
	assert.Equal(t, 1, res.Created)

	want := entity.ClusterID([]string{"A", "B", "C"})
	assert.Equal(t, want, st.clusterOf("A"))
	assert.Equal(t, want, st.clusterOf("B"))
	assert.Equal(t, want, st.clusterOf("C"))
	assert.Empty(t, st.clusterOf("P"))
	assert.Empty(t, st.history)
	assert.Equal(t, uint64(1), st.watermarks[JobName])

	c := st.clusters[want]
	assert.Equal(t, uint64(3), c.Size)
	assert.Len(t, c.SummaryFeatures, entity.FeatureCount)
	assert.Equal(t, uint64(1), c.FirstSeenHeight)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClusterEdges.WithLabelValues(string(entity.EdgeChangeOutput), "true")))
}

func TestRunIsIdempotent(t *testing.T) {
	st := newMemStore(t1())
	e, _, _ := newTestEngine(t, st, nil)

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	id := st.clusterOf("A")
	rows := len(st.rows)
	applies := st.applies

	st.watermarks[JobName] = 0
	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Created)
	assert.Equal(t, id, st.clusterOf("A"))
	assert.Equal(t, rows, len(st.rows))
	assert.Equal(t, applies, st.applies)
	assert.Empty(t, st.history)
}

func TestRunIsOrderIndependent(t *testing.T) {
	reversed := t1()
	reversed.Inputs[0], reversed.Inputs[1] = reversed.Inputs[1], reversed.Inputs[0]

	a := newMemStore(t1())
	b := newMemStore(reversed)
	ea, _, _ := newTestEngine(t, a, nil)
	eb, _, _ := newTestEngine(t, b, nil)

	_, err := ea.Run(context.Background())
	require.NoError(t, err)
	_, err = eb.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.clusterOf("A"), b.clusterOf("A"))
}

func TestRunGrowthAndMerge(t *testing.T) {
	st := newMemStore(
		t1(),
		tx("t2", 2, []chain.IO{wpkh("C", 19_537), wpkh("D", 1_000)}, chain.IO{Address: "Q", Value: 15_000, ScriptType: "p2sh"}),
		tx("t3", 3, []chain.IO{wpkh("F", 4_000), wpkh("G", 4_000)}, chain.IO{Address: "R", Value: 7_000, ScriptType: "p2sh"}),
	)
	e, m, _ := newTestEngine(t, st, func(c *config.Clustering) { c.MaxHeightsPerRun = 1 })

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.To)

	abc := entity.ClusterID([]string{"A", "B", "C"})
	abcd := entity.ClusterID([]string{"A", "B", "C", "D"})
	fg := entity.ClusterID([]string{"F", "G"})
	assert.Equal(t, abcd, st.clusterOf("A"))
	assert.Equal(t, fg, st.clusterOf("F"))
	require.Len(t, st.history, 1)
	assert.Equal(t, entity.ClusterIDChange{OldClusterID: abc, NewClusterID: abcd, Reason: entity.ChangeGrowth, BlockHeight: 2, ChangedAt: t0}, st.history[0])
	assert.True(t, st.archived[abc])

	st.txs = append(st.txs, tx("t4", 4, []chain.IO{wpkh("A", 50), wpkh("F", 50)}, wpkh("S", 60)))
	_, err = e.Run(context.Background())
	require.NoError(t, err)

	merged := entity.ClusterID([]string{"A", "B", "C", "D", "F", "G"})
	assert.Equal(t, merged, st.clusterOf("G"))
	require.Len(t, st.history, 3)
	for _, h := range st.history[1:] {
		assert.Equal(t, entity.ChangeMerge, h.Reason)
		assert.Equal(t, merged, h.NewClusterID)
		assert.Equal(t, uint64(4), h.BlockHeight)
	}
	assert.True(t, st.archived[abcd])
	assert.True(t, st.archived[fg])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClusterChanges.WithLabelValues(string(entity.ChangeMerge))))
}

func TestRunArchivesClusterLeftLiveByInterruptedWrite(t *testing.T) {
	mem := newMemStore(
		t1(),
		tx("t2", 2, []chain.IO{wpkh("C", 19_537), wpkh("D", 1_000)}, chain.IO{Address: "Q", Value: 15_000, ScriptType: "p2sh"}),
	)
	st := &interruptedStore{memStore: mem, failAfter: 1}
	e, _, _ := newTestEngine(t, st, func(c *config.Clustering) { c.MaxHeightsPerRun = 1 })

	abc := entity.ClusterID([]string{"A", "B", "C"})
	abcd := entity.ClusterID([]string{"A", "B", "C", "D"})

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, abcd, mem.clusterOf("A"))
	assert.ElementsMatch(t, []string{abc, abcd}, mem.liveOf("A"))
	wm, _ := mem.Watermark(context.Background(), JobName)
	assert.Equal(t, uint64(1), wm)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.True(t, mem.archived[abc])
	assert.Equal(t, []string{abcd}, mem.liveOf("A"))
	assert.Equal(t, []string{abcd}, mem.liveOf("D"))
	last := mem.history[len(mem.history)-1]
	assert.Equal(t, abc, last.OldClusterID)
	assert.Equal(t, abcd, last.NewClusterID)
	assert.Equal(t, entity.ChangeGrowth, last.Reason)

	// Nothing left to repair: a replay of the same heights is a no-op.
	applies := mem.applies
	require.NoError(t, mem.CommitWatermark(context.Background(), JobName, 0))
	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, applies, mem.applies)
}

func TestRunExcludesMixers(t *testing.T) {
	st := newMemStore(tx("m1", 1, []chain.IO{wpkh("M", 10), wpkh("H", 10), wpkh("I", 10)}, wpkh("O", 25)))
	st.mixers = []string{"M"}
	e, _, _ := newTestEngine(t, st, nil)

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.ClusterID([]string{"H", "I"}), st.clusterOf("H"))
	assert.Empty(t, st.clusterOf("M"))
}

func TestRunSoftModeDoesNotUnionChange(t *testing.T) {
	st := newMemStore(t1())
	e, _, _ := newTestEngine(t, st, func(c *config.Clustering) { c.ChangeMode = config.ChangeModeSoft })

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SoftEdges)
	assert.Equal(t, entity.ClusterID([]string{"A", "B"}), st.clusterOf("A"))
	assert.Empty(t, st.clusterOf("C"))

	var soft int
	for _, edge := range st.edges {
		if edge.Kind == entity.EdgeChangeOutput && edge.Applied == 0 {
			soft++
		}
	}
	assert.Equal(t, 1, soft)
}

func TestRunLockHeldIsConflict(t *testing.T) {
	st := newMemStore(t1())
	e, _, client := newTestEngine(t, st, func(c *config.Clustering) { c.LockWait = 0 })

	lock, err := client.TryLock(context.Background(), e.cfg.LockKey, time.Minute)
	require.NoError(t, err)
	defer func() { _ = lock.Release(context.Background()) }()

	_, err = e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
	assert.Zero(t, st.watermarks[JobName])
}

func TestRunRetriesConflictOnce(t *testing.T) {
	st := newMemStore(t1())
	st.bumpVersionOnce = true
	e, m, _ := newTestEngine(t, st, nil)

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClusterConflicts))
	assert.Equal(t, 1, st.applies)
	assert.NotEmpty(t, st.clusterOf("A"))
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	st := newMemStore(t1())
	e, _, _ := newTestEngine(t, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, st.watermarks[JobName])
}

func TestSummarizeAndDistance(t *testing.T) {
	stats := map[string]store.AddressStats{
		"A": {TxCount: 9, Sent: 900, Received: 100, Outputs: 4, RoundOutputs: 1, ScriptMix: map[string]uint64{"p2wpkh": 3}, FirstHeight: 5, LastHeight: 9},
		"B": {TxCount: 0, ScriptMix: map[string]uint64{"p2pkh": 1}, FirstHeight: 2, LastHeight: 3},
	}
	s := Summarize([]string{"A", "B", "missing"}, stats)
	assert.Equal(t, uint64(2), s.FirstSeenHeight)
	assert.Equal(t, uint64(9), s.LastSeenHeight)
	assert.InDelta(t, 1.0/6, s.Features[entity.FeatureActivity], 1e-9)
	assert.InDelta(t, 0.25, s.Features[entity.FeatureRoundRatio], 1e-9)
	assert.InDelta(t, 0.9, s.Features[entity.FeatureSpendRatio], 1e-9)
	assert.InDelta(t, 0.75, s.Features[entity.FeatureScriptShare], 1e-9)
	for _, f := range s.Features {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
	}

	empty := Summarize(nil, nil)
	assert.Equal(t, 0.5, empty.Features[entity.FeatureSpendRatio])

	assert.Equal(t, 0.0, Distance([]float64{0.2, 0.4}, []float64{0.2, 0.4}))
	assert.Equal(t, 1.0, Distance([]float64{0, 0}, []float64{1, 1}))
	assert.Equal(t, 1.0, Distance([]float64{0}, []float64{0, 1}))
}

func seedCluster(st *memStore, members []string, script string, features []float64) string {
	id := entity.ClusterID(members)
	st.clusters[id] = entity.Cluster{
		ClusterID:       id,
		Size:            uint64(len(members)),
		ScriptMix:       map[string]uint64{script: 2},
		SummaryFeatures: features,
		Active:          1,
	}
	st.members[id] = members
	for _, m := range members {
		st.memberships[m] = entity.AddressCluster{Address: m, ClusterID: id, Version: 1}
	}
	return id
}

func TestPlanCompaction(t *testing.T) {
	near := []float64{0.1, 0.2, 0.3, 0.4, 1}
	clusters := []entity.Cluster{
		{ClusterID: "c1", ScriptMix: map[string]uint64{"p2wpkh": 1}, SummaryFeatures: near},
		{ClusterID: "c2", ScriptMix: map[string]uint64{"p2wpkh": 1}, SummaryFeatures: []float64{0.11, 0.2, 0.3, 0.4, 1}},
		{ClusterID: "c3", ScriptMix: map[string]uint64{"p2wpkh": 1}, SummaryFeatures: []float64{0.9, 0.9, 0.9, 0.1, 1}},
		{ClusterID: "c4", ScriptMix: map[string]uint64{"p2pkh": 1}, SummaryFeatures: near},
		{ClusterID: "c5", ScriptMix: map[string]uint64{"p2wpkh": 1}},
	}
	groups := PlanCompaction(clusters, 0.05)
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
	assert.Equal(t, "c1", groups[0][0].ClusterID)
	assert.Equal(t, "c2", groups[0][1].ClusterID)
}

func TestCompact(t *testing.T) {
	st := newMemStore()
	c1 := seedCluster(st, []string{"a1", "a2"}, "p2wpkh", []float64{0.1, 0.2, 0.3, 0.4, 1})
	c2 := seedCluster(st, []string{"b1", "b2"}, "p2wpkh", []float64{0.1, 0.21, 0.3, 0.4, 1})
	c3 := seedCluster(st, []string{"d1", "d2"}, "p2wpkh", []float64{0.8, 0.8, 0.1, 0.1, 1})
	st.watermarks[JobName] = 42

	e, _, _ := newTestEngine(t, st, nil)
	res, err := e.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CompactResult{Examined: 3, Groups: 1, Merged: 2}, res)

	merged := entity.ClusterID([]string{"a1", "a2", "b1", "b2"})
	assert.Equal(t, merged, st.clusterOf("b2"))
	assert.Equal(t, c3, st.clusterOf("d1"))
	assert.True(t, st.archived[c1])
	assert.True(t, st.archived[c2])
	require.Len(t, st.history, 2)
	for _, h := range st.history {
		assert.Equal(t, entity.ChangeCompaction, h.Reason)
		assert.Equal(t, uint64(42), h.BlockHeight)
	}
	require.Len(t, st.edges, 1)
	assert.Equal(t, entity.EdgeCompaction, st.edges[0].Kind)

	res, err = e.Compact(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Groups)
}
