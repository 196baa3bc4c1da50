package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/store"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"go.uber.org/zap"
)

const mlSource = "ml_model"

// Store is the storage the engine reads evidence from and writes scores to.
type Store interface {
	AddressLabelEvidence(ctx context.Context, fn func(store.LabelEvidence) error) error
	ClusterLabelsByMethod(ctx context.Context, method entity.LabelMethod) ([]entity.ClusterLabel, error)
	GetEntities(ctx context.Context, ids []string) (map[string]entity.Entity, error)
	Memberships(ctx context.Context, addresses []string) (map[string]entity.AddressCluster, error)
	AddressStats(ctx context.Context, addresses []string, roundUnit uint64) (map[string]store.AddressStats, error)
	GetClusters(ctx context.Context, clusterIDs []string) (map[string]entity.Cluster, error)
	ClusterMembers(ctx context.Context, clusterIDs []string) (map[string][]string, error)
	LastActivity(ctx context.Context, addresses []string) (map[string]time.Time, error)
	InsertLabelScores(ctx context.Context, scores []entity.LabelScore) error
	InsertClusterLabels(ctx context.Context, labels []entity.ClusterLabel) error
	UpsertEntities(ctx context.Context, entities []entity.Entity) error
}

type pair struct {
	subject string
	entity  string
}

// evidence is what supports one (subject, entity) pair.
type evidence struct {
	sources    map[string]struct{}
	category   entity.Category
	ml         float64
	hasML      bool
	propagated bool
}

func (ev *evidence) addSource(name string) {
	if ev.sources == nil {
		ev.sources = map[string]struct{}{}
	}
	ev.sources[name] = struct{}{}
}

type batchResult struct {
	scores      []entity.LabelScore
	memberships map[string]string
	// activity is the latest block time seen per entity in the batch.
	activity map[string]time.Time
}

// RunResult reports one scoring run.
type RunResult struct {
	AddressScores int            `json:"address_scores"`
	ClusterScores int            `json:"cluster_scores"`
	ClusterLabels int            `json:"cluster_labels"`
	EntitiesSeen  int            `json:"entities_seen"`
	Tiers         map[string]int `json:"tiers"`
}

// Engine scores every labeled address and every cluster reachable from a
// label, in parallel batches.
type Engine struct {
	store   Store
	cfg     *config.Config
	pool    pond.ResultPool[batchResult]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewEngine(st Store, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.Nop()
	}
	workers := cfg.Scoring.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		store:   st,
		cfg:     cfg,
		pool:    pond.NewResultPool[batchResult](workers),
		logger:  logger.Named("scoring"),
		metrics: m,
	}
}

func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// Run scores all pairs as of asOf. Scores land on the UTC day of asOf, so a
// same-day re-run overwrites instead of adding rows.
func (e *Engine) Run(ctx context.Context, asOf time.Time) (RunResult, error) {
	asOf = asOf.UTC()
	res := RunResult{Tiers: map[string]int{}}

	addrEv := map[pair]*evidence{}
	err := e.store.AddressLabelEvidence(ctx, func(le store.LabelEvidence) error {
		k := pair{subject: le.Address, entity: le.EntityID}
		ev, ok := addrEv[k]
		if !ok {
			ev = &evidence{category: le.Category}
			addrEv[k] = ev
		}
		ev.addSource(le.LabelSource)
		return nil
	})
	if err != nil {
		return res, errs.Dependency("clickhouse", err)
	}

	addresses, addrIndex := bySubject(addrEv)
	results, err := e.fanOut(ctx, addresses, func(ctx context.Context, batch []string) (batchResult, error) {
		return e.scoreAddresses(ctx, batch, addrIndex, addrEv, asOf)
	})
	if err != nil {
		return res, err
	}

	clusterOf := map[string]string{}
	activity := map[string]time.Time{}
	var scores []entity.LabelScore
	for _, r := range results {
		scores = append(scores, r.scores...)
		mergeActivity(activity, r.activity)
		for a, c := range r.memberships {
			clusterOf[a] = c
		}
	}
	res.AddressScores = len(scores)

	clusterEv, err := e.clusterEvidence(ctx, addrEv, clusterOf)
	if err != nil {
		return res, err
	}
	clusterIDs, clusterIndex := bySubject(clusterEv)
	results, err = e.fanOut(ctx, clusterIDs, func(ctx context.Context, batch []string) (batchResult, error) {
		return e.scoreClusters(ctx, batch, clusterIndex, clusterEv, asOf)
	})
	if err != nil {
		return res, err
	}

	var propagated []entity.ClusterLabel
	for _, r := range results {
		mergeActivity(activity, r.activity)
		for _, s := range r.scores {
			scores = append(scores, s)
			res.ClusterScores++
			if clusterEv[pair{s.SubjectID, s.EntityID}].propagated && s.Confidence >= e.cfg.Scoring.MinClusterPropagation {
				propagated = append(propagated, entity.ClusterLabel{
					ClusterID:  s.SubjectID,
					EntityID:   s.EntityID,
					Confidence: s.Confidence,
					Method:     entity.MethodPropagated,
					UpdatedAt:  asOf,
				})
			}
		}
	}

	if err := e.write(ctx, scores, propagated); err != nil {
		return res, err
	}
	for _, s := range scores {
		res.Tiers[string(s.Tier)]++
		e.metrics.ScoresWritten.WithLabelValues(string(s.SubjectType), string(s.Tier)).Inc()
	}
	res.ClusterLabels = len(propagated)

	seen, err := e.advanceLastSeen(ctx, activity, asOf)
	if err != nil {
		return res, err
	}
	res.EntitiesSeen = seen

	e.logger.Info("scoring run complete",
		zap.Time("as_of", asOf),
		zap.Int("address_scores", res.AddressScores),
		zap.Int("cluster_scores", res.ClusterScores),
		zap.Int("cluster_labels", res.ClusterLabels),
		zap.Int("entities_seen", res.EntitiesSeen))
	return res, nil
}

// advanceLastSeen moves each entity's last_seen forward to the latest block
// time among its labeled and clustered addresses. It never moves it back and
// leaves entities the store does not know untouched.
func (e *Engine) advanceLastSeen(ctx context.Context, activity map[string]time.Time, asOf time.Time) (int, error) {
	if len(activity) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(activity))
	for id := range activity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	current, err := e.store.GetEntities(ctx, ids)
	if err != nil {
		return 0, errs.Dependency("clickhouse", fmt.Errorf("load entities: %w", err))
	}

	var upserts []entity.Entity
	for _, id := range ids {
		ent, ok := current[id]
		latest := activity[id].UTC()
		if !ok || !latest.After(ent.LastSeen) {
			continue
		}
		ent.LastSeen = latest
		// updated_at is the replacing version; it has to beat the stored row
		if asOf.After(ent.UpdatedAt) {
			ent.UpdatedAt = asOf
		} else {
			ent.UpdatedAt = ent.UpdatedAt.Add(time.Millisecond)
		}
		upserts = append(upserts, ent)
	}
	if err := e.store.UpsertEntities(ctx, upserts); err != nil {
		return 0, errs.Dependency("clickhouse", fmt.Errorf("advance last seen: %w", err))
	}
	return len(upserts), nil
}

func mergeActivity(dst, src map[string]time.Time) {
	for id, t := range src {
		if t.After(dst[id]) {
			dst[id] = t
		}
	}
}

// fanOut splits ids into batches and runs fn for each on the pool. The first
// failing batch cancels the rest.
func (e *Engine) fanOut(ctx context.Context, ids []string, fn func(context.Context, []string) (batchResult, error)) ([]batchResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	size := e.cfg.Scoring.BatchSize
	if size <= 0 {
		size = 1000
	}
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group := e.pool.NewGroupContext(groupCtx)
	for lo := 0; lo < len(ids); lo += size {
		batch := ids[lo:min(len(ids), lo+size)]
		group.SubmitErr(func() (batchResult, error) {
			if err := groupCtx.Err(); err != nil {
				return batchResult{}, err
			}
			r, err := fn(groupCtx, batch)
			if err != nil {
				cancel()
			}
			return r, err
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) scoreAddresses(ctx context.Context, batch []string, index map[string][]string, addrEv map[pair]*evidence, asOf time.Time) (batchResult, error) {
	members, err := e.store.Memberships(ctx, batch)
	if err != nil {
		return batchResult{}, errs.Dependency("clickhouse", err)
	}
	stats, err := e.store.AddressStats(ctx, batch, e.cfg.Clustering.RoundUnit)
	if err != nil {
		return batchResult{}, errs.Dependency("clickhouse", err)
	}

	out := batchResult{memberships: map[string]string{}, activity: map[string]time.Time{}}
	for a, m := range members {
		out.memberships[a] = m.ClusterID
	}
	for _, addr := range batch {
		var features []float64
		st, active := stats[addr]
		if active {
			features = clustering.Summarize([]string{addr}, stats).Features
		}
		for _, ent := range index[addr] {
			k := pair{subject: addr, entity: ent}
			ev := addrEv[k]
			in := e.inputs(ev)
			if active {
				in.Features = features
				in.ActivityKnown, in.DaysSinceActivity = daysSince(asOf, st.LastActive)
				if st.LastActive.After(out.activity[ent]) {
					out.activity[ent] = st.LastActive
				}
			}
			out.scores = append(out.scores, e.labelScore(k, entity.SubjectAddress, ev, in, asOf))
		}
	}
	return out, nil
}

func (e *Engine) scoreClusters(ctx context.Context, batch []string, index map[string][]string, clusterEv map[pair]*evidence, asOf time.Time) (batchResult, error) {
	clusters, err := e.store.GetClusters(ctx, batch)
	if err != nil {
		return batchResult{}, errs.Dependency("clickhouse", err)
	}
	members, err := e.store.ClusterMembers(ctx, batch)
	if err != nil {
		return batchResult{}, errs.Dependency("clickhouse", err)
	}
	var all []string
	for _, ms := range members {
		all = append(all, ms...)
	}
	last, err := e.store.LastActivity(ctx, all)
	if err != nil {
		return batchResult{}, errs.Dependency("clickhouse", err)
	}

	out := batchResult{activity: map[string]time.Time{}}
	for _, id := range batch {
		c, ok := clusters[id]
		if !ok || c.Active != 1 {
			continue
		}
		var latest time.Time
		for _, m := range members[id] {
			if t := last[m]; t.After(latest) {
				latest = t
			}
		}
		for _, ent := range index[id] {
			k := pair{subject: id, entity: ent}
			ev := clusterEv[k]
			in := e.inputs(ev)
			in.Features = c.SummaryFeatures
			in.ActivityKnown, in.DaysSinceActivity = daysSince(asOf, latest)
			out.scores = append(out.scores, e.labelScore(k, entity.SubjectCluster, ev, in, asOf))
			if ev.propagated && latest.After(out.activity[ent]) {
				out.activity[ent] = latest
			}
		}
	}
	return out, nil
}

// clusterEvidence lifts address evidence onto the clusters of the labeled
// addresses and adds ML cluster predictions.
func (e *Engine) clusterEvidence(ctx context.Context, addrEv map[pair]*evidence, clusterOf map[string]string) (map[pair]*evidence, error) {
	out := map[pair]*evidence{}
	for k, ev := range addrEv {
		cid, ok := clusterOf[k.subject]
		if !ok {
			continue
		}
		ck := pair{subject: cid, entity: k.entity}
		cev, ok := out[ck]
		if !ok {
			cev = &evidence{category: ev.category, propagated: true}
			out[ck] = cev
		}
		for s := range ev.sources {
			cev.addSource(s)
		}
	}

	predictions, err := e.store.ClusterLabelsByMethod(ctx, entity.MethodMLModel)
	if err != nil {
		return nil, errs.Dependency("clickhouse", err)
	}
	var unknown []string
	for _, p := range predictions {
		ck := pair{subject: p.ClusterID, entity: p.EntityID}
		cev, ok := out[ck]
		if !ok {
			cev = &evidence{}
			out[ck] = cev
			unknown = append(unknown, p.EntityID)
		}
		cev.hasML = true
		if p.Confidence > cev.ml {
			cev.ml = p.Confidence
		}
	}
	if len(unknown) > 0 {
		ents, err := e.store.GetEntities(ctx, unknown)
		if err != nil {
			return nil, errs.Dependency("clickhouse", err)
		}
		for k, ev := range out {
			if ev.category == "" {
				ev.category = ents[k.entity].Category
			}
		}
	}
	return out, nil
}

func (e *Engine) inputs(ev *evidence) Inputs {
	var in Inputs
	for _, name := range sortedSet(ev.sources) {
		w := e.cfg.SourceWeight(name)
		in.SourceWeights = append(in.SourceWeights, w)
		if w >= 1 {
			in.Manual = true
		}
	}
	if ev.hasML {
		in.ML = true
		in.SourceWeights = append(in.SourceWeights, min(ev.ml, e.cfg.SourceWeight(mlSource)))
	}
	in.Propagated = ev.propagated
	if profile, ok := e.cfg.Profile(ev.category); ok {
		in.Profile = profile
	}
	return in
}

func (e *Engine) labelScore(k pair, subject entity.SubjectType, ev *evidence, in Inputs, asOf time.Time) entity.LabelScore {
	s := Confidence(in)
	sources := sortedSet(ev.sources)
	if ev.hasML {
		sources = append(sources, mlSource)
	}
	return entity.LabelScore{
		SubjectID:   k.subject,
		SubjectType: subject,
		EntityID:    k.entity,
		Confidence:  s.Confidence,
		Tier:        s.Tier,
		Reasons:     s.Reasons,
		Sources:     sources,
		ScoreDate:   ScoreDate(asOf),
		ComputedAt:  asOf,
	}
}

func (e *Engine) write(ctx context.Context, scores []entity.LabelScore, labels []entity.ClusterLabel) error {
	size := e.cfg.Scoring.BatchSize
	if size <= 0 {
		size = 1000
	}
	for lo := 0; lo < len(scores); lo += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.InsertLabelScores(ctx, scores[lo:min(len(scores), lo+size)]); err != nil {
			return errs.Dependency("clickhouse", fmt.Errorf("write label scores: %w", err))
		}
	}
	if len(labels) > 0 {
		if err := e.store.InsertClusterLabels(ctx, labels); err != nil {
			return errs.Dependency("clickhouse", fmt.Errorf("write cluster labels: %w", err))
		}
	}
	return nil
}

// ScoreDate is the day bucket a score computed at t is stored under.
func ScoreDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysSince(asOf, last time.Time) (bool, float64) {
	if last.IsZero() || last.Unix() <= 0 {
		return false, 0
	}
	days := asOf.Sub(last).Hours() / 24
	if days < 0 {
		days = 0
	}
	return true, days
}

// bySubject indexes evidence pairs: sorted subjects, each with its sorted
// entity ids.
func bySubject(ev map[pair]*evidence) ([]string, map[string][]string) {
	index := map[string][]string{}
	for k := range ev {
		index[k.subject] = append(index[k.subject], k.entity)
	}
	subjects := make([]string, 0, len(index))
	for s, ents := range index {
		sort.Strings(ents)
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects, index
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
