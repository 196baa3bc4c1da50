// Package resolution answers which entity controls an address or a cluster.
// It reads the committed outputs of clustering and scoring through a two
// level cache and keeps serving the last good answer while the store is down.
package resolution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/canopy-network/entityx/pkg/address"
	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Store is the read side of the analytical store.
type Store interface {
	Memberships(ctx context.Context, addresses []string) (map[string]entity.AddressCluster, error)
	LatestScores(ctx context.Context, addresses, clusterIDs []string) ([]entity.LabelScore, error)
	GetEntities(ctx context.Context, ids []string) (map[string]entity.Entity, error)
	GetClusters(ctx context.Context, clusterIDs []string) (map[string]entity.Cluster, error)
	ClusterMembers(ctx context.Context, clusterIDs []string) (map[string][]string, error)
	SupersededBy(ctx context.Context, clusterID string) (string, error)
}

// Result is the answer for one address. EntityID is empty when the address
// is clustered but carries no visible label.
type Result struct {
	Address    string   `json:"address"`
	EntityID   string   `json:"entity_id,omitempty"`
	EntityName string   `json:"entity_name,omitempty"`
	Category   string   `json:"category,omitempty"`
	Confidence float64  `json:"confidence"`
	Tier       string   `json:"tier,omitempty"`
	Reasons    []string `json:"reasons"`
	ClusterID  string   `json:"cluster_id,omitempty"`
	Stale      bool     `json:"stale,omitempty"`
}

// BatchItem is one slot of a batch answer, in request order.
type BatchItem struct {
	Address string  `json:"address"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Label is a visible entity association of a cluster.
type Label struct {
	EntityID   string   `json:"entity_id"`
	EntityName string   `json:"entity_name,omitempty"`
	Category   string   `json:"category,omitempty"`
	Confidence float64  `json:"confidence"`
	Tier       string   `json:"tier"`
	Reasons    []string `json:"reasons"`
}

// ClusterDetail describes a cluster. Archived clusters report the cluster
// that superseded them and no members.
type ClusterDetail struct {
	ClusterID       string            `json:"cluster_id"`
	Active          bool              `json:"active"`
	SupersededBy    string            `json:"superseded_by,omitempty"`
	Size            uint64            `json:"size"`
	FirstSeenHeight uint64            `json:"first_seen_height"`
	LastSeenHeight  uint64            `json:"last_seen_height"`
	ScriptMix       map[string]uint64 `json:"script_mix"`
	Features        []float64         `json:"features"`
	Members         []string          `json:"members"`
	Labels          []Label           `json:"labels"`
	Stale           bool              `json:"stale,omitempty"`
}

// Service is the resolution read path.
type Service struct {
	store    Store
	cache    *tiered
	lastGood *xsync.Map[string, any]
	cfg      config.Resolution
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
}

// NewService builds the service. remote may be nil to run with the
// in-process cache only.
func NewService(st Store, remote Remote, cfg config.Resolution, logger *zap.Logger, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Nop()
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 1000
	}
	s := &Service{
		store:    st,
		cache:    newTiered(remote, cfg, logger),
		lastGood: xsync.NewMap[string, any](),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		clock:    clockwork.NewRealClock(),
	}
	go s.cache.local.Start()
	return s
}

// WithClock replaces the clock used to time requests.
func (s *Service) WithClock(clock clockwork.Clock) *Service {
	s.clock = clock
	return s
}

// Close stops the L1 expiry loop.
func (s *Service) Close() {
	s.cache.local.Stop()
}

func addressKey(a string) string { return "addr:" + a }
func clusterKey(id string) string { return "cluster:" + id }

// Resolve answers for one address. It returns a ValidationError for a
// malformed address and a NotFoundError when the address is neither
// clustered nor labeled.
func (s *Service) Resolve(ctx context.Context, raw string) (Result, error) {
	start := s.clock.Now()
	defer func() { s.metrics.ResolutionLatency.Observe(s.clock.Since(start).Seconds()) }()

	addr, err := address.Normalize(raw)
	if err != nil {
		s.metrics.ResolutionRequests.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	var cached Result
	if tier := get(ctx, s.cache, addressKey(addr.Value), &cached); tier != "" {
		s.metrics.ResolutionRequests.WithLabelValues("hit_" + tier).Inc()
		return cached, nil
	}

	found, err := s.lookup(ctx, []string{addr.Value})
	if err != nil {
		return s.stale(addressKey(addr.Value), addr.Value, err)
	}
	res, ok := found[addr.Value]
	if !ok {
		s.metrics.ResolutionRequests.WithLabelValues("not_found").Inc()
		return Result{}, errs.NotFound("address", addr.Value)
	}
	s.remember(ctx, addressKey(addr.Value), res)
	s.metrics.ResolutionRequests.WithLabelValues("miss").Inc()
	return res, nil
}

// ResolveBatch answers up to BatchMax addresses with one store round trip for
// the cache misses. Per-address problems are reported in the item; only an
// oversized request fails as a whole.
func (s *Service) ResolveBatch(ctx context.Context, raws []string) ([]BatchItem, error) {
	if len(raws) > s.cfg.BatchMax {
		return nil, errs.Validation("addresses", strconv.Itoa(len(raws)), fmt.Sprintf("at most %d addresses per batch", s.cfg.BatchMax))
	}

	items := make([]BatchItem, len(raws))
	pending := make(map[string][]int)
	for i, raw := range raws {
		items[i].Address = raw
		addr, err := address.Normalize(raw)
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		items[i].Address = addr.Value
		var cached Result
		if tier := get(ctx, s.cache, addressKey(addr.Value), &cached); tier != "" {
			s.metrics.ResolutionRequests.WithLabelValues("hit_" + tier).Inc()
			items[i].Result = &cached
			continue
		}
		pending[addr.Value] = append(pending[addr.Value], i)
	}
	if len(pending) == 0 {
		return items, nil
	}

	misses := make([]string, 0, len(pending))
	for a := range pending {
		misses = append(misses, a)
	}
	sort.Strings(misses)

	found, err := s.lookup(ctx, misses)
	for _, a := range misses {
		var (
			res    Result
			resErr error
		)
		switch {
		case err != nil:
			res, resErr = s.stale(addressKey(a), a, err)
		default:
			var ok bool
			if res, ok = found[a]; ok {
				s.remember(ctx, addressKey(a), res)
				s.metrics.ResolutionRequests.WithLabelValues("miss").Inc()
			} else {
				s.metrics.ResolutionRequests.WithLabelValues("not_found").Inc()
				resErr = errs.NotFound("address", a)
			}
		}
		for _, i := range pending[a] {
			if resErr != nil {
				items[i].Error = resErr.Error()
				continue
			}
			r := res
			items[i].Result = &r
		}
	}
	return items, nil
}

// ClusterDetail describes a cluster by id. Archived ids resolve to their
// newest successor in SupersededBy.
func (s *Service) ClusterDetail(ctx context.Context, clusterID string) (ClusterDetail, error) {
	clusterID = strings.ToLower(strings.TrimSpace(clusterID))
	if len(clusterID) != entity.ClusterIDLength {
		return ClusterDetail{}, errs.Validation("cluster_id", clusterID, "expected 64 hex characters")
	}
	if _, err := hex.DecodeString(clusterID); err != nil {
		return ClusterDetail{}, errs.Validation("cluster_id", clusterID, "expected 64 hex characters")
	}

	key := clusterKey(clusterID)
	var cached ClusterDetail
	if tier := get(ctx, s.cache, key, &cached); tier != "" {
		return cached, nil
	}

	detail, err := s.loadCluster(ctx, clusterID)
	if err != nil {
		if errs.IsNotFound(err) {
			return ClusterDetail{}, err
		}
		if v, ok := s.lastGood.Load(key); ok {
			d := v.(ClusterDetail)
			d.Stale = true
			s.logger.Warn("serving stale cluster detail", zap.String("cluster_id", clusterID), zap.Error(err))
			return d, nil
		}
		return ClusterDetail{}, errs.Dependency("clickhouse", err)
	}
	s.remember(ctx, key, detail)
	return detail, nil
}

// Invalidate drops cached answers in every process: the given addresses, or
// everything when none are given.
func (s *Service) Invalidate(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return s.cache.flush(ctx)
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = addressKey(a)
	}
	return s.cache.drop(ctx, keys...)
}

// Listen applies invalidations published by other processes until ctx ends.
func (s *Service) Listen(ctx context.Context) error {
	s.cache.syncGeneration(ctx)
	if s.cache.remote == nil {
		<-ctx.Done()
		return nil
	}
	sub := s.cache.remote.Subscribe(ctx, s.cfg.InvalidationChannel)
	defer func() { _ = sub.Close() }()

	// the first receive confirms the subscription
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.cfg.InvalidationChannel, err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			s.cache.apply(msg.Payload)
		}
	}
}

func (s *Service) remember(ctx context.Context, key string, v any) {
	s.cache.put(ctx, key, v)
	s.lastGood.Store(key, v)
}

func (s *Service) stale(key, addr string, cause error) (Result, error) {
	if v, ok := s.lastGood.Load(key); ok {
		res := v.(Result)
		res.Stale = true
		s.metrics.ResolutionRequests.WithLabelValues("stale").Inc()
		s.logger.Warn("serving stale resolution", zap.String("address", addr), zap.Error(cause))
		return res, nil
	}
	s.metrics.ResolutionRequests.WithLabelValues("error").Inc()
	return Result{}, errs.Dependency("clickhouse", cause)
}

// lookup resolves addresses against the store. Addresses with neither a
// cluster nor a visible label are absent from the result.
func (s *Service) lookup(ctx context.Context, addrs []string) (map[string]Result, error) {
	memberships, err := s.store.Memberships(ctx, addrs)
	if err != nil {
		return nil, err
	}
	clusterIDs := make([]string, 0, len(memberships))
	seen := make(map[string]struct{}, len(memberships))
	for _, m := range memberships {
		if _, ok := seen[m.ClusterID]; ok {
			continue
		}
		seen[m.ClusterID] = struct{}{}
		clusterIDs = append(clusterIDs, m.ClusterID)
	}
	sort.Strings(clusterIDs)

	scores, err := s.store.LatestScores(ctx, addrs, clusterIDs)
	if err != nil {
		return nil, err
	}
	best := bestVisible(scores)

	entityIDs := make([]string, 0, len(best))
	for _, sc := range best {
		entityIDs = append(entityIDs, sc.EntityID)
	}
	entities, err := s.store.GetEntities(ctx, utils.SortedUnique(entityIDs))
	if err != nil {
		return nil, err
	}

	out := make(map[string]Result, len(addrs))
	for _, a := range addrs {
		m, clustered := memberships[a]
		pick, labeled := best[subject(entity.SubjectAddress, a)]
		if clustered {
			if c, ok := best[subject(entity.SubjectCluster, m.ClusterID)]; ok && (!labeled || c.Confidence > pick.Confidence) {
				pick, labeled = c, true
			}
		}
		if !clustered && !labeled {
			continue
		}
		res := Result{Address: a, ClusterID: m.ClusterID, Reasons: []string{}}
		if labeled {
			e := entities[pick.EntityID]
			res.EntityID = pick.EntityID
			res.EntityName = e.EntityName
			res.Category = string(e.Category)
			res.Confidence = pick.Confidence
			res.Tier = string(pick.Tier)
			res.Reasons = pick.ReasonStrings()
		}
		out[a] = res
	}
	return out, nil
}

func (s *Service) loadCluster(ctx context.Context, clusterID string) (ClusterDetail, error) {
	clusters, err := s.store.GetClusters(ctx, []string{clusterID})
	if err != nil {
		return ClusterDetail{}, err
	}
	c, ok := clusters[clusterID]
	if !ok {
		return ClusterDetail{}, errs.NotFound("cluster", clusterID)
	}

	d := ClusterDetail{
		ClusterID:       c.ClusterID,
		Active:          c.Active == 1,
		Size:            c.Size,
		FirstSeenHeight: c.FirstSeenHeight,
		LastSeenHeight:  c.LastSeenHeight,
		ScriptMix:       c.ScriptMix,
		Features:        c.SummaryFeatures,
		Members:         []string{},
		Labels:          []Label{},
	}
	if !d.Active {
		if d.SupersededBy, err = s.store.SupersededBy(ctx, clusterID); err != nil {
			return ClusterDetail{}, err
		}
		return d, nil
	}

	members, err := s.store.ClusterMembers(ctx, []string{clusterID})
	if err != nil {
		return ClusterDetail{}, err
	}
	if m := members[clusterID]; len(m) > 0 {
		d.Members = m
	}

	scores, err := s.store.LatestScores(ctx, nil, []string{clusterID})
	if err != nil {
		return ClusterDetail{}, err
	}
	var visible []entity.LabelScore
	var ids []string
	for _, sc := range scores {
		if sc.Tier.Visible() {
			visible = append(visible, sc)
			ids = append(ids, sc.EntityID)
		}
	}
	entities, err := s.store.GetEntities(ctx, utils.SortedUnique(ids))
	if err != nil {
		return ClusterDetail{}, err
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if visible[i].Confidence != visible[j].Confidence {
			return visible[i].Confidence > visible[j].Confidence
		}
		return visible[i].EntityID < visible[j].EntityID
	})
	for _, sc := range visible {
		e := entities[sc.EntityID]
		d.Labels = append(d.Labels, Label{
			EntityID:   sc.EntityID,
			EntityName: e.EntityName,
			Category:   string(e.Category),
			Confidence: sc.Confidence,
			Tier:       string(sc.Tier),
			Reasons:    sc.ReasonStrings(),
		})
	}
	return d, nil
}

func subject(t entity.SubjectType, id string) string { return string(t) + ":" + id }

// bestVisible keeps the highest confidence visible score per subject. Ties go
// to the smaller entity id.
func bestVisible(scores []entity.LabelScore) map[string]entity.LabelScore {
	best := make(map[string]entity.LabelScore)
	for _, sc := range scores {
		if !sc.Tier.Visible() {
			continue
		}
		key := subject(sc.SubjectType, sc.SubjectID)
		cur, ok := best[key]
		if !ok || sc.Confidence > cur.Confidence || (sc.Confidence == cur.Confidence && sc.EntityID < cur.EntityID) {
			best[key] = sc
		}
	}
	return best
}
