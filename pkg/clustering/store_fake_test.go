package clustering

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/canopy-network/entityx/pkg/db/models/chain"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/store"
)

// memStore keeps the partition in maps and applies change sets with the
// same replace-on-key semantics as the ClickHouse tables.
type memStore struct {
	mu sync.Mutex

	txs        []chain.Transaction
	watermarks map[string]uint64
	mixers     []string

	memberships map[string]entity.AddressCluster
	clusters    map[string]entity.Cluster
	members     map[string][]string
	archived    map[string]bool
	rows        map[[2]string]int
	history     []entity.ClusterIDChange
	edges       []entity.ClusterEdge
	applies     int

	// bumpVersionOnce simulates a concurrent writer between the two version reads.
	bumpVersionOnce bool
	versionReads    int
}

func newMemStore(txs ...chain.Transaction) *memStore {
	return &memStore{
		txs:         txs,
		watermarks:  map[string]uint64{},
		memberships: map[string]entity.AddressCluster{},
		clusters:    map[string]entity.Cluster{},
		members:     map[string][]string{},
		archived:    map[string]bool{},
		rows:        map[[2]string]int{},
	}
}

func (s *memStore) HeadHeight(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var head uint64
	for _, tx := range s.txs {
		head = max(head, tx.BlockHeight)
	}
	return head, nil
}

func (s *memStore) Watermark(_ context.Context, job string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[job], nil
}

func (s *memStore) CommitWatermark(_ context.Context, job string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[job] = height
	return nil
}

func (s *memStore) Transactions(_ context.Context, from, to uint64) ([]chain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chain.Transaction
	for _, tx := range s.txs {
		if tx.BlockHeight > from && tx.BlockHeight <= to {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockHeight != out[j].BlockHeight {
			return out[i].BlockHeight < out[j].BlockHeight
		}
		return out[i].TxIndex < out[j].TxIndex
	})
	return out, nil
}

func (s *memStore) FirstSeen(ctx context.Context, addresses []string) (map[string]string, error) {
	ordered, _ := s.Transactions(ctx, 0, ^uint64(0))
	want := map[string]bool{}
	for _, a := range addresses {
		want[a] = true
	}
	out := map[string]string{}
	for _, tx := range ordered {
		for _, leg := range append(append([]chain.IO{}, tx.Inputs...), tx.Outputs...) {
			if _, ok := out[leg.Address]; !ok && want[leg.Address] {
				out[leg.Address] = tx.TxID
			}
		}
	}
	return out, nil
}

func (s *memStore) MixerAddresses(context.Context) ([]string, error) { return s.mixers, nil }

func (s *memStore) Memberships(_ context.Context, addresses []string) (map[string]entity.AddressCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]entity.AddressCluster{}
	for _, a := range addresses {
		if m, ok := s.memberships[a]; ok {
			out[a] = m
		}
	}
	return out, nil
}

func (s *memStore) MembershipVersion(_ context.Context, addresses []string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v uint64
	for _, a := range addresses {
		v = max(v, s.memberships[a].Version)
	}
	s.versionReads++
	if s.bumpVersionOnce && s.versionReads == 2 {
		s.bumpVersionOnce = false
		v++
	}
	return v, nil
}

func (s *memStore) ClusterMembers(_ context.Context, ids []string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string][]string{}
	for _, id := range ids {
		if !s.archived[id] && len(s.members[id]) > 0 {
			out[id] = append([]string(nil), s.members[id]...)
		}
	}
	return out, nil
}

func (s *memStore) LiveClusters(_ context.Context, addresses []string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string][]string{}
	for _, a := range addresses {
		for id, ms := range s.members {
			if s.archived[id] {
				continue
			}
			for _, m := range ms {
				if m == a {
					out[a] = append(out[a], id)
				}
			}
		}
		sort.Strings(out[a])
	}
	return out, nil
}

func (s *memStore) AddressStats(_ context.Context, addresses []string, _ uint64) (map[string]store.AddressStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, a := range addresses {
		want[a] = true
	}
	out := map[string]store.AddressStats{}
	for _, tx := range s.txs {
		note := func(leg chain.IO, sent bool) {
			if !want[leg.Address] {
				return
			}
			st, ok := out[leg.Address]
			if !ok {
				st = store.AddressStats{Address: leg.Address, ScriptMix: map[string]uint64{}, FirstHeight: tx.BlockHeight}
			}
			st.TxCount++
			if sent {
				st.Sent += leg.Value
			} else {
				st.Received += leg.Value
				st.Outputs++
			}
			st.ScriptMix[leg.ScriptType]++
			st.FirstHeight = min(st.FirstHeight, tx.BlockHeight)
			st.LastHeight = max(st.LastHeight, tx.BlockHeight)
			out[leg.Address] = st
		}
		for _, in := range tx.Inputs {
			note(in, true)
		}
		for _, o := range tx.Outputs {
			note(o, false)
		}
	}
	return out, nil
}

func (s *memStore) SmallClusters(_ context.Context, maxSize uint64, limit int) ([]entity.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Cluster
	for id, c := range s.clusters {
		if !s.archived[id] && c.Size <= maxSize {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ApplyClusterChanges(_ context.Context, cs store.ClusterChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	for _, c := range cs.Clusters {
		s.clusters[c.ClusterID] = c
		s.members[c.ClusterID] = append([]string(nil), c.Members...)
		delete(s.archived, c.ClusterID)
		for _, m := range c.Members {
			s.rows[[2]string{c.ClusterID, m}] = 1
			s.memberships[m] = entity.AddressCluster{Address: m, ClusterID: c.ClusterID, Version: cs.Version, UpdatedAt: cs.Now}
		}
	}
	s.history = append(s.history, cs.History...)
	s.edges = append(s.edges, cs.Edges...)
	for _, id := range cs.Archived {
		s.archived[id] = true
	}
	return nil
}

func (s *memStore) InsertEdges(_ context.Context, edges []entity.ClusterEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edges...)
	return nil
}

// interruptedStore drops the archive step of the next failAfter change sets
// that carry one and reports the write as failed, leaving the rows the
// earlier statements wrote in place.
type interruptedStore struct {
	*memStore
	failAfter int
}

func (s *interruptedStore) ApplyClusterChanges(ctx context.Context, cs store.ClusterChangeSet) error {
	if s.failAfter == 0 || len(cs.Archived) == 0 {
		return s.memStore.ApplyClusterChanges(ctx, cs)
	}
	s.failAfter--
	cs.Archived = nil
	if err := s.memStore.ApplyClusterChanges(ctx, cs); err != nil {
		return err
	}
	return errors.New("archive clusters: connection reset by peer")
}

// liveOf lists the non-archived clusters that contain addr.
func (s *memStore) liveOf(addr string) []string {
	out, _ := s.LiveClusters(context.Background(), []string{addr})
	return out[addr]
}

func (s *memStore) clusterOf(addr string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberships[addr].ClusterID
}
