package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// ClusterIDLength is the length of every cluster identifier (hex SHA-256).
const ClusterIDLength = 64

// Cluster is a disjoint group of addresses inferred to share control.
type Cluster struct {
	ClusterID       string            `json:"cluster_id"`
	Size            uint64            `json:"size"`
	FirstSeenHeight uint64            `json:"first_seen_height"`
	LastSeenHeight  uint64            `json:"last_seen_height"`
	ScriptMix       map[string]uint64 `json:"script_mix"`
	SummaryFeatures []float64         `json:"summary_features"`
	Active          uint8             `json:"active"`
	UpdatedAt       time.Time         `json:"updated_at"`

	Members []string `json:"members,omitempty"`
}

// DominantScript returns the most common script type, ties broken alphabetically.
func (c Cluster) DominantScript() string {
	best, bestCount := "", uint64(0)
	keys := make([]string, 0, len(c.ScriptMix))
	for k := range c.ScriptMix {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c.ScriptMix[k] > bestCount {
			best, bestCount = k, c.ScriptMix[k]
		}
	}
	return best
}

// ClusterID is a pure function of the member set: SHA-256 over the sorted,
// newline-joined, de-duplicated addresses.
func ClusterID(members []string) string {
	sorted := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		sorted = append(sorted, m)
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// ClusterAddress is a membership edge. Edges are archived, never deleted,
// when the cluster they point at is superseded.
type ClusterAddress struct {
	ClusterID  string    `json:"cluster_id"`
	Address    string    `json:"address"`
	AddedAt    time.Time `json:"added_at"`
	Archived   uint8     `json:"archived"`
	ArchivedAt time.Time `json:"archived_at"`
}

// AddressCluster is the current-membership index keyed by address.
type AddressCluster struct {
	Address   string    `json:"address"`
	ClusterID string    `json:"cluster_id"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeReason says why a cluster identifier was superseded.
type ChangeReason string

const (
	ChangeMerge      ChangeReason = "merge"
	ChangeGrowth     ChangeReason = "growth"
	ChangeCompaction ChangeReason = "compaction"
)

// ClusterIDChange is one old->new row of the cluster identifier audit table.
type ClusterIDChange struct {
	OldClusterID string       `json:"old_cluster_id"`
	NewClusterID string       `json:"new_cluster_id"`
	Reason       ChangeReason `json:"reason"`
	BlockHeight  uint64       `json:"block_height"`
	ChangedAt    time.Time    `json:"changed_at"`
}

// EdgeKind names the heuristic that produced a clustering edge.
type EdgeKind string

const (
	EdgeCommonInput  EdgeKind = "common_input"
	EdgeChangeOutput EdgeKind = "change_output"
	EdgeCompaction   EdgeKind = "compaction"
)

// ClusterEdge is the audit record of one heuristic link. Applied is 0 for soft
// change edges that were recorded but not unioned.
type ClusterEdge struct {
	TxID        string    `json:"txid"`
	BlockHeight uint64    `json:"block_height"`
	Kind        EdgeKind  `json:"kind"`
	From        string    `json:"from_address"`
	To          string    `json:"to_address"`
	Score       float64   `json:"score"`
	Applied     uint8     `json:"applied"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// ClusterLabel attaches an entity to a whole cluster.
type ClusterLabel struct {
	ClusterID  string      `json:"cluster_id"`
	EntityID   string      `json:"entity_id"`
	Confidence float64     `json:"confidence"`
	Method     LabelMethod `json:"method"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Cluster summary feature positions. Every feature is scaled to [0, 1].
const (
	FeatureActivity = iota
	FeatureValueScale
	FeatureRoundRatio
	FeatureSpendRatio
	FeatureScriptShare
	FeatureCount
)
