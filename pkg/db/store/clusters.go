package store

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/tables"
)

// maxSupersedeHops bounds the history walk in SupersededBy.
const maxSupersedeHops = 64

type clusterRow struct {
	ClusterID       string            `ch:"cluster_id"`
	Size            uint64            `ch:"size"`
	FirstSeenHeight uint64            `ch:"first_seen_height"`
	LastSeenHeight  uint64            `ch:"last_seen_height"`
	ScriptMix       map[string]uint64 `ch:"script_mix"`
	SummaryFeatures []float64         `ch:"summary_features"`
	Active          uint8             `ch:"active"`
	UpdatedAt       time.Time         `ch:"updated_at"`
}

func (r clusterRow) model() entity.Cluster {
	return entity.Cluster{
		ClusterID:       r.ClusterID,
		Size:            r.Size,
		FirstSeenHeight: r.FirstSeenHeight,
		LastSeenHeight:  r.LastSeenHeight,
		ScriptMix:       r.ScriptMix,
		SummaryFeatures: r.SummaryFeatures,
		Active:          r.Active,
		UpdatedAt:       r.UpdatedAt,
	}
}

type membershipRow struct {
	Address   string    `ch:"address"`
	ClusterID string    `ch:"cluster_id"`
	Version   uint64    `ch:"version"`
	UpdatedAt time.Time `ch:"updated_at"`
}

// ClusterChangeSet is everything one reduce step writes.
type ClusterChangeSet struct {
	// Version orders membership rows; it must grow between change sets.
	Version uint64
	Now     time.Time
	// Clusters are the new clusters, with Members filled in.
	Clusters []entity.Cluster
	// Archived are cluster ids that no longer exist after this change set.
	Archived []string
	History  []entity.ClusterIDChange
	Edges    []entity.ClusterEdge
}

// Memberships returns the current cluster of each address that has one.
func (db *DB) Memberships(ctx context.Context, addresses []string) (map[string]entity.AddressCluster, error) {
	out := make(map[string]entity.AddressCluster, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT address, cluster_id, version, updated_at
		FROM %s FINAL
		WHERE address IN (?)`, db.table(tables.AddressClusters))

	var rows []membershipRow
	if err := db.Select(ctx, &rows, query, addresses); err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	for _, r := range rows {
		out[r.Address] = entity.AddressCluster(r)
	}
	return out, nil
}

// MembershipVersion returns the highest membership version among addresses.
// The reduce step compares it before and after computing to detect a
// concurrent writer.
func (db *DB) MembershipVersion(ctx context.Context, addresses []string) (uint64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`SELECT max(version) FROM %s WHERE address IN (?)`, db.table(tables.AddressClusters))
	var version uint64
	if err := db.QueryRow(ctx, query, addresses).Scan(&version); err != nil {
		return 0, fmt.Errorf("query membership version: %w", err)
	}
	return version, nil
}

// ClusterMembers returns the live members of each cluster.
func (db *DB) ClusterMembers(ctx context.Context, clusterIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(clusterIDs))
	if len(clusterIDs) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT cluster_id, address
		FROM %s FINAL
		WHERE cluster_id IN (?) AND archived = 0
		ORDER BY cluster_id, address`, db.table(tables.ClusterAddresses))

	var rows []struct {
		ClusterID string `ch:"cluster_id"`
		Address   string `ch:"address"`
	}
	if err := db.Select(ctx, &rows, query, clusterIDs); err != nil {
		return nil, fmt.Errorf("query cluster members: %w", err)
	}
	for _, r := range rows {
		out[r.ClusterID] = append(out[r.ClusterID], r.Address)
	}
	return out, nil
}

// LiveClusters returns, per address, every cluster that still lists it as
// a non-archived member. More than one id for an address means an earlier
// change set stopped before archiving its predecessors.
func (db *DB) LiveClusters(ctx context.Context, addresses []string) (map[string][]string, error) {
	out := make(map[string][]string, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT cluster_id, address
		FROM %s FINAL
		WHERE address IN (?) AND archived = 0
		ORDER BY address, cluster_id`, db.table(tables.ClusterAddresses))

	var rows []struct {
		ClusterID string `ch:"cluster_id"`
		Address   string `ch:"address"`
	}
	if err := db.Select(ctx, &rows, query, addresses); err != nil {
		return nil, fmt.Errorf("query live clusters: %w", err)
	}
	for _, r := range rows {
		out[r.Address] = append(out[r.Address], r.ClusterID)
	}
	return out, nil
}

// GetClusters loads cluster rows by id, active or not.
func (db *DB) GetClusters(ctx context.Context, clusterIDs []string) (map[string]entity.Cluster, error) {
	out := make(map[string]entity.Cluster, len(clusterIDs))
	if len(clusterIDs) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT cluster_id, size, first_seen_height, last_seen_height, script_mix, summary_features, active, updated_at
		FROM %s FINAL
		WHERE cluster_id IN (?)`, db.table(tables.Clusters))

	var rows []clusterRow
	if err := db.Select(ctx, &rows, query, clusterIDs); err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	for _, r := range rows {
		out[r.ClusterID] = r.model()
	}
	return out, nil
}

// ActiveClusters streams every active cluster to fn.
func (db *DB) ActiveClusters(ctx context.Context, fn func(entity.Cluster) error) error {
	query := fmt.Sprintf(`
		SELECT cluster_id, size, first_seen_height, last_seen_height, script_mix, summary_features, active, updated_at
		FROM %s FINAL
		WHERE active = 1`, db.table(tables.Clusters))

	rows, err := db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query active clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r clusterRow
		if err := rows.ScanStruct(&r); err != nil {
			return fmt.Errorf("scan cluster: %w", err)
		}
		if err := fn(r.model()); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SmallClusters returns up to limit active clusters with size <= maxSize,
// smallest first.
func (db *DB) SmallClusters(ctx context.Context, maxSize uint64, limit int) ([]entity.Cluster, error) {
	query := fmt.Sprintf(`
		SELECT cluster_id, size, first_seen_height, last_seen_height, script_mix, summary_features, active, updated_at
		FROM %s FINAL
		WHERE active = 1 AND size <= ?
		ORDER BY size, cluster_id
		LIMIT ?`, db.table(tables.Clusters))

	var rows []clusterRow
	if err := db.Select(ctx, &rows, query, maxSize, limit); err != nil {
		return nil, fmt.Errorf("query small clusters: %w", err)
	}
	out := make([]entity.Cluster, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// SupersededBy follows the identifier history from clusterID to the newest
// cluster that replaced it. It returns "" when clusterID was never superseded.
func (db *DB) SupersededBy(ctx context.Context, clusterID string) (string, error) {
	query := fmt.Sprintf(`
		SELECT new_cluster_id
		FROM %s FINAL
		WHERE old_cluster_id = ?
		ORDER BY changed_at DESC
		LIMIT 1`, db.table(tables.ClusterIDHistory))

	current, seen := clusterID, map[string]struct{}{clusterID: {}}
	for hop := 0; hop < maxSupersedeHops; hop++ {
		var next string
		rows, err := db.Query(ctx, query, current)
		if err != nil {
			return "", fmt.Errorf("query cluster history: %w", err)
		}
		if rows.Next() {
			err = rows.Scan(&next)
		}
		_ = rows.Close()
		if err != nil {
			return "", fmt.Errorf("scan cluster history: %w", err)
		}
		if next == "" {
			break
		}
		if _, loop := seen[next]; loop {
			break
		}
		seen[next] = struct{}{}
		current = next
	}
	if current == clusterID {
		return "", nil
	}
	return current, nil
}

// ApplyClusterChanges writes one reduce step. New clusters and their edges go
// first, then the address index, the history, and finally the archival of the
// superseded clusters, so a crash mid-way leaves every address pointing at a
// cluster whose member edges exist. Re-running the same step converges because
// every table replaces on its key.
func (db *DB) ApplyClusterChanges(ctx context.Context, cs ClusterChangeSet) error {
	now := cs.Now.UTC()

	if len(cs.Clusters) > 0 {
		if err := db.insert(ctx, tables.Clusters, func(appendRow func(args ...any) error) error {
			for _, c := range cs.Clusters {
				if err := appendRow(c.ClusterID, c.Size, c.FirstSeenHeight, c.LastSeenHeight, nonNilMix(c.ScriptMix), nonNilFloats(c.SummaryFeatures), uint8(1), now); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := db.insert(ctx, tables.ClusterAddresses, func(appendRow func(args ...any) error) error {
			for _, c := range cs.Clusters {
				for _, m := range c.Members {
					if err := appendRow(c.ClusterID, m, now, uint8(0), time.Unix(0, 0).UTC(), cs.Version); err != nil {
						return err
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := db.insert(ctx, tables.AddressClusters, func(appendRow func(args ...any) error) error {
			for _, c := range cs.Clusters {
				for _, m := range c.Members {
					if err := appendRow(m, c.ClusterID, cs.Version, now); err != nil {
						return err
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if len(cs.History) > 0 {
		if err := db.insert(ctx, tables.ClusterIDHistory, func(appendRow func(args ...any) error) error {
			for _, h := range cs.History {
				if err := appendRow(h.OldClusterID, h.NewClusterID, string(h.Reason), h.BlockHeight, h.ChangedAt); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if err := db.InsertEdges(ctx, cs.Edges); err != nil {
		return err
	}

	if len(cs.Archived) > 0 {
		archiveClusters := fmt.Sprintf(`
			INSERT INTO %s
			SELECT cluster_id, size, first_seen_height, last_seen_height, script_mix, summary_features, 0, ?
			FROM %s FINAL
			WHERE cluster_id IN (?)`, db.table(tables.Clusters), db.table(tables.Clusters))
		if err := db.Exec(ctx, archiveClusters, now, cs.Archived); err != nil {
			return fmt.Errorf("archive clusters: %w", err)
		}

		archiveEdges := fmt.Sprintf(`
			INSERT INTO %s
			SELECT cluster_id, address, added_at, 1, ?, ?
			FROM %s FINAL
			WHERE cluster_id IN (?) AND archived = 0`, db.table(tables.ClusterAddresses), db.table(tables.ClusterAddresses))
		if err := db.Exec(ctx, archiveEdges, now, cs.Version, cs.Archived); err != nil {
			return fmt.Errorf("archive cluster members: %w", err)
		}
	}
	return nil
}

// InsertEdges records heuristic edges for audit.
func (db *DB) InsertEdges(ctx context.Context, edges []entity.ClusterEdge) error {
	if len(edges) == 0 {
		return nil
	}
	return db.insert(ctx, tables.ClusterEdges, func(appendRow func(args ...any) error) error {
		for _, e := range edges {
			if err := appendRow(e.TxID, e.BlockHeight, string(e.Kind), e.From, e.To, e.Score, e.Applied, e.RecordedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func nonNilMix(m map[string]uint64) map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	return m
}

func nonNilFloats(f []float64) []float64 {
	if f == nil {
		return []float64{}
	}
	return f
}
