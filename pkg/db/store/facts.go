package store

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/tables"
)

// EntityFlow is the net value an entity moved in one transaction. Positive
// values are inflows.
type EntityFlow struct {
	EntityID  string    `ch:"entity_id"`
	TxID      string    `ch:"txid"`
	BlockTime time.Time `ch:"block_time"`
	Net       float64   `ch:"net"`
}

// EntityFlows returns per (entity, transaction) net flows with block_time in
// (from, to]. Only clusters whose latest score for the entity is at least
// minConfidence count toward it. Transfers between two addresses of the same
// entity net out inside one transaction.
func (db *DB) EntityFlows(ctx context.Context, from, to time.Time, minConfidence float64) ([]EntityFlow, error) {
	query := fmt.Sprintf(`
		WITH labeled AS (
			SELECT subject_id AS cluster_id, entity_id
			FROM (
				SELECT subject_id, entity_id, argMax(confidence, score_date) AS latest_confidence
				FROM %[1]s FINAL
				WHERE subject_type = ?
				GROUP BY subject_id, entity_id
			)
			WHERE latest_confidence >= ?
		),
		members AS (
			SELECT labeled.entity_id AS entity_id, ca.address AS address
			FROM (SELECT cluster_id, address FROM %[2]s FINAL WHERE archived = 0) AS ca
			INNER JOIN labeled ON ca.cluster_id = labeled.cluster_id
		)
		SELECT members.entity_id AS entity_id,
		       io.txid AS txid,
		       any(io.block_time) AS block_time,
		       sumIf(toFloat64(io.value), io.direction = 'out') - sumIf(toFloat64(io.value), io.direction = 'in') AS net
		FROM (
			SELECT txid, block_time, direction, address, value
			FROM %[3]s FINAL
			WHERE block_time > ? AND block_time <= ?
		) AS io
		INNER JOIN members ON io.address = members.address
		GROUP BY entity_id, txid`,
		db.table(tables.LabelScores), db.table(tables.ClusterAddresses), db.table(tables.TxIO))

	var rows []EntityFlow
	if err := db.Select(ctx, &rows, query, string(entity.SubjectCluster), minConfidence, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("query entity flows: %w", err)
	}
	return rows, nil
}

// InsertFacts appends computed facts.
func (db *DB) InsertFacts(ctx context.Context, facts []alert.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	return db.insert(ctx, tables.AlertFacts, func(appendRow func(args ...any) error) error {
		for _, f := range facts {
			if err := appendRow(f.EntityID, f.Metric, f.Window, f.Value, f.ComputedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestFacts returns the newest fact per entity for metric and window among
// those computed at or after since.
func (db *DB) LatestFacts(ctx context.Context, metric, window string, since time.Time) ([]alert.Fact, error) {
	query := fmt.Sprintf(`
		SELECT entity_id, metric, fact_window,
		       argMax(value, computed_at) AS latest_value,
		       max(computed_at) AS latest_at
		FROM %s
		WHERE metric = ? AND fact_window = ? AND computed_at >= ?
		GROUP BY entity_id, metric, fact_window
		ORDER BY entity_id`, db.table(tables.AlertFacts))

	var rows []struct {
		EntityID   string    `ch:"entity_id"`
		Metric     string    `ch:"metric"`
		Window     string    `ch:"fact_window"`
		Value      float64   `ch:"latest_value"`
		ComputedAt time.Time `ch:"latest_at"`
	}
	if err := db.Select(ctx, &rows, query, metric, window, since.UTC()); err != nil {
		return nil, fmt.Errorf("query latest facts: %w", err)
	}
	out := make([]alert.Fact, len(rows))
	for i, r := range rows {
		out[i] = alert.Fact{EntityID: r.EntityID, Metric: r.Metric, Window: r.Window, Value: r.Value, ComputedAt: r.ComputedAt}
	}
	return out, nil
}

// EntityNames maps entity ids to display names.
func (db *DB) EntityNames(ctx context.Context, ids []string) (map[string]string, error) {
	entities, err := db.GetEntities(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entities))
	for id, e := range entities {
		out[id] = e.EntityName
	}
	return out, nil
}

// PruneFacts drops alert_facts day partitions that fell out of retention.
func (db *DB) PruneFacts(ctx context.Context, now time.Time, retention time.Duration) ([]string, error) {
	return db.DropOldPartitions(ctx, db.Name, tables.AlertFacts.Name, now, retention)
}
