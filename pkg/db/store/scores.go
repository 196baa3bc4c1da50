package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/tables"
)

type labelScoreRow struct {
	SubjectType string    `ch:"subject_type"`
	SubjectID   string    `ch:"subject_id"`
	EntityID    string    `ch:"entity_id"`
	Confidence  float64   `ch:"confidence"`
	Tier        string    `ch:"tier"`
	Reasons     []string  `ch:"reasons"`
	Sources     []string  `ch:"sources"`
	ScoreDate   time.Time `ch:"score_date"`
	ComputedAt  time.Time `ch:"computed_at"`
}

func (r labelScoreRow) model() entity.LabelScore {
	return entity.LabelScore{
		SubjectID:   r.SubjectID,
		SubjectType: entity.SubjectType(r.SubjectType),
		EntityID:    r.EntityID,
		Confidence:  r.Confidence,
		Tier:        entity.Tier(r.Tier),
		Reasons:     entity.ParseReasons(r.Reasons),
		Sources:     r.Sources,
		ScoreDate:   r.ScoreDate,
		ComputedAt:  r.ComputedAt,
	}
}

type latestScoreRow struct {
	SubjectType string    `ch:"subject_type"`
	SubjectID   string    `ch:"subject_id"`
	EntityID    string    `ch:"entity_id"`
	Confidence  float64   `ch:"latest_confidence"`
	Tier        string    `ch:"latest_tier"`
	Reasons     []string  `ch:"latest_reasons"`
	Sources     []string  `ch:"latest_sources"`
	ScoreDate   time.Time `ch:"latest_score_date"`
	ComputedAt  time.Time `ch:"latest_computed_at"`
}

type clusterLabelRow struct {
	ClusterID  string    `ch:"cluster_id"`
	EntityID   string    `ch:"entity_id"`
	Confidence float64   `ch:"confidence"`
	Method     string    `ch:"method"`
	UpdatedAt  time.Time `ch:"updated_at"`
}

// InsertLabelScores writes scores. A later row for the same subject, entity
// and score date replaces the earlier one.
func (db *DB) InsertLabelScores(ctx context.Context, scores []entity.LabelScore) error {
	if len(scores) == 0 {
		return nil
	}
	return db.insert(ctx, tables.LabelScores, func(appendRow func(args ...any) error) error {
		for _, s := range scores {
			sources := s.Sources
			if sources == nil {
				sources = []string{}
			}
			if err := appendRow(
				string(s.SubjectType),
				s.SubjectID,
				s.EntityID,
				s.Confidence,
				string(s.Tier),
				s.ReasonStrings(),
				sources,
				s.ScoreDate,
				s.ComputedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertClusterLabels writes cluster level labels.
func (db *DB) InsertClusterLabels(ctx context.Context, labels []entity.ClusterLabel) error {
	if len(labels) == 0 {
		return nil
	}
	return db.insert(ctx, tables.ClusterLabels, func(appendRow func(args ...any) error) error {
		for _, l := range labels {
			if err := appendRow(l.ClusterID, l.EntityID, l.Confidence, string(l.Method), l.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClusterLabelsByMethod returns the current cluster labels produced by method.
func (db *DB) ClusterLabelsByMethod(ctx context.Context, method entity.LabelMethod) ([]entity.ClusterLabel, error) {
	query := fmt.Sprintf(`
		SELECT cluster_id, entity_id, confidence, method, updated_at
		FROM %s FINAL
		WHERE method = ?
		ORDER BY cluster_id, entity_id`, db.table(tables.ClusterLabels))

	var rows []clusterLabelRow
	if err := db.Select(ctx, &rows, query, string(method)); err != nil {
		return nil, fmt.Errorf("query cluster labels: %w", err)
	}
	out := make([]entity.ClusterLabel, len(rows))
	for i, r := range rows {
		out[i] = entity.ClusterLabel{
			ClusterID:  r.ClusterID,
			EntityID:   r.EntityID,
			Confidence: r.Confidence,
			Method:     entity.LabelMethod(r.Method),
			UpdatedAt:  r.UpdatedAt,
		}
	}
	return out, nil
}

// LatestScores returns, for each (subject, entity) among the given addresses
// and clusters, the score of the most recent score date.
func (db *DB) LatestScores(ctx context.Context, addresses, clusterIDs []string) ([]entity.LabelScore, error) {
	var (
		filters []string
		args    []any
	)
	if len(addresses) > 0 {
		filters = append(filters, "(subject_type = ? AND subject_id IN (?))")
		args = append(args, string(entity.SubjectAddress), addresses)
	}
	if len(clusterIDs) > 0 {
		filters = append(filters, "(subject_type = ? AND subject_id IN (?))")
		args = append(args, string(entity.SubjectCluster), clusterIDs)
	}
	if len(filters) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT subject_type, subject_id, entity_id,
		       argMax(confidence, score_date) AS latest_confidence,
		       argMax(tier, score_date) AS latest_tier,
		       argMax(reasons, score_date) AS latest_reasons,
		       argMax(sources, score_date) AS latest_sources,
		       max(score_date) AS latest_score_date,
		       argMax(computed_at, score_date) AS latest_computed_at
		FROM %s FINAL
		WHERE %s
		GROUP BY subject_type, subject_id, entity_id
		ORDER BY subject_type, subject_id, latest_confidence DESC, entity_id`,
		db.table(tables.LabelScores), strings.Join(filters, " OR "))

	var rows []latestScoreRow
	if err := db.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query latest scores: %w", err)
	}
	out := make([]entity.LabelScore, len(rows))
	for i, r := range rows {
		out[i] = labelScoreRow(r).model()
	}
	return out, nil
}

// EntitiesByName lists entities whose canonical name starts with prefix.
func (db *DB) EntitiesByName(ctx context.Context, prefix string, limit int) ([]entity.Entity, error) {
	query := fmt.Sprintf(`
		SELECT entity_id, entity_name, category, metadata, first_seen, last_seen, active, updated_at
		FROM %s FINAL
		WHERE startsWith(entity_name, ?)
		ORDER BY entity_name
		LIMIT ?`, db.table(tables.Entities))

	var rows []entityRow
	if err := db.Select(ctx, &rows, query, strings.ToLower(prefix), limit); err != nil {
		return nil, fmt.Errorf("query entities by name: %w", err)
	}
	out := make([]entity.Entity, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}
