package store

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/tables"
)

type entityRow struct {
	EntityID   string    `ch:"entity_id"`
	EntityName string    `ch:"entity_name"`
	Category   string    `ch:"category"`
	Metadata   string    `ch:"metadata"`
	FirstSeen  time.Time `ch:"first_seen"`
	LastSeen   time.Time `ch:"last_seen"`
	Active     uint8     `ch:"active"`
	UpdatedAt  time.Time `ch:"updated_at"`
}

func (r entityRow) model() entity.Entity {
	return entity.Entity{
		EntityID:   r.EntityID,
		EntityName: r.EntityName,
		Category:   entity.Category(r.Category),
		Metadata:   r.Metadata,
		FirstSeen:  r.FirstSeen,
		LastSeen:   r.LastSeen,
		Active:     r.Active,
		UpdatedAt:  r.UpdatedAt,
	}
}

type addressLabelRow struct {
	Address     string    `ch:"address"`
	EntityID    string    `ch:"entity_id"`
	LabelSource string    `ch:"label_source"`
	Confidence  float64   `ch:"confidence"`
	UpdatedAt   time.Time `ch:"updated_at"`
}

// InsertRawLabels appends source records verbatim.
func (db *DB) InsertRawLabels(ctx context.Context, labels []entity.RawLabel) error {
	if len(labels) == 0 {
		return nil
	}
	return db.insert(ctx, tables.RawLabels, func(appendRow func(args ...any) error) error {
		for _, l := range labels {
			if err := appendRow(l.SourceName, l.SourceVersion, l.Address, l.EntityName, l.Category, l.Evidence, l.IngestedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEntities loads the current version of each requested entity.
func (db *DB) GetEntities(ctx context.Context, ids []string) (map[string]entity.Entity, error) {
	out := make(map[string]entity.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT entity_id, entity_name, category, metadata, first_seen, last_seen, active, updated_at
		FROM %s FINAL
		WHERE entity_id IN (?)`, db.table(tables.Entities))

	var rows []entityRow
	if err := db.Select(ctx, &rows, query, ids); err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	for _, r := range rows {
		out[r.EntityID] = r.model()
	}
	return out, nil
}

// UpsertEntities writes a new version of each entity.
func (db *DB) UpsertEntities(ctx context.Context, entities []entity.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return db.insert(ctx, tables.Entities, func(appendRow func(args ...any) error) error {
		for _, e := range entities {
			if err := appendRow(e.EntityID, e.EntityName, string(e.Category), e.Metadata, e.FirstSeen, e.LastSeen, e.Active, e.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddressLabelsFor returns every current label attached to the given addresses.
func (db *DB) AddressLabelsFor(ctx context.Context, addresses []string) ([]entity.AddressLabel, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT address, entity_id, label_source, confidence, updated_at
		FROM %s FINAL
		WHERE address IN (?)
		ORDER BY address, entity_id, label_source`, db.table(tables.AddressLabels))

	var rows []addressLabelRow
	if err := db.Select(ctx, &rows, query, addresses); err != nil {
		return nil, fmt.Errorf("query address labels: %w", err)
	}
	out := make([]entity.AddressLabel, len(rows))
	for i, r := range rows {
		out[i] = entity.AddressLabel(r)
	}
	return out, nil
}

// InsertAddressLabels writes label rows. Rows sharing (address, entity,
// source) replace each other, newest updated_at wins.
func (db *DB) InsertAddressLabels(ctx context.Context, labels []entity.AddressLabel) error {
	if len(labels) == 0 {
		return nil
	}
	return db.insert(ctx, tables.AddressLabels, func(appendRow func(args ...any) error) error {
		for _, l := range labels {
			if err := appendRow(l.Address, l.EntityID, l.LabelSource, l.Confidence, l.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// MixerAddresses returns addresses labeled to an active mixer entity.
func (db *DB) MixerAddresses(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT address
		FROM %s FINAL
		WHERE entity_id IN (
			SELECT entity_id FROM %s FINAL WHERE category = ? AND active = 1
		)`, db.table(tables.AddressLabels), db.table(tables.Entities))

	var rows []struct {
		Address string `ch:"address"`
	}
	if err := db.Select(ctx, &rows, query, string(entity.CategoryMixer)); err != nil {
		return nil, fmt.Errorf("query mixer addresses: %w", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Address
	}
	return out, nil
}

// LabelEvidence is one address label joined with its entity category.
type LabelEvidence struct {
	Address     string
	EntityID    string
	LabelSource string
	Category    entity.Category
}

// AddressLabelEvidence streams every label of an active entity to fn.
func (db *DB) AddressLabelEvidence(ctx context.Context, fn func(LabelEvidence) error) error {
	query := fmt.Sprintf(`
		SELECT l.address AS address, l.entity_id AS entity_id, l.label_source AS label_source, e.category AS category
		FROM (SELECT address, entity_id, label_source FROM %s FINAL) AS l
		INNER JOIN (SELECT entity_id, category FROM %s FINAL WHERE active = 1) AS e
		ON l.entity_id = e.entity_id`, db.table(tables.AddressLabels), db.table(tables.Entities))

	rows, err := db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query label evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ev LabelEvidence
		var category string
		if err := rows.Scan(&ev.Address, &ev.EntityID, &ev.LabelSource, &category); err != nil {
			return fmt.Errorf("scan label evidence: %w", err)
		}
		ev.Category = entity.Category(category)
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}
