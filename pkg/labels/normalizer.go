package labels

import (
	"context"
	"fmt"
	"strings"

	"github.com/canopy-network/entityx/pkg/address"
	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// maxReportedErrors caps the validation errors kept in a Result.
const maxReportedErrors = 50

// Store is what the normalizer reads and writes.
type Store interface {
	InsertRawLabels(ctx context.Context, labels []entity.RawLabel) error
	AddressLabelsFor(ctx context.Context, addresses []string) ([]entity.AddressLabel, error)
	GetEntities(ctx context.Context, ids []string) (map[string]entity.Entity, error)
	UpsertEntities(ctx context.Context, entities []entity.Entity) error
	InsertAddressLabels(ctx context.Context, labels []entity.AddressLabel) error
}

// Result summarizes one normalized batch.
type Result struct {
	Source          string   `json:"source"`
	Accepted        int      `json:"accepted"`
	Rejected        int      `json:"rejected"`
	Duplicates      int      `json:"duplicates"`
	EntitiesCreated int      `json:"entities_created"`
	Errors          []string `json:"errors,omitempty"`
}

// Normalizer turns raw source labels into canonical entities and address labels.
type Normalizer struct {
	store   Store
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

// NewNormalizer wires a normalizer. A nil clock uses the real clock.
func NewNormalizer(store Store, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, clock clockwork.Clock) *Normalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Normalizer{store: store, cfg: cfg, logger: logger.Named("labels"), metrics: m, clock: clock}
}

// CanonicalName trims, lower-cases and collapses whitespace in an entity name.
func CanonicalName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

type candidate struct {
	label    entity.AddressLabel
	name     string
	category entity.Category
	evidence string
}

// Normalize validates, canonicalizes and stores one batch from source.
// Malformed rows are rejected and counted; the rest of the batch proceeds.
func (n *Normalizer) Normalize(ctx context.Context, source string, raws []entity.RawLabel) (Result, error) {
	res := Result{Source: source}
	now := n.clock.Now().UTC()
	weight := n.cfg.SourceWeight(source)

	reject := func(err error) {
		res.Rejected++
		if len(res.Errors) < maxReportedErrors {
			res.Errors = append(res.Errors, err.Error())
		}
		n.logger.Debug("label rejected", zap.String("source", source), zap.Error(err))
	}

	seen := make(map[string]struct{}, len(raws))
	var batch []candidate
	for _, raw := range raws {
		addr, err := address.Normalize(raw.Address)
		if err != nil {
			reject(err)
			continue
		}
		name := CanonicalName(raw.EntityName)
		if name == "" {
			reject(errs.Validation("entity_name", raw.EntityName, "empty"))
			continue
		}
		c := candidate{
			label: entity.AddressLabel{
				Address:     addr.Value,
				EntityID:    entity.EntityID(name),
				LabelSource: source,
				Confidence:  weight,
				UpdatedAt:   now,
			},
			name:     name,
			category: n.cfg.CategoryFor(raw.Category),
			evidence: raw.Evidence,
		}
		key := c.label.Key()
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		batch = append(batch, c)
	}

	if len(batch) == 0 {
		n.record(res)
		return res, nil
	}

	addresses := make([]string, 0, len(batch))
	for _, c := range batch {
		addresses = append(addresses, c.label.Address)
	}
	stored, err := n.store.AddressLabelsFor(ctx, addresses)
	if err != nil {
		return res, errs.Dependency("clickhouse", fmt.Errorf("load stored labels: %w", err))
	}
	storedKeys := make(map[string]struct{}, len(stored))
	for _, l := range stored {
		storedKeys[l.Key()] = struct{}{}
	}

	var (
		fresh     []entity.AddressLabel
		touched   = map[string]candidate{}
		entityIDs []string
	)
	for _, c := range batch {
		if _, ok := touched[c.label.EntityID]; !ok {
			touched[c.label.EntityID] = c
			entityIDs = append(entityIDs, c.label.EntityID)
		} else if touched[c.label.EntityID].category == entity.CategoryUnknown && c.category != entity.CategoryUnknown {
			touched[c.label.EntityID] = c
		}
		if _, ok := storedKeys[c.label.Key()]; ok {
			res.Duplicates++
			continue
		}
		fresh = append(fresh, c.label)
	}

	existing, err := n.store.GetEntities(ctx, entityIDs)
	if err != nil {
		return res, errs.Dependency("clickhouse", fmt.Errorf("load entities: %w", err))
	}

	upserts := make([]entity.Entity, 0, len(entityIDs))
	for _, id := range entityIDs {
		c := touched[id]
		e, ok := existing[id]
		if !ok {
			res.EntitiesCreated++
			upserts = append(upserts, entity.Entity{
				EntityID:   id,
				EntityName: c.name,
				Category:   c.category,
				Metadata:   c.evidence,
				FirstSeen:  now,
				LastSeen:   now,
				Active:     1,
				UpdatedAt:  now,
			})
			continue
		}
		if now.After(e.LastSeen) {
			e.LastSeen = now
		}
		e.UpdatedAt = now
		e.Active = 1
		if e.Category == entity.CategoryUnknown && c.category != entity.CategoryUnknown {
			e.Category = c.category
		}
		upserts = append(upserts, e)
	}

	if err := n.store.UpsertEntities(ctx, upserts); err != nil {
		return res, errs.Dependency("clickhouse", fmt.Errorf("upsert entities: %w", err))
	}
	if err := n.store.InsertAddressLabels(ctx, fresh); err != nil {
		return res, errs.Dependency("clickhouse", fmt.Errorf("insert address labels: %w", err))
	}
	res.Accepted = len(fresh)

	n.record(res)
	n.logger.Info("labels normalized",
		zap.String("source", source),
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", res.Rejected),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("entities_created", res.EntitiesCreated))
	return res, nil
}

func (n *Normalizer) record(res Result) {
	n.metrics.LabelsIngested.WithLabelValues(res.Source, "accepted").Add(float64(res.Accepted))
	n.metrics.LabelsIngested.WithLabelValues(res.Source, "rejected").Add(float64(res.Rejected))
	n.metrics.LabelsIngested.WithLabelValues(res.Source, "duplicate").Add(float64(res.Duplicates))
}
