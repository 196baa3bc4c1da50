package labels

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"
)

// Prediction is one classifier output for a cluster. The entity is named
// either by id or by name; a named entity that does not exist yet is created
// with the predicted category.
type Prediction struct {
	ClusterID  string  `json:"cluster_id" yaml:"cluster_id"`
	EntityID   string  `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	EntityName string  `json:"entity_name,omitempty" yaml:"entity_name,omitempty"`
	Category   string  `json:"category,omitempty" yaml:"category,omitempty"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// PredictionStore is what ImportClusterLabels writes through.
type PredictionStore interface {
	GetEntities(ctx context.Context, ids []string) (map[string]entity.Entity, error)
	UpsertEntities(ctx context.Context, entities []entity.Entity) error
	InsertClusterLabels(ctx context.Context, labels []entity.ClusterLabel) error
}

// LoadPredictions reads a JSON or YAML list of predictions from path.
func LoadPredictions(path string) ([]Prediction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var preds []Prediction
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &preds)
	} else {
		err = yaml.Unmarshal(raw, &preds)
	}
	if err != nil {
		return nil, errs.Validation("predictions", path, err.Error())
	}
	return preds, nil
}

func validClusterID(id string) bool {
	if len(id) != 64 || strings.ToLower(id) != id {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// ImportClusterLabels stores classifier predictions as ml_model cluster
// labels. Invalid rows are rejected and reported; a later prediction for the
// same (cluster, entity) replaces an earlier one in the same batch.
func ImportClusterLabels(ctx context.Context, store PredictionStore, clock clockwork.Clock, preds []Prediction) (Result, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now().UTC()
	res := Result{Source: string(entity.MethodMLModel)}
	reject := func(err error) {
		res.Rejected++
		if len(res.Errors) < maxReportedErrors {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	type named struct {
		name     string
		category entity.Category
	}
	byKey := map[string]int{}
	var (
		out      []entity.ClusterLabel
		newNames = map[string]named{}
		ids      []string
	)
	for _, p := range preds {
		if !validClusterID(p.ClusterID) {
			reject(errs.Validation("cluster_id", p.ClusterID, "must be 64 lowercase hex characters"))
			continue
		}
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			reject(errs.Validation("confidence", fmt.Sprint(p.Confidence), "must be within [0, 1]"))
			continue
		}
		id := strings.TrimSpace(p.EntityID)
		if id == "" {
			name := CanonicalName(p.EntityName)
			if name == "" {
				reject(errs.Validation("entity", p.ClusterID, "entity_id or entity_name is required"))
				continue
			}
			id = entity.EntityID(name)
			cat := entity.CategoryUnknown
			if c, err := entity.ParseCategory(p.Category); err == nil {
				cat = c
			}
			newNames[id] = named{name: name, category: cat}
		}

		label := entity.ClusterLabel{
			ClusterID:  p.ClusterID,
			EntityID:   id,
			Confidence: p.Confidence,
			Method:     entity.MethodMLModel,
			UpdatedAt:  now,
		}
		key := p.ClusterID + "|" + id
		if i, ok := byKey[key]; ok {
			out[i] = label
			res.Duplicates++
			continue
		}
		byKey[key] = len(out)
		out = append(out, label)
		ids = append(ids, id)
	}
	if len(out) == 0 {
		return res, nil
	}

	existing, err := store.GetEntities(ctx, ids)
	if err != nil {
		return res, errs.Dependency("clickhouse", fmt.Errorf("load entities: %w", err))
	}

	var (
		creates []entity.Entity
		kept    = out[:0]
	)
	for _, l := range out {
		if _, ok := existing[l.EntityID]; ok {
			kept = append(kept, l)
			continue
		}
		n, ok := newNames[l.EntityID]
		if !ok {
			reject(errs.NotFound("entity", l.EntityID))
			continue
		}
		e := entity.Entity{
			EntityID:   l.EntityID,
			EntityName: n.name,
			Category:   n.category,
			FirstSeen:  now,
			LastSeen:   now,
			Active:     1,
			UpdatedAt:  now,
		}
		creates = append(creates, e)
		existing[l.EntityID] = e
		res.EntitiesCreated++
		kept = append(kept, l)
	}

	if err := store.UpsertEntities(ctx, creates); err != nil {
		return res, errs.Dependency("clickhouse", fmt.Errorf("upsert entities: %w", err))
	}
	if err := store.InsertClusterLabels(ctx, kept); err != nil {
		return res, errs.Dependency("clickhouse", fmt.Errorf("insert cluster labels: %w", err))
	}
	res.Accepted = len(kept)
	return res, nil
}
