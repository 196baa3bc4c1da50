package labels

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type predictionStore struct {
	*fakeStore
	clusterLabels []entity.ClusterLabel
}

func (s *predictionStore) InsertClusterLabels(_ context.Context, labels []entity.ClusterLabel) error {
	s.clusterLabels = append(s.clusterLabels, labels...)
	return nil
}

func TestImportClusterLabels(t *testing.T) {
	store := &predictionStore{fakeStore: newFakeStore()}
	binanceID := entity.EntityID("binance")
	store.entities[binanceID] = entity.Entity{EntityID: binanceID, EntityName: "binance", Category: entity.CategoryExchange}

	c1 := strings.Repeat("a", 64)
	c2 := strings.Repeat("b", 64)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	res, err := ImportClusterLabels(context.Background(), store, clock, []Prediction{
		{ClusterID: c1, EntityID: binanceID, Confidence: 0.6},
		{ClusterID: c1, EntityID: binanceID, Confidence: 0.8},
		{ClusterID: c2, EntityName: "  Wasabi  Mixer ", Category: "mixer", Confidence: 0.7},
		{ClusterID: "ABC", EntityID: binanceID, Confidence: 0.5},
		{ClusterID: c2, EntityID: binanceID, Confidence: 1.5},
		{ClusterID: c2, Confidence: 0.5},
		{ClusterID: c2, EntityID: "deadbeef", Confidence: 0.5},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 4, res.Rejected)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.EntitiesCreated)
	assert.Len(t, res.Errors, 4)

	require.Len(t, store.clusterLabels, 2)
	assert.Equal(t, 0.8, store.clusterLabels[0].Confidence)
	for _, l := range store.clusterLabels {
		assert.Equal(t, entity.MethodMLModel, l.Method)
		assert.Equal(t, clock.Now(), l.UpdatedAt)
	}

	mixer := store.entities[entity.EntityID("wasabi mixer")]
	assert.Equal(t, "wasabi mixer", mixer.EntityName)
	assert.Equal(t, entity.CategoryMixer, mixer.Category)
}

func TestImportClusterLabelsNothingValid(t *testing.T) {
	store := &predictionStore{fakeStore: newFakeStore()}
	res, err := ImportClusterLabels(context.Background(), store, nil, []Prediction{{ClusterID: "x", EntityID: "y", Confidence: 0.1}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Empty(t, store.clusterLabels)
}

func TestLoadPredictions(t *testing.T) {
	dir := t.TempDir()
	c := strings.Repeat("c", 64)

	yamlPath := filepath.Join(dir, "preds.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("- cluster_id: "+c+"\n  entity_name: kraken\n  category: exchange\n  confidence: 0.9\n"), 0o600))
	preds, err := LoadPredictions(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []Prediction{{ClusterID: c, EntityName: "kraken", Category: "exchange", Confidence: 0.9}}, preds)

	jsonPath := filepath.Join(dir, "preds.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"cluster_id":"`+c+`","entity_id":"e1","confidence":0.4}]`), 0o600))
	preds, err = LoadPredictions(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "e1", preds[0].EntityID)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"not":"a list"}`), 0o600))
	_, err = LoadPredictions(badPath)
	assert.True(t, errs.IsValidation(err))
}
