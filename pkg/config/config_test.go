package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1.0, cfg.SourceWeight("manual"))
	assert.Equal(t, 0.7, cfg.SourceWeight("tier1"))
	assert.Equal(t, 0.5, cfg.SourceWeight("never-heard-of-it"))
	assert.Equal(t, ChangeModeHard, cfg.Clustering.ChangeMode)
	assert.Equal(t, 24*time.Hour, cfg.Alerts.DedupWindow)
	assert.Equal(t, 1000, cfg.Resolution.BatchMax)

	p, ok := cfg.Profile(entity.CategoryExchange)
	require.True(t, ok)
	assert.Len(t, p, entity.FeatureCount)
	_, ok = cfg.Profile(entity.CategoryUnknown)
	assert.False(t, ok)
}

func TestCategoryFor(t *testing.T) {
	cfg := Default()

	cases := map[string]entity.Category{
		"Exchange":           entity.CategoryExchange,
		"  Mining-Pool ":     entity.CategoryMiner,
		"COINJOIN":           entity.CategoryMixer,
		"corporate_treasury": entity.CategoryTreasury,
		"whale":              entity.CategoryWhale,
		"gambling":           entity.CategoryUnknown,
		"":                   entity.CategoryUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, cfg.CategoryFor(in), in)
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
sources:
  - name: chainalysis
    kind: http
    tier: tier1
    location: https://labels.example/v1
clustering:
  change_mode: soft
  mixer_addresses: [bc1qmixer]
`))
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.SourceWeight("chainalysis"))
	assert.Equal(t, ChangeModeSoft, cfg.Clustering.ChangeMode)
	assert.Equal(t, []string{"bc1qmixer"}, cfg.Clustering.MixerAddresses)
	assert.Equal(t, uint64(10000), cfg.Clustering.RoundUnit)
}

func TestParseRejectsInvalid(t *testing.T) {
	bad := []string{
		"clustering: {change_mode: maybe}",
		"source_weights: {manual: 1.5}",
		"behavior_profiles: {exchange: [1, 2]}",
		"category_synonyms: {casino: [gambling]}",
		"sources: [{name: a, kind: ftp, location: x}]",
		"sources: [{name: a, kind: file}]",
		"alerts: {dedup_window: 0s}",
	}
	for _, doc := range bad {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entityx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alerts: {lookback: 3h}\n"), 0o600))
	t.Setenv("ENTITYX_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, cfg.Alerts.Lookback)

	t.Setenv("ENTITYX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}
