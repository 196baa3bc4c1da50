package labels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/metrics"
	"github.com/canopy-network/entityx/pkg/retry"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	addrA = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	addrB = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
)

type fakeStore struct {
	mu       sync.Mutex
	raw      []entity.RawLabel
	labels   []entity.AddressLabel
	entities map[string]entity.Entity
	failRaw  error
}

func newFakeStore() *fakeStore { return &fakeStore{entities: map[string]entity.Entity{}} }

func (s *fakeStore) InsertRawLabels(_ context.Context, labels []entity.RawLabel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRaw != nil {
		return s.failRaw
	}
	s.raw = append(s.raw, labels...)
	return nil
}

func (s *fakeStore) AddressLabelsFor(_ context.Context, addresses []string) ([]entity.AddressLabel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, a := range addresses {
		want[a] = true
	}
	var out []entity.AddressLabel
	for _, l := range s.labels {
		if want[l.Address] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) GetEntities(_ context.Context, ids []string) (map[string]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]entity.Entity{}
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertEntities(_ context.Context, entities []entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.entities[e.EntityID] = e
	}
	return nil
}

func (s *fakeStore) InsertAddressLabels(_ context.Context, labels []entity.AddressLabel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, labels...)
	return nil
}

type failingSource struct{ calls int }

func (f *failingSource) Name() string { return "broken" }

func (f *failingSource) Fetch(context.Context) ([]entity.RawLabel, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func newTestNormalizer(t *testing.T, store Store) (*Normalizer, *metrics.Metrics, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.New(nil)
	return NewNormalizer(store, config.Default(), zaptest.NewLogger(t), m, clock), m, clock
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "acme exchange", CanonicalName("  ACME   Exchange "))
	assert.Equal(t, "", CanonicalName("   "))
}

func TestNormalizeCreatesEntitiesAndLabels(t *testing.T) {
	store := newFakeStore()
	n, m, clock := newTestNormalizer(t, store)

	res, err := n.Normalize(context.Background(), "tier1", []entity.RawLabel{
		{Address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", EntityName: "Acme Exchange", Category: "CEX"},
		{Address: addrA, EntityName: "acme  exchange", Category: "exchange"},
		{Address: addrB, EntityName: "Acme Exchange", Category: "exchange"},
		{Address: "not-an-address", EntityName: "Acme"},
		{Address: addrB, EntityName: "   "},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.EntitiesCreated)
	assert.Len(t, res.Errors, 2)

	id := entity.EntityID("acme exchange")
	e, ok := store.entities[id]
	require.True(t, ok)
	assert.Equal(t, entity.CategoryExchange, e.Category)
	assert.Equal(t, clock.Now().UTC(), e.FirstSeen)

	require.Len(t, store.labels, 2)
	for _, l := range store.labels {
		assert.Equal(t, id, l.EntityID)
		assert.Equal(t, 0.7, l.Confidence)
		assert.Equal(t, "tier1", l.LabelSource)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LabelsIngested.WithLabelValues("tier1", "accepted")))
}

func TestNormalizeIsIdempotentAcrossBatches(t *testing.T) {
	store := newFakeStore()
	n, _, clock := newTestNormalizer(t, store)
	batch := []entity.RawLabel{{Address: addrA, EntityName: "Whale One", Category: "unknown-thing"}}

	_, err := n.Normalize(context.Background(), "manual", batch)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	batch = append(batch, entity.RawLabel{Address: addrB, EntityName: "whale one", Category: "whale"})
	res, err := n.Normalize(context.Background(), "manual", batch)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 0, res.EntitiesCreated)
	assert.Len(t, store.labels, 2)

	e := store.entities[entity.EntityID("whale one")]
	assert.Equal(t, entity.CategoryWhale, e.Category, "unknown category is upgraded")
	assert.Equal(t, clock.Now().UTC(), e.LastSeen)
	assert.True(t, e.FirstSeen.Before(e.LastSeen))
}

func TestNormalizeKeepsConflictingLabels(t *testing.T) {
	store := newFakeStore()
	n, _, _ := newTestNormalizer(t, store)
	ctx := context.Background()

	_, err := n.Normalize(ctx, "tier1", []entity.RawLabel{{Address: addrA, EntityName: "Entity1", Category: "whale"}})
	require.NoError(t, err)
	res, err := n.Normalize(ctx, "tier2", []entity.RawLabel{{Address: addrA, EntityName: "Entity2", Category: "treasury"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, 1, res.EntitiesCreated)

	e1, e2 := entity.EntityID("entity1"), entity.EntityID("entity2")
	require.NotEqual(t, e1, e2)
	require.Contains(t, store.entities, e1)
	require.Contains(t, store.entities, e2)
	assert.Equal(t, entity.CategoryWhale, store.entities[e1].Category)
	assert.Equal(t, entity.CategoryTreasury, store.entities[e2].Category)

	stored, err := store.AddressLabelsFor(ctx, []string{addrA})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	got := map[string]string{}
	for _, l := range stored {
		got[l.LabelSource] = l.EntityID
	}
	assert.Equal(t, map[string]string{"tier1": e1, "tier2": e2}, got)

	// a re-delivery of either source is a duplicate, not an overwrite
	res, err = n.Normalize(ctx, "tier1", []entity.RawLabel{{Address: addrA, EntityName: "entity1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, store.labels, 2)
}

func TestFileSourceFormats(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "labels.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`version: "2024-03"
labels:
  - address: `+addrA+`
    entity_name: Acme
    category: exchange
`), 0o600))
	jsonPath := filepath.Join(dir, "labels.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"address":"`+addrB+`","entity_name":"Pool","category":"miner"}]`), 0o600))

	got, err := NewFileSource("ops", yamlPath).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-03", got[0].SourceVersion)
	assert.Equal(t, "ops", got[0].SourceName)

	got, err = NewFileSource("ops", jsonPath).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Pool", got[0].EntityName)
	assert.Len(t, got[0].SourceVersion, 16)

	_, err = NewFileSource("ops", filepath.Join(dir, "missing.yaml")).Fetch(context.Background())
	assert.True(t, retry.IsPermanent(err))
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"version":"v7","labels":[{"address":"` + addrA + `","entity_name":"Acme","category":"exchange"}]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource("feed", srv.URL, map[string]string{"Authorization": "Bearer token"}, srv.Client())
	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v7", got[0].SourceVersion)

	_, err = NewHTTPSource("feed", srv.URL, nil, srv.Client()).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestRunnerIsolatesFailingSource(t *testing.T) {
	store := newFakeStore()
	n, m, clock := newTestNormalizer(t, store)

	dir := t.TempDir()
	path := filepath.Join(dir, "manual.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- address: "+addrA+"\n  entity_name: Acme\n  category: exchange\n"), 0o600))

	broken := &failingSource{}
	runner := NewRunner(n, 2).WithRetry(retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	summary, err := runner.Run(context.Background(), NewFileSource("manual", path), broken)
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, "manual", summary.Results[0].Source)
	assert.Equal(t, 1, summary.Results[0].Accepted)

	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "broken", summary.Failed[0].Source)
	assert.Equal(t, 2, broken.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LabelSourceFailures.WithLabelValues("broken")))

	require.Len(t, store.raw, 1)
	assert.Equal(t, clock.Now().UTC(), store.raw[0].IngestedAt)
}

func TestRunnerStoreFailureIsDependencyError(t *testing.T) {
	store := newFakeStore()
	store.failRaw = errors.New("clickhouse down")
	n, _, _ := newTestNormalizer(t, store)

	dir := t.TempDir()
	path := filepath.Join(dir, "manual.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"address":"`+addrA+`","entity_name":"Acme"}]`), 0o600))

	runner := NewRunner(n, 1).WithRetry(retry.Config{MaxRetries: 1})
	res, err := runner.runSource(context.Background(), NewFileSource("manual", path))
	require.Error(t, err)
	assert.True(t, errs.IsDependency(err))
	assert.Empty(t, res.Source)
}

func TestSourcesFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sources = []config.Source{
		{Name: "a", Kind: "file", Location: "/tmp/a.yaml"},
		{Name: "b", Kind: "http", Location: "http://example.com"},
	}
	sources := SourcesFromConfig(cfg, nil)
	require.Len(t, sources, 2)
	assert.Equal(t, "a", sources[0].Name())
	assert.IsType(t, &HTTPSource{}, sources[1])
}
