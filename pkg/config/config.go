package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/utils"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Change-output heuristic modes.
const (
	ChangeModeHard = "hard"
	ChangeModeSoft = "soft"
	ChangeModeOff  = "off"
)

// Source describes one configured label feed.
type Source struct {
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"`
	Tier     string            `yaml:"tier"`
	Location string            `yaml:"location"`
	Headers  map[string]string `yaml:"headers"`
}

type Clustering struct {
	ChangeMode        string        `yaml:"change_mode"`
	MixerAddresses    []string      `yaml:"mixer_addresses"`
	RoundUnit         uint64        `yaml:"round_unit"`
	MaxHeightsPerRun  uint64        `yaml:"max_heights_per_run"`
	MapWorkers        int           `yaml:"map_workers"`
	LockKey           string        `yaml:"lock_key"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	LockWait          time.Duration `yaml:"lock_wait"`
	CompactionMaxSize uint64        `yaml:"compaction_max_size"`
	CompactionEpsilon float64       `yaml:"compaction_epsilon"`
	CompactionBatch   int           `yaml:"compaction_batch"`
}

type Scoring struct {
	Workers               int     `yaml:"workers"`
	BatchSize             int     `yaml:"batch_size"`
	MinClusterPropagation float64 `yaml:"min_cluster_propagation"`
}

type Alerts struct {
	MinClusterConfidence float64       `yaml:"min_cluster_confidence"`
	DedupWindow          time.Duration `yaml:"dedup_window"`
	Lookback             time.Duration `yaml:"lookback"`
	FactRetention        time.Duration `yaml:"fact_retention"`
	PendingBatch         int           `yaml:"pending_batch"`
	DeliveryRetries      int           `yaml:"delivery_retries"`
	DeliveryTimeout      time.Duration `yaml:"delivery_timeout"`
	ChannelRate          float64       `yaml:"channel_rate"`
	FailedStream         string        `yaml:"failed_stream"`
	EventsStream         string        `yaml:"events_stream"`
}

type Resolution struct {
	BatchMax            int           `yaml:"batch_max"`
	L1TTL               time.Duration `yaml:"l1_ttl"`
	L1Capacity          uint64        `yaml:"l1_capacity"`
	L2TTL               time.Duration `yaml:"l2_ttl"`
	InvalidationChannel string        `yaml:"invalidation_channel"`
}

// Config is the domain configuration shared by every binary.
type Config struct {
	SourceWeights       map[string]float64   `yaml:"source_weights"`
	DefaultSourceWeight float64              `yaml:"default_source_weight"`
	Sources             []Source             `yaml:"sources"`
	CategorySynonyms    map[string][]string  `yaml:"category_synonyms"`
	BehaviorProfiles    map[string][]float64 `yaml:"behavior_profiles"`
	Clustering          Clustering           `yaml:"clustering"`
	Scoring             Scoring              `yaml:"scoring"`
	Alerts              Alerts               `yaml:"alerts"`
	Resolution          Resolution           `yaml:"resolution"`

	synonyms map[string]entity.Category
}

// Default returns the embedded configuration.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("embedded config is invalid: %v", err))
	}
	return cfg
}

// Load reads the file named by ENTITYX_CONFIG over the embedded defaults. An
// unset variable yields the defaults.
func Load() (*Config, error) {
	path := utils.Env("ENTITYX_CONFIG", "")
	if path == "" {
		return Parse(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes overrides on top of the embedded defaults and validates the
// result.
func Parse(overrides []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	if len(overrides) > 0 {
		if err := yaml.Unmarshal(overrides, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.index()
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	for name, w := range c.SourceWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("source weight %s=%v out of [0,1]", name, w)
		}
	}
	if c.DefaultSourceWeight < 0 || c.DefaultSourceWeight > 1 {
		return fmt.Errorf("default_source_weight %v out of [0,1]", c.DefaultSourceWeight)
	}
	seen := map[string]bool{}
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source without a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Kind {
		case "file", "http":
		default:
			return fmt.Errorf("source %s: unknown kind %q", s.Name, s.Kind)
		}
		if s.Location == "" {
			return fmt.Errorf("source %s: location is required", s.Name)
		}
	}
	for cat := range c.CategorySynonyms {
		if !entity.Category(cat).IsValid() {
			return fmt.Errorf("category_synonyms: unknown category %q", cat)
		}
	}
	for cat, p := range c.BehaviorProfiles {
		if !entity.Category(cat).IsValid() {
			return fmt.Errorf("behavior_profiles: unknown category %q", cat)
		}
		if len(p) != entity.FeatureCount {
			return fmt.Errorf("behavior_profiles.%s: want %d features, got %d", cat, entity.FeatureCount, len(p))
		}
	}
	switch c.Clustering.ChangeMode {
	case ChangeModeHard, ChangeModeSoft, ChangeModeOff:
	default:
		return fmt.Errorf("clustering.change_mode must be hard, soft or off, got %q", c.Clustering.ChangeMode)
	}
	if c.Clustering.CompactionEpsilon < 0 {
		return fmt.Errorf("clustering.compaction_epsilon must not be negative")
	}
	if c.Alerts.DedupWindow <= 0 {
		return fmt.Errorf("alerts.dedup_window must be positive")
	}
	if c.Resolution.BatchMax <= 0 {
		return fmt.Errorf("resolution.batch_max must be positive")
	}
	return nil
}

func (c *Config) index() {
	c.synonyms = make(map[string]entity.Category)
	cats := make([]string, 0, len(c.CategorySynonyms))
	for cat := range c.CategorySynonyms {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		c.synonyms[cat] = entity.Category(cat)
		for _, syn := range c.CategorySynonyms[cat] {
			key := normalizeTerm(syn)
			if _, taken := c.synonyms[key]; !taken {
				c.synonyms[key] = entity.Category(cat)
			}
		}
	}
}

func normalizeTerm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// CategoryFor maps free-text category input to the taxonomy. Unmatched input
// maps to unknown.
func (c *Config) CategoryFor(raw string) entity.Category {
	if c.synonyms == nil {
		c.index()
	}
	if cat, ok := c.synonyms[normalizeTerm(raw)]; ok {
		return cat
	}
	return entity.CategoryUnknown
}

// SourceWeight returns the credibility weight of a label source.
func (c *Config) SourceWeight(source string) float64 {
	for _, s := range c.Sources {
		if s.Name == source && s.Tier != "" {
			if w, ok := c.SourceWeights[s.Tier]; ok {
				return w
			}
		}
	}
	if w, ok := c.SourceWeights[source]; ok {
		return w
	}
	return c.DefaultSourceWeight
}

// Profile returns the expected feature vector of a category.
func (c *Config) Profile(cat entity.Category) ([]float64, bool) {
	p, ok := c.BehaviorProfiles[string(cat)]
	return p, ok
}
