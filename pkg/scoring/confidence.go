// Package scoring computes confidence scores for (subject, entity) pairs.
//
// confidence = 0.35*source_weight + 0.25*match_strength
//            + 0.25*behavioral_consistency + 0.15*recency_decay
//
// Every function here is pure; the Engine feeds it from storage.
package scoring

import (
	"math"

	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
)

const (
	WeightSource     = 0.35
	WeightMatch      = 0.25
	WeightBehavioral = 0.25
	WeightRecency    = 0.15

	// RecentDays is the age up to which activity counts as fully recent.
	RecentDays = 30
	// DecayDays is the e-folding time of the recency decay past RecentDays.
	DecayDays = 90

	// UnknownBehavior is the behavioral consistency used when either the
	// subject features or the category profile are missing.
	UnknownBehavior = 0.5
)

// Tier thresholds, inclusive lower bounds.
const (
	ThresholdVerified = 0.90
	ThresholdLikely   = 0.70
	ThresholdHint     = 0.50
)

// Reason thresholds.
const (
	trustedSourceWeight = 0.7
	behaviorMatchAt     = 0.75
	behaviorMismatchAt  = 0.6
	staleRecency        = 0.5
)

// Inputs is everything known about one (subject, entity) pair.
type Inputs struct {
	// SourceWeights holds one weight per independent corroborating source.
	SourceWeights []float64
	Manual        bool
	ML            bool
	Propagated    bool
	// Features and Profile feed behavioral consistency; either may be nil.
	Features []float64
	Profile  []float64
	// DaysSinceActivity is ignored when ActivityKnown is false.
	DaysSinceActivity float64
	ActivityKnown     bool
}

// Components are the four weighted terms, each in [0, 1].
type Components struct {
	SourceWeight  float64 `json:"source_weight"`
	MatchStrength float64 `json:"match_strength"`
	Behavioral    float64 `json:"behavioral"`
	Recency       float64 `json:"recency"`
}

// Score is the result for one pair.
type Score struct {
	Confidence float64             `json:"confidence"`
	Tier       entity.Tier         `json:"tier"`
	Reasons    []entity.ReasonCode `json:"reasons"`
	Components Components          `json:"components"`
}

// SourceWeight is the highest weight among corroborating sources.
func SourceWeight(weights []float64) float64 {
	best := 0.0
	for _, w := range weights {
		best = math.Max(best, w)
	}
	return clamp(best)
}

// MatchStrength is 1 - 0.5^n for n independent sources.
func MatchStrength(n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - math.Pow(0.5, float64(n))
}

// Behavioral maps a normalized feature distance to 1/(1+d).
func Behavioral(features, profile []float64) float64 {
	if len(features) == 0 || len(profile) == 0 || len(features) != len(profile) {
		return UnknownBehavior
	}
	return 1 / (1 + clustering.Distance(features, profile))
}

// RecencyDecay is 1 up to RecentDays and e^(-d/DecayDays) after.
func RecencyDecay(days float64) float64 {
	if days <= RecentDays {
		return 1
	}
	return math.Exp(-days / DecayDays)
}

// TierOf buckets a confidence value.
func TierOf(c float64) entity.Tier {
	switch {
	case c >= ThresholdVerified:
		return entity.TierVerified
	case c >= ThresholdLikely:
		return entity.TierLikely
	case c >= ThresholdHint:
		return entity.TierHint
	default:
		return entity.TierSuppressed
	}
}

// Compute derives the components from in. Unknown activity contributes no
// recency.
func Compute(in Inputs) Components {
	c := Components{
		SourceWeight:  SourceWeight(in.SourceWeights),
		MatchStrength: MatchStrength(len(in.SourceWeights)),
		Behavioral:    Behavioral(in.Features, in.Profile),
	}
	if in.ActivityKnown {
		c.Recency = RecencyDecay(in.DaysSinceActivity)
	}
	return c
}

// Combine applies the weights, clamps to [0, 1] and rounds to six decimals.
func Combine(c Components) float64 {
	v := WeightSource*c.SourceWeight +
		WeightMatch*c.MatchStrength +
		WeightBehavioral*c.Behavioral +
		WeightRecency*c.Recency
	return math.Round(clamp(v)*1e6) / 1e6
}

// Reasons lists the codes for components that contributed, in canonical
// order.
func Reasons(in Inputs, c Components) []entity.ReasonCode {
	var out []entity.ReasonCode
	if in.Manual {
		out = append(out, entity.ReasonManualSource)
	}
	if c.SourceWeight >= trustedSourceWeight {
		out = append(out, entity.ReasonTrustedSource)
	}
	switch n := len(in.SourceWeights); {
	case n >= 2:
		out = append(out, entity.ReasonMultiSource)
	case n == 1:
		out = append(out, entity.ReasonSingleSource)
	}
	if in.ML {
		out = append(out, entity.ReasonMLPrediction)
	}
	if in.Propagated {
		out = append(out, entity.ReasonClusterPropagation)
	}
	known := len(in.Features) > 0 && len(in.Features) == len(in.Profile)
	if known && c.Behavioral >= behaviorMatchAt {
		out = append(out, entity.ReasonBehaviorMatch)
	}
	if known && c.Behavioral < behaviorMismatchAt {
		out = append(out, entity.ReasonBehaviorMismatch)
	}
	if in.ActivityKnown && c.Recency == 1 {
		out = append(out, entity.ReasonRecentActivity)
	}
	if in.ActivityKnown && c.Recency < staleRecency {
		out = append(out, entity.ReasonStaleActivity)
	}
	return out
}

// Confidence scores one pair.
func Confidence(in Inputs) Score {
	c := Compute(in)
	conf := Combine(c)
	return Score{Confidence: conf, Tier: TierOf(conf), Reasons: Reasons(in, c), Components: c}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
