package entity

import (
	"fmt"
	"strings"
)

// Category is the fixed entity taxonomy. Free-text categories coming from label
// sources are mapped onto it by the label normalizer.
type Category string

const (
	CategoryExchange Category = "exchange"
	CategoryMiner    Category = "miner"
	CategoryWhale    Category = "whale"
	CategoryTreasury Category = "treasury"
	CategoryMixer    Category = "mixer"
	CategoryUnknown  Category = "unknown"
)

var allCategories = []Category{
	CategoryExchange, CategoryMiner, CategoryWhale, CategoryTreasury, CategoryMixer, CategoryUnknown,
}

func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

func (c Category) String() string { return string(c) }

func (c Category) IsValid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// SubjectType says whether a score is attached to a single address or a whole cluster.
type SubjectType string

const (
	SubjectAddress SubjectType = "address"
	SubjectCluster SubjectType = "cluster"
)

func (s SubjectType) IsValid() bool { return s == SubjectAddress || s == SubjectCluster }

// LabelMethod records how a cluster came to carry an entity label.
type LabelMethod string

const (
	MethodHeuristic  LabelMethod = "heuristic"
	MethodMLModel    LabelMethod = "ml_model"
	MethodPropagated LabelMethod = "propagated"
)

func (m LabelMethod) IsValid() bool {
	switch m {
	case MethodHeuristic, MethodMLModel, MethodPropagated:
		return true
	}
	return false
}

func ParseLabelMethod(s string) (LabelMethod, error) {
	m := LabelMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("unknown label method %q", s)
	}
	return m, nil
}

// Tier buckets a confidence value for display.
type Tier string

const (
	TierVerified   Tier = "verified"
	TierLikely     Tier = "likely"
	TierHint       Tier = "hint"
	TierSuppressed Tier = "suppressed"
)

// Visible is false for suppressed scores, which stay in storage for audit only.
func (t Tier) Visible() bool { return t != TierSuppressed && t != "" }

// ReasonCode explains which scoring components contributed to a confidence value.
// Codes are emitted in declaration order.
type ReasonCode string

const (
	ReasonManualSource       ReasonCode = "MANUAL_SOURCE"
	ReasonTrustedSource      ReasonCode = "TRUSTED_SOURCE"
	ReasonMultiSource        ReasonCode = "MULTI_SOURCE"
	ReasonSingleSource       ReasonCode = "SINGLE_SOURCE"
	ReasonMLPrediction       ReasonCode = "ML_PREDICTION"
	ReasonClusterPropagation ReasonCode = "CLUSTER_PROPAGATION"
	ReasonBehaviorMatch      ReasonCode = "BEHAVIOR_MATCH"
	ReasonBehaviorMismatch   ReasonCode = "BEHAVIOR_MISMATCH"
	ReasonRecentActivity     ReasonCode = "RECENT_ACTIVITY"
	ReasonStaleActivity      ReasonCode = "STALE_ACTIVITY"
)

var allReasons = []ReasonCode{
	ReasonManualSource,
	ReasonTrustedSource,
	ReasonMultiSource,
	ReasonSingleSource,
	ReasonMLPrediction,
	ReasonClusterPropagation,
	ReasonBehaviorMatch,
	ReasonBehaviorMismatch,
	ReasonRecentActivity,
	ReasonStaleActivity,
}

var reasonOrder = func() map[ReasonCode]int {
	m := make(map[ReasonCode]int, len(allReasons))
	for i, r := range allReasons {
		m[r] = i
	}
	return m
}()

func ReasonCodes() []ReasonCode {
	out := make([]ReasonCode, len(allReasons))
	copy(out, allReasons)
	return out
}

func (r ReasonCode) IsValid() bool {
	_, ok := reasonOrder[r]
	return ok
}

// Order is the position of r in the canonical ordering, -1 when unknown.
func (r ReasonCode) Order() int {
	if i, ok := reasonOrder[r]; ok {
		return i
	}
	return -1
}

func (r *ReasonCode) UnmarshalText(text []byte) error {
	code := ReasonCode(text)
	if !code.IsValid() {
		return fmt.Errorf("unknown reason code %q", text)
	}
	*r = code
	return nil
}
