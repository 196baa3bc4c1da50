package clustering

import (
	"math"
	"sort"

	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/db/store"
)

// Summary is the derived state of a cluster computed from member activity.
type Summary struct {
	FirstSeenHeight uint64
	LastSeenHeight  uint64
	ScriptMix       map[string]uint64
	Features        []float64
}

// Summarize aggregates member stats into heights, script mix and the
// normalized feature vector. Members without stats are ignored.
func Summarize(members []string, stats map[string]store.AddressStats) Summary {
	s := Summary{ScriptMix: map[string]uint64{}}
	var (
		txCount, sent, received, outputs, round uint64
		found                                   bool
	)
	for _, m := range members {
		st, ok := stats[m]
		if !ok {
			continue
		}
		if !found || st.FirstHeight < s.FirstSeenHeight {
			s.FirstSeenHeight = st.FirstHeight
		}
		if st.LastHeight > s.LastSeenHeight {
			s.LastSeenHeight = st.LastHeight
		}
		found = true
		txCount += st.TxCount
		sent += st.Sent
		received += st.Received
		outputs += st.Outputs
		round += st.RoundOutputs
		for script, n := range st.ScriptMix {
			s.ScriptMix[script] += n
		}
	}

	f := make([]float64, entity.FeatureCount)
	f[entity.FeatureActivity] = capUnit(math.Log10(1+float64(txCount)) / 6)
	if txCount > 0 {
		mean := float64(sent+received) / float64(txCount)
		f[entity.FeatureValueScale] = capUnit(math.Log10(1+mean) / 12)
	}
	if outputs > 0 {
		f[entity.FeatureRoundRatio] = float64(round) / float64(outputs)
	}
	f[entity.FeatureSpendRatio] = 0.5
	if sent+received > 0 {
		f[entity.FeatureSpendRatio] = float64(sent) / float64(sent+received)
	}
	f[entity.FeatureScriptShare] = dominantShare(s.ScriptMix)
	s.Features = f
	return s
}

func dominantShare(mix map[string]uint64) float64 {
	var total, top uint64
	for _, n := range mix {
		total += n
		if n > top {
			top = n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(top) / float64(total)
}

func capUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Distance is the euclidean distance between two feature vectors scaled to
// [0, 1] by the diagonal of the unit hypercube. Vectors of different length
// are maximally distant.
func Distance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return capUnit(math.Sqrt(sum) / math.Sqrt(float64(len(a))))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
