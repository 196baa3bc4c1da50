package clustering

import (
	"strconv"
	"time"

	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/chain"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
)

// Heuristics extracts ownership edges from single transactions.
type Heuristics struct {
	// Mixers never take part in common-input unions.
	Mixers     map[string]struct{}
	ChangeMode string
	RoundUnit  uint64
	// Novel reports whether txid is the first on-chain appearance of address.
	Novel func(address, txid string) bool
}

// CommonInput links every non-mixer input of a non-coinbase transaction with
// at least two inputs. Edges form a star on the first eligible input.
func (h Heuristics) CommonInput(tx chain.Transaction, now time.Time) []entity.ClusterEdge {
	if tx.IsCoinbase || len(tx.Inputs) < 2 {
		return nil
	}
	eligible := make([]string, 0, len(tx.Inputs))
	for _, addr := range tx.InputAddresses() {
		if _, mixer := h.Mixers[addr]; mixer {
			continue
		}
		eligible = append(eligible, addr)
	}
	if len(eligible) < 2 {
		return nil
	}
	edges := make([]entity.ClusterEdge, 0, len(eligible)-1)
	for _, to := range eligible[1:] {
		edges = append(edges, entity.ClusterEdge{
			TxID:        tx.TxID,
			BlockHeight: tx.BlockHeight,
			Kind:        entity.EdgeCommonInput,
			From:        eligible[0],
			To:          to,
			Score:       1,
			Applied:     1,
			RecordedAt:  now,
		})
	}
	return edges
}

// ChangeOutput returns the single change edge of tx, if any. An output
// qualifies when its script type matches the majority input script, its
// value is below the largest input, its address is new and its value is not
// round. The qualifying output with the highest non-round score wins; a tie
// yields no edge. The edge hangs off the first non-mixer input, so a
// transaction spending only mixer inputs has none. In soft mode the edge is
// returned unapplied.
func (h Heuristics) ChangeOutput(tx chain.Transaction, now time.Time) (entity.ClusterEdge, bool) {
	if h.ChangeMode == config.ChangeModeOff || tx.IsCoinbase || len(tx.Outputs) < 2 {
		return entity.ClusterEdge{}, false
	}
	inputs := tx.InputAddresses()
	isInput := make(map[string]struct{}, len(inputs))
	anchor := ""
	for _, a := range inputs {
		isInput[a] = struct{}{}
		if _, mixer := h.Mixers[a]; !mixer && anchor == "" {
			anchor = a
		}
	}
	if anchor == "" {
		return entity.ClusterEdge{}, false
	}

	majority := tx.MajorityInputScript()
	maxIn := tx.MaxInputValue()

	var (
		best     chain.IO
		bestRank = -1.0
		tied     bool
	)
	for _, out := range tx.Outputs {
		if out.Address == "" || out.ScriptType != majority || out.Value >= maxIn {
			continue
		}
		if _, self := isInput[out.Address]; self {
			continue
		}
		if h.isRound(out.Value) {
			continue
		}
		if h.Novel == nil || !h.Novel(out.Address, tx.TxID) {
			continue
		}
		rank := precision(out.Value)
		switch {
		case rank > bestRank:
			best, bestRank, tied = out, rank, false
		case rank == bestRank && out.Address != best.Address:
			tied = true
		}
	}
	if bestRank < 0 || tied {
		return entity.ClusterEdge{}, false
	}

	var applied uint8
	if h.ChangeMode != config.ChangeModeSoft {
		applied = 1
	}
	return entity.ClusterEdge{
		TxID:        tx.TxID,
		BlockHeight: tx.BlockHeight,
		Kind:        entity.EdgeChangeOutput,
		From:        anchor,
		To:          best.Address,
		Score:       bestRank,
		Applied:     applied,
		RecordedAt:  now,
	}, true
}

func (h Heuristics) isRound(v uint64) bool {
	unit := h.RoundUnit
	if unit == 0 {
		unit = 1
	}
	return v == 0 || v%unit == 0
}

// precision is the share of significant digits in v: 1 when the last digit is
// non-zero, falling towards 0 as trailing zeros grow.
func precision(v uint64) float64 {
	digits := strconv.FormatUint(v, 10)
	zeros := 0
	for i := len(digits) - 1; i > 0 && digits[i] == '0'; i-- {
		zeros++
	}
	return float64(len(digits)-zeros) / float64(len(digits))
}

// Extract runs both heuristics over tx.
func (h Heuristics) Extract(tx chain.Transaction, now time.Time) []entity.ClusterEdge {
	edges := h.CommonInput(tx, now)
	if e, ok := h.ChangeOutput(tx, now); ok {
		edges = append(edges, e)
	}
	return edges
}

// ChangeCandidates lists the output addresses whose novelty ChangeOutput may
// need to know, so callers can look them up in one round trip.
func ChangeCandidates(txs []chain.Transaction) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, tx := range txs {
		if tx.IsCoinbase || len(tx.Outputs) < 2 {
			continue
		}
		majority := tx.MajorityInputScript()
		maxIn := tx.MaxInputValue()
		for _, o := range tx.Outputs {
			if o.Address == "" || o.ScriptType != majority || o.Value >= maxIn {
				continue
			}
			if _, ok := seen[o.Address]; ok {
				continue
			}
			seen[o.Address] = struct{}{}
			out = append(out, o.Address)
		}
	}
	return out
}
