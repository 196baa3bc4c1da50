package chain

import "time"

// IO is one resolved input or output of a transaction.
type IO struct {
	Address    string `json:"address"`
	Value      uint64 `json:"value"`
	ScriptType string `json:"script_type"`
}

// Transaction is the unit delivered by the transaction feed. Heights are
// block-ordered; TxIndex orders transactions inside a block.
type Transaction struct {
	TxID        string    `json:"txid"`
	BlockHeight uint64    `json:"block_height"`
	BlockTime   time.Time `json:"block_time"`
	TxIndex     uint32    `json:"tx_index"`
	IsCoinbase  bool      `json:"is_coinbase"`
	Inputs      []IO      `json:"inputs"`
	Outputs     []IO      `json:"outputs"`
}

// InputAddresses returns the distinct input addresses in input order.
func (t Transaction) InputAddresses() []string {
	seen := make(map[string]struct{}, len(t.Inputs))
	out := make([]string, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		if in.Address == "" {
			continue
		}
		if _, ok := seen[in.Address]; ok {
			continue
		}
		seen[in.Address] = struct{}{}
		out = append(out, in.Address)
	}
	return out
}

// MaxInputValue is the largest single input value.
func (t Transaction) MaxInputValue() uint64 {
	var max uint64
	for _, in := range t.Inputs {
		if in.Value > max {
			max = in.Value
		}
	}
	return max
}

// MajorityInputScript is the most common input script type; ties go to the
// alphabetically smaller type.
func (t Transaction) MajorityInputScript() string {
	counts := make(map[string]int)
	for _, in := range t.Inputs {
		counts[in.ScriptType]++
	}
	best, bestCount := "", 0
	for script, n := range counts {
		if n > bestCount || (n == bestCount && script < best) {
			best, bestCount = script, n
		}
	}
	return best
}

// Direction of a flattened transaction leg.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// TxIO is a flattened transaction leg as stored in the tx_io table.
type TxIO struct {
	TxID        string
	BlockHeight uint64
	BlockTime   time.Time
	TxIndex     uint32
	Direction   Direction
	Position    uint32
	Address     string
	Value       uint64
	ScriptType  string
	IsCoinbase  bool
}

// Flatten turns a transaction into its tx_io rows.
func (t Transaction) Flatten() []TxIO {
	rows := make([]TxIO, 0, len(t.Inputs)+len(t.Outputs))
	add := func(dir Direction, legs []IO) {
		for i, leg := range legs {
			rows = append(rows, TxIO{
				TxID:        t.TxID,
				BlockHeight: t.BlockHeight,
				BlockTime:   t.BlockTime,
				TxIndex:     t.TxIndex,
				Direction:   dir,
				Position:    uint32(i),
				Address:     leg.Address,
				Value:       leg.Value,
				ScriptType:  leg.ScriptType,
				IsCoinbase:  t.IsCoinbase,
			})
		}
	}
	add(DirectionIn, t.Inputs)
	add(DirectionOut, t.Outputs)
	return rows
}

// Watermark is the last committed height of a batch job.
type Watermark struct {
	Job       string    `ch:"job" json:"job"`
	Height    uint64    `ch:"height" json:"height"`
	UpdatedAt time.Time `ch:"updated_at" json:"updated_at"`
}
