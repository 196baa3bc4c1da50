package store

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/db/models/chain"
	"github.com/canopy-network/entityx/pkg/db/tables"
	"github.com/canopy-network/entityx/pkg/utils"
)

type txIORow struct {
	TxID        string    `ch:"txid"`
	BlockHeight uint64    `ch:"block_height"`
	BlockTime   time.Time `ch:"block_time"`
	TxIndex     uint32    `ch:"tx_index"`
	Direction   string    `ch:"direction"`
	Position    uint32    `ch:"position"`
	Address     string    `ch:"address"`
	Value       uint64    `ch:"value"`
	ScriptType  string    `ch:"script_type"`
	IsCoinbase  uint8     `ch:"is_coinbase"`
}

// InsertTransactions flattens and stores transactions. Re-delivered
// transactions collapse on the tx_io sorting key.
func (db *DB) InsertTransactions(ctx context.Context, txs []chain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	return db.insert(ctx, tables.TxIO, func(appendRow func(args ...any) error) error {
		for _, tx := range txs {
			for _, leg := range tx.Flatten() {
				if err := appendRow(
					leg.TxID,
					leg.BlockHeight,
					leg.BlockTime,
					leg.TxIndex,
					string(leg.Direction),
					leg.Position,
					leg.Address,
					leg.Value,
					leg.ScriptType,
					utils.BoolToUInt8(leg.IsCoinbase),
				); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// HeadHeight returns the highest block height present in tx_io, 0 when empty.
func (db *DB) HeadHeight(ctx context.Context) (uint64, error) {
	var head uint64
	query := fmt.Sprintf(`SELECT max(block_height) FROM %s`, db.table(tables.TxIO))
	if err := db.QueryRow(ctx, query).Scan(&head); err != nil {
		return 0, fmt.Errorf("query head height: %w", err)
	}
	return head, nil
}

// Transactions returns the transactions with from < block_height <= to in
// block order.
func (db *DB) Transactions(ctx context.Context, from, to uint64) ([]chain.Transaction, error) {
	if to <= from {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT txid, block_height, block_time, tx_index, direction, position,
		       address, value, script_type, is_coinbase
		FROM %s FINAL
		WHERE block_height > ? AND block_height <= ?
		ORDER BY block_height, tx_index, txid, direction, position`, db.table(tables.TxIO))

	var rows []txIORow
	if err := db.Select(ctx, &rows, query, from, to); err != nil {
		return nil, fmt.Errorf("query transactions (%d, %d]: %w", from, to, err)
	}
	return assembleTransactions(rows), nil
}

// assembleTransactions regroups ordered tx_io rows into transactions.
func assembleTransactions(rows []txIORow) []chain.Transaction {
	var (
		out []chain.Transaction
		cur *chain.Transaction
	)
	for _, r := range rows {
		if cur == nil || cur.TxID != r.TxID || cur.BlockHeight != r.BlockHeight {
			out = append(out, chain.Transaction{
				TxID:        r.TxID,
				BlockHeight: r.BlockHeight,
				BlockTime:   r.BlockTime,
				TxIndex:     r.TxIndex,
				IsCoinbase:  r.IsCoinbase == 1,
			})
			cur = &out[len(out)-1]
		}
		leg := chain.IO{Address: r.Address, Value: r.Value, ScriptType: r.ScriptType}
		if chain.Direction(r.Direction) == chain.DirectionIn {
			cur.Inputs = append(cur.Inputs, leg)
		} else {
			cur.Outputs = append(cur.Outputs, leg)
		}
	}
	return out
}

// FirstSeen maps each address to the txid of its earliest appearance.
func (db *DB) FirstSeen(ctx context.Context, addresses []string) (map[string]string, error) {
	out := make(map[string]string, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT address, argMin(txid, (block_height, tx_index)) AS first_txid
		FROM %s
		WHERE address IN (?)
		GROUP BY address`, db.table(tables.TxIO))

	var rows []struct {
		Address   string `ch:"address"`
		FirstTxID string `ch:"first_txid"`
	}
	if err := db.Select(ctx, &rows, query, addresses); err != nil {
		return nil, fmt.Errorf("query first seen: %w", err)
	}
	for _, r := range rows {
		out[r.Address] = r.FirstTxID
	}
	return out, nil
}

// AddressStats is the per-address activity summary used for cluster features
// and recency scoring.
type AddressStats struct {
	Address      string
	TxCount      uint64
	Sent         uint64
	Received     uint64
	Outputs      uint64
	RoundOutputs uint64
	ScriptMix    map[string]uint64
	FirstHeight  uint64
	LastHeight   uint64
	LastActive   time.Time
}

type addressStatsRow struct {
	Address      string    `ch:"address"`
	ScriptType   string    `ch:"script_type"`
	Legs         uint64    `ch:"legs"`
	TxCount      uint64    `ch:"tx_count"`
	Sent         uint64    `ch:"sent"`
	Received     uint64    `ch:"received"`
	Outputs      uint64    `ch:"outputs"`
	RoundOutputs uint64    `ch:"round_outputs"`
	FirstHeight  uint64    `ch:"first_height"`
	LastHeight   uint64    `ch:"last_height"`
	LastActive   time.Time `ch:"last_active"`
}

// AddressStats aggregates tx_io per address. An output value is round when
// it is a multiple of roundUnit.
func (db *DB) AddressStats(ctx context.Context, addresses []string, roundUnit uint64) (map[string]AddressStats, error) {
	out := make(map[string]AddressStats, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	if roundUnit == 0 {
		roundUnit = 1
	}
	query := fmt.Sprintf(`
		SELECT address, script_type,
		       count() AS legs,
		       uniqExact(txid) AS tx_count,
		       sumIf(value, direction = 'in') AS sent,
		       sumIf(value, direction = 'out') AS received,
		       countIf(direction = 'out') AS outputs,
		       countIf(direction = 'out' AND value %% ? = 0) AS round_outputs,
		       min(block_height) AS first_height,
		       max(block_height) AS last_height,
		       max(block_time) AS last_active
		FROM %s FINAL
		WHERE address IN (?)
		GROUP BY address, script_type`, db.table(tables.TxIO))

	var rows []addressStatsRow
	if err := db.Select(ctx, &rows, query, roundUnit, addresses); err != nil {
		return nil, fmt.Errorf("query address stats: %w", err)
	}
	return mergeAddressStats(rows), nil
}

func mergeAddressStats(rows []addressStatsRow) map[string]AddressStats {
	out := make(map[string]AddressStats)
	for _, r := range rows {
		s, ok := out[r.Address]
		if !ok {
			s = AddressStats{Address: r.Address, ScriptMix: map[string]uint64{}, FirstHeight: r.FirstHeight}
		}
		s.TxCount += r.TxCount
		s.Sent += r.Sent
		s.Received += r.Received
		s.Outputs += r.Outputs
		s.RoundOutputs += r.RoundOutputs
		s.ScriptMix[r.ScriptType] += r.Legs
		if r.FirstHeight < s.FirstHeight {
			s.FirstHeight = r.FirstHeight
		}
		if r.LastHeight > s.LastHeight {
			s.LastHeight = r.LastHeight
		}
		if r.LastActive.After(s.LastActive) {
			s.LastActive = r.LastActive
		}
		out[r.Address] = s
	}
	return out
}

// LastActivity maps each address to the block time of its latest transaction.
func (db *DB) LastActivity(ctx context.Context, addresses []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT address, max(block_time) AS last_active
		FROM %s
		WHERE address IN (?)
		GROUP BY address`, db.table(tables.TxIO))

	var rows []struct {
		Address    string    `ch:"address"`
		LastActive time.Time `ch:"last_active"`
	}
	if err := db.Select(ctx, &rows, query, addresses); err != nil {
		return nil, fmt.Errorf("query last activity: %w", err)
	}
	for _, r := range rows {
		out[r.Address] = r.LastActive
	}
	return out, nil
}
