// Package tables is the single source of truth for the ClickHouse schema:
// table names, column definitions and engines. Stores build their DDL and
// INSERT column lists from here.
package tables

import (
	"fmt"
	"sort"
	"strings"
)

// Column defines a single column for a table.
type Column struct {
	Name  string
	Type  string
	Codec string
}

// SQL returns the column definition for CREATE TABLE statements.
func (c Column) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// Table describes one ClickHouse table.
type Table struct {
	Name        string
	Columns     []Column
	Engine      string
	OrderBy     string
	PartitionBy string
	Indexes     []string
}

// DDL renders CREATE TABLE IF NOT EXISTS for database db.
func (t Table) DDL(db string) string {
	parts := make([]string, 0, len(t.Columns)+len(t.Indexes))
	for _, c := range t.Columns {
		parts = append(parts, c.SQL())
	}
	parts = append(parts, t.Indexes...)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS \"%s\".\"%s\" (\n\t\t\t%s\n\t\t) ENGINE = %s", db, t.Name, strings.Join(parts, ",\n\t\t\t"), t.Engine)
	if t.PartitionBy != "" {
		fmt.Fprintf(&b, "\n\t\tPARTITION BY %s", t.PartitionBy)
	}
	fmt.Fprintf(&b, "\n\t\tORDER BY (%s)", t.OrderBy)
	return b.String()
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// InsertSQL renders the INSERT prefix used with PrepareBatch.
func (t Table) InsertSQL(db string) string {
	return fmt.Sprintf("INSERT INTO \"%s\".\"%s\" (%s)", db, t.Name, strings.Join(t.ColumnNames(), ", "))
}

// Qualified returns "db"."table".
func (t Table) Qualified(db string) string {
	return fmt.Sprintf("\"%s\".\"%s\"", db, t.Name)
}

// Validate checks that the definition is usable.
func (t Table) Validate() error {
	if t.Name == "" || strings.ContainsAny(t.Name, " .\"") {
		return fmt.Errorf("tables: invalid table name %q", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("tables: %s has no columns", t.Name)
	}
	if t.Engine == "" || t.OrderBy == "" {
		return fmt.Errorf("tables: %s needs engine and order by", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" || c.Type == "" {
			return fmt.Errorf("tables: %s has a column without name or type", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("tables: %s declares %s twice", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

var (
	TxIO = Table{
		Name: "tx_io",
		Columns: []Column{
			{Name: "txid", Type: "String"},
			{Name: "block_height", Type: "UInt64", Codec: "Delta, ZSTD(1)"},
			{Name: "block_time", Type: "DateTime64(3)"},
			{Name: "tx_index", Type: "UInt32"},
			{Name: "direction", Type: "LowCardinality(String)"},
			{Name: "position", Type: "UInt32"},
			{Name: "address", Type: "String", Codec: "ZSTD(1)"},
			{Name: "value", Type: "UInt64"},
			{Name: "script_type", Type: "LowCardinality(String)"},
			{Name: "is_coinbase", Type: "UInt8"},
		},
		Engine:      "ReplacingMergeTree",
		PartitionBy: "intDiv(block_height, 100000)",
		OrderBy:     "block_height, tx_index, txid, direction, position",
		Indexes:     []string{"INDEX idx_address address TYPE bloom_filter GRANULARITY 4"},
	}

	RawLabels = Table{
		Name: "raw_labels",
		Columns: []Column{
			{Name: "source_name", Type: "LowCardinality(String)"},
			{Name: "source_version", Type: "String"},
			{Name: "address", Type: "String"},
			{Name: "entity_name", Type: "String"},
			{Name: "category", Type: "String"},
			{Name: "evidence", Type: "String", Codec: "ZSTD(3)"},
			{Name: "ingested_at", Type: "DateTime64(3)"},
		},
		Engine:  "MergeTree",
		OrderBy: "source_name, ingested_at, address",
	}

	Entities = Table{
		Name: "entities",
		Columns: []Column{
			{Name: "entity_id", Type: "String"},
			{Name: "entity_name", Type: "String"},
			{Name: "category", Type: "LowCardinality(String)"},
			{Name: "metadata", Type: "String"},
			{Name: "first_seen", Type: "DateTime64(3)"},
			{Name: "last_seen", Type: "DateTime64(3)"},
			{Name: "active", Type: "UInt8"},
			{Name: "updated_at", Type: "DateTime64(3)"},
		},
		Engine:  "ReplacingMergeTree(updated_at)",
		OrderBy: "entity_id",
	}

	AddressLabels = Table{
		Name: "address_labels",
		Columns: []Column{
			{Name: "address", Type: "String"},
			{Name: "entity_id", Type: "String"},
			{Name: "label_source", Type: "LowCardinality(String)"},
			{Name: "confidence", Type: "Float64"},
			{Name: "updated_at", Type: "DateTime64(3)"},
		},
		Engine:  "ReplacingMergeTree(updated_at)",
		OrderBy: "address, entity_id, label_source",
	}

	Clusters = Table{
		Name: "clusters",
		Columns: []Column{
			{Name: "cluster_id", Type: "FixedString(64)"},
			{Name: "size", Type: "UInt64"},
			{Name: "first_seen_height", Type: "UInt64"},
			{Name: "last_seen_height", Type: "UInt64"},
			{Name: "script_mix", Type: "Map(String, UInt64)"},
			{Name: "summary_features", Type: "Array(Float64)"},
			{Name: "active", Type: "UInt8"},
			{Name: "updated_at", Type: "DateTime64(6)"},
		},
		Engine:  "ReplacingMergeTree(updated_at)",
		OrderBy: "cluster_id",
	}

	ClusterAddresses = Table{
		Name: "cluster_addresses",
		Columns: []Column{
			{Name: "cluster_id", Type: "FixedString(64)"},
			{Name: "address", Type: "String"},
			{Name: "added_at", Type: "DateTime64(3)"},
			{Name: "archived", Type: "UInt8"},
			{Name: "archived_at", Type: "DateTime64(3)"},
			{Name: "version", Type: "UInt64"},
		},
		Engine:  "ReplacingMergeTree(version)",
		OrderBy: "cluster_id, address",
	}

	AddressClusters = Table{
		Name: "address_clusters",
		Columns: []Column{
			{Name: "address", Type: "String"},
			{Name: "cluster_id", Type: "FixedString(64)"},
			{Name: "version", Type: "UInt64"},
			{Name: "updated_at", Type: "DateTime64(3)"},
		},
		Engine:  "ReplacingMergeTree(version)",
		OrderBy: "address",
	}

	ClusterIDHistory = Table{
		Name: "cluster_id_history",
		Columns: []Column{
			{Name: "old_cluster_id", Type: "FixedString(64)"},
			{Name: "new_cluster_id", Type: "FixedString(64)"},
			{Name: "reason", Type: "LowCardinality(String)"},
			{Name: "block_height", Type: "UInt64"},
			{Name: "changed_at", Type: "DateTime64(3)"},
		},
		Engine:  "ReplacingMergeTree(changed_at)",
		OrderBy: "old_cluster_id, new_cluster_id",
	}

	ClusterEdges = Table{
		Name: "cluster_edges",
		Columns: []Column{
			{Name: "txid", Type: "String"},
			{Name: "block_height", Type: "UInt64"},
			{Name: "kind", Type: "LowCardinality(String)"},
			{Name: "from_address", Type: "String"},
			{Name: "to_address", Type: "String"},
			{Name: "score", Type: "Float64"},
			{Name: "applied", Type: "UInt8"},
			{Name: "recorded_at", Type: "DateTime64(3)"},
		},
		Engine:  "ReplacingMergeTree(recorded_at)",
		OrderBy: "block_height, txid, kind, from_address, to_address",
	}

	ClusterLabels = Table{
		Name: "cluster_labels",
		Columns: []Column{
			{Name: "cluster_id", Type: "FixedString(64)"},
			{Name: "entity_id", Type: "String"},
			{Name: "confidence", Type: "Float64"},
			{Name: "method", Type: "LowCardinality(String)"},
			{Name: "updated_at", Type: "DateTime64(3)"},
		},
		Engine:  "ReplacingMergeTree(updated_at)",
		OrderBy: "cluster_id, entity_id, method",
	}

	LabelScores = Table{
		Name: "label_scores",
		Columns: []Column{
			{Name: "subject_type", Type: "LowCardinality(String)"},
			{Name: "subject_id", Type: "String"},
			{Name: "entity_id", Type: "String"},
			{Name: "confidence", Type: "Float64"},
			{Name: "tier", Type: "LowCardinality(String)"},
			{Name: "reasons", Type: "Array(LowCardinality(String))"},
			{Name: "sources", Type: "Array(String)"},
			{Name: "score_date", Type: "Date"},
			{Name: "computed_at", Type: "DateTime64(3)"},
		},
		Engine:      "ReplacingMergeTree(computed_at)",
		PartitionBy: "toYYYYMM(score_date)",
		OrderBy:     "subject_type, subject_id, entity_id, score_date",
	}

	AlertFacts = Table{
		Name: "alert_facts",
		Columns: []Column{
			{Name: "entity_id", Type: "String"},
			{Name: "metric", Type: "LowCardinality(String)"},
			{Name: "fact_window", Type: "LowCardinality(String)"},
			{Name: "value", Type: "Float64"},
			{Name: "computed_at", Type: "DateTime64(3)"},
		},
		Engine:      "MergeTree",
		PartitionBy: "toDate(computed_at)",
		OrderBy:     "entity_id, metric, fact_window, computed_at",
	}

	JobWatermarks = Table{
		Name: "job_watermarks",
		Columns: []Column{
			{Name: "job", Type: "LowCardinality(String)"},
			{Name: "height", Type: "UInt64"},
			{Name: "updated_at", Type: "DateTime64(6)"},
		},
		Engine:  "ReplacingMergeTree(updated_at)",
		OrderBy: "job",
	}
)

var all = []Table{
	TxIO, RawLabels, Entities, AddressLabels, Clusters, ClusterAddresses, AddressClusters,
	ClusterIDHistory, ClusterEdges, ClusterLabels, LabelScores, AlertFacts, JobWatermarks,
}

// All returns every table in creation order.
func All() []Table {
	out := make([]Table, len(all))
	copy(out, all)
	return out
}

// Names returns the sorted table names.
func Names() []string {
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name
	}
	sort.Strings(names)
	return names
}

// ByName looks a table up by name.
func ByName(name string) (Table, error) {
	for _, t := range all {
		if t.Name == name {
			return t, nil
		}
	}
	return Table{}, fmt.Errorf("unknown table %q, valid tables: %s", name, strings.Join(Names(), ", "))
}
