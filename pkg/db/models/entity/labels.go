package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RawLabel is an attribution exactly as a label source delivered it.
// Rows are append-only and versioned per source.
type RawLabel struct {
	SourceName    string    `json:"source_name" yaml:"source_name"`
	SourceVersion string    `json:"source_version" yaml:"source_version"`
	Address       string    `json:"address" yaml:"address"`
	EntityName    string    `json:"entity_name" yaml:"entity_name"`
	Category      string    `json:"category" yaml:"category"`
	Evidence      string    `json:"evidence" yaml:"evidence"`
	IngestedAt    time.Time `json:"ingested_at" yaml:"ingested_at"`
}

// Entity is a real-world actor controlling one or more addresses.
type Entity struct {
	EntityID   string    `json:"entity_id"`
	EntityName string    `json:"entity_name"`
	Category   Category  `json:"category"`
	Metadata   string    `json:"metadata,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Active     uint8     `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EntityID derives the stable identifier of a canonical entity name.
func EntityID(canonicalName string) string {
	sum := sha256.Sum256([]byte("entity:" + canonicalName))
	return hex.EncodeToString(sum[:16])
}

// AddressLabel is one source's attribution of an address to an entity.
// An address may carry several of these, one per (entity, source).
type AddressLabel struct {
	Address     string    `json:"address"`
	EntityID    string    `json:"entity_id"`
	LabelSource string    `json:"label_source"`
	Confidence  float64   `json:"confidence"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key identifies the (address, entity, source) triple used for dedup.
func (l AddressLabel) Key() string {
	return l.Address + "|" + l.EntityID + "|" + l.LabelSource
}
