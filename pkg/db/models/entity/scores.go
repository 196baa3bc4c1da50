package entity

import "time"

// LabelScore is the scored association between a subject and one entity.
// Conflicting entities for the same subject are separate rows. Writes for the
// same subject, entity and day overwrite each other.
type LabelScore struct {
	SubjectID   string       `json:"subject_id"`
	SubjectType SubjectType  `json:"subject_type"`
	EntityID    string       `json:"entity_id"`
	Confidence  float64      `json:"confidence"`
	Tier        Tier         `json:"tier"`
	Reasons     []ReasonCode `json:"reasons"`
	Sources     []string     `json:"sources"`
	ScoreDate   time.Time    `json:"score_date"`
	ComputedAt  time.Time    `json:"computed_at"`
}

// ReasonStrings renders the reason list for storage.
func (s LabelScore) ReasonStrings() []string {
	out := make([]string, len(s.Reasons))
	for i, r := range s.Reasons {
		out[i] = string(r)
	}
	return out
}

// ParseReasons restores reason codes read from storage, dropping unknown codes.
func ParseReasons(raw []string) []ReasonCode {
	out := make([]ReasonCode, 0, len(raw))
	for _, r := range raw {
		if code := ReasonCode(r); code.IsValid() {
			out = append(out, code)
		}
	}
	return out
}
