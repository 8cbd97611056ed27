package equipment

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Record is one row of an equipment list. Immutable once parsed.
type Record struct {
	UnitID      string `json:"unit_id"`
	Description string `json:"description"`
	Year        int    `json:"year,omitempty"` // 0 means unknown
	Location    string `json:"location,omitempty"`
	Condition   string `json:"condition,omitempty"`
	Notes       string `json:"notes,omitempty"`

	// Issues flagged during ingestion. Non-fatal; surfaced per row.
	Issues []string `json:"issues,omitempty"`
}

// Canonical condition labels.
const (
	ConditionExcellent = "Excellent"
	ConditionGood      = "Good"
	ConditionFair      = "Fair"
	ConditionPoor      = "Poor"
	ConditionUnknown   = "Unknown"
)

// ordered so "like new" wins over "new" and "non-working" over "working"
var conditionSynonyms = []struct {
	match string
	label string
}{
	{"like new", ConditionExcellent},
	{"non-working", ConditionPoor},
	{"non working", ConditionPoor},
	{"excellent", ConditionExcellent},
	{"exc", ConditionExcellent},
	{"new", ConditionExcellent},
	{"good", ConditionGood},
	{"used", ConditionGood},
	{"working", ConditionGood},
	{"fair", ConditionFair},
	{"poor", ConditionPoor},
	{"broken", ConditionPoor},
	{"damaged", ConditionPoor},
	{"unknown", ConditionUnknown},
}

// NormalizeCondition maps free-text condition descriptors onto the canonical
// labels. Unrecognized non-empty values pass through title-cased as-is.
func NormalizeCondition(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ConditionUnknown
	}
	for _, syn := range conditionSynonyms {
		if strings.Contains(s, syn.match) {
			return syn.label
		}
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ContentHash returns a deterministic key for the record's identifying fields,
// used to cache valuations across runs.
func (r Record) ContentHash() string {
	parts := []string{r.UnitID, r.Description}
	if r.Year > 0 {
		parts = append(parts, fmt.Sprintf("%d", r.Year))
	}
	if r.Condition != "" && r.Condition != ConditionUnknown {
		parts = append(parts, r.Condition)
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ValidateIssues flags data problems that should be reported but must not
// abort ingestion.
func (r Record) ValidateIssues(now time.Time) []string {
	var issues []string
	if strings.TrimSpace(r.Description) == "" {
		issues = append(issues, "Missing Description")
	} else if len(strings.TrimSpace(r.Description)) < 5 {
		issues = append(issues, "Description too short")
	}
	if r.Year == 0 {
		issues = append(issues, "Missing Year")
	} else if r.Year < 1900 || r.Year > now.Year()+1 {
		issues = append(issues, fmt.Sprintf("Questionable year: %d", r.Year))
	}
	if r.Condition == "" || r.Condition == ConditionUnknown {
		issues = append(issues, "Missing Condition")
	}
	return issues
}
