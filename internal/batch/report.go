package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/whiteforrest/equipment-valuator/internal/equipment"
	"github.com/whiteforrest/equipment-valuator/internal/llm"
)

// Entry pairs one input record with its single outcome. Exactly one of
// Result/Error is set.
type Entry struct {
	Index     int              `json:"index"`
	Record    equipment.Record `json:"record"`
	Result    *llm.Result      `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
}

// Report is the aggregated outcome of processing one input file. Entries keep
// input row order regardless of worker completion order.
type Report struct {
	ID          uuid.UUID `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Entries     []Entry   `json:"entries"`
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Aborted     bool      `json:"aborted,omitempty"`
	AbortReason string    `json:"abort_reason,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
}

// Summary is the lightweight view served to progress pollers and the archive list.
type Summary struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Aborted   bool      `json:"aborted,omitempty"`
}

func (r *Report) Summary() Summary {
	return Summary{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Total:     r.Total,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Aborted:   r.Aborted,
	}
}

// tally recomputes the summary counters from the entries.
func (r *Report) tally() {
	r.Total = len(r.Entries)
	r.Succeeded, r.Failed = 0, 0
	for _, e := range r.Entries {
		if e.Result != nil {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
}
