package llm

import (
	"context"
	"encoding/json"

	"github.com/whiteforrest/equipment-valuator/internal/equipment"
)

// ComparableSale is one sourced market listing supporting a valuation.
type ComparableSale struct {
	Title string  `json:"title"`
	Price float64 `json:"price"`
	URL   string  `json:"url,omitempty"`
	Date  string  `json:"date,omitempty"` // YYYY-MM-DD
}

// ValuationFields is the normalized shape we want from the model.
type ValuationFields struct {
	NewValue          float64          `json:"new_value,omitempty"`     // replacement cost when new
	CurrentValueRange []float64        `json:"current_value_range"`     // [low, high]
	Confidence        string           `json:"confidence"`              // low | medium | high
	ComparableSales   []ComparableSale `json:"comparable_sales,omitempty"`
	Justification     string           `json:"justification"`
	KeyFactors        []string         `json:"key_factors,omitempty"`
	EnhancedAnalysis  string           `json:"enhanced_analysis,omitempty"` // second-pass only
}

// Result pairs the validated fields with request metadata.
type Result struct {
	Fields    ValuationFields `json:"fields"`
	Sources   []string        `json:"sources,omitempty"` // web-search citation URLs
	Model     string          `json:"model,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	ElapsedMS int64           `json:"elapsed_ms,omitempty"`

	RawJSON json.RawMessage `json:"-"`
}

// Request describes one valuation call.
type Request struct {
	Record    equipment.Record
	WebSearch bool
}

// Valuator is the interface the batch driver depends on.
type Valuator interface {
	Valuate(ctx context.Context, req Request) (*Result, error)
	// Enhance deepens an existing valuation (regional market, auction results,
	// parts availability) and returns a result carrying enhanced_analysis.
	Enhance(ctx context.Context, req Request, prior *Result) (*Result, error)
}
