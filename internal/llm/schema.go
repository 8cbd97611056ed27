package llm

// BuildValuationJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// We embed it in the prompt as a structured-output constraint and also use it locally to
// validate whatever the model sends back.
func BuildValuationJSONSchema() map[string]any {
	comparable := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"title": map[string]any{"type": "string", "minLength": 1},
			"price": map[string]any{"type": "number", "minimum": 0},
			"url":   map[string]any{"type": "string"},
			"date":  map[string]any{"type": "string"},
		},
		"required": []string{"title", "price"},
	}

	props := map[string]any{
		"new_value": map[string]any{"type": "number", "minimum": 0},
		"current_value_range": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "number", "minimum": 0},
			"minItems": 2,
			"maxItems": 2,
		},
		"confidence": map[string]any{
			"type": "string",
			"enum": []string{"low", "medium", "high"},
		},
		"comparable_sales": map[string]any{
			"type":  "array",
			"items": comparable,
		},
		"justification": map[string]any{"type": "string", "minLength": 1},
		"key_factors": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"enhanced_analysis": map[string]any{"type": "string"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             []string{"current_value_range", "confidence", "justification"},
	}
}
