package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	reFencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	reMoneyJunk  = regexp.MustCompile(`[$,\s]`)
)

// ExtractJSONPayload pulls the JSON object out of assistant text. Models wrap
// output in markdown fences or surrounding prose often enough that we try a
// fenced block first, then the outermost brace pair.
func ExtractJSONPayload(text string) ([]byte, error) {
	if m := reFencedJSON.FindStringSubmatch(text); m != nil {
		candidate := []byte(m[1])
		if json.Valid(candidate) {
			return candidate, nil
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		candidate := []byte(text[start : end+1])
		if json.Valid(candidate) {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("no JSON object found in response text")
}

// SanitizeOptionalFields removes or normalizes fields that don't meet the
// stricter schema so the overall document can still validate. Required fields
// are only normalized, never dropped; if they are broken, validation fails.
func SanitizeOptionalFields(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, err
	}

	var dropped []string

	// confidence: lowercase; schema enum catches anything else
	if v, ok := m["confidence"].(string); ok {
		m["confidence"] = strings.ToLower(strings.TrimSpace(v))
	}

	// numeric coercion for money-ish fields the model renders as strings
	if v, ok := m["new_value"]; ok {
		if f, ok := coerceNumber(v); ok {
			m["new_value"] = f
		} else {
			delete(m, "new_value")
			dropped = append(dropped, "new_value")
		}
	}

	if v, ok := m["current_value_range"]; ok {
		if arr, ok := v.([]any); ok {
			out := make([]any, 0, len(arr))
			for _, e := range arr {
				if f, ok := coerceNumber(e); ok {
					out = append(out, f)
				}
			}
			m["current_value_range"] = out
		}
	}

	// comparable_sales: drop entries missing a title or an unusable price
	if v, ok := m["comparable_sales"]; ok {
		arr, ok := v.([]any)
		if !ok {
			delete(m, "comparable_sales")
			dropped = append(dropped, "comparable_sales")
		} else {
			kept := make([]any, 0, len(arr))
			for _, e := range arr {
				entry, ok := e.(map[string]any)
				if !ok {
					continue
				}
				title, _ := entry["title"].(string)
				price, priceOK := coerceNumber(entry["price"])
				if strings.TrimSpace(title) == "" || !priceOK {
					dropped = append(dropped, "comparable_sales[]")
					continue
				}
				entry["price"] = price
				kept = append(kept, entry)
			}
			if len(kept) == 0 {
				delete(m, "comparable_sales")
			} else {
				m["comparable_sales"] = kept
			}
		}
	}

	// key_factors: keep only non-empty strings
	if v, ok := m["key_factors"]; ok {
		arr, ok := v.([]any)
		if !ok {
			delete(m, "key_factors")
			dropped = append(dropped, "key_factors")
		} else {
			kept := make([]any, 0, len(arr))
			for _, e := range arr {
				if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
					kept = append(kept, strings.TrimSpace(s))
				}
			}
			if len(kept) == 0 {
				delete(m, "key_factors")
				dropped = append(dropped, "key_factors")
			} else {
				m["key_factors"] = kept
			}
		}
	}

	// remove unknown keys (schema is additionalProperties: false)
	allowed := map[string]struct{}{
		"new_value": {}, "current_value_range": {}, "confidence": {},
		"comparable_sales": {}, "justification": {}, "key_factors": {},
		"enhanced_analysis": {},
	}
	for k := range m {
		if _, ok := allowed[k]; !ok {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	// drop null / empty optionals
	for _, k := range []string{"justification", "enhanced_analysis"} {
		if v, ok := m[k]; ok {
			if s, isStr := v.(string); (isStr && strings.TrimSpace(s) == "") || v == nil {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			}
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, err
	}
	return b, dropped, nil
}

// coerceNumber accepts JSON numbers and strings like "$35,000" or "35000.50".
func coerceNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		s := reMoneyJunk.ReplaceAllString(t, "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
