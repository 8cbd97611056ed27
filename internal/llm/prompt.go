package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/whiteforrest/equipment-valuator/internal/equipment"
)

// BuildSystemPrompt composes the system message: expert persona, strict JSON
// output, and sourcing rules when web search is available.
func BuildSystemPrompt(webSearch bool) string {
	parts := []string{
		"You are a heavy equipment valuation expert.",
		"Return ONLY JSON that matches the provided JSON Schema.",
		"Amounts are numbers in USD, no currency symbols or thousands separators.",
		"'current_value_range' is [low, high] for the item's fair market value today.",
		"'confidence' must be exactly one of: low, medium, high.",
		"Use ISO-8601 dates (YYYY-MM-DD) in comparable sales.",
		"Never output null. If a field is not present, omit it.",
	}
	if webSearch {
		parts = append(parts,
			"Use web search to find comparable sales and current market values.",
			"Include a source URL for every comparable sale you cite.",
		)
	} else {
		parts = append(parts,
			"Base the valuation on your market knowledge; omit 'comparable_sales' rather than inventing listings.",
		)
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt lists the record's fields, skipping unknowns the same way
// the upstream prompt should never see empty placeholders.
func BuildUserPrompt(rec equipment.Record) string {
	var b strings.Builder
	b.WriteString("I need a detailed valuation for this equipment:\n")
	fmt.Fprintf(&b, "- Unit #: %s\n", rec.UnitID)
	fmt.Fprintf(&b, "- Description: %s\n", rec.Description)
	if rec.Year > 0 {
		fmt.Fprintf(&b, "- Year: %d\n", rec.Year)
	}
	if rec.Location != "" {
		fmt.Fprintf(&b, "- Location: %s\n", rec.Location)
	}
	if rec.Condition != "" && rec.Condition != equipment.ConditionUnknown {
		fmt.Fprintf(&b, "- Condition: %s\n", rec.Condition)
	}
	if rec.Notes != "" {
		fmt.Fprintf(&b, "- Notes: %s\n", rec.Notes)
	}
	b.WriteString("\nProvide your valuation analysis as JSON with new_value, current_value_range, ")
	b.WriteString("confidence, comparable_sales, justification and key_factors.")
	return b.String()
}

// BuildEnhancePrompt asks for a deeper second-pass analysis of an existing valuation.
func BuildEnhancePrompt(rec equipment.Record, prior *Result) string {
	region := rec.Location
	if region == "" {
		region = "the region"
	}
	priorJSON, _ := json.MarshalIndent(prior.Fields, "", "  ")

	var b strings.Builder
	b.WriteString("I have an initial valuation for this equipment:\n")
	b.Write(priorJSON)
	fmt.Fprintf(&b, "\n\nPlease provide a more detailed analysis for:\n- Unit #: %s\n- Description: %s\n",
		rec.UnitID, rec.Description)
	b.WriteString("\nFocus on:\n")
	fmt.Fprintf(&b, "1. Regional market variations for %s\n", region)
	b.WriteString("2. Recent auction results\n")
	b.WriteString("3. Maintenance history implications\n")
	b.WriteString("4. Parts availability impact on value\n")
	b.WriteString("5. Economic factors affecting this equipment category\n")
	b.WriteString("\nReturn the same JSON structure as the initial valuation, plus an 'enhanced_analysis' field with the additional details.")
	return b.String()
}

// SchemaMessage renders the schema as an extra instruction block.
func SchemaMessage(schema map[string]any) string {
	b, _ := json.MarshalIndent(schema, "", "  ")
	return "JSON Schema:\n" + string(b)
}
