package extract

// Dedupe collapses exact-duplicate findings by statement text, keeping the
// single highest-confidence instance per group; ties keep the
// first-encountered finding. Output preserves first-seen order.
//
// Exact matching is deliberate: results stay reproducible and reviewable,
// with no fuzzy or semantic similarity involved.
func Dedupe(findings []Finding) []Finding {
	if len(findings) <= 1 {
		return findings
	}

	best := make(map[string]int, len(findings))
	var order []string
	for i, f := range findings {
		idx, seen := best[f.Statement]
		if !seen {
			best[f.Statement] = i
			order = append(order, f.Statement)
			continue
		}
		if f.Confidence > findings[idx].Confidence {
			best[f.Statement] = i
		}
	}

	out := make([]Finding, 0, len(order))
	for _, statement := range order {
		out = append(out, findings[best[statement]])
	}
	return out
}
