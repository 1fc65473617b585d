package draft

import "atsforge/internal/domain"

// The drafting service answers with schema-less JSON. These coercion
// helpers are the only code allowed to read that untrusted shape;
// absent or mistyped fields become empty values, never errors.

func coerceDocument(raw map[string]any) domain.ATSDocument {
	doc := domain.ATSDocument{
		Meta:                coerceMeta(asMap(raw["meta"])),
		Hazards:             asStringSlice(raw["hazards"]),
		Controls:            coerceControls(asMap(raw["controls"])),
		Steps:               coerceSteps(raw["steps"]),
		ProcedureRefsUsed:   asStringSlice(raw["procedure_refs_used"]),
		NormativeReferences: asStringSlice(raw["normative_references"]),
		Recommendations:     asStringSlice(raw["recommendations"]),
	}
	sw := asMap(raw["stop_work"])
	doc.StopWork = domain.StopWorkAssessment{
		Decision:  asString(sw["decision"]),
		Rationale: asString(sw["rationale"]),
		// auto_triggers and criteria are deliberately not read: the
		// reconciler overwrites them with the deterministic seed.
	}
	return doc
}

func coerceMeta(raw map[string]any) domain.Meta {
	return domain.Meta{
		Title:    asString(raw["title"]),
		Company:  asString(raw["company"]),
		Location: asString(raw["location"]),
		Date:     asString(raw["date"]),
		Shift:    asString(raw["shift"]),
	}
}

func coerceControls(raw map[string]any) domain.Controls {
	return domain.Controls{
		Engineering:    asStringSlice(raw["engineering"]),
		Administrative: asStringSlice(raw["administrative"]),
		PPE:            asStringSlice(raw["ppe"]),
	}
}

func coerceSteps(raw any) []domain.Step {
	items, ok := raw.([]any)
	if !ok {
		return []domain.Step{}
	}
	steps := make([]domain.Step, 0, len(items))
	for _, item := range items {
		m := asMap(item)
		desc := asString(m["description"])
		if desc == "" {
			continue
		}
		steps = append(steps, domain.Step{
			Description: desc,
			Hazards:     asStringSlice(m["hazards"]),
			Controls:    asStringSlice(m["controls"]),
		})
	}
	return steps
}

func coerceChecklistPayload(raw map[string]any) domain.ChecklistActionsPayload {
	return domain.ChecklistActionsPayload{
		DecisionHint:    asString(raw["decision_hint"]),
		Missing:         asStringSlice(raw["missing"]),
		CriticalFails:   asStringSlice(raw["critical_fails"]),
		DerivedControls: coerceControls(asMap(raw["derived_controls"])),
		Actions:         coerceActions(raw["actions"]),
	}
}

func coerceActions(raw any) []domain.Action {
	items, ok := raw.([]any)
	if !ok {
		return []domain.Action{}
	}
	actions := make([]domain.Action, 0, len(items))
	for _, item := range items {
		m := asMap(item)
		text := asString(m["text"])
		if text == "" {
			continue
		}
		priority := asString(m["priority"])
		switch priority {
		case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical:
		default:
			priority = domain.PriorityMedium
		}
		kind := asString(m["kind"])
		if kind == "" {
			kind = "administrative"
		}
		actions = append(actions, domain.Action{
			Priority: priority,
			Kind:     kind,
			Text:     text,
			Evidence: asStringSlice(m["evidence"]),
		})
	}
	return actions
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
