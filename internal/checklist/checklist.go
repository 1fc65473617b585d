// Package checklist turns a "Formato Estrella" pre-task snapshot into
// a deterministic compliance verdict: missing items, critical
// failures, derived controls and prioritized actions, each carrying an
// evidence trail back to the originating field.
package checklist

import (
	"fmt"

	"atsforge/internal/domain"
)

// verificationItem is one of the five fixed supervisor checks.
type verificationItem struct {
	field       string
	description string
	value       func(domain.ChecklistState) *bool
}

var verificationItems = []verificationItem{
	{"stage_clear", "work stage and sequence are clear to the crew", func(s domain.ChecklistState) *bool { return s.StageClear }},
	{"hazards_controlled", "identified hazards have controls in place", func(s domain.ChecklistState) *bool { return s.HazardsControlled }},
	{"isolation_confirmed", "energy isolation is confirmed", func(s domain.ChecklistState) *bool { return s.IsolationConfirmed }},
	{"communications_agreed", "communication channels and signals are agreed", func(s domain.ChecklistState) *bool { return s.CommunicationsAgreed }},
	{"tools_ok", "tools and equipment are inspected and fit for use", func(s domain.ChecklistState) *bool { return s.ToolsOK }},
}

// equipmentControl maps a safety-equipment tag to the control it
// obliges. PPE tags become PPE controls; area-control, gas-measurement,
// fire-extinguisher and energy-isolation tags become administrative
// controls.
type equipmentControl struct {
	level string
	text  string
}

var equipmentControls = map[string]equipmentControl{
	"helmet":             {"ppe", "Mandatory helmet use for every person in the work area."},
	"harness":            {"ppe", "Full-body harness with double lanyard, anchored at all times."},
	"gloves":             {"ppe", "Task-appropriate gloves worn during handling."},
	"safety_glasses":     {"ppe", "Safety glasses or goggles worn throughout the task."},
	"hearing_protection": {"ppe", "Hearing protection in designated noise areas."},
	"respirator":         {"ppe", "Respiratory protection matched to the exposure."},
	"safety_boots":       {"ppe", "Safety footwear worn inside the work perimeter."},
	"area_control":       {"administrative", "Barricade and signpost the work area; control access."},
	"gas_measurement":    {"administrative", "Measure gas concentration before entry and at defined intervals."},
	"fire_extinguisher":  {"administrative", "Keep a charged fire extinguisher at the work front with a trained user."},
	"energy_isolation":   {"administrative", "Apply lockout-tagout and verify zero energy before starting."},
}

// Tag the checklist uses for the work-at-height danger type; checked
// for consistency against the task flag.
const dangerTagWorkAtHeight = "work_at_height"

// Evaluate computes the checklist verdict. Pure and total: every
// branch appends findings, nothing raises.
func Evaluate(state domain.ChecklistState, flags domain.TaskFlags) domain.ChecklistActionsPayload {
	out := domain.ChecklistActionsPayload{
		Missing:       []string{},
		CriticalFails: []string{},
		DerivedControls: domain.Controls{
			Engineering:    []string{},
			Administrative: []string{},
			PPE:            []string{},
		},
		Actions:  []domain.Action{},
		Snapshot: state,
	}

	for _, item := range verificationItems {
		v := item.value(state)
		switch {
		case v == nil:
			out.Missing = append(out.Missing, fmt.Sprintf("verification item unanswered: %s", item.description))
		case !*v:
			out.CriticalFails = append(out.CriticalFails, fmt.Sprintf("supervisor verification failed: %s", item.description))
			out.Actions = append(out.Actions, domain.Action{
				Priority: domain.PriorityCritical,
				Kind:     "administrative",
				Text:     fmt.Sprintf("Stop the work and re-validate before resuming: %s.", item.description),
				Evidence: []string{"checklist." + item.field},
			})
		}
	}

	if isBlank(state.ElaborationDate) {
		out.Missing = append(out.Missing, "checklist elaboration date not recorded")
	}
	if isBlank(state.ExecutionDate) {
		out.Missing = append(out.Missing, "checklist execution date not recorded")
	}

	switch {
	case state.IncidentsInSimilarWork == nil:
		out.Missing = append(out.Missing, "incidents-in-similar-work question unanswered")
	case *state.IncidentsInSimilarWork:
		out.Actions = append(out.Actions, domain.Action{
			Priority: domain.PriorityHigh,
			Kind:     "administrative",
			Text:     "Review the history of incidents in similar work with the crew before proceeding.",
			Evidence: []string{"checklist.incidents_in_similar_work"},
		})
	}

	switch {
	case state.OtherCompaniesInvolved == nil:
		out.Missing = append(out.Missing, "other-companies-involved question unanswered")
	case *state.OtherCompaniesInvolved:
		out.Actions = append(out.Actions, domain.Action{
			Priority: domain.PriorityHigh,
			Kind:     "administrative",
			Text:     "Coordinate simultaneous activities with the other contractors on site before starting.",
			Evidence: []string{"checklist.other_companies_involved"},
		})
	}

	// Declared danger tags and task flags must tell the same story;
	// neither side is auto-corrected.
	if containsTag(state.DangerTypes, dangerTagWorkAtHeight) && !flags.WorkAtHeight {
		out.Actions = append(out.Actions, domain.Action{
			Priority: domain.PriorityMedium,
			Kind:     "administrative",
			Text:     "Checklist declares work at height as a danger type but the task is not flagged for height work; confirm which is correct.",
			Evidence: []string{"checklist.danger_types", "task_flags.work_at_height"},
		})
	}

	if len(state.Emergencies) == 0 {
		out.Actions = append(out.Actions, domain.Action{
			Priority: domain.PriorityMedium,
			Kind:     "administrative",
			Text:     "Confirm the applicable emergency scenarios and the response plan for each.",
			Evidence: []string{"checklist.emergencies"},
		})
	}

	for _, tag := range state.SafetyEquipment {
		ctrl, ok := equipmentControls[tag]
		if !ok {
			continue
		}
		switch ctrl.level {
		case "ppe":
			out.DerivedControls.PPE = append(out.DerivedControls.PPE, ctrl.text)
		case "administrative":
			out.DerivedControls.Administrative = append(out.DerivedControls.Administrative, ctrl.text)
		case "engineering":
			out.DerivedControls.Engineering = append(out.DerivedControls.Engineering, ctrl.text)
		}
	}

	if len(state.LifeSavingRules) == 0 {
		out.Actions = append(out.Actions, domain.Action{
			Priority: domain.PriorityMedium,
			Kind:     "administrative",
			Text:     "Select the life-saving rules that apply to this task before the work starts.",
			Evidence: []string{"checklist.life_saving_rules"},
		})
	}

	out.DecisionHint = decisionHint(out)
	return out
}

// decisionHint: STOP iff any critical failure; REVIEW_REQUIRED while
// anything is missing or a medium/high priority action stands;
// CONTINUE only on a fully clean checklist.
func decisionHint(p domain.ChecklistActionsPayload) string {
	if len(p.CriticalFails) > 0 {
		return domain.DecisionStop
	}
	if len(p.Missing) > 0 {
		return domain.DecisionReviewRequired
	}
	for _, a := range p.Actions {
		if a.Priority == domain.PriorityMedium || a.Priority == domain.PriorityHigh {
			return domain.DecisionReviewRequired
		}
	}
	return domain.DecisionContinue
}

func isBlank(v *string) bool {
	return v == nil || *v == ""
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
