// Package reconcile merges a generative draft with the deterministic
// seeds and enforces the safety invariants: trigger seeds are never
// edited, decisions only escalate, and the emitted document is always
// schema-complete.
package reconcile

import (
	"strings"

	"atsforge/internal/domain"
	"atsforge/internal/fallback"
	"atsforge/internal/procedure"
	"atsforge/internal/rules"
)

// GuardrailSentence is appended to the rationale whenever a CONTINUE
// draft is raised because automatic triggers are active.
const GuardrailSentence = "Automatic triggers are active; work may not continue until they are reviewed."

// ChecklistTriggerPrefix marks supervisor-failure reasons merged into
// the auto-trigger list alongside environmental reasons.
const ChecklistTriggerPrefix = "checklist: "

// Seeds is the deterministic ground truth computed before drafting.
type Seeds struct {
	Meta        domain.Meta
	Environment domain.EnvironmentSnapshot
	Flags       domain.TaskFlags
	Triggers    []string
	Checklist   domain.ChecklistActionsPayload
	Procedure   procedure.Aggregate
}

// Limits is the completeness floor for the final document.
type Limits struct {
	MinHazards int
	MinSteps   int
}

// DefaultLimits matches what the fallback synthesizer guarantees on
// any input.
var DefaultLimits = Limits{MinHazards: fallback.GuaranteedHazards, MinSteps: fallback.GuaranteedSteps}

func (l Limits) orDefaults() Limits {
	if l.MinHazards <= 0 {
		l.MinHazards = DefaultLimits.MinHazards
	}
	if l.MinSteps <= 0 {
		l.MinSteps = DefaultLimits.MinSteps
	}
	return l
}

// Reconcile post-processes a draft using the seeds as ground truth.
// parseable=false discards the draft entirely and builds the document
// from seeds alone; the request never fails here.
func Reconcile(draft domain.ATSDocument, parseable bool, seeds Seeds, limits Limits) domain.ATSDocument {
	limits = limits.orDefaults()

	doc := draft
	if !parseable {
		doc = domain.ATSDocument{}
		doc.DraftSource = "seed_fallback"
	} else if doc.DraftSource == "" {
		doc.DraftSource = "model"
	}

	// Seed-owned fields are always overwritten; the draft may explain
	// the triggers in its rationale but never invent, omit or alter
	// them.
	doc.Meta = seeds.Meta
	doc.Environment = seeds.Environment
	doc.TaskFlags = seeds.Flags
	doc.StopWork.AutoTriggers = append([]string{}, seeds.Triggers...)
	doc.StopWork.Criteria = append([]string{}, rules.Criteria...)
	doc.ChecklistActions = seeds.Checklist
	doc.ProcedureInfluence = seeds.Procedure.Influence()
	doc.ProcedureRefsUsed = append([]string{}, seeds.Procedure.Applied...)

	if domain.DecisionSeverity(doc.StopWork.Decision) < 0 {
		doc.StopWork.Decision = domain.DecisionContinue
	}

	// Active triggers forbid CONTINUE. STOP is never downgraded.
	if len(doc.StopWork.AutoTriggers) > 0 && doc.StopWork.Decision == domain.DecisionContinue {
		doc.StopWork.Decision = domain.DecisionReviewRequired
		doc.StopWork.Rationale = appendSentence(doc.StopWork.Rationale, GuardrailSentence)
	}

	// The checklist hint can raise severity, never lower it.
	doc.StopWork.Decision = domain.MaxDecision(doc.StopWork.Decision, seeds.Checklist.DecisionHint)

	for _, fail := range seeds.Checklist.CriticalFails {
		doc.StopWork.AutoTriggers = appendUnique(doc.StopWork.AutoTriggers, ChecklistTriggerPrefix+fail)
	}

	doc.Controls = mergeControls(doc.Controls, seeds)
	doc.Hazards = dedup(doc.Hazards)
	if len(doc.Hazards) < limits.MinHazards {
		synth := fallback.SynthesizeHazards(seeds.Checklist, seeds.Flags, seeds.Environment, seeds.Triggers)
		doc.Hazards = mergeStrings(doc.Hazards, synth)
	}
	if len(doc.Steps) < limits.MinSteps {
		synth := fallback.SynthesizeSteps(seeds.Meta, doc.Hazards, doc.Controls, seeds.Flags, seeds.Checklist)
		doc.Steps = mergeSteps(doc.Steps, synth)
	}

	return structurallyComplete(doc)
}

// mergeControls folds checklist-derived and procedure-derived controls
// into the draft's controls with set semantics per category.
func mergeControls(base domain.Controls, seeds Seeds) domain.Controls {
	out := domain.Controls{
		Engineering:    dedup(base.Engineering),
		Administrative: dedup(base.Administrative),
		PPE:            dedup(base.PPE),
	}
	out.Engineering = mergeStrings(out.Engineering, seeds.Checklist.DerivedControls.Engineering)
	out.Administrative = mergeStrings(out.Administrative, seeds.Checklist.DerivedControls.Administrative)
	out.PPE = mergeStrings(out.PPE, seeds.Checklist.DerivedControls.PPE)
	for _, dc := range seeds.Procedure.DerivedControls {
		switch dc.Level {
		case "engineering":
			out.Engineering = appendUnique(out.Engineering, dc.Text)
		case "administrative":
			out.Administrative = appendUnique(out.Administrative, dc.Text)
		case "ppe":
			out.PPE = appendUnique(out.PPE, dc.Text)
		}
	}
	return out
}

// structurallyComplete defaults every optional list field to its empty
// form so the document validates against the full schema even when
// upstream stages omitted it.
func structurallyComplete(doc domain.ATSDocument) domain.ATSDocument {
	doc.Hazards = orEmpty(doc.Hazards)
	doc.Steps = orEmptySteps(doc.Steps)
	doc.Controls.Engineering = orEmpty(doc.Controls.Engineering)
	doc.Controls.Administrative = orEmpty(doc.Controls.Administrative)
	doc.Controls.PPE = orEmpty(doc.Controls.PPE)
	doc.StopWork.AutoTriggers = orEmpty(doc.StopWork.AutoTriggers)
	doc.StopWork.Criteria = orEmpty(doc.StopWork.Criteria)
	doc.ProcedureRefsUsed = orEmpty(doc.ProcedureRefsUsed)
	doc.NormativeReferences = orEmpty(doc.NormativeReferences)
	doc.Recommendations = orEmpty(doc.Recommendations)
	doc.ProcedureInfluence.Applied = orEmpty(doc.ProcedureInfluence.Applied)
	doc.ProcedureInfluence.NotParseable = orEmpty(doc.ProcedureInfluence.NotParseable)
	if doc.ProcedureInfluence.DerivedControls == nil {
		doc.ProcedureInfluence.DerivedControls = []domain.DerivedControl{}
	}
	ca := &doc.ChecklistActions
	ca.Missing = orEmpty(ca.Missing)
	ca.CriticalFails = orEmpty(ca.CriticalFails)
	ca.DerivedControls.Engineering = orEmpty(ca.DerivedControls.Engineering)
	ca.DerivedControls.Administrative = orEmpty(ca.DerivedControls.Administrative)
	ca.DerivedControls.PPE = orEmpty(ca.DerivedControls.PPE)
	if ca.Actions == nil {
		ca.Actions = []domain.Action{}
	}
	if domain.DecisionSeverity(ca.DecisionHint) < 0 {
		ca.DecisionHint = domain.DecisionContinue
	}
	for i := range doc.Steps {
		doc.Steps[i].Hazards = orEmpty(doc.Steps[i].Hazards)
		doc.Steps[i].Controls = orEmpty(doc.Steps[i].Controls)
	}
	return doc
}

func appendSentence(rationale, sentence string) string {
	rationale = strings.TrimSpace(rationale)
	if rationale == "" {
		return sentence
	}
	if strings.Contains(rationale, sentence) {
		return rationale
	}
	if !strings.HasSuffix(rationale, ".") {
		rationale += "."
	}
	return rationale + " " + sentence
}

func appendUnique(list []string, item string) []string {
	for _, s := range list {
		if s == item {
			return list
		}
	}
	return append(list, item)
}

// mergeStrings keeps existing entries first and appends new unique
// ones; fallback content merges into, never replaces, draft content.
func mergeStrings(base, extra []string) []string {
	out := dedup(base)
	for _, s := range extra {
		out = appendUnique(out, s)
	}
	return out
}

func mergeSteps(base, extra []domain.Step) []domain.Step {
	seen := map[string]bool{}
	out := make([]domain.Step, 0, len(base)+len(extra))
	for _, s := range append(append([]domain.Step{}, base...), extra...) {
		if s.Description == "" || seen[s.Description] {
			continue
		}
		seen[s.Description] = true
		out = append(out, s)
	}
	return out
}

func dedup(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func orEmptySteps(in []domain.Step) []domain.Step {
	if in == nil {
		return []domain.Step{}
	}
	return in
}
