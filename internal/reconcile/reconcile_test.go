package reconcile_test

import (
	"reflect"
	"strings"
	"testing"

	"atsforge/internal/domain"
	"atsforge/internal/reconcile"
	"atsforge/internal/rules"
)

func seedsWithTriggers(triggers ...string) reconcile.Seeds {
	return reconcile.Seeds{
		Meta:     domain.Meta{Title: "Valve change", Company: "Acme"},
		Triggers: triggers,
		Checklist: domain.ChecklistActionsPayload{
			DecisionHint: domain.DecisionContinue,
		},
	}
}

func TestReconcileTriggersForbidContinue(t *testing.T) {
	draft := domain.ATSDocument{}
	draft.StopWork.Decision = domain.DecisionContinue
	draft.StopWork.Rationale = "All good"

	doc := reconcile.Reconcile(draft, true, seedsWithTriggers("strong wind"), reconcile.Limits{})
	if doc.StopWork.Decision != domain.DecisionReviewRequired {
		t.Fatalf("expected REVIEW_REQUIRED, got %s", doc.StopWork.Decision)
	}
	if !strings.Contains(doc.StopWork.Rationale, reconcile.GuardrailSentence) {
		t.Fatalf("guardrail sentence missing: %q", doc.StopWork.Rationale)
	}
}

func TestReconcileStopIsNeverDowngraded(t *testing.T) {
	draft := domain.ATSDocument{}
	draft.StopWork.Decision = domain.DecisionStop

	doc := reconcile.Reconcile(draft, true, seedsWithTriggers(), reconcile.Limits{})
	if doc.StopWork.Decision != domain.DecisionStop {
		t.Fatalf("STOP downgraded to %s", doc.StopWork.Decision)
	}
}

func TestReconcileChecklistHintOnlyEscalates(t *testing.T) {
	seeds := seedsWithTriggers()
	seeds.Checklist.DecisionHint = domain.DecisionStop

	draft := domain.ATSDocument{}
	draft.StopWork.Decision = domain.DecisionContinue
	doc := reconcile.Reconcile(draft, true, seeds, reconcile.Limits{})
	if doc.StopWork.Decision != domain.DecisionStop {
		t.Fatalf("hint should escalate to STOP, got %s", doc.StopWork.Decision)
	}

	// The reverse direction never lowers the draft decision.
	seeds.Checklist.DecisionHint = domain.DecisionContinue
	draft.StopWork.Decision = domain.DecisionReviewRequired
	doc = reconcile.Reconcile(draft, true, seeds, reconcile.Limits{})
	if doc.StopWork.Decision != domain.DecisionReviewRequired {
		t.Fatalf("hint lowered the decision to %s", doc.StopWork.Decision)
	}
}

func TestReconcileUnknownDecisionBecomesContinue(t *testing.T) {
	draft := domain.ATSDocument{}
	draft.StopWork.Decision = "MAYBE"

	doc := reconcile.Reconcile(draft, true, seedsWithTriggers(), reconcile.Limits{})
	if doc.StopWork.Decision != domain.DecisionContinue {
		t.Fatalf("unknown decision should normalize to CONTINUE, got %s", doc.StopWork.Decision)
	}
}

func TestReconcileSeedTriggersAreAuthoritative(t *testing.T) {
	draft := domain.ATSDocument{}
	draft.StopWork.Decision = domain.DecisionReviewRequired
	// The draft tries to invent and drop triggers; both are ignored.
	draft.StopWork.AutoTriggers = []string{"made-up trigger"}
	draft.StopWork.Criteria = []string{"edited policy"}

	seeds := seedsWithTriggers("real trigger")
	doc := reconcile.Reconcile(draft, true, seeds, reconcile.Limits{})
	if !reflect.DeepEqual(doc.StopWork.AutoTriggers, []string{"real trigger"}) {
		t.Fatalf("triggers not replaced by seeds: %v", doc.StopWork.AutoTriggers)
	}
	if !reflect.DeepEqual(doc.StopWork.Criteria, rules.Criteria) {
		t.Fatalf("criteria not restored: %v", doc.StopWork.Criteria)
	}
}

func TestReconcileUnparseableDraftFallsBackToSeeds(t *testing.T) {
	draft := domain.ATSDocument{Hazards: []string{"from the bad draft"}}
	draft.StopWork.Decision = domain.DecisionStop

	seeds := seedsWithTriggers("wind trigger")
	doc := reconcile.Reconcile(draft, false, seeds, reconcile.Limits{})
	if doc.DraftSource != "seed_fallback" {
		t.Fatalf("expected seed_fallback, got %s", doc.DraftSource)
	}
	for _, h := range doc.Hazards {
		if h == "from the bad draft" {
			t.Fatal("discarded draft content leaked into the document")
		}
	}
	// The trigger guardrail still applies to the fallback document.
	if doc.StopWork.Decision == domain.DecisionContinue {
		t.Fatal("fallback with active triggers may not CONTINUE")
	}
}

func TestReconcileCriticalFailsMergeIntoTriggers(t *testing.T) {
	seeds := seedsWithTriggers("wind trigger")
	seeds.Checklist.DecisionHint = domain.DecisionStop
	seeds.Checklist.CriticalFails = []string{"supervisor verification failed: tools"}

	doc := reconcile.Reconcile(domain.ATSDocument{}, true, seeds, reconcile.Limits{})
	want := reconcile.ChecklistTriggerPrefix + "supervisor verification failed: tools"
	found := false
	for _, tr := range doc.StopWork.AutoTriggers {
		if tr == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("checklist failure not merged into triggers: %v", doc.StopWork.AutoTriggers)
	}
	if doc.StopWork.AutoTriggers[0] != "wind trigger" {
		t.Fatalf("environmental triggers must come first: %v", doc.StopWork.AutoTriggers)
	}
}

func TestReconcileControlsMergeWithSetSemantics(t *testing.T) {
	draft := domain.ATSDocument{
		Controls: domain.Controls{PPE: []string{"Helmet", "Helmet"}},
	}
	seeds := seedsWithTriggers()
	seeds.Checklist.DerivedControls.PPE = []string{"Helmet", "Harness"}
	seeds.Procedure.DerivedControls = []domain.DerivedControl{
		{Level: "ppe", Text: "Harness", Source: "PROC-1"},
		{Level: "administrative", Text: "Barricade the area", Source: "PROC-1"},
	}

	doc := reconcile.Reconcile(draft, true, seeds, reconcile.Limits{})
	if !reflect.DeepEqual(doc.Controls.PPE, []string{"Helmet", "Harness"}) {
		t.Fatalf("ppe merge: %v", doc.Controls.PPE)
	}
	if !reflect.DeepEqual(doc.Controls.Administrative, []string{"Barricade the area"}) {
		t.Fatalf("administrative merge: %v", doc.Controls.Administrative)
	}
}

func TestReconcileCompletenessFloor(t *testing.T) {
	doc := reconcile.Reconcile(domain.ATSDocument{}, true, seedsWithTriggers(), reconcile.Limits{})
	if len(doc.Hazards) < 3 {
		t.Fatalf("hazard floor not met: %v", doc.Hazards)
	}
	if len(doc.Steps) < 5 {
		t.Fatalf("step floor not met: %d steps", len(doc.Steps))
	}
}

func TestReconcileKeepsRichDraftContent(t *testing.T) {
	draft := domain.ATSDocument{
		Hazards: []string{"h1", "h2", "h3", "h4"},
		Steps: []domain.Step{
			{Description: "s1"}, {Description: "s2"}, {Description: "s3"},
			{Description: "s4"}, {Description: "s5"},
		},
	}
	draft.StopWork.Decision = domain.DecisionContinue

	doc := reconcile.Reconcile(draft, true, seedsWithTriggers(), reconcile.Limits{})
	if !reflect.DeepEqual(doc.Hazards, []string{"h1", "h2", "h3", "h4"}) {
		t.Fatalf("draft hazards above the floor were altered: %v", doc.Hazards)
	}
	if len(doc.Steps) != 5 || doc.Steps[0].Description != "s1" {
		t.Fatalf("draft steps above the floor were altered: %v", doc.Steps)
	}
	if doc.DraftSource != "model" {
		t.Fatalf("expected model source, got %s", doc.DraftSource)
	}
}

func TestReconcileStructurallyComplete(t *testing.T) {
	doc := reconcile.Reconcile(domain.ATSDocument{}, false, reconcile.Seeds{}, reconcile.Limits{})
	if doc.Hazards == nil || doc.Steps == nil || doc.ProcedureRefsUsed == nil ||
		doc.NormativeReferences == nil || doc.Recommendations == nil {
		t.Fatalf("nil list fields in final document: %+v", doc)
	}
	if doc.StopWork.AutoTriggers == nil || doc.StopWork.Criteria == nil {
		t.Fatal("nil stop-work lists")
	}
	if doc.ChecklistActions.Missing == nil || doc.ChecklistActions.Actions == nil {
		t.Fatal("nil checklist lists")
	}
	for _, s := range doc.Steps {
		if s.Hazards == nil || s.Controls == nil {
			t.Fatalf("nil lists inside step %q", s.Description)
		}
	}
}

func TestReconcileIsIdempotentOnDecision(t *testing.T) {
	seeds := seedsWithTriggers("trigger")
	first := reconcile.Reconcile(domain.ATSDocument{}, true, seeds, reconcile.Limits{})
	second := reconcile.Reconcile(first, true, seeds, reconcile.Limits{})
	if second.StopWork.Decision != first.StopWork.Decision {
		t.Fatalf("decision drifted: %s -> %s", first.StopWork.Decision, second.StopWork.Decision)
	}
	if second.StopWork.Rationale != first.StopWork.Rationale {
		t.Fatalf("rationale duplicated the guardrail sentence: %q", second.StopWork.Rationale)
	}
}
