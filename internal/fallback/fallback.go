// Package fallback synthesizes deterministic hazards and work steps
// for documents that come out of reconciliation below the completeness
// floor. Template-driven; no input can produce an empty result.
package fallback

import (
	"strings"

	"atsforge/internal/domain"
)

const topN = 3

// Floors the synthesizer honors on any input: the baseline hazard pool
// and the fixed step skeleton. Completeness policy must not demand
// more than this, since an empty request yields exactly these counts.
const (
	GuaranteedHazards = 3
	GuaranteedSteps   = 5
)

// SynthesizeHazards builds hazard statements from the active task
// flags and adverse environment readings. A benign reading contributes
// nothing; only the baseline pool is unconditional.
func SynthesizeHazards(seed domain.ChecklistActionsPayload, flags domain.TaskFlags, env domain.EnvironmentSnapshot, triggers []string) []string {
	var hazards []string
	if flags.Lifting {
		hazards = append(hazards, "Suspended or falling load during lifting maneuvers.")
	}
	if flags.HotWork {
		hazards = append(hazards, "Ignition of nearby combustibles and burns from hot work.")
	}
	if flags.WorkAtHeight {
		hazards = append(hazards, "Fall from height of personnel or dropped objects.")
	}
	if matchesAny(env.Visibility, "low", "poor", "reduced", "none") {
		hazards = append(hazards, "Reduced visibility impairing coordination between crew members.")
	}
	if matchesAny(env.Lighting, "poor", "deficient", "insufficient", "none") {
		hazards = append(hazards, "Inadequate lighting concealing obstacles and energized points.")
	}
	if matchesAny(env.Terrain, "slippery", "muddy", "mud", "ice") {
		hazards = append(hazards, "Unstable or slippery ground causing slips, trips and falls.")
	}
	if matchesAny(env.Weather, "storm", "lightning", "thunder", "rain", "drizzle", "fog", "mist") {
		hazards = append(hazards, "Adverse weather degrading work conditions and equipment handling.")
	}
	if matchesAny(env.Wind, "strong", "high", "gust") {
		hazards = append(hazards, "Wind-induced loss of control over loads, tools or materials.")
	}
	if len(seed.CriticalFails) > 0 {
		hazards = append(hazards, "Pre-task verification failures leaving hazards without confirmed controls.")
	}
	if len(triggers) > 0 {
		hazards = append(hazards, "Active stop-work conditions present at the work front.")
	}
	// Unconditional baseline: keeps the list non-empty and lets the
	// reconciler meet its hazard floor on any input.
	hazards = append(hazards, baselineHazards...)
	return hazards
}

var baselineHazards = []string{
	"Unidentified residual hazards inherent to industrial work fronts.",
	"Human error under time pressure or fatigue.",
	"Interference with adjacent activities and site traffic.",
}

// SynthesizeSteps emits the fixed skeleton: briefing, area inspection,
// equipment verification, one execution step per active task flag (or
// a generic execution step when none are active) and closeout. Step
// hazards/controls are drawn from the leading deduplicated aggregate
// entries.
func SynthesizeSteps(meta domain.Meta, hazards []string, controls domain.Controls, flags domain.TaskFlags, seed domain.ChecklistActionsPayload) []domain.Step {
	topHazards := firstN(dedup(hazards), topN)
	pool := dedup(append(append(append([]string{}, controls.Engineering...), controls.Administrative...), controls.PPE...))
	topControls := firstN(pool, topN)

	task := strings.TrimSpace(meta.Title)
	if task == "" {
		task = "the planned task"
	}

	steps := []domain.Step{
		{
			Description: "Hold the pre-task briefing: review scope, hazards, controls and the stop-work criteria with the whole crew.",
			Hazards:     topHazards,
			Controls:    topControls,
		},
		{
			Description: "Inspect the work area: confirm access, housekeeping, barriers and the conditions assumed by the checklist.",
			Hazards:     topHazards,
			Controls:    topControls,
		},
		{
			Description: "Verify tools, equipment and personal protective equipment against the checklist before use.",
			Hazards:     topHazards,
			Controls:    topControls,
		},
	}

	var execution []domain.Step
	if flags.Lifting {
		execution = append(execution, domain.Step{
			Description: "Execute the lifting plan: rigging check, exclusion zone and a single designated signaller.",
			Hazards:     topHazards,
			Controls:    topControls,
		})
	}
	if flags.HotWork {
		execution = append(execution, domain.Step{
			Description: "Perform hot work under permit: clear combustibles, post the fire watch and keep extinguishing means at hand.",
			Hazards:     topHazards,
			Controls:    topControls,
		})
	}
	if flags.WorkAtHeight {
		execution = append(execution, domain.Step{
			Description: "Work at height with continuous anchorage: verify lifelines and restrict the area below.",
			Hazards:     topHazards,
			Controls:    topControls,
		})
	}
	if len(execution) == 0 {
		execution = append(execution, domain.Step{
			Description: "Execute " + task + " following the applicable procedure, keeping agreed controls in place.",
			Hazards:     topHazards,
			Controls:    topControls,
		})
	}
	steps = append(steps, execution...)

	closeout := domain.Step{
		Description: "Close out: withdraw equipment, restore the area, and report deviations or pending actions to the supervisor.",
		Hazards:     topHazards,
		Controls:    topControls,
	}
	if len(seed.Missing) > 0 {
		closeout.Description += " Resolve the open checklist items before the next shift."
	}
	return append(steps, closeout)
}

// matchesAny mirrors the trigger evaluator's keyword matching so the
// synthesizer and the rules agree on what counts as adverse.
func matchesAny(v *string, keywords ...string) bool {
	if v == nil {
		return false
	}
	val := strings.ToLower(strings.TrimSpace(*v))
	if val == "" {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(val, kw) {
			return true
		}
	}
	return false
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

func firstN(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}
