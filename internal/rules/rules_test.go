package rules_test

import (
	"reflect"
	"strings"
	"testing"

	"atsforge/internal/domain"
	"atsforge/internal/rules"
)

func strp(s string) *string   { return &s }
func f64p(v float64) *float64 { return &v }

func TestEvaluateCalmConditions(t *testing.T) {
	env := domain.EnvironmentSnapshot{
		Weather:    strp("clear"),
		Wind:       strp("calm"),
		Visibility: strp("good"),
		Lighting:   strp("adequate"),
		Terrain:    strp("dry"),
	}
	got := rules.Evaluate(env, domain.TaskFlags{Lifting: true, WorkAtHeight: true})
	if len(got) != 0 {
		t.Fatalf("expected no triggers, got %v", got)
	}
}

func TestEvaluateStormRequiresElevatedRisk(t *testing.T) {
	env := domain.EnvironmentSnapshot{Weather: strp("electrical storm approaching")}

	if got := rules.Evaluate(env, domain.TaskFlags{}); len(got) != 0 {
		t.Fatalf("storm without risk flags should not trigger, got %v", got)
	}
	got := rules.Evaluate(env, domain.TaskFlags{HotWork: true})
	if len(got) != 1 || !strings.Contains(got[0], "storm") {
		t.Fatalf("expected one storm trigger, got %v", got)
	}
}

func TestEvaluateMultipleIndependentTriggers(t *testing.T) {
	// Heat and humidity rules are independent; both fire and both stay.
	env := domain.EnvironmentSnapshot{
		TemperatureC: f64p(36),
		HumidityPct:  f64p(90),
	}
	got := rules.Evaluate(env, domain.TaskFlags{})
	if len(got) != 2 {
		t.Fatalf("expected heat and humidity triggers, got %v", got)
	}
	if !strings.Contains(got[0], "35") || !strings.Contains(got[1], "85%") {
		t.Fatalf("triggers out of declaration order: %v", got)
	}
}

func TestEvaluateHeatBoundaries(t *testing.T) {
	env := domain.EnvironmentSnapshot{TemperatureC: f64p(34.9)}
	if got := rules.Evaluate(env, domain.TaskFlags{}); len(got) != 0 {
		t.Fatalf("below threshold should not trigger, got %v", got)
	}
	env.TemperatureC = f64p(35)
	if got := rules.Evaluate(env, domain.TaskFlags{}); len(got) != 1 {
		t.Fatalf("threshold is inclusive, got %v", got)
	}
	// High humidity alone, temperature below 30: no humidity trigger.
	env = domain.EnvironmentSnapshot{TemperatureC: f64p(28), HumidityPct: f64p(95)}
	if got := rules.Evaluate(env, domain.TaskFlags{}); len(got) != 0 {
		t.Fatalf("humidity rule needs both readings, got %v", got)
	}
}

func TestEvaluateNightWithUnknownLighting(t *testing.T) {
	// Missing lighting data on a night shift is a risk signal.
	env := domain.EnvironmentSnapshot{TimeOfDay: strp("night")}
	got := rules.Evaluate(env, domain.TaskFlags{})
	if len(got) != 1 || !strings.Contains(got[0], "lighting") {
		t.Fatalf("expected night-lighting trigger, got %v", got)
	}
	// With lighting reported adequate, the rule stays quiet.
	env.Lighting = strp("adequate")
	if got := rules.Evaluate(env, domain.TaskFlags{}); len(got) != 0 {
		t.Fatalf("adequate lighting should clear the trigger, got %v", got)
	}
	// Reported poor lighting fires the lighting rule instead.
	env.Lighting = strp("poor")
	got = rules.Evaluate(env, domain.TaskFlags{})
	if len(got) != 1 || !strings.Contains(got[0], "Deficient lighting") {
		t.Fatalf("expected deficient-lighting trigger, got %v", got)
	}
}

func TestEvaluateTerrainSeverities(t *testing.T) {
	env := domain.EnvironmentSnapshot{Terrain: strp("muddy slope")}

	general := rules.Evaluate(env, domain.TaskFlags{})
	if len(general) != 1 || !strings.Contains(general[0], "housekeeping") {
		t.Fatalf("expected general terrain trigger, got %v", general)
	}
	critical := rules.Evaluate(env, domain.TaskFlags{WorkAtHeight: true})
	if len(critical) != 1 || !strings.Contains(critical[0], "stabilize") {
		t.Fatalf("expected critical terrain trigger, got %v", critical)
	}
}

func TestEvaluateWindRules(t *testing.T) {
	env := domain.EnvironmentSnapshot{Wind: strp("strong gusts")}
	got := rules.Evaluate(env, domain.TaskFlags{Lifting: true, WorkAtHeight: true})
	if len(got) != 2 {
		t.Fatalf("expected lifting and height wind triggers, got %v", got)
	}
}

func TestEvaluateKeywordMatchingIsCaseInsensitive(t *testing.T) {
	env := domain.EnvironmentSnapshot{Weather: strp("Heavy RAIN expected")}
	got := rules.Evaluate(env, domain.TaskFlags{WorkAtHeight: true})
	if len(got) != 1 || !strings.Contains(got[0], "Rain") {
		t.Fatalf("expected rain trigger, got %v", got)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	env := domain.EnvironmentSnapshot{
		Weather:      strp("storm with rain"),
		Wind:         strp("strong"),
		Terrain:      strp("slippery"),
		TemperatureC: f64p(36),
		HumidityPct:  f64p(90),
	}
	flags := domain.TaskFlags{Lifting: true, WorkAtHeight: true}
	first := rules.Evaluate(env, flags)
	for i := 0; i < 10; i++ {
		if got := rules.Evaluate(env, flags); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged: %v vs %v", i, got, first)
		}
	}
	if len(first) == 0 {
		t.Fatal("expected several triggers for the combined snapshot")
	}
}

func TestCriteriaAreFixed(t *testing.T) {
	if len(rules.Criteria) != 3 {
		t.Fatalf("expected 3 policy lines, got %d", len(rules.Criteria))
	}
	for i, line := range rules.Criteria {
		if strings.TrimSpace(line) == "" {
			t.Fatalf("criteria line %d is empty", i)
		}
	}
}
