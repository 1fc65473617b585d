// Package rules evaluates deterministic stop-work triggers over an
// environment snapshot and the task's risk flags. Evaluation is pure:
// the same input always yields the same triggers in declaration order.
package rules

import (
	"strings"

	"atsforge/internal/domain"
)

// Criteria is the fixed general stop-work policy text attached to
// every assessment. The drafting stage may explain these lines but
// never edits them.
var Criteria = []string{
	"Any worker may stop the work when an uncontrolled risk is observed.",
	"Work does not resume until every active trigger has been reviewed and cleared by the supervisor.",
	"Automatic triggers are derived from site conditions and are not negotiable.",
}

type rule struct {
	name    string
	applies func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool
	message string
}

// Rules are evaluated top to bottom; they are not mutually exclusive
// and several may fire from one snapshot.
var ruleSet = []rule{
	{
		name: "storm_elevated_risk",
		applies: func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool {
			return matchesAny(env.Weather, "storm", "lightning", "thunder") && flags.AnyElevatedRisk()
		},
		message: "Electrical storm with an elevated-risk task (lifting, hot work or work at height): stop until the storm clears.",
	},
	{
		name: "rain_height",
		applies: func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool {
			return matchesAny(env.Weather, "rain", "drizzle") && flags.WorkAtHeight
		},
		message: "Rain during work at height: suspend until surfaces are dry and anchorage is re-verified.",
	},
	{
		name: "strong_wind_lifting",
		applies: func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool {
			return matchesAny(env.Wind, "strong", "high", "gust") && flags.Lifting
		},
		message: "Strong wind during lifting operations: suspend the lift and secure the load.",
	},
	{
		name: "strong_wind_height",
		applies: func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool {
			return matchesAny(env.Wind, "strong", "high", "gust") && flags.WorkAtHeight
		},
		message: "Strong wind during work at height: suspend until wind subsides and re-assess anchor points.",
	},
	{
		name: "low_visibility",
		applies: func(env domain.EnvironmentSnapshot, _ domain.TaskFlags) bool {
			return matchesAny(env.Visibility, "low", "poor", "reduced", "none")
		},
		message: "Low visibility on site: halt operations until visibility is restored.",
	},
	{
		name: "poor_lighting",
		applies: func(env domain.EnvironmentSnapshot, _ domain.TaskFlags) bool {
			return matchesAny(env.Lighting, "poor", "deficient", "insufficient", "none")
		},
		message: "Deficient lighting in the work area: stop until adequate lighting is installed.",
	},
	{
		// Missing lighting data on a night shift is treated as a risk
		// signal, not as an all-clear.
		name: "night_lighting_unknown",
		applies: func(env domain.EnvironmentSnapshot, _ domain.TaskFlags) bool {
			return matchesAny(env.TimeOfDay, "night") && isUnset(env.Lighting)
		},
		message: "Night shift with unverified lighting conditions: confirm adequate lighting before starting.",
	},
	{
		name: "slippery_terrain_critical_task",
		applies: func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool {
			return matchesAny(env.Terrain, "slippery", "muddy", "mud", "ice") && (flags.WorkAtHeight || flags.Lifting)
		},
		message: "Slippery or muddy terrain combined with height or lifting work: stop and stabilize the surface first.",
	},
	{
		name: "slippery_terrain_general",
		applies: func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool {
			return matchesAny(env.Terrain, "slippery", "muddy", "mud", "ice") && !(flags.WorkAtHeight || flags.Lifting)
		},
		message: "Slippery or muddy terrain: reinforce footing controls and housekeeping before proceeding.",
	},
	{
		name: "heat_absolute",
		applies: func(env domain.EnvironmentSnapshot, _ domain.TaskFlags) bool {
			return env.TemperatureC != nil && *env.TemperatureC >= 35
		},
		message: "Temperature at or above 35 °C: apply the heat-stress protocol (hydration, shaded rest cycles).",
	},
	{
		// Independent of heat_absolute: both may fire together and
		// both are kept.
		name: "heat_humidity",
		applies: func(env domain.EnvironmentSnapshot, _ domain.TaskFlags) bool {
			return env.HumidityPct != nil && *env.HumidityPct >= 85 &&
				env.TemperatureC != nil && *env.TemperatureC >= 30
		},
		message: "Humidity at or above 85% with temperature at or above 30 °C: elevated heat-stress risk, shorten work cycles.",
	},
	{
		name: "fog_lifting",
		applies: func(env domain.EnvironmentSnapshot, flags domain.TaskFlags) bool {
			return matchesAny(env.Weather, "fog", "mist") && flags.Lifting
		},
		message: "Fog during lifting operations: suspend the lift until the signaller has full sight of the load path.",
	},
}

// Evaluate returns every fired trigger message in rule declaration
// order. An empty result means no mandatory stop; one or more results
// forbid a final decision of CONTINUE downstream.
func Evaluate(env domain.EnvironmentSnapshot, flags domain.TaskFlags) []string {
	var triggers []string
	for _, r := range ruleSet {
		if r.applies(env, flags) {
			triggers = append(triggers, r.message)
		}
	}
	return triggers
}

func isUnset(v *string) bool {
	return v == nil || strings.TrimSpace(*v) == ""
}

func matchesAny(v *string, keywords ...string) bool {
	if isUnset(v) {
		return false
	}
	val := strings.ToLower(strings.TrimSpace(*v))
	for _, kw := range keywords {
		if strings.Contains(val, kw) {
			return true
		}
	}
	return false
}
