package domain

// Decision values for stop-work assessments and checklist hints,
// ordered by severity: CONTINUE < REVIEW_REQUIRED < STOP.
const (
	DecisionContinue       = "CONTINUE"
	DecisionReviewRequired = "REVIEW_REQUIRED"
	DecisionStop           = "STOP"
)

// DecisionSeverity ranks a decision for monotonic merging. Unknown
// values rank below CONTINUE so they can never mask a real decision.
func DecisionSeverity(d string) int {
	switch d {
	case DecisionContinue:
		return 0
	case DecisionReviewRequired:
		return 1
	case DecisionStop:
		return 2
	default:
		return -1
	}
}

// MaxDecision returns the more severe of two decisions.
func MaxDecision(a, b string) string {
	if DecisionSeverity(b) > DecisionSeverity(a) {
		return b
	}
	if DecisionSeverity(a) < 0 {
		return DecisionContinue
	}
	return a
}

// Action priorities, low to critical.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Procedure brief origins.
const (
	OriginProcedure     = "procedure"
	OriginLessonLearned = "lesson_learned"
)

// EnvironmentSnapshot captures the work-site conditions for one
// request. Every field is optional; nil means "unknown", which several
// trigger rules treat as a risk signal rather than an all-clear.
type EnvironmentSnapshot struct {
	TimeOfDay         *string  `json:"time_of_day,omitempty" enum:"day,night"`
	Weather           *string  `json:"weather,omitempty"`
	Wind              *string  `json:"wind,omitempty"`
	Lighting          *string  `json:"lighting,omitempty"`
	Terrain           *string  `json:"terrain,omitempty"`
	Visibility        *string  `json:"visibility,omitempty"`
	NoiseLevel        *string  `json:"noise_level,omitempty"`
	TemperatureC      *float64 `json:"temperature_c,omitempty"`
	HumidityPct       *float64 `json:"humidity_pct,omitempty"`
	ProcedureUsed     *string  `json:"procedure_used,omitempty"`
	AvailableControls []string `json:"available_controls,omitempty"`
}

// TaskFlags mark the elevated-risk activities of the task. The flags
// are independent; any combination may be active at once. Absent flags
// default to false, so partial request bodies are accepted.
type TaskFlags struct {
	Lifting      bool `json:"lifting" required:"false"`
	HotWork      bool `json:"hot_work" required:"false"`
	WorkAtHeight bool `json:"work_at_height" required:"false"`
}

// AnyElevatedRisk reports whether at least one risk flag is set.
func (f TaskFlags) AnyElevatedRisk() bool {
	return f.Lifting || f.HotWork || f.WorkAtHeight
}

// Controls partitions control statements by hierarchy level. Every
// category is optional on input and defaults to empty.
type Controls struct {
	Engineering    []string `json:"engineering" required:"false"`
	Administrative []string `json:"administrative" required:"false"`
	PPE            []string `json:"ppe" required:"false"`
}

// Brief is the machine-readable safety extract of one source document.
// Any section may be absent; normalization fills in empty defaults.
type Brief struct {
	Scope            string   `json:"scope,omitempty"`
	MandatoryPermits []string `json:"mandatory_permits" required:"false"`
	CriticalControls Controls `json:"critical_controls" required:"false"`
	StopWorkClauses  []string `json:"stop_work_clauses" required:"false"`
	MandatorySteps   []string `json:"mandatory_steps" required:"false"`
	Restrictions     []string `json:"restrictions" required:"false"`
}

// ProcedureBrief wraps a Brief with provenance. Lesson-learned briefs
// use the same shape with Origin set to lesson_learned and flow through
// aggregation identically to procedure briefs.
type ProcedureBrief struct {
	Title     string `json:"title,omitempty"`
	Code      string `json:"code,omitempty"`
	Origin    string `json:"origin,omitempty" enum:"procedure,lesson_learned"`
	Parseable *bool  `json:"parseable,omitempty"`
	Brief     Brief  `json:"brief" required:"false"`
}

// Source returns the attribution key for derived controls: the code
// when present, otherwise the title.
func (p ProcedureBrief) Source() string {
	if p.Code != "" {
		return p.Code
	}
	return p.Title
}

// DerivedControl is one control statement with provenance kept so that
// identical advice from two sources stays two corroborating facts.
type DerivedControl struct {
	Level  string `json:"level" enum:"engineering,administrative,ppe"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// ProcedureInfluence reports how uploaded references shaped a document.
type ProcedureInfluence struct {
	Applied         []string         `json:"applied"`
	NotParseable    []string         `json:"not_parseable"`
	DerivedControls []DerivedControl `json:"derived_controls"`
}

// ChecklistState is the supervisor's pre-task verification snapshot
// ("Formato Estrella"). The five verification answers are tri-state:
// nil is unanswered, which is distinct from an explicit no.
type ChecklistState struct {
	StageClear           *bool `json:"stage_clear,omitempty"`
	HazardsControlled    *bool `json:"hazards_controlled,omitempty"`
	IsolationConfirmed   *bool `json:"isolation_confirmed,omitempty"`
	CommunicationsAgreed *bool `json:"communications_agreed,omitempty"`
	ToolsOK              *bool `json:"tools_ok,omitempty"`

	ElaborationDate *string `json:"elaboration_date,omitempty" format:"date"`
	ExecutionDate   *string `json:"execution_date,omitempty" format:"date"`

	IncidentsInSimilarWork *bool `json:"incidents_in_similar_work,omitempty"`
	OtherCompaniesInvolved *bool `json:"other_companies_involved,omitempty"`

	DangerTypes        []string `json:"danger_types,omitempty"`
	EnvironmentDangers []string `json:"environment_dangers,omitempty"`
	Emergencies        []string `json:"emergencies,omitempty"`
	SafetyEquipment    []string `json:"safety_equipment,omitempty"`
	LifeSavingRules    []string `json:"life_saving_rules,omitempty"`
}

// Action is one recommended intervention with its audit trail.
type Action struct {
	Priority string   `json:"priority" enum:"low,medium,high,critical"`
	Kind     string   `json:"kind" enum:"administrative,engineering,ppe"`
	Text     string   `json:"text"`
	Evidence []string `json:"evidence"`
}

// ChecklistActionsPayload is the deterministic verdict over a
// checklist snapshot.
type ChecklistActionsPayload struct {
	DecisionHint    string         `json:"decision_hint" enum:"STOP,REVIEW_REQUIRED,CONTINUE"`
	Missing         []string       `json:"missing"`
	CriticalFails   []string       `json:"critical_fails"`
	DerivedControls Controls       `json:"derived_controls"`
	Actions         []Action       `json:"actions"`
	Snapshot        ChecklistState `json:"snapshot"`
}

// StopWorkAssessment is the document's final go/no-go verdict.
// AutoTriggers and Criteria are owned by the deterministic seeds; the
// drafting stage may only contribute to Rationale.
type StopWorkAssessment struct {
	Decision     string   `json:"decision" enum:"STOP,REVIEW_REQUIRED,CONTINUE"`
	AutoTriggers []string `json:"auto_triggers"`
	Criteria     []string `json:"criteria"`
	Rationale    string   `json:"rationale,omitempty"`
}

// Meta is the document header.
type Meta struct {
	Title    string `json:"title,omitempty"`
	Company  string `json:"company,omitempty"`
	Location string `json:"location,omitempty"`
	Date     string `json:"date,omitempty" format:"date"`
	Shift    string `json:"shift,omitempty"`
}

// Step is one ordered work step with its own hazards and controls.
type Step struct {
	Description string   `json:"description"`
	Hazards     []string `json:"hazards"`
	Controls    []string `json:"controls"`
}

// ATSDocument is the aggregate root: one complete Job Safety Analysis.
// Constructed fresh per request, never persisted, never mutated after
// the response is sent.
type ATSDocument struct {
	ID                  string                  `json:"id"`
	Meta                Meta                    `json:"meta"`
	Environment         EnvironmentSnapshot     `json:"environment"`
	TaskFlags           TaskFlags               `json:"task_flags"`
	Hazards             []string                `json:"hazards"`
	Controls            Controls                `json:"controls"`
	Steps               []Step                  `json:"steps"`
	StopWork            StopWorkAssessment      `json:"stop_work"`
	ProcedureRefsUsed   []string                `json:"procedure_refs_used"`
	ProcedureInfluence  ProcedureInfluence      `json:"procedure_influence"`
	ChecklistActions    ChecklistActionsPayload `json:"checklist_actions"`
	NormativeReferences []string                `json:"normative_references"`
	Recommendations     []string                `json:"recommendations"`
	GeneratedAt         string                  `json:"generated_at" format:"date-time"`
	DraftSource         string                  `json:"draft_source" enum:"model,seed_fallback,offline"`
}

// Event is one audit log entry.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	ActorID  string `json:"actor_id"`
	EntityID string `json:"entity_id,omitempty"`
	Payload  string `json:"payload_json"`
}

// Generation is the persisted audit record of one request. The
// document body is deliberately absent: only metadata is stored.
type Generation struct {
	ID            string `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	ActorID       string `json:"actor_id"`
	Company       string `json:"company,omitempty"`
	Decision      string `json:"decision" enum:"STOP,REVIEW_REQUIRED,CONTINUE"`
	TriggerCount  int    `json:"trigger_count"`
	DecisionHint  string `json:"decision_hint" enum:"STOP,REVIEW_REQUIRED,CONTINUE"`
	DraftSource   string `json:"draft_source" enum:"model,seed_fallback,offline"`
	BriefsApplied int    `json:"briefs_applied"`
}

// APIKey is a stored credential; KeyHash holds a SHA-256 hex digest.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
