// Package engine runs the generation pipeline: deterministic seeds
// first, then the drafting collaborator, then reconciliation, then the
// audit write. The engine holds no per-request state.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"atsforge/internal/checklist"
	"atsforge/internal/config"
	"atsforge/internal/domain"
	"atsforge/internal/draft"
	"atsforge/internal/events"
	"atsforge/internal/procedure"
	"atsforge/internal/reconcile"
	"atsforge/internal/repo"
	"atsforge/internal/rules"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Drafter draft.Drafter
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, drafter draft.Drafter) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Drafter: drafter,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GenerateRequest is one stateless document request. LessonsLearned
// are unioned into the procedure list with their origin forced, so
// aggregation treats both uniformly.
type GenerateRequest struct {
	Meta           domain.Meta
	Environment    domain.EnvironmentSnapshot
	TaskFlags      domain.TaskFlags
	Checklist      domain.ChecklistState
	Procedures     []domain.ProcedureBrief
	LessonsLearned []domain.ProcedureBrief
	Offline        bool
	ActorID        string
}

// PreconditionError is a user-correctable rejection; the server maps
// it to 422 with an actionable message.
type PreconditionError struct {
	Field   string
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// Seeds bundles the deterministic stage outputs.
type Seeds struct {
	Triggers  []string
	Checklist domain.ChecklistActionsPayload
	Briefs    []domain.ProcedureBrief
	Procedure procedure.Aggregate
}

// ComputeSeeds runs the three pure evaluators. Always available, even
// when the drafting collaborator is not.
func (e Engine) ComputeSeeds(req GenerateRequest) Seeds {
	briefs := procedure.NormalizeAll(req.Procedures)
	for _, lesson := range req.LessonsLearned {
		lesson.Origin = domain.OriginLessonLearned
		briefs = append(briefs, procedure.Normalize(lesson))
	}
	return Seeds{
		Triggers:  rules.Evaluate(req.Environment, req.TaskFlags),
		Checklist: checklist.Evaluate(req.Checklist, req.TaskFlags),
		Briefs:    briefs,
		Procedure: procedure.Fold(briefs),
	}
}

// Generate runs the full pipeline and writes the audit trail. The
// returned document is complete and schema-valid whatever the drafting
// service did; only transport-level drafting failures, rate limits and
// precondition violations surface as errors.
func (e Engine) Generate(ctx context.Context, req GenerateRequest) (domain.ATSDocument, error) {
	if e.Config == nil {
		return domain.ATSDocument{}, fmt.Errorf("config not loaded")
	}
	seeds := e.ComputeSeeds(req)

	if err := e.applyIncidentPrecondition(req, &seeds); err != nil {
		return domain.ATSDocument{}, err
	}

	useDrafter := e.Drafter != nil && !req.Offline

	if useDrafter && e.Config.Drafting.EnrichChecklist {
		// Enrichment failures are absorbed inside the adapter; the
		// deterministic seed is already a complete, safe verdict.
		seeds.Checklist = e.Drafter.EnrichChecklist(ctx, seeds.Checklist, req.TaskFlags)
	}

	var (
		draftDoc  domain.ATSDocument
		parseable bool
	)
	if useDrafter {
		res, err := e.Drafter.Draft(ctx, draft.Request{
			Meta:            req.Meta,
			Environment:     req.Environment,
			TaskFlags:       req.TaskFlags,
			TriggerSeed:     seeds.Triggers,
			ChecklistSeed:   seeds.Checklist,
			ProcedureBriefs: seeds.Briefs,
		})
		if err != nil {
			// Unreachable, timed out, or rate limited: terminal for
			// this request, unlike the enrichment sub-call above.
			return domain.ATSDocument{}, err
		}
		draftDoc = res.Doc
		parseable = res.Parseable
	}

	doc := reconcile.Reconcile(draftDoc, parseable, reconcile.Seeds{
		Meta:        req.Meta,
		Environment: req.Environment,
		Flags:       req.TaskFlags,
		Triggers:    seeds.Triggers,
		Checklist:   seeds.Checklist,
		Procedure:   seeds.Procedure,
	}, reconcile.Limits{
		MinHazards: e.Config.Policy.MinHazards,
		MinSteps:   e.Config.Policy.MinSteps,
	})

	now := e.now().UTC()
	doc.GeneratedAt = now.Format(time.RFC3339)
	doc.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.Meta.Company+"|"+req.Meta.Title+"|"+doc.GeneratedAt)).String()
	if !useDrafter {
		doc.DraftSource = "offline"
	}

	if err := e.recordGeneration(ctx, req.ActorID, doc); err != nil {
		return domain.ATSDocument{}, err
	}
	return doc, nil
}

// applyIncidentPrecondition enforces the lesson-learned requirement
// when incidents in similar work are declared. The operating mode
// picks between rejecting and downgrading to a review action.
func (e Engine) applyIncidentPrecondition(req GenerateRequest, seeds *Seeds) error {
	incidents := req.Checklist.IncidentsInSimilarWork
	if incidents == nil || !*incidents {
		return nil
	}
	if procedure.HasLessonLearned(seeds.Briefs) {
		return nil
	}
	if e.Config.Policy.IncidentLessonMode == config.IncidentModeReject {
		return &PreconditionError{
			Field:   "lessons_learned",
			Message: "incidents in similar work are declared but no lesson-learned brief is attached; attach the relevant lesson learned or clear the incidents flag",
		}
	}
	seeds.Checklist.Actions = append(seeds.Checklist.Actions, domain.Action{
		Priority: domain.PriorityHigh,
		Kind:     "administrative",
		Text:     "Attach and review the lesson learned for the declared incidents in similar work before starting.",
		Evidence: []string{"checklist.incidents_in_similar_work", "lessons_learned"},
	})
	seeds.Checklist.DecisionHint = domain.MaxDecision(seeds.Checklist.DecisionHint, domain.DecisionReviewRequired)
	return nil
}

func (e Engine) recordGeneration(ctx context.Context, actorID string, doc domain.ATSDocument) error {
	if actorID == "" {
		actorID = "anonymous"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	gen := domain.Generation{
		ID:            doc.ID,
		TS:            doc.GeneratedAt,
		ActorID:       actorID,
		Company:       doc.Meta.Company,
		Decision:      doc.StopWork.Decision,
		TriggerCount:  len(doc.StopWork.AutoTriggers),
		DecisionHint:  doc.ChecklistActions.DecisionHint,
		DraftSource:   doc.DraftSource,
		BriefsApplied: len(doc.ProcedureInfluence.Applied),
	}
	if err := e.Repo.InsertGeneration(ctx, tx, gen); err != nil {
		return err
	}
	payload := events.EventPayload{
		"decision":      gen.Decision,
		"trigger_count": gen.TriggerCount,
		"draft_source":  gen.DraftSource,
	}
	if err := e.Events.Append(ctx, tx, "ats.generated", doc.ID, actorID, payload); err != nil {
		return err
	}
	if doc.StopWork.Decision == domain.DecisionStop {
		if err := e.Events.Append(ctx, tx, "ats.stop_work", doc.ID, actorID, events.EventPayload{
			"triggers": doc.StopWork.AutoTriggers,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit records: %w", err)
	}
	return nil
}
