package server

import (
	"atsforge/internal/domain"
	"atsforge/internal/engine"
)

// Request payloads

// GenerateATSRequest is the full pipeline input. Every section is
// optional; missing sections evaluate as "unknown" in the seeds.
type GenerateATSRequest struct {
	Meta           domain.Meta                `json:"meta,omitempty"`
	Environment    domain.EnvironmentSnapshot `json:"environment,omitempty"`
	TaskFlags      domain.TaskFlags           `json:"task_flags,omitempty"`
	Checklist      domain.ChecklistState      `json:"checklist,omitempty"`
	Procedures     []domain.ProcedureBrief    `json:"procedures,omitempty"`
	LessonsLearned []domain.ProcedureBrief    `json:"lessons_learned,omitempty"`
	Offline        bool                       `json:"offline,omitempty" doc:"Skip the drafting service and build the document from deterministic seeds only"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

// SeedsResponse previews the deterministic stage without contacting
// the drafting service.
type SeedsResponse struct {
	Triggers           []string                       `json:"triggers"`
	Criteria           []string                       `json:"criteria"`
	ChecklistActions   domain.ChecklistActionsPayload `json:"checklist_actions"`
	ProcedureInfluence domain.ProcedureInfluence      `json:"procedure_influence"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only returned on creation; it is stored hashed.
	Key string `json:"key,omitempty"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	ActorID  string         `json:"actor_id"`
	EntityID string         `json:"entity_id,omitempty"`
	Payload  map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type generationList struct {
	Items []domain.Generation `json:"items"`
}

// Conversion helpers

func (r GenerateATSRequest) engineRequest(actorID string) engine.GenerateRequest {
	return engine.GenerateRequest{
		Meta:           r.Meta,
		Environment:    r.Environment,
		TaskFlags:      r.TaskFlags,
		Checklist:      r.Checklist,
		Procedures:     r.Procedures,
		LessonsLearned: r.LessonsLearned,
		Offline:        r.Offline,
		ActorID:        actorID,
	}
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Key:       plaintext,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		ActorID:  e.ActorID,
		EntityID: e.EntityID,
		Payload:  decodeJSONMap(e.Payload),
	}
}
