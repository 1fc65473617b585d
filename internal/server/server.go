package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"atsforge/internal/domain"
	"atsforge/internal/draft"
	"atsforge/internal/engine"
	"atsforge/internal/repo"
	"atsforge/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"incidents declared but no lesson-learned brief attached"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the atsforge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("atsforge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGenerate(group, cfg.Engine)
	registerSeeds(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerGenerations(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookNotifier(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps pipeline errors onto the envelope. Internal failure
// text is confined to the details string.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pre *engine.PreconditionError
	if errors.As(err, &pre) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", pre.Message, map[string]any{"field": pre.Field})
	}
	var rl *draft.RateLimitError
	if errors.As(err, &rl) {
		details := map[string]any{}
		if rl.RetryAfter > 0 {
			details["retry_after_seconds"] = int(rl.RetryAfter / time.Second)
		}
		if rl.Detail != "" {
			details["detail"] = rl.Detail
		}
		return newAPIError(http.StatusTooManyRequests, "rate_limited", "drafting service rate limited; retry later or reduce batch size", details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "drafting service"):
		return newAPIError(http.StatusBadGateway, "drafting_unavailable", "drafting service unavailable", map[string]any{"error": msg})
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadGateway:
		return "drafting_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGenerate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-ats",
		Method:      http.MethodPost,
		Path:        "/ats/generate",
		Summary:     "Generate a Job Safety Analysis document",
		Description: "Runs the full pipeline: deterministic seeds, generative draft, guardrail reconciliation. The response is always schema-complete; stop-work conclusions can only escalate through the pipeline.",
	}, func(ctx context.Context, input *struct {
		Body GenerateATSRequest
	}) (*struct {
		Body domain.ATSDocument
	}, error) {
		doc, err := e.Generate(ctx, input.Body.engineRequest(actorIDFromContext(ctx)))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ATSDocument
		}{Body: doc}, nil
	})
}

func registerSeeds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-seeds",
		Method:      http.MethodPost,
		Path:        "/ats/seeds",
		Summary:     "Preview deterministic seeds",
		Description: "Evaluates triggers, checklist compliance and procedure aggregation without contacting the drafting service.",
	}, func(ctx context.Context, input *struct {
		Body GenerateATSRequest
	}) (*struct {
		Body SeedsResponse
	}, error) {
		seeds := e.ComputeSeeds(input.Body.engineRequest(actorIDFromContext(ctx)))
		triggers := seeds.Triggers
		if triggers == nil {
			triggers = []string{}
		}
		return &struct {
			Body SeedsResponse
		}{Body: SeedsResponse{
			Triggers:           triggers,
			Criteria:           rules.Criteria,
			ChecklistActions:   seeds.Checklist,
			ProcedureInfluence: seeds.Procedure.Influence(),
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type eventsQuery struct {
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor string `query:"cursor"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *eventsQuery) (*struct {
		Body paginatedEvents
	}, error) {
		items, next, err := e.Repo.ListEvents(ctx, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: []EventResponse{}, NextCursor: next}
		for _, evt := range items {
			out.Items = append(out.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents
		}{Body: out}, nil
	})
}

func registerGenerations(api huma.API, e engine.Engine) {
	type generationsQuery struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-generations",
		Method:      http.MethodGet,
		Path:        "/generations",
		Summary:     "List generation audit records",
	}, func(ctx context.Context, input *generationsQuery) (*struct {
		Body generationList
	}, error) {
		items, err := e.Repo.ListGenerations(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Generation{}
		}
		return &struct {
			Body generationList
		}{Body: generationList{Items: items}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/keys",
		Summary:     "Create an API key",
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyResponse
	}, error) {
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext := uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   strings.TrimSpace(input.Body.ActorID),
			Name:      strings.TrimSpace(input.Body.Name),
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse
		}{Body: apiKeyResponse(key, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []APIKeyResponse `json:"items"`
		}
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []APIKeyResponse `json:"items"`
			}
		}{}
		out.Body.Items = []APIKeyResponse{}
		for _, k := range keys {
			out.Body.Items = append(out.Body.Items, apiKeyResponse(k, ""))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Revoke an API key",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>atsforge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}
