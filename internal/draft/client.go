// Package draft talks to the external generative drafting service. It
// carries no business logic: it serializes seed context out and
// defensively coerces whatever comes back into the document shape.
package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"atsforge/internal/domain"
)

const (
	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 4096
)

// Drafter is the engine-facing contract. Tests substitute fakes.
type Drafter interface {
	Draft(ctx context.Context, req Request) (Result, error)
	EnrichChecklist(ctx context.Context, seed domain.ChecklistActionsPayload, flags domain.TaskFlags) domain.ChecklistActionsPayload
}

// Request is the full drafting context: meta plus the three
// deterministic seeds embedded as ground truth for the model.
type Request struct {
	Meta            domain.Meta                    `json:"meta"`
	Environment     domain.EnvironmentSnapshot     `json:"environment"`
	TaskFlags       domain.TaskFlags               `json:"task_flags"`
	TriggerSeed     []string                       `json:"trigger_seed"`
	ChecklistSeed   domain.ChecklistActionsPayload `json:"checklist_seed"`
	ProcedureBriefs []domain.ProcedureBrief        `json:"procedure_briefs"`
}

// Result is a draft plus whether the service's content was structurally
// usable. Parseable=false is not an error: the reconciler substitutes
// the deterministic seed document.
type Result struct {
	Doc       domain.ATSDocument
	Parseable bool
}

// RateLimitError is the distinguishable rate-limit failure; callers
// get enough detail to retry later or shrink their batch.
type RateLimitError struct {
	RetryAfter time.Duration
	Detail     string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("drafting service rate limited (retry after %s): %s", e.RetryAfter, e.Detail)
	}
	return "drafting service rate limited: " + e.Detail
}

// Client calls the drafting service over HTTP JSON.
type Client struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// NewClient builds a client with the configured timeout applied to
// every call, including the enrichment sub-call.
func NewClient(baseURL, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Model:      model,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type draftEnvelope struct {
	Model   string  `json:"model"`
	Context Request `json:"context"`
}

// Draft requests a full document draft. Transport failures, timeouts
// and rate limiting are terminal errors for the request; a reachable
// service answering with malformed content yields Parseable=false.
func (c *Client) Draft(ctx context.Context, req Request) (Result, error) {
	body, err := c.post(ctx, "/v1/draft", draftEnvelope{Model: c.Model, Context: req})
	if err != nil {
		return Result{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		c.logger().Printf("draft: unparseable response body: %v", err)
		return Result{Parseable: false}, nil
	}
	return Result{Doc: coerceDocument(raw), Parseable: true}, nil
}

type enrichEnvelope struct {
	Model     string                         `json:"model"`
	Checklist domain.ChecklistActionsPayload `json:"checklist_seed"`
	TaskFlags domain.TaskFlags               `json:"task_flags"`
}

// EnrichChecklist asks the service to refine the checklist verdict.
// Unlike Draft, every failure here is absorbed silently and the
// deterministic seed is returned unchanged; this asymmetry is
// deliberate (the seed is already a complete, safe verdict). The
// revised payload may add findings but never remove them, and the
// hint can only escalate.
func (c *Client) EnrichChecklist(ctx context.Context, seed domain.ChecklistActionsPayload, flags domain.TaskFlags) domain.ChecklistActionsPayload {
	body, err := c.post(ctx, "/v1/checklist-actions", enrichEnvelope{Model: c.Model, Checklist: seed, TaskFlags: flags})
	if err != nil {
		c.logger().Printf("draft: checklist enrichment failed, keeping seed: %v", err)
		return seed
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		c.logger().Printf("draft: checklist enrichment unparseable, keeping seed: %v", err)
		return seed
	}
	revised := coerceChecklistPayload(raw)
	return mergeChecklist(seed, revised)
}

// mergeChecklist unions seed findings into the revised payload so the
// model can enrich but never drop a deterministic finding.
func mergeChecklist(seed, revised domain.ChecklistActionsPayload) domain.ChecklistActionsPayload {
	out := revised
	out.Snapshot = seed.Snapshot
	out.Missing = unionStrings(seed.Missing, revised.Missing)
	out.CriticalFails = unionStrings(seed.CriticalFails, revised.CriticalFails)
	out.DerivedControls = domain.Controls{
		Engineering:    unionStrings(seed.DerivedControls.Engineering, revised.DerivedControls.Engineering),
		Administrative: unionStrings(seed.DerivedControls.Administrative, revised.DerivedControls.Administrative),
		PPE:            unionStrings(seed.DerivedControls.PPE, revised.DerivedControls.PPE),
	}
	out.Actions = unionActions(seed.Actions, revised.Actions)
	out.DecisionHint = domain.MaxDecision(seed.DecisionHint, revised.DecisionHint)
	if len(out.CriticalFails) > 0 {
		out.DecisionHint = domain.DecisionStop
	}
	return out
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode drafting request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drafting service unreachable: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusTooManyRequests {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		return nil, &RateLimitError{
			RetryAfter: retryAfter(res.Header.Get("Retry-After")),
			Detail:     strings.TrimSpace(string(detail)),
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("drafting service status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}
	return io.ReadAll(res.Body)
}

func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func unionStrings(base, extra []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range append(append([]string{}, base...), extra...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func unionActions(base, extra []domain.Action) []domain.Action {
	seen := map[string]bool{}
	out := make([]domain.Action, 0, len(base)+len(extra))
	for _, a := range append(append([]domain.Action{}, base...), extra...) {
		key := a.Priority + "\x00" + a.Text
		if a.Text == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}
