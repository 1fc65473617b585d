package atsforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal atsforge HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// GenerateRequest mirrors the API generate payload. Every section is
// optional; missing sections evaluate as "unknown".
type GenerateRequest struct {
	Meta           map[string]any   `json:"meta,omitempty"`
	Environment    map[string]any   `json:"environment,omitempty"`
	TaskFlags      map[string]any   `json:"task_flags,omitempty"`
	Checklist      map[string]any   `json:"checklist,omitempty"`
	Procedures     []map[string]any `json:"procedures,omitempty"`
	LessonsLearned []map[string]any `json:"lessons_learned,omitempty"`
	Offline        bool             `json:"offline,omitempty"`
}

// Document is the generated ATS (partial; the full body is returned as
// raw JSON under Raw for callers that need every field).
type Document struct {
	ID          string         `json:"id"`
	GeneratedAt string         `json:"generated_at"`
	DraftSource string         `json:"draft_source"`
	Meta        map[string]any `json:"meta"`
	Hazards     []string       `json:"hazards"`
	StopWork    struct {
		Decision     string   `json:"decision"`
		AutoTriggers []string `json:"auto_triggers"`
		Rationale    string   `json:"rationale"`
	} `json:"stop_work"`

	Raw json.RawMessage `json:"-"`
}

// Seeds is the deterministic-stage preview.
type Seeds struct {
	Triggers           []string       `json:"triggers"`
	Criteria           []string       `json:"criteria"`
	ChecklistActions   map[string]any `json:"checklist_actions"`
	ProcedureInfluence map[string]any `json:"procedure_influence"`
}

// Event is an audit log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	ActorID  string         `json:"actor_id"`
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload"`
}

// Generation is a generation audit record (metadata only; document
// bodies are never stored server-side).
type Generation struct {
	ID           string `json:"id"`
	TS           string `json:"ts"`
	ActorID      string `json:"actor_id"`
	Decision     string `json:"decision"`
	TriggerCount int    `json:"trigger_count"`
	DraftSource  string `json:"draft_source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Generate runs the full pipeline and returns the document. The
// document is returned to the caller only; the server keeps audit
// metadata but never the body.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (Document, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "v0/ats/generate", req, &raw); err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, err
	}
	doc.Raw = raw
	return doc, nil
}

// SeedsPreview returns the deterministic seeds for a request without
// contacting the drafting service.
func (c *Client) SeedsPreview(ctx context.Context, req GenerateRequest) (Seeds, error) {
	var resp Seeds
	err := c.do(ctx, http.MethodPost, "v0/ats/seeds", req, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Generations returns recent generation records, newest first.
func (c *Client) Generations(ctx context.Context, limit int) ([]Generation, error) {
	endpoint := "v0/generations"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Generation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
