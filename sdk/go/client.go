package dairylinesdk

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

// Client is a minimal Dairyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Form is a logged form record.
type Form struct {
	ID          string         `json:"id"`
	PlantID     string         `json:"plant_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Status      string         `json:"status"`
	Operator    string         `json:"operator"`
	ProcessStep string         `json:"process_step"`
	Priority    string         `json:"priority"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// NewForm is the create payload.
type NewForm struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Operator    string         `json:"operator,omitempty"`
	ProcessStep string         `json:"process_step,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type FormFilter struct {
	Type        string
	Status      string
	Operator    string
	ProcessStep string
	Limit       int
	Cursor      string
}

// FormPage wraps list responses with a cursor.
type FormPage struct {
	Items      []Form `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type Capabilities struct {
	View    bool `json:"view"`
	Edit    bool `json:"edit"`
	Delete  bool `json:"delete"`
	Approve bool `json:"approve"`
	Create  bool `json:"create"`
}

// Access is a resolved capability set for one user on one form.
type Access struct {
	UserID       string       `json:"user_id"`
	FormID       string       `json:"form_id"`
	Capabilities Capabilities `json:"capabilities"`
	AccessLevel  string       `json:"access_level"`
	Scope        string       `json:"scope"`
	GrantID      string       `json:"grant_id,omitempty"`
}

type DailyTrend struct {
	Date      string `json:"date"`
	Completed int    `json:"completed"`
	Created   int    `json:"created"`
	Errors    int    `json:"errors"`
}

// Metrics is the dashboard aggregate.
type Metrics struct {
	TotalForms            int                `json:"total_forms"`
	ActiveForms           int                `json:"active_forms"`
	PendingForms          int                `json:"pending_forms"`
	CompletedForms        int                `json:"completed_forms"`
	ErrorForms            int                `json:"error_forms"`
	CompletionRate        float64            `json:"completion_rate"`
	AverageProcessingTime float64            `json:"average_processing_time"`
	OperatorEfficiency    map[string]float64 `json:"operator_efficiency"`
	DailyTrends           []DailyTrend       `json:"daily_trends"`
}

type Step struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FormType  string `json:"form_type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
	Operator  string `json:"operator,omitempty"`
}

// Pipeline is the projected process step list with counts per status.
type Pipeline struct {
	Steps   []Step         `json:"steps"`
	Summary map[string]int `json:"summary"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListForms returns one page of forms visible to the caller.
func (c *Client) ListForms(ctx context.Context, f FormFilter) (FormPage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("type", f.Type)
	set("status", f.Status)
	set("operator", f.Operator)
	set("process_step", f.ProcessStep)
	set("cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "forms"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp FormPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetForm(ctx context.Context, id string) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodGet, "forms/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateForm logs a new pending form.
func (c *Client) CreateForm(ctx context.Context, f NewForm) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodPost, "forms", f, &resp)
	return resp, err
}

// SaveForm moves a pending or errored form to active.
func (c *Client) SaveForm(ctx context.Context, id string) (Form, error) {
	return c.formAction(ctx, id, "save", nil)
}

func (c *Client) CompleteForm(ctx context.Context, id string) (Form, error) {
	return c.formAction(ctx, id, "complete", nil)
}

// FailForm flags a form as errored with an optional reason.
func (c *Client) FailForm(ctx context.Context, id, reason string) (Form, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.formAction(ctx, id, "fail", body)
}

func (c *Client) formAction(ctx context.Context, id, verb string, body any) (Form, error) {
	var resp Form
	err := c.do(ctx, http.MethodPost, "forms/"+url.PathEscape(id)+"/"+verb, body, &resp)
	return resp, err
}

// FormAccess resolves the caller's capabilities on a form.
func (c *Client) FormAccess(ctx context.Context, formID string) (Access, error) {
	var resp Access
	err := c.do(ctx, http.MethodGet, "forms/"+url.PathEscape(formID)+"/access", nil, &resp)
	return resp, err
}

// Dashboard returns the status metrics, optionally filtered by form type.
func (c *Client) Dashboard(ctx context.Context, formType string) (Metrics, error) {
	endpoint := "dashboard/metrics"
	if formType != "" {
		endpoint += "?type=" + url.QueryEscape(formType)
	}
	var resp Metrics
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Pipeline(ctx context.Context) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, "pipeline", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
