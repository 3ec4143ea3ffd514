package server

import (
	"encoding/json"

	"dairyline/internal/domain"
	"dairyline/internal/engine"
)

// Request payloads

type CreateFormRequest struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Operator    string         `json:"operator,omitempty"`
	ProcessStep string         `json:"process_step,omitempty"`
	Priority    string         `json:"priority,omitempty" enum:"low,medium,high"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type UpdateFormRequest struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Operator    *string        `json:"operator,omitempty"`
	ProcessStep *string        `json:"process_step,omitempty"`
	Priority    string         `json:"priority,omitempty" enum:"low,medium,high"`
	Status      string         `json:"status,omitempty" enum:"pending,active,completed,error"`
	Metadata    map[string]any `json:"metadata,omitempty" doc:"Keys are merged; a null value removes the key"`
	Force       bool           `json:"force,omitempty" doc:"Skip transition checks; admin only"`
}

type FailFormRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ApprovalRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Comment  string `json:"comment,omitempty"`
}

type CreateGrantRequest struct {
	ID          string                  `json:"id,omitempty"`
	UserID      string                  `json:"user_id,omitempty"`
	Role        string                  `json:"role,omitempty"`
	Department  string                  `json:"department,omitempty"`
	FormID      string                  `json:"form_id,omitempty"`
	FormType    string                  `json:"form_type,omitempty"`
	Permissions domain.Capabilities     `json:"permissions"`
	Conditions  *domain.GrantConditions `json:"conditions,omitempty"`
}

type UpsertUserRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
}

type DevLoginRequest struct {
	UserID     string `json:"user_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// Responses

type paginatedForms struct {
	Items      []domain.FormRecord `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type ApprovalResponse struct {
	Approval domain.Approval   `json:"approval"`
	Form     domain.FormRecord `json:"form"`
}

type AccessResponse struct {
	UserID       string              `json:"user_id"`
	FormID       string              `json:"form_id"`
	Capabilities domain.Capabilities `json:"capabilities"`
	AccessLevel  string              `json:"access_level" enum:"No Access,View Only,Limited,Full Access"`
	Scope        string              `json:"scope" enum:"user,role,department,none"`
	GrantID      string              `json:"grant_id,omitempty"`
}

type MeResponse struct {
	User   domain.User `json:"user"`
	Source string      `json:"source"`
}

type PipelineResponse struct {
	Steps   []domain.ProcessStep `json:"steps"`
	Summary map[string]int       `json:"summary"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	PlantID    string          `json:"plant_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func accessResponse(a engine.Access) AccessResponse {
	return AccessResponse{
		UserID:       a.User.ID,
		FormID:       a.Form.ID,
		Capabilities: a.Resolution.Capabilities,
		AccessLevel:  a.AccessLevel,
		Scope:        string(a.Resolution.Scope),
		GrantID:      a.Resolution.GrantID,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PlantID:    e.PlantID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
