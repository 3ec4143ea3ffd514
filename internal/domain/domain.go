package domain

// TimeLayout is the fixed-width UTC stamp stored for records and events, so
// lexical order in sqlite matches time order down to the nanosecond.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Status is the lifecycle state shared by form records and process steps.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Statuses lists the recognized statuses in lifecycle order.
var Statuses = []Status{StatusPending, StatusActive, StatusCompleted, StatusError}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusError:
		return true
	}
	return false
}

// ParseStatus reports whether raw names one of the four recognized statuses.
func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	return s, s.Valid()
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Plant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FormRecord is one logged instance of a production-process form.
type FormRecord struct {
	ID          string         `json:"id"`
	PlantID     string         `json:"plant_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Status      Status         `json:"status" enum:"pending,active,completed,error"`
	Operator    string         `json:"operator"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	ProcessStep string         `json:"process_step"`
	Priority    Priority       `json:"priority" enum:"low,medium,high"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type FormType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type User struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	Department string `json:"department"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Action string

const (
	ActionView    Action = "view"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionCreate  Action = "create"
)

// Capabilities is the five-boolean capability set a grant confers.
type Capabilities struct {
	View    bool `json:"view" yaml:"view"`
	Edit    bool `json:"edit" yaml:"edit"`
	Delete  bool `json:"delete" yaml:"delete"`
	Approve bool `json:"approve" yaml:"approve"`
	Create  bool `json:"create" yaml:"create"`
}

type TimeRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// GrantConditions are stored with a grant but not evaluated during resolution.
type GrantConditions struct {
	Statuses    []Status   `json:"statuses,omitempty" yaml:"statuses"`
	TimeRange   *TimeRange `json:"time_range,omitempty" yaml:"time_range"`
	CustomRules []string   `json:"custom_rules,omitempty" yaml:"custom_rules"`
}

// PermissionGrant targets a user, role or department for a form instance or form type.
type PermissionGrant struct {
	ID          string           `json:"id"`
	PlantID     string           `json:"plant_id"`
	UserID      string           `json:"user_id,omitempty"`
	Role        string           `json:"role,omitempty"`
	Department  string           `json:"department,omitempty"`
	FormID      string           `json:"form_id,omitempty"`
	FormType    string           `json:"form_type,omitempty"`
	Permissions Capabilities     `json:"permissions"`
	Conditions  *GrantConditions `json:"conditions,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

// ProcessStep is a pipeline stage node; Status, Timestamp and Operator are derived.
type ProcessStep struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Icon        string `json:"icon,omitempty" yaml:"icon"`
	Status      Status `json:"status" yaml:"-"`
	FormType    string `json:"form_type" yaml:"form_type"`
	Timestamp   string `json:"timestamp,omitempty" yaml:"-"`
	Operator    string `json:"operator,omitempty" yaml:"-"`
	Color       string `json:"color,omitempty" yaml:"color"`
	BgColor     string `json:"bg_color,omitempty" yaml:"bg_color"`
}

type DailyTrend struct {
	Date      string `json:"date"`
	Completed int    `json:"completed"`
	Created   int    `json:"created"`
	Errors    int    `json:"errors"`
}

// StatusMetrics is an aggregate snapshot over a form collection.
type StatusMetrics struct {
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

type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

type Approval struct {
	ID         string           `json:"id"`
	FormID     string           `json:"form_id"`
	ApproverID string           `json:"approver_id"`
	Decision   ApprovalDecision `json:"decision" enum:"approved,rejected"`
	Comment    string           `json:"comment,omitempty"`
	CreatedAt  string           `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PlantID    string `json:"plant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
