package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Telos states. Only active assignments are picked up by the executor;
// completed is terminal, idle and failed wait for an operator.
const (
	TelosStateIdle      = "idle"
	TelosStateActive    = "active"
	TelosStateCompleted = "completed"
	TelosStateFailed    = "failed"
)

// Step result statuses recorded per executed step.
const (
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// Agent is one LLM-backed citizen registered in the swarm.
type Agent struct {
	ID          string         `json:"agent_id"`
	DisplayName string         `json:"display_name"`
	Persona     string         `json:"persona"`
	Principal   string         `json:"principal"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TelosTemplate is a reusable ordered mission shared across agents.
type TelosTemplate struct {
	ID        string    `json:"template_id"`
	Name      string    `json:"name"`
	Steps     []string  `json:"steps"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepResult is the bookkeeping record for one executed step.
type StepResult struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TelosAssignment binds an agent to a mission: either a template reference
// or inline custom steps, one newline-separated step per line. StepResults
// is keyed by the executed step index rendered as a decimal string.
type TelosAssignment struct {
	AgentID     string                `json:"agent_id"`
	TemplateID  string                `json:"template_id,omitempty"`
	CustomSteps string                `json:"custom_steps,omitempty"`
	State       string                `json:"state"`
	CurrentStep int                   `json:"current_step"`
	StepResults map[string]StepResult `json:"step_results"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Memory is one narrative entry in an agent's life story.
type Memory struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	ActionType  string         `json:"action_type"`
	Summary     string         `json:"summary"`
	Details     map[string]any `json:"details,omitempty"`
	Observation string         `json:"observation,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
