// Package memory gives each agent a persistent narrative of past actions,
// rendered into the system prompt so the agent remembers earlier sessions.
package memory

import (
	"context"
	"fmt"
	"strings"

	"geister/internal/logging"
	"geister/internal/store"
)

const defaultLifeStoryMemories = 20

// Service reads and writes agent memories through the store.
type Service struct {
	store  *store.Store
	logger logging.Logger
}

func NewService(s *store.Store, logger logging.Logger) *Service {
	return &Service{store: s, logger: logging.OrNop(logger)}
}

// Remember stores one memory entry for the agent.
func (s *Service) Remember(ctx context.Context, agentID, actionType, summary string, details map[string]any, observation string) error {
	err := s.store.RecordMemory(ctx, &store.Memory{
		AgentID:     agentID,
		ActionType:  actionType,
		Summary:     summary,
		Details:     details,
		Observation: observation,
	})
	if err != nil {
		return fmt.Errorf("store memory for %s: %w", agentID, err)
	}
	s.logger.Debug("Stored %s memory for %s: %s", actionType, agentID, summary)
	return nil
}

// Recall returns the agent's most recent memories, newest first.
func (s *Service) Recall(ctx context.Context, agentID string, limit int) ([]store.Memory, error) {
	return s.store.ListMemories(ctx, agentID, limit)
}

// LifeStory renders the agent's memories as a prompt section, oldest first
// so they read as a narrative. Returns a first-session notice when the
// agent has no memories yet.
func (s *Service) LifeStory(ctx context.Context, agent *store.Agent, maxMemories int) string {
	if maxMemories <= 0 {
		maxMemories = defaultLifeStoryMemories
	}

	var lines []string
	lines = append(lines, "YOUR LIFE STORY:")
	lines = append(lines, fmt.Sprintf("- You have been active since %s", agent.CreatedAt.Format("2006-01-02 15:04")))

	memories, err := s.store.ListMemories(ctx, agent.ID, maxMemories)
	if err != nil {
		s.logger.Warn("Could not recall memories for %s: %v", agent.ID, err)
		memories = nil
	}

	if len(memories) == 0 {
		lines = append(lines, "- This is your first session in this realm.")
		return strings.Join(lines, "\n")
	}

	lines = append(lines, fmt.Sprintf("- You have %d memories from past sessions:", len(memories)))
	lines = append(lines, "")
	for i := len(memories) - 1; i >= 0; i-- {
		mem := memories[i]
		lines = append(lines, fmt.Sprintf("  [%s] %s: %s",
			mem.CreatedAt.Format("2006-01-02 15:04"),
			strings.ToUpper(mem.ActionType),
			mem.Summary))
		if mem.Observation != "" {
			lines = append(lines, fmt.Sprintf("    Observation: %s", mem.Observation))
		}
	}
	return strings.Join(lines, "\n")
}

// Summary aggregates an agent's memories by action type.
type Summary struct {
	Total       int            `json:"total"`
	ActionTypes map[string]int `json:"action_types"`
	FirstMemory string         `json:"first_memory,omitempty"`
	LastMemory  string         `json:"last_memory,omitempty"`
}

// Summarize reports how the agent has spent its past sessions.
func (s *Service) Summarize(ctx context.Context, agentID string) (*Summary, error) {
	memories, err := s.store.ListMemories(ctx, agentID, 100)
	if err != nil {
		return nil, err
	}
	summary := &Summary{ActionTypes: map[string]int{}}
	summary.Total = len(memories)
	if len(memories) == 0 {
		return summary, nil
	}
	for _, mem := range memories {
		summary.ActionTypes[mem.ActionType]++
	}
	summary.LastMemory = memories[0].CreatedAt.Format("2006-01-02 15:04:05")
	summary.FirstMemory = memories[len(memories)-1].CreatedAt.Format("2006-01-02 15:04:05")
	return summary, nil
}
