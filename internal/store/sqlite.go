package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"geister/internal/logging"
)

// Store persists agents, telos templates, assignments, and agent memories
// in a single SQLite database.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// churn between the executor and the HTTP gateway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.OrNop(logger)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT 'compliant',
		principal TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS telos_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL DEFAULT '[]',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS telos_assignments (
		agent_id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL DEFAULT '',
		custom_steps TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'idle',
		current_step INTEGER NOT NULL DEFAULT 0,
		step_results TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		observation TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_assignments_state ON telos_assignments(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- agents ---

func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	metadata, err := encodeMap(agent.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, display_name, persona, principal, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.DisplayName, agent.Persona, agent.Principal, metadata,
		agent.CreatedAt, agent.UpdatedAt,
	)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, persona, principal, metadata, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, persona, principal, metadata, created_at, updated_at
		 FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	metadata, err := encodeMap(agent.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET display_name=?, persona=?, principal=?, metadata=?, updated_at=? WHERE id=?`,
		agent.DisplayName, agent.Persona, agent.Principal, metadata, agent.UpdatedAt, agent.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	agent := &Agent{}
	var metadata string
	err := row.Scan(&agent.ID, &agent.DisplayName, &agent.Persona, &agent.Principal,
		&metadata, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &agent.Metadata); err != nil {
		agent.Metadata = nil
	}
	return agent, nil
}

// --- telos templates ---

func (s *Store) CreateTemplate(ctx context.Context, tpl *TelosTemplate) error {
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telos_templates (id, name, steps, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, string(steps), tpl.IsDefault, tpl.CreatedAt, tpl.UpdatedAt,
	)
	return err
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*TelosTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, steps, is_default, created_at, updated_at
		 FROM telos_templates WHERE id = ?`, id)
	return scanTemplate(row)
}

func (s *Store) ListTemplates(ctx context.Context) ([]TelosTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, steps, is_default, created_at, updated_at
		 FROM telos_templates ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []TelosTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *tpl)
	}
	return templates, rows.Err()
}

func (s *Store) UpdateTemplate(ctx context.Context, tpl *TelosTemplate) error {
	tpl.UpdatedAt = time.Now().UTC()
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE telos_templates SET name=?, steps=?, is_default=?, updated_at=? WHERE id=?`,
		tpl.Name, string(steps), tpl.IsDefault, tpl.UpdatedAt, tpl.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM telos_templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetDefaultTemplate marks one template as the default, clearing any other.
func (s *Store) SetDefaultTemplate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE telos_templates SET is_default=0 WHERE is_default=1`); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE telos_templates SET is_default=1, updated_at=? WHERE id=?`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return tx.Commit()
}

// DefaultTemplate returns the template marked as default, or ErrNotFound.
func (s *Store) DefaultTemplate(ctx context.Context) (*TelosTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, steps, is_default, created_at, updated_at
		 FROM telos_templates WHERE is_default=1 LIMIT 1`)
	return scanTemplate(row)
}

func scanTemplate(row rowScanner) (*TelosTemplate, error) {
	tpl := &TelosTemplate{}
	var steps string
	err := row.Scan(&tpl.ID, &tpl.Name, &steps, &tpl.IsDefault, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &tpl.Steps); err != nil {
		return nil, fmt.Errorf("decode template steps: %w", err)
	}
	return tpl, nil
}

// --- telos assignments ---

// AssignTelos creates or replaces the agent's mission. Exactly one of
// templateID and customSteps should be set; the assignment starts idle
// at step zero with empty results.
func (s *Store) AssignTelos(ctx context.Context, agentID, templateID, customSteps string) (*TelosAssignment, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telos_assignments (agent_id, template_id, custom_steps, state, current_step, step_results, created_at, updated_at)
		 VALUES (?, ?, ?, 'idle', 0, '{}', ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			template_id=excluded.template_id,
			custom_steps=excluded.custom_steps,
			state='idle',
			current_step=0,
			step_results='{}',
			updated_at=excluded.updated_at`,
		agentID, templateID, customSteps, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetTelosAssignment(ctx, agentID)
}

func (s *Store) RemoveTelos(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM telos_assignments WHERE agent_id=?`, agentID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Store) GetTelosAssignment(ctx context.Context, agentID string) (*TelosAssignment, error) {
	a := &TelosAssignment{}
	var stepResults string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, template_id, custom_steps, state, current_step, step_results, created_at, updated_at
		 FROM telos_assignments WHERE agent_id = ?`, agentID,
	).Scan(&a.AgentID, &a.TemplateID, &a.CustomSteps, &a.State, &a.CurrentStep,
		&stepResults, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepResults), &a.StepResults); err != nil {
		a.StepResults = map[string]StepResult{}
	}
	if a.StepResults == nil {
		a.StepResults = map[string]StepResult{}
	}
	return a, nil
}

// ListActiveCandidates returns agents with an active telos, in stable
// creation order. The executor processes them exactly in this order.
func (s *Store) ListActiveCandidates(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.display_name, a.persona, a.principal, a.metadata, a.created_at, a.updated_at
		 FROM agents a
		 JOIN telos_assignments t ON t.agent_id = a.id
		 WHERE t.state = ?
		 ORDER BY a.created_at ASC, a.id ASC`, TelosStateActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// ResolveSteps materializes the ordered step list for an assignment:
// template steps when a template is referenced, otherwise the custom text
// split on newlines with blank lines discarded.
func (s *Store) ResolveSteps(ctx context.Context, a *TelosAssignment) ([]string, error) {
	if a.TemplateID != "" {
		tpl, err := s.GetTemplate(ctx, a.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("resolve template %s: %w", a.TemplateID, err)
		}
		return tpl.Steps, nil
	}
	var steps []string
	for _, line := range strings.Split(a.CustomSteps, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps, nil
}

// AdvanceStep records the result of the step just executed and moves the
// step cursor. On failure the caller passes the unchanged index, which is
// what makes the next cycle retry the same step.
func (s *Store) AdvanceStep(ctx context.Context, agentID string, newStepIndex, executedStep int, result StepResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var encoded string
	err = tx.QueryRowContext(ctx,
		`SELECT step_results FROM telos_assignments WHERE agent_id=?`, agentID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	results := map[string]StepResult{}
	if err := json.Unmarshal([]byte(encoded), &results); err != nil {
		results = map[string]StepResult{}
	}
	results[fmt.Sprintf("%d", executedStep)] = result

	merged, err := json.Marshal(results)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE telos_assignments SET current_step=?, step_results=?, updated_at=? WHERE agent_id=?`,
		newStepIndex, string(merged), time.Now().UTC(), agentID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetCurrentStep moves the step cursor without touching step results.
func (s *Store) SetCurrentStep(ctx context.Context, agentID string, step int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE telos_assignments SET current_step=?, updated_at=? WHERE agent_id=?`,
		step, time.Now().UTC(), agentID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Store) SetTelosState(ctx context.Context, agentID, state string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE telos_assignments SET state=?, updated_at=? WHERE agent_id=?`,
		state, time.Now().UTC(), agentID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetTelosStateAll moves every assignment currently in fromState to
// toState and returns how many were changed. An empty fromState matches
// every assignment.
func (s *Store) SetTelosStateAll(ctx context.Context, fromState, toState string) (int, error) {
	var (
		result sql.Result
		err    error
	)
	if fromState == "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE telos_assignments SET state=?, updated_at=?`,
			toState, time.Now().UTC())
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE telos_assignments SET state=?, updated_at=? WHERE state=?`,
			toState, time.Now().UTC(), fromState)
	}
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// AssignDefaultToAll gives every agent without an assignment the default
// template. Returns the number of agents newly assigned.
func (s *Store) AssignDefaultToAll(ctx context.Context) (int, error) {
	tpl, err := s.DefaultTemplate(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO telos_assignments (agent_id, template_id, state, created_at, updated_at)
		 SELECT id, ?, 'idle', ?, ? FROM agents
		 WHERE id NOT IN (SELECT agent_id FROM telos_assignments)`,
		tpl.ID, now, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// --- memories ---

// RecordMemory appends one narrative entry to the agent's life story.
func (s *Store) RecordMemory(ctx context.Context, mem *Memory) error {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	details, err := encodeMap(mem.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, agent_id, action_type, summary, details, observation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.AgentID, mem.ActionType, mem.Summary, details, mem.Observation, mem.CreatedAt,
	)
	return err
}

// ListMemories returns the agent's most recent memories, newest first.
// A limit of zero returns everything.
func (s *Store) ListMemories(ctx context.Context, agentID string, limit int) ([]Memory, error) {
	query := `SELECT id, agent_id, action_type, summary, details, observation, created_at
		 FROM memories WHERE agent_id=? ORDER BY created_at DESC, id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		var mem Memory
		var details string
		if err := rows.Scan(&mem.ID, &mem.AgentID, &mem.ActionType, &mem.Summary,
			&details, &mem.Observation, &mem.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &mem.Details); err != nil {
			mem.Details = nil
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// --- helpers ---

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
