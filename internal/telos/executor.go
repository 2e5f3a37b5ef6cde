// Package telos drives agents through their assigned missions. A single
// background worker polls for agents with an active telos, runs one
// bounded tool-calling conversation per step, and persists progress.
package telos

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geister/internal/llm"
	"geister/internal/logging"
	"geister/internal/observability"
	"geister/internal/store"
	"geister/internal/tools"
)

// TelosStore is the slice of the store the executor consumes.
type TelosStore interface {
	ListActiveCandidates(ctx context.Context) ([]store.Agent, error)
	GetTelosAssignment(ctx context.Context, agentID string) (*store.TelosAssignment, error)
	ResolveSteps(ctx context.Context, a *store.TelosAssignment) ([]string, error)
	AdvanceStep(ctx context.Context, agentID string, newStepIndex, executedStep int, result store.StepResult) error
	SetTelosState(ctx context.Context, agentID, state string) error
}

// AgentMemory records step narratives and renders past ones into prompts.
type AgentMemory interface {
	Remember(ctx context.Context, agentID, actionType, summary string, details map[string]any, observation string) error
	LifeStory(ctx context.Context, agent *store.Agent, maxMemories int) string
}

// Config carries the executor's runtime parameters.
type Config struct {
	Network     string
	RealmFolder string

	MaxIterations  int
	ReadTimeout    time.Duration
	SummaryTimeout time.Duration

	// Interval is the pause between poll cycles. The default is a brief
	// yield so a stop request is picked up quickly.
	Interval      time.Duration
	MaxLogEntries int
	Retry         RetryPolicy

	// Personas enriches system prompts with the agent's persona
	// definition when set.
	Personas PersonaSource
}

// Status is the executor snapshot reported to the control surface.
type Status struct {
	Running          bool   `json:"running"`
	Model            string `json:"model"`
	Network          string `json:"network"`
	IntervalSeconds  int    `json:"interval_seconds"`
	RecentExecutions int    `json:"recent_executions"`
}

// EnsureIdentityFunc provisions an execution identity for an agent before
// its tools run. Failures are non-fatal.
type EnsureIdentityFunc func(ctx context.Context, agentID string) bool

// Executor owns the poll loop and all mutable scheduler state.
type Executor struct {
	store        TelosStore
	memory       AgentMemory
	conversation *Conversation
	client       ChatClient
	metrics      *observability.MetricsCollector
	logger       logging.Logger

	cfg            Config
	log            *ExecutionLog
	retries        *retryTracker
	ensureIdentity EnsureIdentityFunc

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewExecutor(st TelosStore, mem AgentMemory, client ChatClient, dispatcher Dispatcher, metrics *observability.MetricsCollector, logger logging.Logger, cfg Config) *Executor {
	logger = logging.OrNop(logger)
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	conv := NewConversation(client, dispatcher, metrics, logger, ConversationConfig{
		MaxIterations:  cfg.MaxIterations,
		ReadTimeout:    cfg.ReadTimeout,
		SummaryTimeout: cfg.SummaryTimeout,
		Personas:       cfg.Personas,
	})
	return &Executor{
		store:        st,
		memory:       mem,
		conversation: conv,
		client:       client,
		metrics:      metrics,
		logger:       logger,
		cfg:          cfg,
		log:          NewExecutionLog(cfg.MaxLogEntries),
		retries:      newRetryTracker(cfg.Retry),
		ensureIdentity: func(ctx context.Context, agentID string) bool {
			return tools.EnsureIdentity(ctx, tools.ExecRunner{}, logger, agentID)
		},
	}
}

// SetEnsureIdentity overrides identity provisioning, mainly for tests.
func (e *Executor) SetEnsureIdentity(fn EnsureIdentityFunc) {
	e.ensureIdentity = fn
}

// Start launches the background worker. It reports false when the
// executor is already running.
func (e *Executor) Start() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		e.logger.Info("Executor already running")
		return false
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.loop(e.stopCh, e.doneCh)
	e.logger.Info("Executor started")
	return true
}

// Stop requests a cooperative shutdown. A step already in flight runs to
// completion first. Reports false when the executor was not running.
func (e *Executor) Stop() bool {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		e.logger.Info("Executor not running")
		return false
	}
	e.running = false
	close(e.stopCh)
	done := e.doneCh
	e.runMu.Unlock()

	<-done
	e.logger.Info("Executor stopped")
	return true
}

// Running reports whether the worker is currently active.
func (e *Executor) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// Status returns the control-surface snapshot.
func (e *Executor) Status() Status {
	return Status{
		Running:          e.Running(),
		Model:            e.client.Model(),
		Network:          e.cfg.Network,
		IntervalSeconds:  int(e.cfg.Interval / time.Second),
		RecentExecutions: e.log.Len(),
	}
}

// RecentLog returns up to limit recent execution entries, newest first.
func (e *Executor) RecentLog(limit int) []ExecutionLogEntry {
	return e.log.Recent(limit)
}

func (e *Executor) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ctx := context.Background()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		e.runCycle(ctx, stopCh)

		select {
		case <-stopCh:
			return
		case <-time.After(e.cfg.Interval):
		}
	}
}

// runCycle processes every active agent once, in store order.
func (e *Executor) runCycle(ctx context.Context, stopCh <-chan struct{}) {
	agents, err := e.store.ListActiveCandidates(ctx)
	if err != nil {
		e.logger.Error("Could not list active agents: %v", err)
		return
	}
	if len(agents) == 0 {
		return
	}
	e.logger.Info("Processing %d active agents...", len(agents))

	for i := range agents {
		select {
		case <-stopCh:
			return
		default:
		}
		e.processAgent(ctx, &agents[i])
	}
	e.logger.Debug("Processing complete")
}

// processAgent runs at most one step for the agent. Every failure mode is
// contained here so one agent can never halt the cycle.
func (e *Executor) processAgent(ctx context.Context, agent *store.Agent) {
	displayName := agent.DisplayName
	if displayName == "" {
		displayName = agent.ID
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("[%s] Panic during step execution: %v", displayName, r)
		}
	}()

	assignment, err := e.store.GetTelosAssignment(ctx, agent.ID)
	if err != nil {
		e.logger.Warn("[%s] No telos assigned, skipping: %v", displayName, err)
		return
	}
	if assignment.State != store.TelosStateActive {
		return
	}

	steps, err := e.store.ResolveSteps(ctx, assignment)
	if err != nil {
		e.logger.Error("[%s] Could not resolve steps: %v", displayName, err)
		return
	}
	if len(steps) == 0 {
		e.logger.Warn("[%s] No steps found, skipping", displayName)
		return
	}

	current := assignment.CurrentStep
	if current >= len(steps) {
		e.logger.Info("[%s] All steps completed, marking as completed", displayName)
		if err := e.store.SetTelosState(ctx, agent.ID, store.TelosStateCompleted); err != nil {
			e.logger.Error("[%s] Could not mark telos completed: %v", displayName, err)
		}
		return
	}

	if !e.retries.Eligible(agent.ID, current, time.Now()) {
		return
	}

	stepText := steps[current]
	e.logger.Info("[%s] Executing step %d/%d: %s", displayName, current+1, len(steps), stepText)

	e.ensureIdentity(ctx, agent.ID)
	cc := e.callContext(agent)
	lifeStory := e.memory.LifeStory(ctx, agent, 0)

	outcome := e.conversation.Run(ctx, agent, stepText, lifeStory, cc)
	e.recordOutcome(ctx, agent, displayName, current, len(steps), stepText, outcome)
}

// callContext assembles the identity merged into every tool call.
func (e *Executor) callContext(agent *store.Agent) tools.CallContext {
	realmPrincipal, _ := agent.Metadata["realm_id"].(string)
	return tools.CallContext{
		Network:        e.cfg.Network,
		RealmFolder:    e.cfg.RealmFolder,
		RealmPrincipal: realmPrincipal,
		UserPrincipal:  agent.Principal,
		UserIdentity:   agent.ID,
	}
}

// recordOutcome turns the conversation verdict into the step_results
// entry, the progress update, the execution log entry, and a best-effort
// memory write.
func (e *Executor) recordOutcome(ctx context.Context, agent *store.Agent, displayName string, current, totalSteps int, stepText string, outcome StepOutcome) {
	now := time.Now().UTC().Format(time.RFC3339)

	stepResult := store.StepResult{Timestamp: now}
	logText := outcome.Result
	if outcome.Success {
		stepResult.Status = store.StepStatusCompleted
		stepResult.Result = outcome.Result
	} else {
		stepResult.Status = store.StepStatusFailed
		stepResult.Error = outcome.Err
		logText = outcome.Err
	}

	newStep := current
	if outcome.Success {
		newStep = current + 1
	}
	if err := e.store.AdvanceStep(ctx, agent.ID, newStep, current, stepResult); err != nil {
		e.logger.Error("[%s] Could not record step result: %v", displayName, err)
	}

	if outcome.Success {
		e.retries.RecordSuccess(agent.ID)
		if newStep >= totalSteps {
			e.logger.Info("[%s] Completed all steps!", displayName)
			if err := e.store.SetTelosState(ctx, agent.ID, store.TelosStateCompleted); err != nil {
				e.logger.Error("[%s] Could not mark telos completed: %v", displayName, err)
			}
		} else {
			e.logger.Info("[%s] Step completed, advancing to %d", displayName, newStep+1)
		}
	} else {
		e.logger.Warn("[%s] Step failed: %s", displayName, outcome.Err)
		if !e.retries.RecordFailure(agent.ID, current, time.Now()) {
			e.logger.Warn("[%s] Retry budget exhausted, marking telos failed", displayName)
			if err := e.store.SetTelosState(ctx, agent.ID, store.TelosStateFailed); err != nil {
				e.logger.Error("[%s] Could not mark telos failed: %v", displayName, err)
			}
		}
	}

	e.log.Add(ExecutionLogEntry{
		AgentID:  agent.ID,
		Step:     current,
		StepText: stepText,
		Result:   logText,
		Success:  outcome.Success,
	})
	e.metrics.RecordStep(ctx, agent.ID, outcome.Success)

	e.writeMemory(ctx, agent, displayName, stepText, outcome)
}

// writeMemory persists the step narrative. Failures are logged and
// swallowed; memory must never fail a step.
func (e *Executor) writeMemory(ctx context.Context, agent *store.Agent, displayName, stepText string, outcome StepOutcome) {
	finalText := outcome.Result
	if finalText == "" {
		finalText = outcome.Err
	}
	details := map[string]any{
		"step":        stepText,
		"result":      finalText,
		"debug_chain": buildDebugChain(outcome.Trace),
	}
	err := e.memory.Remember(ctx, agent.ID, "telos_step",
		fmt.Sprintf("Completed: %s", stepText), details, truncate(finalText, maxObservationLen))
	if err != nil {
		e.logger.Warn("[%s] Could not save memory: %v", displayName, err)
	}
}

// buildDebugChain flattens the conversation trace for memory storage,
// skipping the system and opening user messages. Tool responses are
// truncated so a verbose tool cannot bloat the memory row.
func buildDebugChain(trace []llm.Message) []map[string]any {
	chain := []map[string]any{}
	if len(trace) < 2 {
		return chain
	}
	for _, msg := range trace[2:] {
		switch msg.Role {
		case llm.RoleAssistant:
			item := map[string]any{"type": "assistant", "content": msg.Content}
			if len(msg.ToolCalls) > 0 {
				calls := make([]map[string]any, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					calls = append(calls, map[string]any{
						"name":      tc.Function.Name,
						"arguments": map[string]any(tc.Function.Arguments),
					})
				}
				item["tool_calls"] = calls
			}
			chain = append(chain, item)
		case llm.RoleTool:
			content := msg.Content
			if len(content) > maxTraceContentLen {
				content = truncate(content, maxTraceContentLen) + "... (truncated)"
			}
			chain = append(chain, map[string]any{"type": "tool_response", "content": content})
		}
	}
	return chain
}
