package telos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"geister/internal/llm"
	"geister/internal/logging"
	"geister/internal/observability"
	"geister/internal/store"
	"geister/internal/tools"
)

// phase enumerates the states of the bounded tool-calling conversation.
type phase int

const (
	// phaseAwaitingToolCall: no tool has been invoked yet. A plain-text
	// response here earns one nudge, then fails the step.
	phaseAwaitingToolCall phase = iota
	// phaseAwaitingMoreTools: at least one tool has run. A plain-text
	// response here is accepted as the final result.
	phaseAwaitingMoreTools
	// phaseForcingSummary: the iteration budget ran out; follow-up calls
	// go out without the tool schema to force a text answer.
	phaseForcingSummary
	// phaseDone: a final result (or a hard failure) has been reached.
	phaseDone
)

const (
	defaultMaxIterations = 8
	maxSummaryAttempts   = 2
	maxObservationLen    = 200
	maxTraceContentLen   = 2000
)

// ChatClient is the slice of the LLM client the conversation needs.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	Model() string
}

// Dispatcher executes tool calls and describes the available tools.
type Dispatcher interface {
	Execute(ctx context.Context, name string, args map[string]any, cc tools.CallContext) string
	Definitions() []llm.ToolDefinition
}

// PersonaSource resolves an agent's persona tag to a prompt section.
// An empty string means the persona is unknown and only the tag is used.
type PersonaSource interface {
	PromptFor(name string) string
}

// StepOutcome is the verdict of one step conversation.
type StepOutcome struct {
	Success bool
	Result  string
	Err     string

	ToolCallCount int
	ToolErrored   bool
	Trace         []llm.Message
}

// Conversation runs bounded tool-calling loops for single telos steps.
type Conversation struct {
	client     ChatClient
	dispatcher Dispatcher
	personas   PersonaSource
	metrics    *observability.MetricsCollector
	logger     logging.Logger

	maxIterations  int
	readTimeout    time.Duration
	summaryTimeout time.Duration
}

// ConversationConfig carries the conversation bounds. Zero values fall
// back to the defaults the system ships with.
type ConversationConfig struct {
	MaxIterations  int
	ReadTimeout    time.Duration
	SummaryTimeout time.Duration
	Personas       PersonaSource
}

func NewConversation(client ChatClient, dispatcher Dispatcher, metrics *observability.MetricsCollector, logger logging.Logger, cfg ConversationConfig) *Conversation {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 120 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 60 * time.Second
	}
	return &Conversation{
		client:         client,
		dispatcher:     dispatcher,
		personas:       cfg.Personas,
		metrics:        metrics,
		logger:         logging.OrNop(logger),
		maxIterations:  cfg.MaxIterations,
		readTimeout:    cfg.ReadTimeout,
		summaryTimeout: cfg.SummaryTimeout,
	}
}

// Run drives one step conversation for the agent to completion.
func (c *Conversation) Run(ctx context.Context, agent *store.Agent, stepText, lifeStory string, cc tools.CallContext) StepOutcome {
	displayName := agent.DisplayName
	if displayName == "" {
		displayName = agent.ID
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: c.systemPrompt(agent, displayName, stepText, lifeStory, cc)},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Execute this step NOW by calling the appropriate tool function. Your principal is %s. Step: %s",
			agent.Principal, stepText)},
	}

	var (
		state       = phaseAwaitingToolCall
		finalAnswer string
		accumulated []string
		toolsCalled int
		toolErrored bool
	)

	for iteration := 1; iteration <= c.maxIterations && state != phaseDone; iteration++ {
		resp, err := c.chat(ctx, llm.ChatRequest{Messages: messages, Tools: c.dispatcher.Definitions()}, c.readTimeout)
		if err != nil {
			return StepOutcome{Err: err.Error(), ToolCallCount: toolsCalled, ToolErrored: toolErrored, Trace: messages}
		}
		messages = append(messages, resp.Message)

		content := resp.TextContent()
		if content != "" {
			accumulated = append(accumulated, content)
		}

		switch state {
		case phaseAwaitingToolCall:
			if !resp.HasToolCalls() {
				if iteration == 1 {
					c.logger.Info("[%s] No tool call on first try, nudging...", displayName)
					messages = append(messages, llm.Message{
						Role: llm.RoleUser,
						Content: fmt.Sprintf(
							"You MUST call a tool function now. Do not describe what to do - actually call the tool. Your principal_id is %s. Call the tool for: %s",
							agent.Principal, stepText),
					})
					continue
				}
				c.logger.Warn("[%s] FAILED: No tools were called for this step", displayName)
				return StepOutcome{
					Err:    "LLM did not call any tools for this step",
					Result: content,
					Trace:  messages,
				}
			}
			messages, toolErrored = c.runToolCalls(ctx, displayName, resp.Message.ToolCalls, cc, messages, toolErrored)
			toolsCalled += len(resp.Message.ToolCalls)
			state = phaseAwaitingMoreTools

		case phaseAwaitingMoreTools:
			if !resp.HasToolCalls() {
				finalAnswer = content
				if finalAnswer == "" {
					finalAnswer = "Step completed."
				}
				state = phaseDone
				continue
			}
			messages, toolErrored = c.runToolCalls(ctx, displayName, resp.Message.ToolCalls, cc, messages, toolErrored)
			toolsCalled += len(resp.Message.ToolCalls)
		}
	}

	// Budget exhausted with the model still calling tools: force a plain
	// text summary, then fall back to accumulated narration.
	if finalAnswer == "" {
		finalAnswer, messages = c.forceSummary(ctx, displayName, messages)
		if finalAnswer == "" {
			c.logger.Warn("[%s] All summary attempts failed, using fallback", displayName)
			if len(accumulated) > 0 {
				finalAnswer = strings.Join(accumulated, "\n")
			} else if !toolErrored {
				// The model never narrated anything; synthesize a result
				// rather than looping forever. An errored tool with zero
				// narration is the one case that falls through as failure.
				finalAnswer = fmt.Sprintf("Step completed (%d tool calls executed).", toolsCalled)
			}
		}
	}

	if strings.TrimSpace(finalAnswer) == "" && toolErrored {
		c.logger.Warn("[%s] Step failed: no final answer and tool returned error", displayName)
		return StepOutcome{
			Err:           "Tool execution returned an error",
			ToolCallCount: toolsCalled,
			ToolErrored:   true,
			Trace:         messages,
		}
	}

	return StepOutcome{
		Success:       true,
		Result:        finalAnswer,
		ToolCallCount: toolsCalled,
		ToolErrored:   toolErrored,
		Trace:         messages,
	}
}

func (c *Conversation) systemPrompt(agent *store.Agent, displayName, stepText, lifeStory string, cc tools.CallContext) string {
	persona := agent.Persona
	if persona == "" {
		persona = "compliant"
	}

	realmContext := ""
	if cc.RealmPrincipal != "" {
		realmName, _ := agent.Metadata["realm_name"].(string)
		realmContext = fmt.Sprintf("\nYou are operating in the realm %q (canister ID: %s).", realmName, cc.RealmPrincipal)
	}

	prompt := fmt.Sprintf(`You are %s, a %s AI agent in the Realms ecosystem.
Your principal ID is: %s%s

You have a mission (telos) to complete. Your current step is:
%q

IMPORTANT RULES:
- You MUST call the appropriate tool function to complete this step. DO NOT just describe what you would do.
- Use your principal ID (%s) when tools require a principal_id parameter.
- After the tool returns a result, summarize what happened in 1-2 sentences.
- If the tool returns an error, explain the error briefly.
- NEVER respond with just text. Always call a tool first.`,
		displayName, persona, agent.Principal, realmContext, stepText, agent.Principal)

	if c.personas != nil {
		if personaPrompt := c.personas.PromptFor(persona); personaPrompt != "" {
			prompt += "\n\nYOUR CHARACTER:\n" + personaPrompt
		}
	}

	if lifeStory != "" {
		prompt += "\n\n" + lifeStory
	}
	return prompt
}

func (c *Conversation) chat(ctx context.Context, req llm.ChatRequest, timeout time.Duration) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Chat(callCtx, req)
	status := "ok"
	inTokens, outTokens := 0, 0
	if err != nil {
		status = "error"
	} else {
		inTokens, outTokens = resp.PromptEvalCount, resp.EvalCount
	}
	c.metrics.RecordLLMRequest(ctx, c.client.Model(), status, time.Since(start), inTokens, outTokens)
	return resp, err
}

func (c *Conversation) runToolCalls(ctx context.Context, displayName string, calls []llm.ToolCall, cc tools.CallContext, messages []llm.Message, toolErrored bool) ([]llm.Message, bool) {
	for _, call := range calls {
		name := call.Function.Name
		c.logger.Info("[%s] Tool: %s", displayName, name)

		start := time.Now()
		result := c.dispatcher.Execute(ctx, name, call.Function.Arguments, cc)
		status := "ok"
		if tools.IsErrorResult(result) {
			toolErrored = true
			status = "error"
			c.logger.Warn("[%s] Tool returned error: %s", displayName, truncate(result, 150))
		} else {
			c.logger.Debug("[%s] Result: %s", displayName, truncate(result, 150))
		}
		c.metrics.RecordToolExecution(ctx, name, status, time.Since(start))

		messages = append(messages, llm.Message{Role: llm.RoleTool, Content: result})
	}
	return messages, toolErrored
}

// forceSummary asks for a plain-text wrap-up without the tool schema so
// the model cannot keep calling tools. The first non-empty text wins.
func (c *Conversation) forceSummary(ctx context.Context, displayName string, messages []llm.Message) (string, []llm.Message) {
	c.logger.Info("[%s] Max iterations reached, requesting summary...", displayName)
	prompts := []string{
		"Summarise what you just did and what happened. List the tools you called, their results, and any errors. Do NOT call any more tools, respond with plain text only.",
		"RESPOND WITH TEXT ONLY. No tool calls. Summarise the actions and results from above.",
	}

	for attempt, prompt := range prompts {
		if attempt >= maxSummaryAttempts {
			break
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

		resp, err := c.chat(ctx, llm.ChatRequest{Messages: messages}, c.summaryTimeout)
		if err != nil {
			c.logger.Warn("[%s] Summary attempt %d failed: %v", displayName, attempt+1, err)
			continue
		}
		text := resp.TextContent()
		c.logger.Debug("[%s] Summary attempt %d: text=%d chars, tool_calls=%v",
			displayName, attempt+1, len(text), resp.HasToolCalls())
		if text != "" {
			messages = append(messages, resp.Message)
			return text, messages
		}
	}
	return "", messages
}
