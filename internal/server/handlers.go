package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"geister/internal/store"
)

func (s *Server) fail(c *gin.Context, code int, err error) {
	s.logger.Warn("gateway: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(code, gin.H{"error": err.Error()})
}

// storeFail maps ErrNotFound to 404 and everything else to 500.
func (s *Server) storeFail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.fail(c, http.StatusNotFound, err)
		return
	}
	s.fail(c, http.StatusInternalServerError, err)
}

func validState(state string) bool {
	switch state {
	case store.TelosStateIdle, store.TelosStateActive, store.TelosStateCompleted, store.TelosStateFailed:
		return true
	}
	return false
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.executor.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"model":            status.Model,
		"network":          status.Network,
		"executor_running": status.Running,
		"uptime_seconds":   int(time.Since(s.startTime).Seconds()),
	})
}

// --- agents ---

type agentRequest struct {
	ID          string         `json:"agent_id"`
	DisplayName string         `json:"display_name"`
	Persona     string         `json:"persona"`
	Principal   string         `json:"principal"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agents": agents, "count": len(agents)})
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		s.fail(c, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}
	agent := &store.Agent{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Persona:     req.Persona,
		Principal:   req.Principal,
		Metadata:    req.Metadata,
	}
	if err := s.store.CreateAgent(c.Request.Context(), agent); err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "agent": agent})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agent": agent})
}

func (s *Server) handleUpdateAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeFail(c, err)
		return
	}
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.DisplayName != "" {
		agent.DisplayName = req.DisplayName
	}
	if req.Persona != "" {
		agent.Persona = req.Persona
	}
	if req.Principal != "" {
		agent.Principal = req.Principal
	}
	if req.Metadata != nil {
		agent.Metadata = req.Metadata
	}
	if err := s.store.UpdateAgent(c.Request.Context(), agent); err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agent": agent})
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if err := s.store.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- memories ---

func (s *Server) handleListMemories(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	memories, err := s.memory.Recall(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "memories": memories, "count": len(memories)})
}

func (s *Server) handleMemorySummary(c *gin.Context) {
	summary, err := s.memory.Summarize(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": summary})
}

// --- swarm ---

// handleRecreateSwarm kicks off a provisioning run in the background and
// returns immediately; progress shows up in the agents list.
func (s *Server) handleRecreateSwarm(c *gin.Context) {
	if s.swarm == nil {
		s.fail(c, http.StatusServiceUnavailable, errors.New("swarm provisioning is not configured"))
		return
	}

	req := struct {
		Count      int    `json:"count"`
		StartIndex int    `json:"start_index"`
		Persona    string `json:"persona"`
	}{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.StartIndex <= 0 {
		req.StartIndex = 1
	}
	if req.Persona == "" {
		req.Persona = "compliant"
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.swarm.Provision(context.Background(), req.Count, req.StartIndex, req.Persona)
	}()

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Started generating %d agents starting from index %d with persona '%s'",
			req.Count, req.StartIndex, req.Persona),
	})
}

// --- personas ---

func (s *Server) handleListPersonas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "personas": s.personas.Names()})
}

func (s *Server) handleGetPersona(c *gin.Context) {
	p, ok := s.personas.Get(c.Param("name"))
	if !ok {
		s.fail(c, http.StatusNotFound, errors.New("persona not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "persona": gin.H{
		"name":          p.Name,
		"emoji":         p.Emoji,
		"description":   p.Description,
		"motivation":    p.Motivation,
		"system_prompt": p.SystemPrompt,
		"traits":        p.Traits,
		"strategies":    p.Strategies,
	}})
}

func (s *Server) handleReloadPersonas(c *gin.Context) {
	if err := s.personas.Reload(); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "personas": s.personas.Names()})
}

// --- telos templates ---

type templateRequest struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

func (s *Server) handleListTemplates(c *gin.Context) {
	templates, err := s.store.ListTemplates(c.Request.Context())
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "templates": templates})
}

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || len(req.Steps) == 0 {
		s.fail(c, http.StatusBadRequest, errors.New("name and steps are required"))
		return
	}
	tpl := &store.TelosTemplate{Name: req.Name, Steps: req.Steps}
	if err := s.store.CreateTemplate(c.Request.Context(), tpl); err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "template": tpl})
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	tpl, err := s.store.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "template": tpl})
}

func (s *Server) handleUpdateTemplate(c *gin.Context) {
	tpl, err := s.store.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeFail(c, err)
		return
	}
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Name != "" {
		tpl.Name = req.Name
	}
	if len(req.Steps) > 0 {
		tpl.Steps = req.Steps
	}
	if err := s.store.UpdateTemplate(c.Request.Context(), tpl); err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "template": tpl})
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	if err := s.store.DeleteTemplate(c.Request.Context(), c.Param("id")); err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSetDefaultTemplate(c *gin.Context) {
	if err := s.store.SetDefaultTemplate(c.Request.Context(), c.Param("id")); err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleGetDefaultTemplate(c *gin.Context) {
	tpl, err := s.store.DefaultTemplate(c.Request.Context())
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "template": tpl})
}

func (s *Server) handleAssignDefaultToAll(c *gin.Context) {
	n, err := s.store.AssignDefaultToAll(c.Request.Context())
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "assigned_count": n})
}

// --- telos assignments ---

func (s *Server) handleGetTelos(c *gin.Context) {
	telos, err := s.store.GetTelosAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "telos": telos})
}

func (s *Server) handleAssignTelos(c *gin.Context) {
	var req struct {
		TemplateID  string `json:"template_id"`
		CustomTelos string `json:"custom_telos"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.TemplateID == "" && strings.TrimSpace(req.CustomTelos) == "" {
		s.fail(c, http.StatusBadRequest, errors.New("either template_id or custom_telos is required"))
		return
	}
	telos, err := s.store.AssignTelos(c.Request.Context(), c.Param("id"), req.TemplateID, req.CustomTelos)
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "telos": telos})
}

func (s *Server) handleRemoveTelos(c *gin.Context) {
	err := s.store.RemoveTelos(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"success": true, "removed": false})
		return
	}
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": true})
}

func (s *Server) handleSetTelosState(c *gin.Context) {
	var req struct {
		State string `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if !validState(req.State) {
		s.fail(c, http.StatusBadRequest, errors.New("state must be one of: idle, active, completed, failed"))
		return
	}
	if err := s.store.SetTelosState(c.Request.Context(), c.Param("id"), req.State); err != nil {
		s.storeFail(c, err)
		return
	}
	telos, err := s.store.GetTelosAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "telos": telos})
}

func (s *Server) handleSetTelosProgress(c *gin.Context) {
	var req struct {
		CurrentStep *int              `json:"current_step"`
		StepResult  *store.StepResult `json:"step_result"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if req.CurrentStep == nil {
		s.fail(c, http.StatusBadRequest, errors.New("current_step is required"))
		return
	}

	agentID := c.Param("id")
	var err error
	if req.StepResult != nil {
		result := *req.StepResult
		if result.Timestamp == "" {
			result.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		// The result recorded by hand is attributed to the step the
		// cursor is being moved past.
		executed := *req.CurrentStep - 1
		if executed < 0 {
			executed = 0
		}
		err = s.store.AdvanceStep(c.Request.Context(), agentID, *req.CurrentStep, executed, result)
	} else {
		err = s.store.SetCurrentStep(c.Request.Context(), agentID, *req.CurrentStep)
	}
	if err != nil {
		s.storeFail(c, err)
		return
	}
	telos, err := s.store.GetTelosAssignment(c.Request.Context(), agentID)
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "telos": telos})
}

func (s *Server) handleSetTelosStateAll(c *gin.Context) {
	var req struct {
		State     string `json:"state"`
		FromState string `json:"from_state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if !validState(req.State) {
		s.fail(c, http.StatusBadRequest, errors.New("state must be one of: idle, active, completed, failed"))
		return
	}
	if req.FromState != "" && !validState(req.FromState) {
		s.fail(c, http.StatusBadRequest, errors.New("from_state must be one of: idle, active, completed, failed"))
		return
	}
	n, err := s.store.SetTelosStateAll(c.Request.Context(), req.FromState, req.State)
	if err != nil {
		s.storeFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated_count": n})
}

// --- executor control ---

func (s *Server) handleExecutorStatus(c *gin.Context) {
	status := s.executor.Status()
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"running":           status.Running,
		"model":             status.Model,
		"network":           status.Network,
		"interval_seconds":  status.IntervalSeconds,
		"recent_executions": status.RecentExecutions,
		"recent_log":        s.executor.RecentLog(20),
	})
}

func (s *Server) handleExecutorStart(c *gin.Context) {
	if !s.executor.Start() {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Executor already running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Executor started"})
}

func (s *Server) handleExecutorStop(c *gin.Context) {
	if !s.executor.Stop() {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Executor not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Executor stopped"})
}

func (s *Server) handleExecutorLog(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "log": s.executor.RecentLog(limit)})
}
