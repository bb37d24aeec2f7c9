package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/internal/controller/auth"
	"github.com/ogent/ogent/internal/controller/command"
	"github.com/ogent/ogent/internal/controller/registry"
	"github.com/ogent/ogent/internal/controller/router"
)

// Handler contains HTTP handlers for the controller API
type Handler struct {
	auth     *auth.Service
	agents   *registry.Registry
	commands *command.Registry
	router   *router.Router
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(authSvc *auth.Service, agents *registry.Registry, commands *command.Registry, rt *router.Router, log *logger.Logger) *Handler {
	return &Handler{
		auth:     authSvc,
		agents:   agents,
		commands: commands,
		router:   rt,
		logger:   log,
	}
}

// Token exchanges form-encoded credentials for a bearer token
// POST /token
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindWith(&req, binding.Form); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	token, err := h.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		appErr := apperrors.AuthFailure("invalid username or password")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.auth.TTL().Seconds()),
	})
}

// Health reports controller liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"agents": h.agents.Count(),
	})
}

// ListAgents returns all registered agents
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.agents.List()

	resp := AgentsListResponse{
		Agents: make([]*AgentResponse, len(agents)),
		Total:  len(agents),
	}
	for i, a := range agents {
		resp.Agents[i] = agentToResponse(a)
	}

	c.JSON(http.StatusOK, resp)
}

// GetAgent retrieves a registered agent by ID
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	agent, err := h.agents.Get(agentID)
	if err != nil {
		appErr := apperrors.AgentNotFound(agentID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, agentToResponse(agent))
}

// ExecuteCommand dispatches a command to an agent
// POST /api/v1/agents/:agentId/execute
func (h *Handler) ExecuteCommand(c *gin.Context) {
	agentID := c.Param("agentId")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	requester := auth.Username(c)
	cmd, err := h.router.ExecuteCommand(c.Request.Context(), router.ExecuteInput{
		AgentID:     agentID,
		Command:     req.Command,
		Target:      req.ExecutionTarget,
		RequesterID: requester,
		UseAI:       req.UseAI,
		System:      req.System,
		Context:     req.Context,
	})
	if err != nil {
		h.logger.Warn("command dispatch failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		status := apperrors.GetHTTPStatus(err)
		body := gin.H{
			"code":    apperrors.Code(err),
			"message": err.Error(),
		}
		if cmd != nil {
			body["command"] = commandToResponse(cmd)
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusAccepted, commandToResponse(cmd))
}

// AnalyzeCommand runs the pre-processing stage without dispatching
// POST /api/v1/agents/:agentId/analyze
func (h *Handler) AnalyzeCommand(c *gin.Context) {
	agentID := c.Param("agentId")

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	report, err := h.router.Analyze(c.Request.Context(), agentID, req.Command, req.System, req.Context)
	if err != nil {
		status := apperrors.GetHTTPStatus(err)
		c.JSON(status, gin.H{
			"code":    apperrors.Code(err),
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// ListAgentCommands returns recent commands dispatched to an agent
// GET /api/v1/agents/:agentId/commands
func (h *Handler) ListAgentCommands(c *gin.Context) {
	agentID := c.Param("agentId")
	limit := parseLimit(c.DefaultQuery("limit", "50"))

	cmds := h.commands.ListByAgent(agentID, limit)

	resp := CommandsListResponse{
		Commands: make([]*CommandResponse, len(cmds)),
		Total:    len(cmds),
	}
	for i, cmd := range cmds {
		resp.Commands[i] = commandToResponse(cmd)
	}

	c.JSON(http.StatusOK, resp)
}

// ListCommands returns recent commands originated by the caller
// GET /api/v1/commands
func (h *Handler) ListCommands(c *gin.Context) {
	requester := auth.Username(c)
	limit := parseLimit(c.DefaultQuery("limit", "50"))

	cmds := h.commands.ListByRequester(requester, limit)

	resp := CommandsListResponse{
		Commands: make([]*CommandResponse, len(cmds)),
		Total:    len(cmds),
	}
	for i, cmd := range cmds {
		resp.Commands[i] = commandToResponse(cmd)
	}

	c.JSON(http.StatusOK, resp)
}

// GetCommand retrieves a command record by ID
// GET /api/v1/commands/:commandId
func (h *Handler) GetCommand(c *gin.Context) {
	commandID := c.Param("commandId")

	cmd, err := h.commands.Get(commandID)
	if err != nil {
		appErr := apperrors.NotFound("command", commandID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, commandToResponse(cmd))
}

// CancelCommand requests cancellation of an in-flight command
// POST /api/v1/commands/:commandId/cancel
func (h *Handler) CancelCommand(c *gin.Context) {
	commandID := c.Param("commandId")
	requester := auth.Username(c)

	if err := h.router.Cancel(commandID, requester); err != nil {
		status := apperrors.GetHTTPStatus(err)
		c.JSON(status, gin.H{
			"code":    apperrors.Code(err),
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation_requested"})
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// Helper functions to convert records to response types

func agentToResponse(a *registry.Agent) *AgentResponse {
	return &AgentResponse{
		AgentID:     a.AgentID,
		SessionID:   a.SessionID,
		ConnectedAt: a.ConnectedAt,
		Info:        a.Info,
	}
}

func commandToResponse(cmd *command.Command) *CommandResponse {
	return &CommandResponse{
		CommandID:       cmd.CommandID,
		AgentID:         cmd.AgentID,
		RequesterID:     cmd.RequesterID,
		Command:         cmd.CommandText,
		ProcessedText:   cmd.ProcessedText,
		ExecutionTarget: cmd.ExecutionTarget,
		Status:          string(cmd.Status),
		CreatedAt:       cmd.Timestamps.Created,
		DispatchedAt:    cmd.Timestamps.Dispatched,
		FinishedAt:      cmd.Timestamps.Terminal,
		Result:          cmd.Result,
		FailureReason:   cmd.FailureReason,
		AIReport:        cmd.AIReport,
	}
}
