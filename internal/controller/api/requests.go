// Package api provides HTTP handlers for the controller API.
package api

import (
	"time"

	"github.com/ogent/ogent/pkg/protocol"
)

// TokenRequest for exchanging credentials for a bearer token. The endpoint
// takes a form-encoded body, OAuth2 password-grant style.
type TokenRequest struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
}

// TokenResponse carries the minted bearer token
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

// ExecuteRequest for dispatching a command to an agent. Pre-processing only
// runs when the requester opts in with use_ai; system and context are free
// text handed to the AI stage.
type ExecuteRequest struct {
	Command         string `json:"command" binding:"required"`
	ExecutionTarget string `json:"execution_target"`
	UseAI           bool   `json:"use_ai"`
	System          string `json:"system"`
	Context         string `json:"context"`
}

// AnalyzeRequest for running the pre-processing stage without dispatch
type AnalyzeRequest struct {
	Command string `json:"command" binding:"required"`
	System  string `json:"system"`
	Context string `json:"context"`
}

// Response types

// AgentResponse represents a registered agent in API responses
type AgentResponse struct {
	AgentID     string             `json:"agent_id"`
	SessionID   string             `json:"session_id"`
	ConnectedAt time.Time          `json:"connected_at"`
	Info        protocol.AgentInfo `json:"info"`
}

// AgentsListResponse for listing agents
type AgentsListResponse struct {
	Agents []*AgentResponse `json:"agents"`
	Total  int              `json:"total"`
}

// CommandResponse represents a command record in API responses
type CommandResponse struct {
	CommandID       string                  `json:"command_id"`
	AgentID         string                  `json:"agent_id"`
	RequesterID     string                  `json:"requester_id"`
	Command         string                  `json:"command"`
	ProcessedText   string                  `json:"processed_command"`
	ExecutionTarget string                  `json:"execution_target"`
	Status          string                  `json:"status"`
	CreatedAt       time.Time               `json:"created_at"`
	DispatchedAt    *time.Time              `json:"dispatched_at,omitempty"`
	FinishedAt      *time.Time              `json:"finished_at,omitempty"`
	Result          *protocol.ResultPayload `json:"result,omitempty"`
	FailureReason   string                  `json:"failure_reason,omitempty"`
	AIReport        interface{}             `json:"ai_report,omitempty"`
}

// CommandsListResponse for listing commands
type CommandsListResponse struct {
	Commands []*CommandResponse `json:"commands"`
	Total    int                `json:"total"`
}
