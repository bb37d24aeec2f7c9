// Package command holds the controller's in-flight and recently completed
// command records, and the state machine every command moves through.
package command

import (
	"time"

	"github.com/ogent/ogent/pkg/protocol"
)

// Status is a command's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusLost       Status = "lost"
)

// Terminal reports whether the status ends the requester-visible lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusLost:
		return true
	}
	return false
}

// validTransitions encodes the command state machine. Transitions not listed
// here are rejected; a command's status never regresses.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusDispatched: true,
		StatusFailed:     true, // validation failure, AI reject, undeliverable
	},
	StatusDispatched: {
		StatusRunning:   true,
		StatusCompleted: true, // result may arrive before any progress
		StatusFailed:    true,
		StatusLost:      true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusLost:      true,
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Timestamps records when a command hit each lifecycle point.
type Timestamps struct {
	Created       time.Time  `json:"created"`
	Dispatched    *time.Time `json:"dispatched,omitempty"`
	FirstProgress *time.Time `json:"first_progress,omitempty"`
	Terminal      *time.Time `json:"terminal,omitempty"`
}

// Command is the controller-side record of one command request.
type Command struct {
	CommandID   string `json:"command_id"`
	AgentID     string `json:"agent_id"`
	RequesterID string `json:"requester_id"`

	// CommandText is the requester's original string; ProcessedText is what
	// was dispatched after the optional AI stage (equal when AI is skipped).
	CommandText   string `json:"command_text"`
	ProcessedText string `json:"processed_text"`

	ExecutionTarget string     `json:"execution_target"`
	Status          Status     `json:"status"`
	Timestamps      Timestamps `json:"timestamps"`

	// Result is set on terminal, or recorded late after Lost.
	Result *protocol.ResultPayload `json:"result,omitempty"`

	// FailureReason carries the error kind for failed commands.
	FailureReason string `json:"failure_reason,omitempty"`

	// AIReport is attached when the AI stage ran.
	AIReport interface{} `json:"ai_report,omitempty"`

	// LateFrames counts progress frames that arrived after the terminal.
	LateFrames int `json:"late_frames,omitempty"`

	// LateResult marks a result recorded after the command was declared
	// Lost; the status is not re-transitioned.
	LateResult bool `json:"late_result,omitempty"`
}

func (c *Command) snapshot() *Command {
	cp := *c
	if c.Result != nil {
		result := *c.Result
		cp.Result = &result
	}
	return &cp
}
