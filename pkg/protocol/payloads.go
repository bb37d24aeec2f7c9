package protocol

import "time"

// AgentInfo is the free-form capability map an agent reports at registration
// and in agent_info updates. Well-known keys: hostname, platform, version,
// go_version, remote_enabled, remote_target.
type AgentInfo map[string]interface{}

// Merge returns a copy of the info with the other map's keys overlaid.
func (i AgentInfo) Merge(other AgentInfo) AgentInfo {
	merged := make(AgentInfo, len(i)+len(other))
	for k, v := range i {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// RegisterPayload is sent by an agent immediately after connecting.
// AgentID is optional; the controller synthesizes one from the session id
// when absent.
type RegisterPayload struct {
	AgentID string    `json:"agent_id,omitempty"`
	Info    AgentInfo `json:"info"`
}

// RegisterAckPayload confirms a registration and carries the authoritative
// agent id for the session. It precedes any execute_command on the session.
type RegisterAckPayload struct {
	AssignedAgentID string `json:"assigned_agent_id"`
	Status          string `json:"status"`
}

// ExecutePayload dispatches a command to an agent.
type ExecutePayload struct {
	CommandID       string `json:"command_id"`
	Command         string `json:"command"`
	ExecutionTarget string `json:"execution_target"`
	RequesterSID    string `json:"requester_sid"`
}

// ProgressPayload is an incremental, additive progress frame. Chunks carry
// only new output since the previous frame; Progress is monotonically
// non-decreasing when supplied.
type ProgressPayload struct {
	CommandID   string    `json:"command_id"`
	Status      string    `json:"status"`
	Progress    *int      `json:"progress,omitempty"`
	StdoutChunk string    `json:"stdout_chunk,omitempty"`
	StderrChunk string    `json:"stderr_chunk,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// ResultPayload is the single terminal frame for a command on a session.
type ResultPayload struct {
	CommandID     string    `json:"command_id"`
	ExitCode      int       `json:"exit_code"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	ExecutionType string    `json:"execution_type"`
	Target        string    `json:"target"`
	Cancelled     bool      `json:"cancelled,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// CancelPayload requests cancellation of an in-flight command.
type CancelPayload struct {
	CommandID string `json:"command_id"`
}

// AgentInfoPayload carries capability updates after registration.
type AgentInfoPayload struct {
	Info AgentInfo `json:"info"`
}

// ErrorPayload reports a protocol-level error on the channel.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
