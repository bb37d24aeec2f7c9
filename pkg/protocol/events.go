package protocol

// Event names for the Controller/Agent channel.
const (
	// Agent -> Controller
	EventRegister        = "register"
	EventCommandProgress = "command_progress"
	EventCommandResult   = "command_result"

	// Controller -> Agent
	EventRegisterAck    = "register_ack"
	EventExecuteCommand = "execute_command"
	EventCancelCommand  = "cancel_command"

	// Either direction
	EventAgentInfo = "agent_info"
	EventError     = "error"
)

// Execution targets for a command.
const (
	TargetAuto   = "auto"
	TargetLocal  = "local"
	TargetRemote = "remote"
)

// ValidTarget reports whether t is a recognized execution target.
func ValidTarget(t string) bool {
	switch t {
	case TargetAuto, TargetLocal, TargetRemote:
		return true
	}
	return false
}

// Progress statuses carried by command_progress frames. Terminal states are
// never reported through progress; they arrive only in command_result.
const (
	ProgressRunning = "running"
)
