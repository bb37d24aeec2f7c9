package command

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/pkg/protocol"
)

// Registry is the in-memory correlation store for commands. Terminal commands
// are retained up to a configured bound so late results can still be
// correlated; eviction is oldest-terminal-first and O(1) per operation.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command

	// terminalOrder tracks terminal commands oldest-first; elements hold
	// command ids. terminalElems maps id -> element for O(1) removal.
	terminalOrder *list.List
	terminalElems map[string]*list.Element
	retention     int

	logger *logger.Logger
}

// NewRegistry creates a command registry retaining at most retention terminal
// commands.
func NewRegistry(retention int, log *logger.Logger) *Registry {
	if retention <= 0 {
		retention = 1000
	}
	return &Registry{
		commands:      make(map[string]*Command),
		terminalOrder: list.New(),
		terminalElems: make(map[string]*list.Element),
		retention:     retention,
		logger:        log.WithFields(zap.String("component", "command_registry")),
	}
}

// Create allocates a command id and stores a Pending record.
func (r *Registry) Create(agentID, requesterID, commandText, executionTarget string) *Command {
	cmd := &Command{
		CommandID:       uuid.New().String(),
		AgentID:         agentID,
		RequesterID:     requesterID,
		CommandText:     commandText,
		ProcessedText:   commandText,
		ExecutionTarget: executionTarget,
		Status:          StatusPending,
		Timestamps:      Timestamps{Created: time.Now().UTC()},
	}

	r.mu.Lock()
	r.commands[cmd.CommandID] = cmd
	snapshot := cmd.snapshot()
	r.mu.Unlock()

	r.logger.Debug("Command created",
		zap.String("command_id", cmd.CommandID),
		zap.String("agent_id", agentID),
		zap.String("requester_id", requesterID),
	)
	return snapshot
}

// Transition moves a command to a new status, validated against the state
// machine, stamping the relevant timestamp. A result payload may accompany a
// terminal transition.
func (r *Registry) Transition(commandID string, newStatus Status, result *protocol.ResultPayload) (*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[commandID]
	if !ok {
		return nil, apperrors.NotFound("command", commandID)
	}

	if !CanTransition(cmd.Status, newStatus) {
		return nil, apperrors.Conflict(
			"invalid transition from " + string(cmd.Status) + " to " + string(newStatus))
	}

	now := time.Now().UTC()
	cmd.Status = newStatus
	switch newStatus {
	case StatusDispatched:
		cmd.Timestamps.Dispatched = &now
	case StatusRunning:
		cmd.Timestamps.FirstProgress = &now
	}
	if newStatus.Terminal() {
		cmd.Timestamps.Terminal = &now
		if result != nil {
			cmd.Result = result
		}
		r.markTerminalLocked(cmd.CommandID)
	}

	return cmd.snapshot(), nil
}

// SetProcessedText records the post-AI command string.
func (r *Registry) SetProcessedText(commandID, processed string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd, ok := r.commands[commandID]; ok {
		cmd.ProcessedText = processed
	}
}

// SetAIReport attaches the AI stage output to the command.
func (r *Registry) SetAIReport(commandID string, report interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd, ok := r.commands[commandID]; ok {
		cmd.AIReport = report
	}
}

// SetFailureReason records the error kind behind a failure.
func (r *Registry) SetFailureReason(commandID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd, ok := r.commands[commandID]; ok {
		cmd.FailureReason = reason
	}
}

// RecordLateResult stores a result that arrived after the command was
// declared Lost. The status is not re-transitioned.
func (r *Registry) RecordLateResult(commandID string, result *protocol.ResultPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[commandID]
	if !ok {
		return apperrors.NotFound("command", commandID)
	}
	cmd.Result = result
	cmd.LateResult = true
	return nil
}

// IncrementLateFrames counts a progress frame that arrived after terminal.
func (r *Registry) IncrementLateFrames(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd, ok := r.commands[commandID]; ok {
		cmd.LateFrames++
	}
}

// Get returns a snapshot of the command with the given id.
func (r *Registry) Get(commandID string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.commands[commandID]
	if !ok {
		return nil, apperrors.NotFound("command", commandID)
	}
	return cmd.snapshot(), nil
}

// ListByAgent returns up to limit commands targeting the agent, most recent
// first by creation time, ties broken by command id.
func (r *Registry) ListByAgent(agentID string, limit int) []*Command {
	return r.listWhere(func(c *Command) bool { return c.AgentID == agentID }, limit)
}

// ListByRequester returns up to limit commands originated by the requester,
// most recent first by creation time, ties broken by command id.
func (r *Registry) ListByRequester(requesterID string, limit int) []*Command {
	return r.listWhere(func(c *Command) bool { return c.RequesterID == requesterID }, limit)
}

// InFlightByAgent returns snapshots of non-terminal commands bound to the
// agent, used when a session drops.
func (r *Registry) InFlightByAgent(agentID string) []*Command {
	return r.listWhere(func(c *Command) bool {
		return c.AgentID == agentID && !c.Status.Terminal()
	}, 0)
}

// Delete removes a command record entirely.
func (r *Registry) Delete(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.terminalElems[commandID]; ok {
		r.terminalOrder.Remove(elem)
		delete(r.terminalElems, commandID)
	}
	delete(r.commands, commandID)
}

// Count returns the number of tracked commands.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

func (r *Registry) listWhere(match func(*Command) bool, limit int) []*Command {
	r.mu.RLock()
	result := make([]*Command, 0)
	for _, cmd := range r.commands {
		if match(cmd) {
			result = append(result, cmd.snapshot())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		ci, cj := result[i], result[j]
		if !ci.Timestamps.Created.Equal(cj.Timestamps.Created) {
			return ci.Timestamps.Created.After(cj.Timestamps.Created)
		}
		return ci.CommandID < cj.CommandID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// markTerminalLocked appends the command to the terminal order and evicts the
// oldest terminal command beyond the retention bound. Caller holds the lock.
func (r *Registry) markTerminalLocked(commandID string) {
	if _, ok := r.terminalElems[commandID]; ok {
		return
	}
	r.terminalElems[commandID] = r.terminalOrder.PushBack(commandID)

	for r.terminalOrder.Len() > r.retention {
		oldest := r.terminalOrder.Front()
		evictID := oldest.Value.(string)
		r.terminalOrder.Remove(oldest)
		delete(r.terminalElems, evictID)
		delete(r.commands, evictID)
	}
}
