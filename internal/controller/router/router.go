// Package router correlates commands between HTTP requesters and agent
// sessions: it runs the AI pre-processing stage, dispatches execute frames,
// tracks the command state machine, and relays progress and results back to
// the requester.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ogent/ogent/internal/common/config"
	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/internal/controller/ai"
	"github.com/ogent/ogent/internal/controller/command"
	"github.com/ogent/ogent/internal/controller/registry"
	"github.com/ogent/ogent/internal/controller/ws"
	"github.com/ogent/ogent/internal/events/bus"
	"github.com/ogent/ogent/pkg/protocol"
)

// ExecuteInput carries one execute request into the router. UseAI opts the
// command into the pre-processing stage; System and Context are free-text
// hints handed to it.
type ExecuteInput struct {
	AgentID     string
	Command     string
	Target      string
	RequesterID string
	UseAI       bool
	System      string
	Context     string
}

// Router implements ws.EventSink and owns command dispatch.
type Router struct {
	hub      *ws.Hub
	agents   *registry.Registry
	commands *command.Registry
	ai       *ai.Processor
	eventBus bus.EventBus

	deadline     time.Duration
	grace        time.Duration
	rejectUnsafe bool
	aiRequired   bool

	mu             sync.Mutex
	deadlineTimers map[string]*time.Timer
	graceTimers    map[string]*time.Timer
	inboxSubs      map[string]bus.Subscription
	outboxSubs     map[string]bus.Subscription

	logger *logger.Logger
}

// New creates the router. Call hub.SetSink with the result before serving
// connections.
func New(
	hub *ws.Hub,
	agents *registry.Registry,
	commands *command.Registry,
	processor *ai.Processor,
	eventBus bus.EventBus,
	cfg config.ControllerConfig,
	aiCfg config.AIConfig,
	log *logger.Logger,
) *Router {
	return &Router{
		hub:            hub,
		agents:         agents,
		commands:       commands,
		ai:             processor,
		eventBus:       eventBus,
		deadline:       cfg.CommandDeadline(),
		grace:          cfg.GraceInterval(),
		rejectUnsafe:   aiCfg.RejectUnsafe,
		aiRequired:     aiCfg.Required,
		deadlineTimers: make(map[string]*time.Timer),
		graceTimers:    make(map[string]*time.Timer),
		inboxSubs:      make(map[string]bus.Subscription),
		outboxSubs:     make(map[string]bus.Subscription),
		logger:         log.WithFields(zap.String("component", "router")),
	}
}

// ExecuteCommand dispatches a command to the agent, running the pre-processing
// stage first when the request opted in. The returned record reflects the
// state after dispatch; on failure the record (when one was created) carries
// the failure reason.
func (r *Router) ExecuteCommand(ctx context.Context, in ExecuteInput) (*command.Command, error) {
	if in.Command == "" {
		return nil, apperrors.ValidationError("command", "must not be empty")
	}
	target := in.Target
	if target == "" {
		target = protocol.TargetAuto
	}
	if !protocol.ValidTarget(target) {
		return nil, apperrors.ValidationError("execution_target", "must be auto, local or remote")
	}

	agent, err := r.agents.Get(in.AgentID)
	if err != nil {
		return nil, err
	}

	cmd := r.commands.Create(in.AgentID, in.RequesterID, in.Command, target)
	log := r.logger.WithCommandID(cmd.CommandID).WithAgentID(in.AgentID)

	if in.UseAI {
		system := in.System
		if system == "" {
			system = in.AgentID
		}
		execContext := in.Context
		if execContext == "" {
			execContext = "execution target: " + target
		}

		report := r.ai.Process(ctx, in.Command, system, execContext)
		r.commands.SetAIReport(cmd.CommandID, report)
		if report.ProcessedCommand != "" && report.ProcessedCommand != in.Command {
			r.commands.SetProcessedText(cmd.CommandID, report.ProcessedCommand)
		}

		if r.aiRequired && report.Failed() {
			r.commands.SetFailureReason(cmd.CommandID, apperrors.ErrCodeAIBackend)
			if _, err := r.commands.Transition(cmd.CommandID, command.StatusFailed, nil); err != nil {
				log.Error("Failed to fail command on backend error", zap.Error(err))
			}
			cmd, _ = r.commands.Get(cmd.CommandID)
			return cmd, apperrors.AIBackend("pre-processing backend unavailable", nil)
		}

		if r.rejectUnsafe && report.Rejectable() {
			r.commands.SetFailureReason(cmd.CommandID, apperrors.ErrCodeValidationError)
			if _, err := r.commands.Transition(cmd.CommandID, command.StatusFailed, nil); err != nil {
				log.Error("Failed to fail rejected command", zap.Error(err))
			}
			log.Warn("Command rejected by validation stage",
				zap.String("risk_level", report.Validation.RiskLevel))
			cmd, _ = r.commands.Get(cmd.CommandID)
			return cmd, apperrors.ValidationError("command", "rejected as unsafe by the validation stage")
		}
	}

	processed, _ := r.commands.Get(cmd.CommandID)
	payload := protocol.ExecutePayload{
		CommandID:       cmd.CommandID,
		Command:         processed.ProcessedText,
		ExecutionTarget: target,
		RequesterSID:    in.RequesterID,
	}
	msg, err := protocol.NewMessage(protocol.EventExecuteCommand, payload)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode execute frame", err)
	}

	if err := r.sendToAgent(agent, cmd.CommandID, msg); err != nil {
		r.commands.SetFailureReason(cmd.CommandID, apperrors.ErrCodeNotDeliverable)
		if _, terr := r.commands.Transition(cmd.CommandID, command.StatusFailed, nil); terr != nil {
			log.Error("Failed to fail undeliverable command", zap.Error(terr))
		}
		log.Warn("Command not deliverable", zap.Error(err))
		cmd, _ = r.commands.Get(cmd.CommandID)
		return cmd, apperrors.NotDeliverable(in.AgentID, err)
	}

	dispatched, err := r.commands.Transition(cmd.CommandID, command.StatusDispatched, nil)
	if err != nil {
		return nil, err
	}
	r.armDeadline(cmd.CommandID)

	log.Info("Command dispatched", zap.String("target", target))
	return dispatched, nil
}

// Analyze runs only the AI stage for a command without dispatching it.
func (r *Router) Analyze(ctx context.Context, agentID, commandText, system, execContext string) (*ai.Result, error) {
	if commandText == "" {
		return nil, apperrors.ValidationError("command", "must not be empty")
	}
	if _, err := r.agents.Get(agentID); err != nil {
		return nil, err
	}
	if system == "" {
		system = agentID
	}
	if execContext == "" {
		execContext = "analysis only"
	}
	return r.ai.Process(ctx, commandText, system, execContext), nil
}

// Cancel asks the agent running a command to cancel it. The requester must be
// the one that originated the command.
func (r *Router) Cancel(commandID, requesterID string) error {
	cmd, err := r.commands.Get(commandID)
	if err != nil {
		return err
	}
	if requesterID != "" && cmd.RequesterID != requesterID {
		return apperrors.NotFound("command", commandID)
	}
	if cmd.Status.Terminal() {
		return apperrors.Conflict("command is already terminal")
	}

	agent, err := r.agents.Get(cmd.AgentID)
	if err != nil {
		return apperrors.NotDeliverable(cmd.AgentID, err)
	}

	msg, err := protocol.NewMessage(protocol.EventCancelCommand, protocol.CancelPayload{CommandID: commandID})
	if err != nil {
		return apperrors.InternalError("failed to encode cancel frame", err)
	}
	if err := r.sendToAgent(agent, commandID, msg); err != nil {
		return apperrors.NotDeliverable(cmd.AgentID, err)
	}

	r.logger.WithCommandID(commandID).Info("Cancellation requested")
	return nil
}

// sendToAgent delivers a frame to the agent: directly when its session lives
// on this replica, via the shared-bus inbox when a peer replica holds it. A
// remote dispatch also subscribes the command's outbox so progress and
// results find their way back here.
func (r *Router) sendToAgent(agent *registry.Agent, commandID string, msg *protocol.Message) error {
	if !agent.Remote {
		return r.hub.Send(agent.SessionID, msg)
	}

	if r.eventBus == nil {
		return fmt.Errorf("agent %s is held by a peer replica and no shared bus is configured", agent.AgentID)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	event := bus.NewEvent(msg.Event, "controller", map[string]interface{}{
		"command_id": commandID,
		"frame":      string(data),
	})
	// Subscribe the reply path before the frame can produce replies.
	r.subscribeOutbox(commandID)
	if err := r.eventBus.Publish(context.Background(), bus.AgentInbox(agent.AgentID), event); err != nil {
		r.dropOutboxSub(commandID)
		return err
	}
	return nil
}

// OnMessage dispatches one decoded frame from a session.
func (r *Router) OnMessage(sessionID string, role ws.Role, username string, msg *protocol.Message) {
	switch msg.Event {
	case protocol.EventRegister:
		if role != ws.RoleAgent {
			r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "only agents register")
			return
		}
		r.handleRegister(sessionID, msg)

	case protocol.EventCommandProgress:
		if role != ws.RoleAgent {
			r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "only agents report progress")
			return
		}
		r.handleProgress(sessionID, msg)

	case protocol.EventCommandResult:
		if role != ws.RoleAgent {
			r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "only agents report results")
			return
		}
		r.handleResult(sessionID, msg)

	case protocol.EventAgentInfo:
		if role != ws.RoleAgent {
			r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "only agents update info")
			return
		}
		r.handleAgentInfo(sessionID, msg)

	case protocol.EventCancelCommand:
		// Requester-side cancellation over the client channel.
		var payload protocol.CancelPayload
		if err := msg.ParsePayload(&payload); err != nil {
			r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "malformed cancel payload")
			return
		}
		if err := r.Cancel(payload.CommandID, username); err != nil {
			r.sendError(sessionID, apperrors.Code(err), err.Error())
		}

	default:
		r.logger.Warn("Unknown event",
			zap.String("event", msg.Event),
			zap.String("session_id", sessionID))
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "unknown event: "+msg.Event)
	}
}

// OnDisconnect handles a dropped session. For agents, in-flight commands get
// a grace interval to return over a new session before being declared lost.
func (r *Router) OnDisconnect(sessionID string, role ws.Role) {
	if role != ws.RoleAgent {
		return
	}

	agentID, ok := r.agents.UnregisterSession(sessionID)
	if !ok {
		return
	}
	r.dropInboxSub(agentID)

	inFlight := r.commands.InFlightByAgent(agentID)
	if len(inFlight) == 0 {
		return
	}
	r.logger.WithAgentID(agentID).Warn("Agent session dropped with commands in flight",
		zap.Int("in_flight", len(inFlight)))

	for _, cmd := range inFlight {
		r.armGrace(cmd.CommandID)
	}
}

func (r *Router) handleRegister(sessionID string, msg *protocol.Message) {
	var payload protocol.RegisterPayload
	if err := msg.ParsePayload(&payload); err != nil {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "malformed register payload")
		return
	}

	agent, evictedSession := r.agents.Register(sessionID, payload.AgentID, payload.Info)
	if evictedSession != "" {
		r.hub.CloseSession(evictedSession)
	}

	// A session replaced within the grace interval keeps its in-flight
	// commands: the disconnect's grace timers are released. Grace armed by a
	// deadline expiry stands.
	for _, cmd := range r.commands.InFlightByAgent(agent.AgentID) {
		r.releaseGrace(cmd.CommandID)
	}

	ack, err := protocol.NewMessage(protocol.EventRegisterAck, protocol.RegisterAckPayload{
		AssignedAgentID: agent.AgentID,
		Status:          "registered",
	})
	if err == nil {
		if serr := r.hub.Send(sessionID, ack); serr != nil {
			r.logger.WithAgentID(agent.AgentID).Warn("Failed to ack registration", zap.Error(serr))
		}
	}

	r.subscribeInbox(agent.AgentID)
}

func (r *Router) handleProgress(sessionID string, msg *protocol.Message) {
	var payload protocol.ProgressPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.CommandID == "" {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "malformed progress payload")
		return
	}

	sender, err := r.agents.BySession(sessionID)
	if err != nil {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "progress before register")
		return
	}

	cmd, err := r.commands.Get(payload.CommandID)
	if err != nil {
		// Unknown here: the command originated on a peer replica. Relay it on
		// the command's outbox for the replica that holds the record.
		r.publishOutbox(payload.CommandID, "command_progress", msg)
		return
	}
	if cmd.AgentID != sender.AgentID {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "command is bound to another agent")
		return
	}

	r.applyProgress(cmd, &payload, msg, true)
}

func (r *Router) handleResult(sessionID string, msg *protocol.Message) {
	var payload protocol.ResultPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.CommandID == "" {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "malformed result payload")
		return
	}

	sender, err := r.agents.BySession(sessionID)
	if err != nil {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "result before register")
		return
	}

	cmd, err := r.commands.Get(payload.CommandID)
	if err != nil {
		r.publishOutbox(payload.CommandID, "command_result", msg)
		return
	}
	if cmd.AgentID != sender.AgentID {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "command is bound to another agent")
		return
	}

	r.applyResult(cmd, &payload, msg, true)
}

// applyProgress advances the state machine for one progress frame and relays
// it to the requester. mirror controls whether the frame is also published on
// the command outbox.
func (r *Router) applyProgress(cmd *command.Command, payload *protocol.ProgressPayload, msg *protocol.Message, mirror bool) {
	if cmd.Status.Terminal() {
		r.commands.IncrementLateFrames(payload.CommandID)
		return
	}

	if cmd.Status == command.StatusDispatched {
		if _, err := r.commands.Transition(payload.CommandID, command.StatusRunning, nil); err != nil {
			r.logger.WithCommandID(payload.CommandID).Warn("Progress transition failed", zap.Error(err))
		}
	}

	r.forwardToRequester(cmd.RequesterID, msg)
	if mirror {
		r.publishOutbox(payload.CommandID, "command_progress", msg)
	}
}

// applyResult finishes a command from one result frame. mirror controls
// whether the frame is also published on the command outbox.
func (r *Router) applyResult(cmd *command.Command, payload *protocol.ResultPayload, msg *protocol.Message, mirror bool) {
	r.disarm(payload.CommandID)

	if cmd.Status.Terminal() {
		// A result after Lost (or a duplicate) is recorded for inspection but
		// never re-transitions the command.
		if err := r.commands.RecordLateResult(payload.CommandID, payload); err == nil {
			r.logger.WithCommandID(payload.CommandID).Warn("Late result recorded",
				zap.String("status", string(cmd.Status)))
		}
		return
	}

	status := command.StatusCompleted
	if payload.ExitCode != 0 || payload.Cancelled || payload.ErrorKind != "" {
		status = command.StatusFailed
	}
	if payload.ErrorKind != "" {
		r.commands.SetFailureReason(payload.CommandID, payload.ErrorKind)
	} else if payload.Cancelled {
		r.commands.SetFailureReason(payload.CommandID, apperrors.ErrCodeCancelled)
	}

	if _, err := r.commands.Transition(payload.CommandID, status, payload); err != nil {
		r.logger.WithCommandID(payload.CommandID).Error("Result transition failed", zap.Error(err))
		return
	}

	r.logger.WithCommandID(payload.CommandID).Info("Command finished",
		zap.String("status", string(status)),
		zap.Int("exit_code", payload.ExitCode))

	r.forwardToRequester(cmd.RequesterID, msg)
	if mirror {
		r.publishOutbox(payload.CommandID, "command_result", msg)
	}
	// The unsubscribe must not run on the bus delivery goroutine.
	go r.dropOutboxSub(payload.CommandID)
}

func (r *Router) handleAgentInfo(sessionID string, msg *protocol.Message) {
	var payload protocol.AgentInfoPayload
	if err := msg.ParsePayload(&payload); err != nil {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "malformed agent_info payload")
		return
	}
	agent, err := r.agents.BySession(sessionID)
	if err != nil {
		r.sendError(sessionID, apperrors.ErrCodeProtocolViolation, "agent_info before register")
		return
	}
	if err := r.agents.UpdateInfo(agent.AgentID, payload.Info); err != nil {
		r.logger.WithAgentID(agent.AgentID).Warn("Info update failed", zap.Error(err))
	}
}

// forwardToRequester relays a frame to every client session of the requester.
func (r *Router) forwardToRequester(requesterID string, msg *protocol.Message) {
	if requesterID == "" {
		return
	}
	r.hub.SendToUser(requesterID, msg)
}

// sendError pushes a protocol error frame to one session, best effort.
func (r *Router) sendError(sessionID, code, message string) {
	msg, err := protocol.NewMessage(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	_ = r.hub.Send(sessionID, msg)
}

// armDeadline starts the overall execution deadline for a command. On expiry
// a cancellation is sent and the command is declared lost after the grace
// interval if no result arrives.
func (r *Router) armDeadline(commandID string) {
	if r.deadline <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadlineTimers[commandID] = time.AfterFunc(r.deadline, func() {
		r.onDeadline(commandID)
	})
}

func (r *Router) onDeadline(commandID string) {
	cmd, err := r.commands.Get(commandID)
	if err != nil || cmd.Status.Terminal() {
		return
	}

	r.logger.WithCommandID(commandID).Warn("Command deadline expired, cancelling")
	if err := r.Cancel(commandID, ""); err != nil {
		r.logger.WithCommandID(commandID).Warn("Deadline cancel not delivered", zap.Error(err))
	}

	// The deadline has fired; the grace armed here must survive re-registers.
	r.mu.Lock()
	if t, ok := r.deadlineTimers[commandID]; ok {
		t.Stop()
		delete(r.deadlineTimers, commandID)
	}
	r.mu.Unlock()
	r.armGrace(commandID)
}

// armGrace schedules the Lost transition unless a result lands first.
func (r *Router) armGrace(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.graceTimers[commandID]; ok {
		return
	}
	r.graceTimers[commandID] = time.AfterFunc(r.grace, func() {
		r.markLost(commandID)
	})
}

// releaseGrace stops a disconnect-armed grace timer when the agent's session
// was replaced in time. Grace without a live deadline timer came from a
// deadline expiry and is left standing.
func (r *Router) releaseGrace(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, deadlineArmed := r.deadlineTimers[commandID]; !deadlineArmed {
		return
	}
	if t, ok := r.graceTimers[commandID]; ok {
		t.Stop()
		delete(r.graceTimers, commandID)
	}
}

// disarm stops all timers for a command.
func (r *Router) disarm(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.deadlineTimers[commandID]; ok {
		t.Stop()
		delete(r.deadlineTimers, commandID)
	}
	if t, ok := r.graceTimers[commandID]; ok {
		t.Stop()
		delete(r.graceTimers, commandID)
	}
}

// markLost declares a command lost and synthesizes a terminal frame for the
// requester.
func (r *Router) markLost(commandID string) {
	r.disarm(commandID)
	r.dropOutboxSub(commandID)

	cmd, err := r.commands.Get(commandID)
	if err != nil || cmd.Status.Terminal() {
		return
	}

	r.commands.SetFailureReason(commandID, apperrors.ErrCodeLost)
	if _, err := r.commands.Transition(commandID, command.StatusLost, nil); err != nil {
		r.logger.WithCommandID(commandID).Error("Lost transition failed", zap.Error(err))
		return
	}
	r.logger.WithCommandID(commandID).Warn("Command lost")

	result := protocol.ResultPayload{
		CommandID: commandID,
		ExitCode:  -1,
		Stderr:    "command lost: agent session dropped or deadline expired",
		Target:    cmd.ExecutionTarget,
		ErrorKind: apperrors.ErrCodeLost,
		Timestamp: time.Now().UTC(),
	}
	if msg, err := protocol.NewMessage(protocol.EventCommandResult, result); err == nil {
		r.forwardToRequester(cmd.RequesterID, msg)
		r.publishOutbox(commandID, "command_result", msg)
	}
}

// subscribeInbox binds the agent's shared-bus inbox to its local session so
// frames published by peer replicas reach the agent held here.
func (r *Router) subscribeInbox(agentID string) {
	if r.eventBus == nil {
		return
	}

	r.mu.Lock()
	if _, ok := r.inboxSubs[agentID]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	sub, err := r.eventBus.Subscribe(bus.AgentInbox(agentID), func(ctx context.Context, event *bus.Event) error {
		return r.deliverInbox(agentID, event)
	})
	if err != nil {
		r.logger.WithAgentID(agentID).Warn("Inbox subscription failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.inboxSubs[agentID] = sub
	r.mu.Unlock()
}

func (r *Router) deliverInbox(agentID string, event *bus.Event) error {
	agent, err := r.agents.Get(agentID)
	if err != nil {
		return err
	}
	if agent.Remote {
		return nil
	}
	frame, ok := event.Data["frame"].(string)
	if !ok {
		return apperrors.BadRequest("inbox event without frame")
	}
	msg, err := protocol.Decode([]byte(frame))
	if err != nil {
		return err
	}
	return r.hub.Send(agent.SessionID, msg)
}

func (r *Router) dropInboxSub(agentID string) {
	r.mu.Lock()
	sub, ok := r.inboxSubs[agentID]
	if ok {
		delete(r.inboxSubs, agentID)
	}
	r.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.WithAgentID(agentID).Warn("Inbox unsubscribe failed", zap.Error(err))
		}
	}
}

// subscribeOutbox consumes progress and results for a command dispatched to a
// peer replica.
func (r *Router) subscribeOutbox(commandID string) {
	r.mu.Lock()
	if _, ok := r.outboxSubs[commandID]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	sub, err := r.eventBus.Subscribe(bus.CommandOutbox(commandID), func(ctx context.Context, event *bus.Event) error {
		return r.deliverOutbox(commandID, event)
	})
	if err != nil {
		r.logger.Warn("Outbox subscription failed",
			zap.String("command_id", commandID),
			zap.Error(err))
		return
	}

	r.mu.Lock()
	r.outboxSubs[commandID] = sub
	r.mu.Unlock()
}

func (r *Router) deliverOutbox(commandID string, event *bus.Event) error {
	frame, ok := event.Data["frame"].(string)
	if !ok {
		return apperrors.BadRequest("outbox event without frame")
	}
	msg, err := protocol.Decode([]byte(frame))
	if err != nil {
		return err
	}

	cmd, err := r.commands.Get(commandID)
	if err != nil {
		return nil
	}
	// The session path owns commands whose agent is held locally.
	if agent, err := r.agents.Get(cmd.AgentID); err == nil && !agent.Remote {
		return nil
	}

	switch msg.Event {
	case protocol.EventCommandProgress:
		var payload protocol.ProgressPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.CommandID == "" {
			return err
		}
		r.applyProgress(cmd, &payload, msg, false)
	case protocol.EventCommandResult:
		var payload protocol.ResultPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.CommandID == "" {
			return err
		}
		r.applyResult(cmd, &payload, msg, false)
	}
	return nil
}

func (r *Router) dropOutboxSub(commandID string) {
	r.mu.Lock()
	sub, ok := r.outboxSubs[commandID]
	if ok {
		delete(r.outboxSubs, commandID)
	}
	r.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("Outbox unsubscribe failed",
				zap.String("command_id", commandID),
				zap.Error(err))
		}
	}
}

// publishOutbox mirrors a requester-bound frame onto the shared bus so the
// replica holding the requester's session can relay it.
func (r *Router) publishOutbox(commandID, eventType string, msg *protocol.Message) {
	if r.eventBus == nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	event := bus.NewEvent(eventType, "controller", map[string]interface{}{
		"command_id": commandID,
		"frame":      string(data),
	})
	if err := r.eventBus.Publish(context.Background(), bus.CommandOutbox(commandID), event); err != nil {
		r.logger.Warn("Outbox publish failed",
			zap.String("command_id", commandID),
			zap.Error(err))
	}
}

// Shutdown stops timers and drops bus subscriptions.
func (r *Router) Shutdown() {
	r.mu.Lock()
	for id, t := range r.deadlineTimers {
		t.Stop()
		delete(r.deadlineTimers, id)
	}
	for id, t := range r.graceTimers {
		t.Stop()
		delete(r.graceTimers, id)
	}
	subs := make([]bus.Subscription, 0, len(r.inboxSubs)+len(r.outboxSubs))
	for id, sub := range r.inboxSubs {
		subs = append(subs, sub)
		delete(r.inboxSubs, id)
	}
	for id, sub := range r.outboxSubs {
		subs = append(subs, sub)
		delete(r.outboxSubs, id)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
