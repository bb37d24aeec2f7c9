// Package core implements the agent process: it connects to the controller,
// registers, and executes dispatched commands with streaming progress.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ogent/ogent/internal/agent/executor"
	"github.com/ogent/ogent/internal/common/config"
	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/pkg/protocol"
)

// Version is reported in the agent's capability info.
const Version = "1.0.0"

const (
	registerAckTimeout = 10 * time.Second
	maxBackoff         = 5 * time.Minute
	commandQueueSize   = 64
)

// ErrReconnectExhausted is returned by Run when the configured reconnect
// attempts are used up without establishing a session.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Agent is the long-running agent process state.
type Agent struct {
	cfg      config.AgentConfig
	selector *executor.Selector
	logger   *logger.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	// pending holds results whose send failed; they are redelivered once a
	// new session is registered.
	pendingMu sync.Mutex
	pending   map[string]protocol.ResultPayload

	queue chan protocol.ExecutePayload

	assignedID string
}

// New creates an agent from config and its executors.
func New(cfg config.AgentConfig, selector *executor.Selector, log *logger.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		selector: selector,
		logger:   log.WithFields(zap.String("component", "agent")),
		cancels:  make(map[string]context.CancelFunc),
		pending:  make(map[string]protocol.ResultPayload),
		queue:    make(chan protocol.ExecutePayload, commandQueueSize),
	}
}

// Run connects to the controller and serves commands until the context is
// cancelled. Dropped connections are retried with exponential backoff up to
// the configured attempt limit. Executions live for the agent's lifetime, not
// the connection's: a command keeps running through a reconnect and its
// result is redelivered on the next session.
func (a *Agent) Run(ctx context.Context) error {
	workers := a.startWorkers(ctx)
	defer func() {
		close(a.queue)
		_ = workers.Wait()
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if a.cfg.MaxReconnectAttempts > 0 && attempts >= a.cfg.MaxReconnectAttempts {
			a.logger.Error("Giving up on controller connection",
				zap.Int("attempts", attempts),
				zap.Error(err))
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err)
		}

		backoff := a.backoff(attempts)
		a.logger.Warn("Connection lost, reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) backoff(attempt int) time.Duration {
	base := a.cfg.ReconnectDelay()
	if base <= 0 {
		base = 5 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// connectAndServe runs one full session: authenticate, dial, register, then
// pump commands until the connection drops.
func (a *Agent) connectAndServe(ctx context.Context) error {
	token, err := fetchToken(ctx, a.cfg.ControllerURL, a.cfg.Username, a.cfg.Password)
	if err != nil {
		return err
	}

	endpoint, err := wsEndpoint(a.cfg.ControllerURL, token)
	if err != nil {
		return err
	}

	conn, err := dial(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()

	if err := a.register(conn); err != nil {
		return err
	}

	a.logger.Info("Registered with controller",
		zap.String("agent_id", a.assignedID),
		zap.Bool("remote_enabled", a.selector.RemoteAvailable()))

	a.flushPending()

	return a.serve(conn)
}

// register announces the agent and waits for the acknowledgment carrying the
// authoritative agent id.
func (a *Agent) register(conn *websocket.Conn) error {
	msg, err := protocol.NewMessage(protocol.EventRegister, protocol.RegisterPayload{
		AgentID: a.preferredID(),
		Info:    a.capabilityInfo(),
	})
	if err != nil {
		return err
	}
	if err := a.write(msg); err != nil {
		return fmt.Errorf("register send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(registerAckTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for register_ack: %w", err)
		}
		ack, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if ack.Event != protocol.EventRegisterAck {
			continue
		}

		var payload protocol.RegisterAckPayload
		if err := ack.ParsePayload(&payload); err != nil {
			return fmt.Errorf("malformed register_ack: %w", err)
		}
		a.assignedID = payload.AssignedAgentID
		return nil
	}
}

// preferredID returns the id to request: the configured override, or the id
// assigned on a previous session so reconnects keep their identity.
func (a *Agent) preferredID() string {
	if a.cfg.AgentIDOverride != "" {
		return a.cfg.AgentIDOverride
	}
	return a.assignedID
}

// capabilityInfo builds the info map reported at registration.
func (a *Agent) capabilityInfo() protocol.AgentInfo {
	hostname, _ := os.Hostname()
	info := protocol.AgentInfo{
		"hostname":       hostname,
		"platform":       runtime.GOOS,
		"arch":           runtime.GOARCH,
		"version":        Version,
		"go_version":     runtime.Version(),
		"remote_enabled": a.selector.RemoteAvailable(),
		"concurrency":    a.cfg.ConcurrencyLimit,
	}
	if a.cfg.Remote.Enabled {
		info["remote_target"] = a.cfg.Remote.Host
	}
	return info
}

// startWorkers spins up the bounded execution pool. Workers draw from the
// command queue in dispatch order and outlive any single connection.
func (a *Agent) startWorkers(ctx context.Context) *errgroup.Group {
	workers := new(errgroup.Group)

	limit := a.cfg.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	for i := 0; i < limit; i++ {
		workers.Go(func() error {
			for payload := range a.queue {
				a.execute(ctx, payload)
			}
			return nil
		})
	}
	return workers
}

// serve pumps inbound frames until the connection drops, feeding executions
// to the worker pool.
func (a *Agent) serve(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection read failed: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		switch msg.Event {
		case protocol.EventExecuteCommand:
			var payload protocol.ExecutePayload
			if err := msg.ParsePayload(&payload); err != nil || payload.CommandID == "" {
				a.logger.Warn("Malformed execute payload", zap.Error(err))
				continue
			}
			select {
			case a.queue <- payload:
			default:
				a.logger.Error("Command queue full, refusing command",
					zap.String("command_id", payload.CommandID))
				a.sendResult(protocol.ResultPayload{
					CommandID: payload.CommandID,
					ExitCode:  -1,
					Stderr:    "agent command queue is full",
					ErrorKind: apperrors.ErrCodeExecutionError,
					Target:    payload.ExecutionTarget,
					Timestamp: time.Now().UTC(),
				})
			}

		case protocol.EventCancelCommand:
			var payload protocol.CancelPayload
			if err := msg.ParsePayload(&payload); err != nil {
				continue
			}
			a.cancelCommand(payload.CommandID)

		case protocol.EventError:
			var payload protocol.ErrorPayload
			_ = msg.ParsePayload(&payload)
			a.logger.Warn("Controller reported error",
				zap.String("code", payload.Code),
				zap.String("message", payload.Message))

		default:
			a.logger.Debug("Ignoring event", zap.String("event", msg.Event))
		}
	}
}

// execute runs one command end to end and sends exactly one result frame.
func (a *Agent) execute(ctx context.Context, payload protocol.ExecutePayload) {
	log := a.logger.WithCommandID(payload.CommandID)

	cmdCtx, cancel := context.WithCancel(ctx)
	a.trackCancel(payload.CommandID, cancel)
	defer a.untrackCancel(payload.CommandID)
	defer cancel()

	exec, err := a.selector.Select(payload.ExecutionTarget)
	if err != nil {
		log.Warn("No executor for target",
			zap.String("target", payload.ExecutionTarget),
			zap.Error(err))
		a.sendResult(protocol.ResultPayload{
			CommandID: payload.CommandID,
			ExitCode:  -1,
			Stderr:    err.Error(),
			ErrorKind: apperrors.Code(err),
			Target:    payload.ExecutionTarget,
			Timestamp: time.Now().UTC(),
		})
		return
	}

	log.Info("Executing command", zap.String("executor", exec.Type()))
	a.sendProgress(protocol.ProgressPayload{
		CommandID: payload.CommandID,
		Status:    protocol.ProgressRunning,
		Message:   "execution started",
		Timestamp: time.Now().UTC(),
	})

	result, err := exec.Run(cmdCtx, payload.Command, func(p executor.Progress) {
		a.sendProgress(protocol.ProgressPayload{
			CommandID:   payload.CommandID,
			Status:      protocol.ProgressRunning,
			StdoutChunk: p.StdoutChunk,
			StderrChunk: p.StderrChunk,
			Timestamp:   time.Now().UTC(),
		})
	})
	if err != nil {
		log.Error("Execution failed", zap.Error(err))
		a.sendResult(protocol.ResultPayload{
			CommandID: payload.CommandID,
			ExitCode:  -1,
			Stderr:    err.Error(),
			ErrorKind: apperrors.ErrCodeExecutionError,
			Target:    payload.ExecutionTarget,
			Timestamp: time.Now().UTC(),
		})
		return
	}

	out := protocol.ResultPayload{
		CommandID:     payload.CommandID,
		ExitCode:      result.ExitCode,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExecutionType: result.ExecutionType,
		Target:        payload.ExecutionTarget,
		Cancelled:     result.Cancelled,
		Timestamp:     time.Now().UTC(),
	}
	if result.Cancelled {
		out.ErrorKind = apperrors.ErrCodeCancelled
	}

	log.Info("Command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("cancelled", result.Cancelled))
	a.sendResult(out)
}

func (a *Agent) trackCancel(commandID string, cancel context.CancelFunc) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	a.cancels[commandID] = cancel
}

func (a *Agent) untrackCancel(commandID string) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	delete(a.cancels, commandID)
}

// cancelCommand stops a running command. Unknown ids are ignored; the command
// may already have finished.
func (a *Agent) cancelCommand(commandID string) {
	a.cancelMu.Lock()
	cancel, ok := a.cancels[commandID]
	a.cancelMu.Unlock()

	if ok {
		a.logger.WithCommandID(commandID).Info("Cancelling command")
		cancel()
	}
}

func (a *Agent) sendProgress(payload protocol.ProgressPayload) {
	msg, err := protocol.NewMessage(protocol.EventCommandProgress, payload)
	if err != nil {
		return
	}
	if err := a.write(msg); err != nil {
		a.logger.WithCommandID(payload.CommandID).Warn("Progress send failed", zap.Error(err))
	}
}

func (a *Agent) sendResult(payload protocol.ResultPayload) {
	msg, err := protocol.NewMessage(protocol.EventCommandResult, payload)
	if err != nil {
		return
	}
	if err := a.write(msg); err != nil {
		a.logger.WithCommandID(payload.CommandID).Warn("Result send failed, queued for redelivery",
			zap.Error(err))
		a.pendingMu.Lock()
		a.pending[payload.CommandID] = payload
		a.pendingMu.Unlock()
	}
}

// flushPending redelivers results that could not be sent before the previous
// connection dropped.
func (a *Agent) flushPending() {
	a.pendingMu.Lock()
	pending := make([]protocol.ResultPayload, 0, len(a.pending))
	for _, payload := range a.pending {
		pending = append(pending, payload)
	}
	a.pendingMu.Unlock()

	for _, payload := range pending {
		msg, err := protocol.NewMessage(protocol.EventCommandResult, payload)
		if err != nil {
			continue
		}
		if err := a.write(msg); err != nil {
			a.logger.WithCommandID(payload.CommandID).Warn("Result redelivery failed", zap.Error(err))
			continue
		}
		a.logger.WithCommandID(payload.CommandID).Info("Result redelivered")
		a.pendingMu.Lock()
		delete(a.pending, payload.CommandID)
		a.pendingMu.Unlock()
	}
}

// write serializes frame writes; gorilla connections allow one writer at a
// time.
func (a *Agent) write(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}
