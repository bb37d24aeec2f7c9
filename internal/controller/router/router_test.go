package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogent/ogent/internal/common/config"
	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/internal/controller/ai"
	"github.com/ogent/ogent/internal/controller/auth"
	"github.com/ogent/ogent/internal/controller/command"
	"github.com/ogent/ogent/internal/controller/registry"
	"github.com/ogent/ogent/internal/controller/ws"
	"github.com/ogent/ogent/internal/events/bus"
	"github.com/ogent/ogent/pkg/protocol"
)

const frameTimeout = 3 * time.Second

type routerStack struct {
	srv      *httptest.Server
	router   *Router
	agents   *registry.Registry
	commands *command.Registry
	auth     *auth.Service
}

func setupRouterStack(t *testing.T, cfg config.ControllerConfig) *routerStack {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return newRouterStack(t, cfg, config.AIConfig{}, eventBus)
}

// newRouterStack wires a full controller stack on the given bus. Tests that
// exercise replica interplay create two stacks sharing one bus.
func newRouterStack(t *testing.T, cfg config.ControllerConfig, aiCfg config.AIConfig, eventBus bus.EventBus) *routerStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	authSvc := auth.NewService(cfg)
	agents := registry.NewRegistry(eventBus, log)
	t.Cleanup(agents.Close)
	commands := command.NewRegistry(cfg.CommandRetention, log)
	processor := ai.NewProcessor(aiCfg, log)

	hub := ws.NewHub(log)
	rt := New(hub, agents, commands, processor, eventBus, cfg, aiCfg, log)
	hub.SetSink(rt)
	t.Cleanup(rt.Shutdown)
	wsHandler := ws.NewHandler(hub, authSvc, log)

	engine := gin.New()
	engine.GET("/ws", auth.Middleware(authSvc), wsHandler.Serve)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.CloseAll)

	return &routerStack{srv: srv, router: rt, agents: agents, commands: commands, auth: authSvc}
}

func defaultConfig() config.ControllerConfig {
	return config.ControllerConfig{
		TokenSecret:            "test-secret",
		TokenTTLMinutes:        5,
		AdminUsername:          "admin",
		AdminPassword:          "s3cret",
		CommandRetention:       100,
		CommandDeadlineSeconds: 300,
		GraceSeconds:           30,
	}
}

func execInput(agentID, commandText string) ExecuteInput {
	return ExecuteInput{
		AgentID:     agentID,
		Command:     commandText,
		Target:      protocol.TargetAuto,
		RequesterID: "admin",
	}
}

// fakeAIBackend serves canned chat completions and counts requests.
func fakeAIBackend(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *routerStack) dial(t *testing.T, role string) *websocket.Conn {
	t.Helper()
	token, err := s.auth.Generate("admin")
	require.NoError(t, err)

	endpoint := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?role=" + role + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(event, payload)
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// registerAgent performs the register handshake and returns the assigned id.
func (s *routerStack) registerAgent(t *testing.T, conn *websocket.Conn, agentID string) string {
	t.Helper()
	sendFrame(t, conn, protocol.EventRegister, protocol.RegisterPayload{
		AgentID: agentID,
		Info:    protocol.AgentInfo{"hostname": "test-host"},
	})

	ack := readFrame(t, conn)
	require.Equal(t, protocol.EventRegisterAck, ack.Event)

	var payload protocol.RegisterAckPayload
	require.NoError(t, ack.ParsePayload(&payload))
	require.Equal(t, "registered", payload.Status)
	return payload.AssignedAgentID
}

func TestRegisterHandshake(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())
	conn := s.dial(t, "agent")

	assigned := s.registerAgent(t, conn, "agent-alpha")
	assert.Equal(t, "agent-alpha", assigned)

	agent, err := s.agents.Get("agent-alpha")
	require.NoError(t, err)
	assert.Equal(t, "test-host", agent.Info["hostname"])
}

func TestRegisterWithoutIDSynthesizes(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())
	conn := s.dial(t, "agent")

	assigned := s.registerAgent(t, conn, "")
	assert.True(t, strings.HasPrefix(assigned, "agent-"))

	_, err := s.agents.Get(assigned)
	assert.NoError(t, err)
}

func TestReRegisterClosesStaleSession(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	oldConn := s.dial(t, "agent")
	s.registerAgent(t, oldConn, "agent-alpha")

	newConn := s.dial(t, "agent")
	s.registerAgent(t, newConn, "agent-alpha")

	// The stale connection is closed by the controller
	oldConn.SetReadDeadline(time.Now().Add(frameTimeout))
	_, _, err := oldConn.ReadMessage()
	assert.Error(t, err)

	agent, err := s.agents.Get("agent-alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, s.agents.Count())
	assert.NotEmpty(t, agent.SessionID)
}

func TestExecuteFlow(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")
	clientConn := s.dial(t, "client")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "uptime"))
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, cmd.Status)

	// The agent receives the execute frame
	frame := readFrame(t, agentConn)
	require.Equal(t, protocol.EventExecuteCommand, frame.Event)
	var exec protocol.ExecutePayload
	require.NoError(t, frame.ParsePayload(&exec))
	assert.Equal(t, cmd.CommandID, exec.CommandID)
	assert.Equal(t, "uptime", exec.Command)

	// First progress moves the command to running and reaches the requester
	sendFrame(t, agentConn, protocol.EventCommandProgress, protocol.ProgressPayload{
		CommandID:   cmd.CommandID,
		Status:      protocol.ProgressRunning,
		StdoutChunk: "up 3 days\n",
		Timestamp:   time.Now().UTC(),
	})

	progress := readFrame(t, clientConn)
	require.Equal(t, protocol.EventCommandProgress, progress.Event)

	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusRunning
	}, frameTimeout, 10*time.Millisecond)

	// The result completes the command and reaches the requester
	sendFrame(t, agentConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID:     cmd.CommandID,
		ExitCode:      0,
		Stdout:        "up 3 days\n",
		ExecutionType: "local",
		Target:        protocol.TargetAuto,
		Timestamp:     time.Now().UTC(),
	})

	result := readFrame(t, clientConn)
	require.Equal(t, protocol.EventCommandResult, result.Event)

	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusCompleted
	}, frameTimeout, 10*time.Millisecond)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "up 3 days\n", got.Result.Stdout)
}

func TestExecuteUnknownAgent(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	_, err := s.router.ExecuteCommand(context.Background(), execInput("nope", "uptime"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAgentNotFound, apperrors.Code(err))
}

func TestExecuteUndeliverable(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())
	// Bypass the handshake: the registry knows the agent, the hub has no
	// session for it.
	s.agents.Register("sess-gone", "agent-alpha", nil)

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "uptime"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotDeliverable, apperrors.Code(err))
	require.NotNil(t, cmd)
	assert.Equal(t, command.StatusFailed, cmd.Status)
	assert.Equal(t, apperrors.ErrCodeNotDeliverable, cmd.FailureReason)
}

func TestExecuteWithoutOptInSkipsPreProcessing(t *testing.T) {
	var calls atomic.Int32
	backend := fakeAIBackend(t,
		`{"safe":true,"risk_level":"low","optimized_command":"uptime -p","purpose":"show uptime"}`,
		&calls)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	aiCfg := config.AIConfig{BackendURL: backend.URL, BackendKey: "test-key", Model: "test-model", TimeoutSeconds: 5}
	s := newRouterStack(t, defaultConfig(), aiCfg, eventBus)

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	in := execInput("agent-alpha", "uptime")
	require.False(t, in.UseAI)
	cmd, err := s.router.ExecuteCommand(context.Background(), in)
	require.NoError(t, err)

	// The backend is never consulted and the command goes out verbatim
	assert.Equal(t, int32(0), calls.Load())

	frame := readFrame(t, agentConn)
	require.Equal(t, protocol.EventExecuteCommand, frame.Event)
	var exec protocol.ExecutePayload
	require.NoError(t, frame.ParsePayload(&exec))
	assert.Equal(t, "uptime", exec.Command)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, "uptime", got.ProcessedText)
	assert.Nil(t, got.AIReport)
}

func TestExecuteWithOptInRewritesCommand(t *testing.T) {
	var calls atomic.Int32
	backend := fakeAIBackend(t,
		`{"safe":true,"risk_level":"low","optimized_command":"uptime -p","purpose":"show uptime"}`,
		&calls)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	aiCfg := config.AIConfig{BackendURL: backend.URL, BackendKey: "test-key", Model: "test-model", TimeoutSeconds: 5}
	s := newRouterStack(t, defaultConfig(), aiCfg, eventBus)

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	in := execInput("agent-alpha", "uptime")
	in.UseAI = true
	cmd, err := s.router.ExecuteCommand(context.Background(), in)
	require.NoError(t, err)

	// Validate, optimize, enrich: one backend round trip each
	assert.Equal(t, int32(3), calls.Load())

	frame := readFrame(t, agentConn)
	require.Equal(t, protocol.EventExecuteCommand, frame.Event)
	var exec protocol.ExecutePayload
	require.NoError(t, frame.ParsePayload(&exec))
	assert.Equal(t, "uptime -p", exec.Command)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, "uptime -p", got.ProcessedText)
	assert.Equal(t, "uptime", got.CommandText)
	require.NotNil(t, got.AIReport)
}

func TestClientCannotForgeResult(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")
	clientConn := s.dial(t, "client")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "uptime"))
	require.NoError(t, err)
	readFrame(t, agentConn) // execute frame

	sendFrame(t, clientConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: 0, Stdout: "forged", Timestamp: time.Now().UTC(),
	})

	frame := readFrame(t, clientConn)
	require.Equal(t, protocol.EventError, frame.Event)
	var payload protocol.ErrorPayload
	require.NoError(t, frame.ParsePayload(&payload))
	assert.Equal(t, apperrors.ErrCodeProtocolViolation, payload.Code)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, got.Status)
	assert.Nil(t, got.Result)
}

func TestResultFromAnotherAgentRejected(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	alphaConn := s.dial(t, "agent")
	s.registerAgent(t, alphaConn, "agent-alpha")
	betaConn := s.dial(t, "agent")
	s.registerAgent(t, betaConn, "agent-beta")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "uptime"))
	require.NoError(t, err)
	readFrame(t, alphaConn) // execute frame

	sendFrame(t, betaConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: 0, Stdout: "hijacked", Timestamp: time.Now().UTC(),
	})

	frame := readFrame(t, betaConn)
	require.Equal(t, protocol.EventError, frame.Event)
	var payload protocol.ErrorPayload
	require.NoError(t, frame.ParsePayload(&payload))
	assert.Equal(t, apperrors.ErrCodeProtocolViolation, payload.Code)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, got.Status)
}

func TestNonzeroExitFails(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "false"))
	require.NoError(t, err)
	readFrame(t, agentConn) // execute frame

	sendFrame(t, agentConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID,
		ExitCode:  1,
		Timestamp: time.Now().UTC(),
	})

	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusFailed
	}, frameTimeout, 10*time.Millisecond)
}

func TestDuplicateResultRecordedOnce(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "uptime"))
	require.NoError(t, err)
	readFrame(t, agentConn)

	sendFrame(t, agentConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: 0, Stdout: "first", Timestamp: time.Now().UTC(),
	})
	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusCompleted
	}, frameTimeout, 10*time.Millisecond)

	sendFrame(t, agentConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: 1, Stdout: "second", Timestamp: time.Now().UTC(),
	})

	// The duplicate is recorded as late but the terminal status stands
	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.LateResult
	}, frameTimeout, 10*time.Millisecond)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, got.Status)
}

func TestLateProgressCounted(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "uptime"))
	require.NoError(t, err)
	readFrame(t, agentConn)

	sendFrame(t, agentConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: 0, Timestamp: time.Now().UTC(),
	})
	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status.Terminal()
	}, frameTimeout, 10*time.Millisecond)

	sendFrame(t, agentConn, protocol.EventCommandProgress, protocol.ProgressPayload{
		CommandID: cmd.CommandID, Status: protocol.ProgressRunning, Timestamp: time.Now().UTC(),
	})

	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.LateFrames == 1
	}, frameTimeout, 10*time.Millisecond)
}

func TestDisconnectDeclaresLostAfterGrace(t *testing.T) {
	cfg := defaultConfig()
	cfg.GraceSeconds = 1
	s := setupRouterStack(t, cfg)

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")
	clientConn := s.dial(t, "client")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "sleep 60"))
	require.NoError(t, err)
	readFrame(t, agentConn)

	agentConn.Close()

	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusLost
	}, 5*time.Second, 50*time.Millisecond)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, apperrors.ErrCodeLost, got.FailureReason)

	// The requester receives a synthesized terminal frame
	frame := readFrame(t, clientConn)
	require.Equal(t, protocol.EventCommandResult, frame.Event)
	var result protocol.ResultPayload
	require.NoError(t, frame.ParsePayload(&result))
	assert.Equal(t, apperrors.ErrCodeLost, result.ErrorKind)

	// The agent is gone from the registry
	_, err = s.agents.Get("agent-alpha")
	assert.Error(t, err)
}

func TestReconnectWithinGraceKeepsCommand(t *testing.T) {
	cfg := defaultConfig()
	cfg.GraceSeconds = 1
	s := setupRouterStack(t, cfg)

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "sleep 60"))
	require.NoError(t, err)
	readFrame(t, agentConn)

	agentConn.Close()
	require.Eventually(t, func() bool {
		_, err := s.agents.Get("agent-alpha")
		return err != nil
	}, frameTimeout, 10*time.Millisecond)

	// The same agent comes back on a fresh session before the grace elapses
	newConn := s.dial(t, "agent")
	s.registerAgent(t, newConn, "agent-alpha")

	// Well past the grace interval the command is still in flight
	time.Sleep(1500 * time.Millisecond)
	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, got.Status)

	sendFrame(t, newConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: 0, Stdout: "done\n", Timestamp: time.Now().UTC(),
	})

	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusCompleted
	}, frameTimeout, 10*time.Millisecond)
}

func TestDeadlineExpiryCancelsThenLost(t *testing.T) {
	cfg := defaultConfig()
	cfg.CommandDeadlineSeconds = 1
	cfg.GraceSeconds = 1
	s := setupRouterStack(t, cfg)

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")
	clientConn := s.dial(t, "client")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "sleep 600"))
	require.NoError(t, err)
	readFrame(t, agentConn) // execute frame

	// The deadline fires and the agent is asked to cancel
	frame := readFrame(t, agentConn)
	require.Equal(t, protocol.EventCancelCommand, frame.Event)
	var cancel protocol.CancelPayload
	require.NoError(t, frame.ParsePayload(&cancel))
	assert.Equal(t, cmd.CommandID, cancel.CommandID)

	// The agent never confirms; the grace elapses and the command is lost
	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusLost
	}, 5*time.Second, 50*time.Millisecond)

	got, err := s.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, apperrors.ErrCodeLost, got.FailureReason)

	result := readFrame(t, clientConn)
	require.Equal(t, protocol.EventCommandResult, result.Event)
	var payload protocol.ResultPayload
	require.NoError(t, result.ParsePayload(&payload))
	assert.Equal(t, apperrors.ErrCodeLost, payload.ErrorKind)
}

func TestPeerReplicaDispatchRoundTrip(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	shared := bus.NewMemoryEventBus(log)
	t.Cleanup(shared.Close)

	requesterSide := newRouterStack(t, defaultConfig(), config.AIConfig{}, shared)
	agentSide := newRouterStack(t, defaultConfig(), config.AIConfig{}, shared)

	agentConn := agentSide.dial(t, "agent")
	agentSide.registerAgent(t, agentConn, "agent-alpha")
	clientConn := requesterSide.dial(t, "client")

	// Presence mirrors the peer-held agent into the requester-side registry
	require.Eventually(t, func() bool {
		agent, err := requesterSide.agents.Get("agent-alpha")
		return err == nil && agent.Remote
	}, frameTimeout, 10*time.Millisecond)

	cmd, err := requesterSide.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "uptime"))
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, cmd.Status)

	// The execute frame crosses the bus and reaches the agent's session
	frame := readFrame(t, agentConn)
	require.Equal(t, protocol.EventExecuteCommand, frame.Event)
	var exec protocol.ExecutePayload
	require.NoError(t, frame.ParsePayload(&exec))
	assert.Equal(t, cmd.CommandID, exec.CommandID)
	assert.Equal(t, "uptime", exec.Command)

	// Progress relayed from the agent-holding replica reaches the requester
	sendFrame(t, agentConn, protocol.EventCommandProgress, protocol.ProgressPayload{
		CommandID:   cmd.CommandID,
		Status:      protocol.ProgressRunning,
		StdoutChunk: "up 3 days\n",
		Timestamp:   time.Now().UTC(),
	})

	progress := readFrame(t, clientConn)
	require.Equal(t, protocol.EventCommandProgress, progress.Event)
	assert.Eventually(t, func() bool {
		got, err := requesterSide.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusRunning
	}, frameTimeout, 10*time.Millisecond)

	sendFrame(t, agentConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: 0, Stdout: "up 3 days\n", Timestamp: time.Now().UTC(),
	})

	result := readFrame(t, clientConn)
	require.Equal(t, protocol.EventCommandResult, result.Event)

	assert.Eventually(t, func() bool {
		got, err := requesterSide.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusCompleted
	}, frameTimeout, 10*time.Millisecond)

	got, err := requesterSide.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "up 3 days\n", got.Result.Stdout)

	// The agent-holding replica never tracked the record
	_, err = agentSide.commands.Get(cmd.CommandID)
	assert.Error(t, err)
}

func TestCancelFlow(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "sleep 60"))
	require.NoError(t, err)
	readFrame(t, agentConn)

	require.NoError(t, s.router.Cancel(cmd.CommandID, "admin"))

	frame := readFrame(t, agentConn)
	require.Equal(t, protocol.EventCancelCommand, frame.Event)
	var cancel protocol.CancelPayload
	require.NoError(t, frame.ParsePayload(&cancel))
	assert.Equal(t, cmd.CommandID, cancel.CommandID)

	// The agent confirms with a cancelled result
	sendFrame(t, agentConn, protocol.EventCommandResult, protocol.ResultPayload{
		CommandID: cmd.CommandID, ExitCode: -1, Cancelled: true,
		ErrorKind: apperrors.ErrCodeCancelled, Timestamp: time.Now().UTC(),
	})

	assert.Eventually(t, func() bool {
		got, err := s.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusFailed &&
			got.FailureReason == apperrors.ErrCodeCancelled
	}, frameTimeout, 10*time.Millisecond)
}

func TestCancelByOtherRequesterDenied(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	cmd, err := s.router.ExecuteCommand(context.Background(), execInput("agent-alpha", "sleep 60"))
	require.NoError(t, err)

	err = s.router.Cancel(cmd.CommandID, "intruder")
	assert.Error(t, err)
}

func TestAgentInfoUpdate(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())

	agentConn := s.dial(t, "agent")
	s.registerAgent(t, agentConn, "agent-alpha")

	sendFrame(t, agentConn, protocol.EventAgentInfo, protocol.AgentInfoPayload{
		Info: protocol.AgentInfo{"remote_enabled": true},
	})

	assert.Eventually(t, func() bool {
		agent, err := s.agents.Get("agent-alpha")
		return err == nil && agent.Info["remote_enabled"] == true
	}, frameTimeout, 10*time.Millisecond)
}

func TestMalformedFrameGetsErrorEvent(t *testing.T) {
	s := setupRouterStack(t, defaultConfig())
	conn := s.dial(t, "agent")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, conn)
	require.Equal(t, protocol.EventError, frame.Event)
	var payload protocol.ErrorPayload
	require.NoError(t, frame.ParsePayload(&payload))
	assert.Equal(t, apperrors.ErrCodeProtocolViolation, payload.Code)
}
