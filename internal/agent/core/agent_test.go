package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogent/ogent/internal/agent/executor"
	"github.com/ogent/ogent/internal/common/config"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestWSEndpoint(t *testing.T) {
	endpoint, err := wsEndpoint("http://ctrl:8000", "tok123")
	require.NoError(t, err)
	assert.Equal(t, "ws://ctrl:8000/ws?role=agent&token=tok123", endpoint)

	endpoint, err = wsEndpoint("https://ctrl.example.com/", "tok123")
	require.NoError(t, err)
	assert.Equal(t, "wss://ctrl.example.com/ws?role=agent&token=tok123", endpoint)

	_, err = wsEndpoint("ftp://ctrl", "tok123")
	assert.Error(t, err)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	a := New(config.AgentConfig{ReconnectDelaySecs: 2}, nil, testLogger(t))

	assert.Equal(t, 2*time.Second, a.backoff(1))
	assert.Equal(t, 4*time.Second, a.backoff(2))
	assert.Equal(t, 8*time.Second, a.backoff(3))
	assert.Equal(t, maxBackoff, a.backoff(30))
}

// fakeController is a minimal in-process controller: it serves /token and
// /ws, acknowledges registration, and records frames sent by the agent.
type fakeController struct {
	srv *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	registers []protocol.RegisterPayload
	progress  []protocol.ProgressPayload
	results   []protocol.ResultPayload
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	fc := &fakeController{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		// The token endpoint takes form-encoded credentials
		if err := r.ParseForm(); err != nil ||
			r.PostFormValue("username") == "" || r.PostFormValue("password") == "" {
			http.Error(w, "username and password form fields are required", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fake-token",
			"token_type":   "bearer",
			"expires_in":   300,
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "fake-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc.mu.Lock()
		fc.conn = conn
		fc.mu.Unlock()
		fc.serve(conn)
	})

	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeController) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		switch msg.Event {
		case protocol.EventRegister:
			var payload protocol.RegisterPayload
			_ = msg.ParsePayload(&payload)
			fc.mu.Lock()
			fc.registers = append(fc.registers, payload)
			fc.mu.Unlock()

			agentID := payload.AgentID
			if agentID == "" {
				agentID = "agent-assigned"
			}
			ack, _ := protocol.NewMessage(protocol.EventRegisterAck, protocol.RegisterAckPayload{
				AssignedAgentID: agentID,
				Status:          "registered",
			})
			ackData, _ := ack.Encode()
			conn.WriteMessage(websocket.TextMessage, ackData)

		case protocol.EventCommandProgress:
			var payload protocol.ProgressPayload
			_ = msg.ParsePayload(&payload)
			fc.mu.Lock()
			fc.progress = append(fc.progress, payload)
			fc.mu.Unlock()

		case protocol.EventCommandResult:
			var payload protocol.ResultPayload
			_ = msg.ParsePayload(&payload)
			fc.mu.Lock()
			fc.results = append(fc.results, payload)
			fc.mu.Unlock()
		}
	}
}

func (fc *fakeController) send(t *testing.T, event string, payload interface{}) {
	t.Helper()
	fc.mu.Lock()
	conn := fc.conn
	fc.mu.Unlock()
	require.NotNil(t, conn)

	msg, err := protocol.NewMessage(event, payload)
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (fc *fakeController) resultCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.results)
}

func (fc *fakeController) registerCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.registers)
}

// dropConn severs the current agent session from the controller side.
func (fc *fakeController) dropConn() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.conn != nil {
		fc.conn.Close()
	}
}

func startTestAgent(t *testing.T, fc *fakeController, override string) context.CancelFunc {
	t.Helper()
	log := testLogger(t)

	cfg := config.AgentConfig{
		ControllerURL:        fc.srv.URL,
		Username:             "agent",
		Password:             "pw",
		ReconnectDelaySecs:   1,
		MaxReconnectAttempts: 3,
		ConcurrencyLimit:     2,
		AgentIDOverride:      override,
	}

	selector := executor.NewSelector(executor.NewLocalExecutor(log), nil)
	agent := New(cfg, selector, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = agent.Run(ctx) }()
	t.Cleanup(cancel)

	// Wait for registration to land
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.registers) > 0
	}, 5*time.Second, 20*time.Millisecond)

	return cancel
}

func TestAgentRegistersWithCapabilities(t *testing.T) {
	fc := newFakeController(t)
	startTestAgent(t, fc, "agent-alpha")

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.registers, 1)
	reg := fc.registers[0]
	assert.Equal(t, "agent-alpha", reg.AgentID)
	assert.NotEmpty(t, reg.Info["hostname"])
	assert.Equal(t, Version, reg.Info["version"])
	assert.Equal(t, false, reg.Info["remote_enabled"])
}

func TestAgentExecutesCommand(t *testing.T) {
	fc := newFakeController(t)
	startTestAgent(t, fc, "agent-alpha")

	fc.send(t, protocol.EventExecuteCommand, protocol.ExecutePayload{
		CommandID:       "cmd-1",
		Command:         "echo hello",
		ExecutionTarget: protocol.TargetLocal,
	})

	require.Eventually(t, func() bool { return fc.resultCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	result := fc.results[0]
	assert.Equal(t, "cmd-1", result.CommandID)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "local", result.ExecutionType)
	assert.False(t, result.Cancelled)

	// At least the started frame plus one output chunk
	require.NotEmpty(t, fc.progress)
	assert.Equal(t, "cmd-1", fc.progress[0].CommandID)
	assert.Equal(t, protocol.ProgressRunning, fc.progress[0].Status)
}

func TestAgentReportsForcedRemoteUnavailable(t *testing.T) {
	fc := newFakeController(t)
	startTestAgent(t, fc, "agent-alpha")

	fc.send(t, protocol.EventExecuteCommand, protocol.ExecutePayload{
		CommandID:       "cmd-1",
		Command:         "uptime",
		ExecutionTarget: protocol.TargetRemote,
	})

	require.Eventually(t, func() bool { return fc.resultCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	result := fc.results[0]
	assert.NotEqual(t, 0, result.ExitCode)
	assert.Equal(t, "EXECUTOR_UNAVAILABLE", result.ErrorKind)
}

func TestAgentCancelsRunningCommand(t *testing.T) {
	fc := newFakeController(t)
	startTestAgent(t, fc, "agent-alpha")

	fc.send(t, protocol.EventExecuteCommand, protocol.ExecutePayload{
		CommandID:       "cmd-1",
		Command:         "sleep 30",
		ExecutionTarget: protocol.TargetLocal,
	})

	// Wait for the started frame, then cancel
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.progress) > 0
	}, 5*time.Second, 20*time.Millisecond)

	fc.send(t, protocol.EventCancelCommand, protocol.CancelPayload{CommandID: "cmd-1"})

	require.Eventually(t, func() bool { return fc.resultCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	result := fc.results[0]
	assert.True(t, result.Cancelled)
	assert.Equal(t, "CANCELLED", result.ErrorKind)
}

func TestAgentRunsCommandsConcurrently(t *testing.T) {
	fc := newFakeController(t)
	startTestAgent(t, fc, "agent-alpha")

	start := time.Now()
	fc.send(t, protocol.EventExecuteCommand, protocol.ExecutePayload{
		CommandID: "cmd-1", Command: "sleep 1", ExecutionTarget: protocol.TargetLocal,
	})
	fc.send(t, protocol.EventExecuteCommand, protocol.ExecutePayload{
		CommandID: "cmd-2", Command: "sleep 1", ExecutionTarget: protocol.TargetLocal,
	})

	require.Eventually(t, func() bool { return fc.resultCount() == 2 }, 10*time.Second, 20*time.Millisecond)

	// With a concurrency limit of 2 the sleeps overlap
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAgentKeepsCommandThroughReconnect(t *testing.T) {
	fc := newFakeController(t)
	startTestAgent(t, fc, "agent-alpha")

	fc.send(t, protocol.EventExecuteCommand, protocol.ExecutePayload{
		CommandID:       "cmd-1",
		Command:         "sleep 2; echo done",
		ExecutionTarget: protocol.TargetLocal,
	})

	// Wait for the started frame, then sever the session under the command
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.progress) > 0
	}, 5*time.Second, 20*time.Millisecond)

	fc.dropConn()

	// The agent comes back on a fresh session with the same identity
	require.Eventually(t, func() bool { return fc.registerCount() >= 2 }, 10*time.Second, 20*time.Millisecond)

	// The execution survived the drop and its result lands on the new session
	require.Eventually(t, func() bool { return fc.resultCount() >= 1 }, 10*time.Second, 20*time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	result := fc.results[len(fc.results)-1]
	assert.Equal(t, "cmd-1", result.CommandID)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "done\n", result.Stdout)
	assert.False(t, result.Cancelled)
	assert.Equal(t, "agent-alpha", fc.registers[1].AgentID)
}

func TestAgentGivesUpAfterMaxAttempts(t *testing.T) {
	log := testLogger(t)
	cfg := config.AgentConfig{
		ControllerURL:        "http://127.0.0.1:1", // nothing listens here
		Username:             "agent",
		Password:             "pw",
		ReconnectDelaySecs:   1,
		MaxReconnectAttempts: 2,
		ConcurrencyLimit:     1,
	}

	agent := New(cfg, executor.NewSelector(executor.NewLocalExecutor(log), nil), log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := agent.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconnectExhausted)
}
