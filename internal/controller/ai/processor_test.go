package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogent/ogent/internal/common/config"
	"github.com/ogent/ogent/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeBackend returns an httptest server speaking the chat-completions shape,
// answering every request with the given content object.
func fakeBackend(t *testing.T, content interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		inner, err := json.Marshal(content)
		require.NoError(t, err)
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": string(inner)}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestDisabledProcessorDegrades(t *testing.T) {
	p := NewProcessor(config.AIConfig{}, testLogger(t))
	assert.False(t, p.Enabled())

	result := p.Process(context.Background(), "rm -rf /tmp/scratch", "agent-1", "test")

	assert.True(t, result.Degraded)
	assert.False(t, result.Failed())
	assert.Equal(t, "rm -rf /tmp/scratch", result.ProcessedCommand)
	require.NotNil(t, result.Validation)
	assert.True(t, result.Validation.Safe)

	// Degraded output never blocks dispatch
	assert.False(t, result.Rejectable())
}

func TestProcessUsesOptimizedCommand(t *testing.T) {
	srv := fakeBackend(t, map[string]interface{}{
		"safe":              true,
		"risk_level":        "low",
		"risks":             []string{},
		"suggestions":       []string{},
		"optimized_command": "uptime -p",
		"improvements":      []string{"human readable"},
		"explanation":       "use -p",
		"purpose":           "show uptime",
	})
	defer srv.Close()

	p := NewProcessor(config.AIConfig{
		BackendURL:     srv.URL,
		BackendKey:     "test-key",
		Model:          "test-model",
		TimeoutSeconds: 5,
	}, testLogger(t))
	require.True(t, p.Enabled())

	result := p.Process(context.Background(), "uptime", "agent-1", "test")

	assert.False(t, result.Degraded)
	assert.False(t, result.Failed())
	assert.Equal(t, "uptime", result.OriginalCommand)
	assert.Equal(t, "uptime -p", result.ProcessedCommand)
	assert.False(t, result.Rejectable())
}

func TestUnsafeHighRiskIsRejectable(t *testing.T) {
	srv := fakeBackend(t, map[string]interface{}{
		"safe":       false,
		"risk_level": "high",
		"risks":      []string{"destructive"},
	})
	defer srv.Close()

	p := NewProcessor(config.AIConfig{
		BackendURL:     srv.URL,
		BackendKey:     "test-key",
		Model:          "test-model",
		TimeoutSeconds: 5,
	}, testLogger(t))

	result := p.Process(context.Background(), "rm -rf /", "agent-1", "test")

	assert.True(t, result.Rejectable())
	// Unsafe commands keep the original text; no optimization is applied
	assert.Equal(t, "rm -rf /", result.ProcessedCommand)
}

func TestBackendFailureDegradesAndReports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProcessor(config.AIConfig{
		BackendURL:     srv.URL,
		BackendKey:     "test-key",
		Model:          "test-model",
		TimeoutSeconds: 5,
	}, testLogger(t))

	result := p.Process(context.Background(), "uptime", "agent-1", "test")

	assert.True(t, result.Failed())
	assert.Len(t, result.BackendErrors, 3)
	// The command still passes through unchanged
	assert.Equal(t, "uptime", result.ProcessedCommand)
	require.NotNil(t, result.Validation)
	assert.False(t, result.Validation.Safe)
	assert.Equal(t, "unknown", result.Validation.RiskLevel)
	// Risk level "unknown" is caution, not a confirmed high risk
	assert.False(t, result.Rejectable())
}
