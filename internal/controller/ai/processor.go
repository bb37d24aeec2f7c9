package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ogent/ogent/internal/common/config"
	"github.com/ogent/ogent/internal/common/logger"
)

// ValidationResult is the security analysis of a command.
type ValidationResult struct {
	Safe        bool     `json:"safe"`
	RiskLevel   string   `json:"risk_level"`
	Risks       []string `json:"risks"`
	Suggestions []string `json:"suggestions"`
}

// OptimizationResult is the rewritten command with its rationale.
type OptimizationResult struct {
	OptimizedCommand string   `json:"optimized_command"`
	Improvements     []string `json:"improvements"`
	Explanation      string   `json:"explanation"`
}

// EnrichmentResult annotates the command with context.
type EnrichmentResult struct {
	Purpose       string   `json:"purpose"`
	Components    []string `json:"components"`
	SideEffects   []string `json:"side_effects"`
	Prerequisites []string `json:"prerequisites"`
}

// Result is the full pre-processing output for one command.
type Result struct {
	OriginalCommand  string              `json:"original_command"`
	ProcessedCommand string              `json:"processed_command"`
	Validation       *ValidationResult   `json:"validation"`
	Optimization     *OptimizationResult `json:"optimization"`
	Enrichment       *EnrichmentResult   `json:"enrichment"`
	Degraded         bool                `json:"degraded,omitempty"`
	BackendErrors    []string            `json:"backend_errors,omitempty"`
}

// Processor runs the validate/optimize/enrich pipeline. When the backend is
// not configured the pipeline degrades to permissive pass-through results.
type Processor struct {
	client  *Client
	enabled bool
	logger  *logger.Logger
}

// NewProcessor creates the pre-processing stage from config.
func NewProcessor(cfg config.AIConfig, log *logger.Logger) *Processor {
	p := &Processor{
		enabled: cfg.Enabled(),
		logger:  log.WithFields(zap.String("component", "ai_processor")),
	}
	if p.enabled {
		p.client = NewClient(cfg.BackendURL, cfg.BackendKey, cfg.Model, cfg.Timeout())
	} else {
		p.logger.Warn("AI backend key not provided, pre-processing is disabled")
	}
	return p
}

// Enabled reports whether a backend is configured.
func (p *Processor) Enabled() bool {
	return p.enabled
}

// Validate analyzes a command for security risks. Backend failures yield an
// unsafe-by-caution result with the error recorded as a risk, alongside the
// error itself.
func (p *Processor) Validate(ctx context.Context, command, system, execContext string) (*ValidationResult, error) {
	if !p.enabled {
		return &ValidationResult{
			Safe:      true,
			RiskLevel: "unknown",
			Risks:     []string{"AI validation is disabled"},
		}, nil
	}

	prompt := fmt.Sprintf(
		"Please validate the following command for security risks:\n\n"+
			"Command: %s\n\nTarget system: %s\n\nExecution context: %s\n\n"+
			"Provide your analysis in JSON format with the following fields:\n"+
			"- safe: boolean indicating if the command is safe to execute\n"+
			"- risk_level: low, medium, or high\n"+
			"- risks: array of identified risks\n"+
			"- suggestions: array of safer alternatives or improvements\n",
		command, system, execContext)

	var result ValidationResult
	err := p.client.CompleteJSON(ctx,
		"You are a security expert tasked with validating shell commands. "+
			"Analyze the command for security risks, potential harmful operations, "+
			"and suggest safer alternatives if needed.",
		prompt, &result)
	if err != nil {
		p.logger.Error("Command validation failed", zap.Error(err))
		return &ValidationResult{
			Safe:      false,
			RiskLevel: "unknown",
			Risks:     []string{fmt.Sprintf("error validating command: %v", err)},
		}, err
	}
	return &result, nil
}

// Optimize rewrites a command for performance and readability. Backend
// failures return the original command unchanged.
func (p *Processor) Optimize(ctx context.Context, command, system, execContext string) (*OptimizationResult, error) {
	if !p.enabled {
		return &OptimizationResult{
			OptimizedCommand: command,
			Improvements:     []string{"AI optimization is disabled"},
			Explanation:      "AI optimization is disabled",
		}, nil
	}

	prompt := fmt.Sprintf(
		"Please optimize the following command:\n\n"+
			"Command: %s\n\nTarget system: %s\n\nExecution context: %s\n\n"+
			"Provide your optimization in JSON format with the following fields:\n"+
			"- optimized_command: the optimized version of the command\n"+
			"- improvements: array of improvements made\n"+
			"- explanation: explanation of the optimizations\n",
		command, system, execContext)

	var result OptimizationResult
	err := p.client.CompleteJSON(ctx,
		"You are a shell command optimization expert. "+
			"Analyze the command and suggest optimizations for better performance, "+
			"readability, and maintainability.",
		prompt, &result)
	if err != nil {
		p.logger.Error("Command optimization failed", zap.Error(err))
		return &OptimizationResult{
			OptimizedCommand: command,
			Improvements:     []string{fmt.Sprintf("error optimizing command: %v", err)},
			Explanation:      fmt.Sprintf("error optimizing command: %v", err),
		}, err
	}
	if result.OptimizedCommand == "" {
		result.OptimizedCommand = command
	}
	return &result, nil
}

// Enrich annotates a command with purpose, components, side effects, and
// prerequisites.
func (p *Processor) Enrich(ctx context.Context, command, system string) (*EnrichmentResult, error) {
	if !p.enabled {
		return &EnrichmentResult{
			Purpose: "Unknown (AI enrichment is disabled)",
		}, nil
	}

	prompt := fmt.Sprintf(
		"Please enrich the following command with additional context:\n\n"+
			"Command: %s\n\nTarget system: %s\n\n"+
			"Provide your enrichment in JSON format with the following fields:\n"+
			"- purpose: what the command does\n"+
			"- components: array describing each part of the command\n"+
			"- side_effects: array of side effects\n"+
			"- prerequisites: array of prerequisites\n",
		command, system)

	var result EnrichmentResult
	err := p.client.CompleteJSON(ctx,
		"You are a shell command documentation expert. "+
			"Explain what the command does, break down its components, and note "+
			"side effects and prerequisites.",
		prompt, &result)
	if err != nil {
		p.logger.Error("Command enrichment failed", zap.Error(err))
		return &EnrichmentResult{
			Purpose: fmt.Sprintf("Unknown (error enriching command: %v)", err),
		}, err
	}
	return &result, nil
}

// Process runs the full pipeline and produces the processed command string.
// The optimized command is used when validation passes; otherwise the
// original is kept so the caller can decide on rejection.
func (p *Processor) Process(ctx context.Context, command, system, execContext string) *Result {
	result := &Result{
		OriginalCommand:  command,
		ProcessedCommand: command,
		Degraded:         !p.enabled,
	}

	var err error
	result.Validation, err = p.Validate(ctx, command, system, execContext)
	if err != nil {
		result.BackendErrors = append(result.BackendErrors, fmt.Sprintf("validate: %v", err))
	}
	result.Optimization, err = p.Optimize(ctx, command, system, execContext)
	if err != nil {
		result.BackendErrors = append(result.BackendErrors, fmt.Sprintf("optimize: %v", err))
	}
	result.Enrichment, err = p.Enrich(ctx, command, system)
	if err != nil {
		result.BackendErrors = append(result.BackendErrors, fmt.Sprintf("enrich: %v", err))
	}

	if result.Validation.Safe && result.Optimization.OptimizedCommand != "" {
		result.ProcessedCommand = result.Optimization.OptimizedCommand
	}
	return result
}

// Failed reports whether any backend stage errored.
func (r *Result) Failed() bool {
	return r != nil && len(r.BackendErrors) > 0
}

// Rejectable reports whether a validation outcome should block dispatch
// under the reject-unsafe policy. Degraded (backend-off) validations never
// block.
func (r *Result) Rejectable() bool {
	if r == nil || r.Validation == nil || r.Degraded {
		return false
	}
	return !r.Validation.Safe && r.Validation.RiskLevel == "high"
}
