// Package pipeline runs a linear sequence of agent stages over a shared
// workspace, feeding each stage's response into the next prompt.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/config"
	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/pool"
	"github.com/noclaw/agentpool/internal/runtime"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

// PreviousResponsePlaceholder is substituted with the prior stage's response
// wherever it appears in a stage prompt template.
const PreviousResponsePlaceholder = "{previous_response}"

// Stage is one step of a pipeline. Zero-valued overrides fall back to the
// pipeline defaults.
type Stage struct {
	Name         string
	Prompt       string
	Model        string
	Sandbox      v1.SandboxKind
	SystemPrompt string
	Timeout      time.Duration

	// Transform rewrites the previous response before substitution.
	Transform func(string) string
}

// StageResult pairs a stage name with its agent result.
type StageResult struct {
	Name   string          `json:"name"`
	Result *v1.AgentResult `json:"result"`
}

// Result is the outcome of a pipeline run. Stages holds only the stages
// that actually executed.
type Result struct {
	Stages        []StageResult `json:"stages"`
	Success       bool          `json:"success"`
	FinalResponse string        `json:"final_response"`
	TotalDuration float64       `json:"total_duration"`
}

// Pipeline executes stages strictly in order, one single-agent pool per
// stage, all sharing one workspace so files written by earlier stages are
// visible to later ones.
type Pipeline struct {
	stages []Stage
	cfg    *config.Config
	rt     runtime.Runtime
	logger *logger.Logger
}

// New creates a pipeline over the given stages. The workspace comes from
// cfg.Pool.Workspace.
func New(stages []Stage, cfg *config.Config, rt runtime.Runtime, log *logger.Logger) *Pipeline {
	return &Pipeline{
		stages: stages,
		cfg:    cfg,
		rt:     rt,
		logger: log.WithFields(zap.String("component", "pipeline")),
	}
}

// Run executes the stages. The pipeline stops at the first stage that does
// not complete; earlier stages' filesystem side effects persist.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	result := &Result{}
	prev := ""

	for i, stage := range p.stages {
		prompt := composePrompt(stage, prev, i == 0)

		stageResult, err := p.runStage(ctx, i, stage, prompt)
		if err != nil {
			return nil, err
		}

		result.Stages = append(result.Stages, StageResult{Name: stage.Name, Result: stageResult})
		result.TotalDuration += stageResult.DurationSeconds
		result.FinalResponse = stageResult.Response

		if !stageResult.Succeeded() {
			p.logger.Warn("pipeline stopped",
				zap.String("stage", stage.Name),
				zap.String("status", string(stageResult.Status)))
			result.Success = false
			return result, nil
		}

		prev = stageResult.Response
	}

	result.Success = true
	return result, nil
}

// runStage executes one stage through a single-request pool.
func (p *Pipeline) runStage(ctx context.Context, index int, stage Stage, prompt string) (*v1.AgentResult, error) {
	stagePool, err := pool.New(p.cfg, p.rt, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for stage %q: %w", stage.Name, err)
	}
	defer func() { _ = stagePool.Close() }()

	agentID := fmt.Sprintf("stage-%d-%s", index+1, sanitizeName(stage.Name))
	stagePool.Submit(&v1.AgentRequest{
		AgentID:      agentID,
		Prompt:       prompt,
		Model:        stage.Model,
		Sandbox:      stage.Sandbox,
		SystemPrompt: stage.SystemPrompt,
		Timeout:      stage.Timeout,
	})

	p.logger.Info("stage starting",
		zap.Int("stage", index+1),
		zap.String("name", stage.Name))

	results := stagePool.Run(ctx)
	if len(results) != 1 {
		return nil, fmt.Errorf("stage %q produced %d results, want 1", stage.Name, len(results))
	}
	return results[0], nil
}

// composePrompt builds the stage prompt from its template and the previous
// response. The first stage uses its template as-is.
func composePrompt(stage Stage, prev string, first bool) string {
	if first {
		return stage.Prompt
	}

	if stage.Transform != nil {
		prev = stage.Transform(prev)
	}

	if strings.Contains(stage.Prompt, PreviousResponsePlaceholder) {
		return strings.ReplaceAll(stage.Prompt, PreviousResponsePlaceholder, prev)
	}
	if prev != "" {
		return stage.Prompt + "\n\n## Context from previous stage\n" + prev
	}
	return stage.Prompt
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "-")
	return name
}
