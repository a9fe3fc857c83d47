package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/noclaw/agentpool/internal/common/config"
	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/runtime"
	"github.com/noclaw/agentpool/internal/sandbox"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Pool: config.PoolConfig{
			MaxAgents:      1,
			DefaultSandbox: "host",
			Timeout:        30,
			Workspace:      t.TempDir(),
		},
	}
}

func TestComposePrompt(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		prev  string
		first bool
		want  string
	}{
		{
			name:  "first stage uses template as-is",
			stage: Stage{Prompt: "Name a city: {previous_response}"},
			prev:  "",
			first: true,
			want:  "Name a city: {previous_response}",
		},
		{
			name:  "placeholder substituted",
			stage: Stage{Prompt: "Population of {previous_response}?"},
			prev:  "Tokyo",
			want:  "Population of Tokyo?",
		},
		{
			name:  "every occurrence substituted",
			stage: Stage{Prompt: "{previous_response} and {previous_response}"},
			prev:  "x",
			want:  "x and x",
		},
		{
			name:  "context block appended without placeholder",
			stage: Stage{Prompt: "Summarize."},
			prev:  "Tokyo",
			want:  "Summarize.\n\n## Context from previous stage\nTokyo",
		},
		{
			name:  "no placeholder and empty prev leaves template unchanged",
			stage: Stage{Prompt: "Summarize."},
			prev:  "",
			want:  "Summarize.",
		},
		{
			name: "transform applied before substitution",
			stage: Stage{
				Prompt:    "Got: {previous_response}",
				Transform: strings.ToUpper,
			},
			prev: "tokyo",
			want: "Got: TOKYO",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := composePrompt(tt.stage, tt.prev, tt.first)
			if got != tt.want {
				t.Errorf("composePrompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPipelineHandoff(t *testing.T) {
	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		switch {
		case strings.HasPrefix(inv.Prompt, "Name a city"):
			return &runtime.Outcome{Response: "Tokyo", Status: runtime.StatusOK}, nil
		case inv.Prompt == "Population of Tokyo?":
			return &runtime.Outcome{Response: "about 37 million", Status: runtime.StatusOK}, nil
		default:
			return nil, fmt.Errorf("unexpected prompt %q", inv.Prompt)
		}
	})

	p := New([]Stage{
		{Name: "pick", Prompt: "Name a city: Tokyo."},
		{Name: "lookup", Prompt: "Population of {previous_response}?"},
	}, testConfig(t), rt, testLogger(t))

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("pipeline failed: %+v", result)
	}
	if len(result.Stages) != 2 {
		t.Fatalf("executed %d stages, want 2", len(result.Stages))
	}
	if result.FinalResponse != "about 37 million" {
		t.Errorf("FinalResponse = %q", result.FinalResponse)
	}
	if result.TotalDuration <= 0 {
		t.Error("TotalDuration not accumulated")
	}
}

func TestPipelineStopsOnFailure(t *testing.T) {
	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		if strings.Contains(inv.Prompt, "fail") {
			return &runtime.Outcome{Status: runtime.StatusError, ErrorText: "boom"}, nil
		}
		return &runtime.Outcome{Response: "ok", Status: runtime.StatusOK}, nil
	})

	p := New([]Stage{
		{Name: "one", Prompt: "first"},
		{Name: "two", Prompt: "please fail"},
		{Name: "three", Prompt: "never runs"},
	}, testConfig(t), rt, testLogger(t))

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Success {
		t.Error("Success = true, want false")
	}
	if len(result.Stages) != 2 {
		t.Errorf("executed %d stages, want 2", len(result.Stages))
	}
	if result.Stages[1].Name != "two" {
		t.Errorf("last executed stage = %s, want two", result.Stages[1].Name)
	}
}

func TestPipelineSharedWorkspace(t *testing.T) {
	// Stage 1 writes a file through its sandbox; stage 2 reads it back.
	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		if strings.HasPrefix(inv.Prompt, "write") {
			res, err := sb.Execute(ctx, "printf tokyo > city.txt", 0)
			if err != nil || !res.OK() {
				return nil, fmt.Errorf("write failed: %v %+v", err, res)
			}
			return &runtime.Outcome{Response: "written", Status: runtime.StatusOK}, nil
		}
		res, err := sb.Execute(ctx, "cat city.txt", 0)
		if err != nil || !res.OK() {
			return nil, fmt.Errorf("read failed: %v %+v", err, res)
		}
		return &runtime.Outcome{Response: strings.TrimSpace(res.Stdout), Status: runtime.StatusOK}, nil
	})

	p := New([]Stage{
		{Name: "writer", Prompt: "write the city"},
		{Name: "reader", Prompt: "read the city"},
	}, testConfig(t), rt, testLogger(t))

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("pipeline failed: %+v", result)
	}
	if result.FinalResponse != "tokyo" {
		t.Errorf("FinalResponse = %q, want file contents from stage 1", result.FinalResponse)
	}
}
