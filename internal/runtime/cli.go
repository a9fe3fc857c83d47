package runtime

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/sandbox"
)

// CLIRuntime drives an agent CLI inside the sandbox. The configured command
// receives the prompt as its final argument; session parameters are exported
// through the environment:
//
//	AGENT_MODEL, AGENT_SYSTEM_PROMPT, AGENT_COORDINATION_ENDPOINT
//
// Stdout is the response text; a non-zero exit reports an error with stderr
// as the diagnostic.
type CLIRuntime struct {
	command string
	logger  *logger.Logger
}

// NewCLIRuntime creates a runtime around the given command line, e.g.
// "claude -p" or "opencode run".
func NewCLIRuntime(command string, log *logger.Logger) *CLIRuntime {
	return &CLIRuntime{
		command: command,
		logger:  log.WithFields(zap.String("component", "cli-runtime")),
	}
}

// Invoke runs the CLI in the sandbox and maps its exit to an Outcome.
func (r *CLIRuntime) Invoke(ctx context.Context, sb sandbox.Sandbox, inv *Invocation) (*Outcome, error) {
	var env []string
	if inv.Model != "" {
		env = append(env, "AGENT_MODEL="+shellQuote(inv.Model))
	}
	if inv.SystemPrompt != "" {
		env = append(env, "AGENT_SYSTEM_PROMPT="+shellQuote(inv.SystemPrompt))
	}
	if inv.CoordinationEndpoint != "" {
		env = append(env, "AGENT_COORDINATION_ENDPOINT="+shellQuote(inv.CoordinationEndpoint))
	}

	command := fmt.Sprintf("%s %s %s",
		strings.Join(env, " "), r.command, shellQuote(inv.Prompt))
	command = strings.TrimSpace(command)

	res, err := sb.Execute(ctx, command, inv.Timeout)
	if err != nil {
		return nil, err
	}

	switch {
	case res.OK():
		return &Outcome{
			Response: strings.TrimSpace(res.Stdout),
			Status:   StatusOK,
		}, nil
	case strings.Contains(res.Stderr, "timed out"):
		return &Outcome{
			Response:  strings.TrimSpace(res.Stdout),
			Status:    StatusTimeout,
			ErrorText: res.Stderr,
		}, nil
	default:
		return &Outcome{
			Response:  strings.TrimSpace(res.Stdout),
			Status:    StatusError,
			ErrorText: fmt.Sprintf("agent command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
		}, nil
	}
}

// shellQuote single-quotes a string for safe embedding in `sh -c`.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
