// Command agentpool runs a pool of agent sessions against a workspace:
// independent prompts in parallel, or a coordinated lead/worker team over
// the shared task board.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/config"
	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/pool"
	"github.com/noclaw/agentpool/internal/runtime"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

func main() {
	var (
		configPath string
		agentCmd   string
		workspace  string
		team       bool
		leadPrompt string
		workPrompt string
		numWorkers int
		prompts    []string
		tasks      []string
	)

	flag.StringVar(&configPath, "config", "", "directory containing agentpool.yaml")
	flag.StringVar(&agentCmd, "agent-cmd", "claude -p", "agent CLI invoked inside the sandbox")
	flag.StringVar(&workspace, "workspace", "", "workspace directory (overrides config)")
	flag.BoolVar(&team, "team", false, "run in team mode with a lead and workers")
	flag.StringVar(&leadPrompt, "lead", "", "lead prompt (team mode)")
	flag.StringVar(&workPrompt, "worker", "", "worker prompt (team mode)")
	flag.IntVar(&numWorkers, "workers", 2, "number of workers (team mode)")
	flag.Func("prompt", "agent prompt (repeatable)", func(s string) error {
		prompts = append(prompts, s)
		return nil
	})
	flag.Func("task", "task board item (repeatable, team mode)", func(s string) error {
		tasks = append(tasks, s)
		return nil
	})
	flag.Parse()

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if workspace != "" {
		cfg.Pool.Workspace = workspace
	}

	logCfg := cfg.Logging
	if cfg.Pool.LogFile != "" {
		logCfg.Format = "json"
		logCfg.OutputPath = cfg.Pool.LogFile
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	rt := runtime.NewCLIRuntime(agentCmd, log)

	p, err := pool.New(cfg, rt, log, pool.WithCallback(func(e pool.Event) {
		log.Info("pool event",
			zap.String("event", e.Type),
			zap.String("agent_id", e.AgentID))
	}))
	if err != nil {
		log.Fatal("Failed to create pool", zap.Error(err))
	}
	defer func() { _ = p.Close() }()

	// First interrupt stops scheduling; second aborts in-flight sessions.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("stop requested, waiting for running agents")
		p.RequestStop()
		<-sigCh
		cancel()
	}()

	var results []*v1.AgentResult
	if team {
		if leadPrompt == "" || workPrompt == "" {
			fmt.Fprintln(os.Stderr, "team mode requires -lead and -worker prompts")
			os.Exit(2)
		}
		if len(tasks) > 0 {
			if _, err := p.AddTasks(tasks); err != nil {
				log.Fatal("Failed to seed task board", zap.Error(err))
			}
		}
		results = p.RunTeam(ctx, leadPrompt, workPrompt, numWorkers)
	} else {
		if len(prompts) == 0 {
			fmt.Fprintln(os.Stderr, "nothing to do: pass -prompt or -team")
			os.Exit(2)
		}
		for _, prompt := range prompts {
			p.Submit(&v1.AgentRequest{Prompt: prompt})
		}
		results = p.Run(ctx)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Error("Failed to encode results", zap.Error(err))
	}

	for _, res := range results {
		if !res.Succeeded() {
			os.Exit(1)
		}
	}
}
