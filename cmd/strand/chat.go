package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/agent/providers"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/pkg/models"
)

func buildChatCmd(configPath *string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive agent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runChat(cfg, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session by id")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.Provider.Name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func buildSession(cfg *config.Config, sessionID string) (sessions.Session, error) {
	switch cfg.Session.Backend {
	case "sqlite":
		return sessions.NewSQLiteSession(sessions.SQLiteConfig{
			Path:      cfg.Session.Path,
			SessionID: sessionID,
		})
	case "memory":
		return sessions.NewMemorySession(sessionID, nil), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}

func runChat(cfg *config.Config, sessionID string) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	session, err := buildSession(cfg, sessionID)
	if err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	opts := agent.DefaultOptions()
	opts.Model = cfg.Provider.Model
	opts.SystemPrompt = cfg.Agent.SystemPrompt
	opts.MaxRetries = cfg.Agent.MaxRetries
	opts.BaseRetryDelay = cfg.Agent.BaseRetryDelay
	opts.MaxRetryDelay = cfg.Agent.MaxRetryDelay
	opts.ToolParallelism = cfg.Agent.ToolParallelism
	opts.ToolTimeout = cfg.Agent.ToolTimeout
	opts.CompactThreshold = cfg.Agent.CompactThreshold
	opts.ContextWindow = cfg.Provider.ContextWindow
	opts.StallTimeout = cfg.Agent.StallTimeout
	opts.AutoSaveDir = cfg.Session.AutoSaveDir
	opts.WorkingDir = cfg.Agent.WorkingDir
	opts.DisabledTools = cfg.Tools.Disabled
	opts.Logger = logger
	opts.Features.TitleGeneration = cfg.Features.Enabled(cfg.Features.TitleGeneration, true)
	opts.Features.DebugLog = cfg.Features.Enabled(cfg.Features.DebugLog, true)
	opts.Features.SubAgents = cfg.Features.Enabled(cfg.Features.SubAgents, true)
	opts.Features.MCP = cfg.Features.Enabled(cfg.Features.MCP, true)
	opts.Features.Skills = cfg.Features.Enabled(cfg.Features.Skills, true)

	ag, err := agent.New(agent.Config{
		Provider: provider,
		Session:  session,
		Metrics:  metrics,
		Tracer:   observability.Tracer(),
		Options:  opts,
	})
	if err != nil {
		return err
	}
	defer ag.Close()

	events, cancel := ag.Subscribe()
	defer cancel()

	turnDone := make(chan struct{}, 1)
	go renderEvents(events, turnDone)

	fmt.Printf("strand session %s (model %s). Type a message, /abort, or /quit.\n", ag.SessionID(), cfg.Provider.Model)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/abort":
			if err := ag.Abort(); err != nil {
				return err
			}
			continue
		}

		queued, err := ag.Prompt(line)
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		<-turnDone
	}
}

// renderEvents prints the streamed session to the terminal and signals turn
// completion so the prompt loop can block while the agent works.
func renderEvents(events <-chan models.AgentEvent, turnDone chan<- struct{}) {
	signal := func() {
		select {
		case turnDone <- struct{}{}:
		default:
		}
	}
	for ev := range events {
		switch ev.Type {
		case models.EventMessageDelta:
			fmt.Print(ev.Delta)
		case models.EventStatusUpdate:
			fmt.Printf("\n[%s]\n", ev.Text)
		case models.EventTitleGenerated:
			fmt.Printf("\n(session titled: %s)\n", ev.Text)
		case models.EventToolExecutionStart:
			fmt.Printf("\n[tool %s ...]\n", ev.Tool.Name)
		case models.EventToolExecutionEnd:
			status := "ok"
			if ev.Tool.IsError {
				status = "error"
			}
			fmt.Printf("[tool %s %s]\n", ev.Tool.Name, status)
		case models.EventRetry:
			fmt.Printf("\n[retrying in %dms: %s]\n", ev.Retry.DelayMS, ev.Retry.Reason)
		case models.EventStreamStalled:
			fmt.Printf("\n[stream stalled for %ds]\n", ev.StalledSeconds)
		case models.EventError:
			fmt.Printf("\n[error: %s]\n", ev.Text)
			signal()
		case models.EventAgentEnd, models.EventAgentAbort:
			fmt.Println()
			signal()
		}
	}
}
