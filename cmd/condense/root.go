package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loopworks/condense/internal/compact"
	"github.com/loopworks/condense/internal/config"
	"github.com/loopworks/condense/internal/conversation"
	"github.com/loopworks/condense/internal/limits"
	"github.com/loopworks/condense/internal/llm"
	"github.com/loopworks/condense/internal/sweep"
)

var (
	configPath string
	modelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "condense",
	Short: "Context compaction for stored LLM conversations",
	Long: `condense keeps long conversations inside their model's context window by
summarising older history into compacted markers, with chunked and
truncation fallbacks when summarisation cannot run.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <data_dir>/config.yaml)")
	rootCmd.AddCommand(listCmd, statsCmd, checkCmd, compactCmd, policyCmd, sweepCmd)
	checkCmd.Flags().StringVar(&modelFlag, "model", "", "model to compact with (overrides config)")
	compactCmd.Flags().StringVar(&modelFlag, "model", "", "model to compact with (overrides config)")
}

// app holds the wired collaborators for one command invocation.
type app struct {
	cfg     *config.Config
	store   *conversation.Store
	catalog *limits.Catalog
	engine  *compact.Engine
}

func newApp() (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	store, err := conversation.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	catalog, err := limits.NewCatalog(cfg.ModelsPath())
	if err != nil {
		store.Close()
		return nil, err
	}

	policy := compact.NewPolicyStore(
		cfg.Compaction.Model,
		cfg.Compaction.Threshold,
		cfg.Compaction.EmergencyThreshold,
		cfg.Compaction.SummaryRatio,
	)
	engine := compact.NewEngine(store, invokerFactory(cfg), catalog, policy)
	engine.SetProgress(compact.LogSink{})

	return &app{cfg: cfg, store: store, catalog: catalog, engine: engine}, nil
}

func (a *app) Close() {
	a.catalog.Close()
	a.store.Close()
}

// invokerFactory resolves a model ID to a provider adapter using the
// configured credentials. API providers are wrapped with transport retries.
func invokerFactory(cfg *config.Config) compact.InvokerFactory {
	return func(modelID string) (llm.Invoker, error) {
		name := providerForModel(modelID)
		p, _ := cfg.Provider(name)

		var inv llm.Invoker
		switch name {
		case "anthropic":
			if p.APIKey == "" {
				return nil, fmt.Errorf("anthropic api_key not configured")
			}
			rl := p.RateLimits()
			if !rl.HasLimits {
				rl = llm.DefaultAnthropicRateLimits
			}
			inv = llm.NewAnthropicInvoker(p.APIKey, modelID, rl)
		case "openai":
			if p.APIKey == "" {
				return nil, fmt.Errorf("openai api_key not configured")
			}
			inv = llm.NewOpenAIInvoker(p.APIKey, modelID, p.RateLimits())
		case "gemini":
			if p.APIKey == "" {
				return nil, fmt.Errorf("gemini api_key not configured")
			}
			inv = llm.NewGeminiInvoker(p.APIKey, modelID, p.RateLimits())
		default:
			var err error
			inv, err = llm.NewOllamaInvoker(p.BaseURL, modelID)
			if err != nil {
				return nil, err
			}
		}
		return llm.WithRetry(inv, llm.DefaultRetryPolicy()), nil
	}
}

// providerForModel infers the provider from the model ID prefix. Anything
// unrecognised is assumed to be a local Ollama model.
func providerForModel(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "claude"):
		return "anthropic"
	case strings.HasPrefix(modelID, "gpt"), strings.HasPrefix(modelID, "o1"),
		strings.HasPrefix(modelID, "o3"), strings.HasPrefix(modelID, "o4"):
		return "openai"
	case strings.HasPrefix(modelID, "gemini"):
		return "gemini"
	default:
		return "ollama"
	}
}

// resolveModel picks the model for a command: flag, then config.
func (a *app) resolveModel() (string, error) {
	if modelFlag != "" {
		return modelFlag, nil
	}
	if a.cfg.Compaction.Model != "" {
		return a.cfg.Compaction.Model, nil
	}
	for _, p := range a.cfg.Providers {
		if p.Model != "" {
			return p.Model, nil
		}
	}
	return "", fmt.Errorf("no model configured; set compaction.model or pass --model")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.store.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No conversations stored")
			return nil
		}
		for _, info := range infos {
			title := info.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %8d tokens  %s  %s\n",
				info.ID, info.TotalTokens, info.UpdatedAt.Format("2006-01-02 15:04"), title)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <conversation-id>",
	Short: "Show token usage and compaction history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		id := args[0]

		total, err := a.store.TotalTokens(ctx, id)
		if err != nil {
			return fmt.Errorf("conversation not found: %w", err)
		}
		live, err := a.store.Messages(ctx, id, false)
		if err != nil {
			return err
		}
		all, err := a.store.Messages(ctx, id, true)
		if err != nil {
			return err
		}

		settings := a.engine.Policy().Resolve(id)
		fmt.Printf("Conversation: %s\n", id)
		fmt.Printf("Tokens:       %d\n", total)
		fmt.Printf("Messages:     %d live, %d total\n", len(live), len(all))
		fmt.Printf("Thresholds:   compact at %.0f%%, emergency at %.0f%% of the context window\n",
			settings.Threshold*100, settings.EmergencyThreshold*100)
		if settings.Model != "" {
			fmt.Printf("Model:        %s (pinned)\n", settings.Model)
		}

		rollups, err := a.store.Rollups(ctx, id)
		if err != nil {
			return err
		}
		if len(rollups) == 0 {
			fmt.Println("Compactions:  none")
			return nil
		}
		fmt.Printf("Compactions:  %d\n", len(rollups))
		for _, r := range rollups {
			fmt.Printf("  %s  %d messages, %d -> %d tokens\n",
				r.CreatedAt.Format("2006-01-02 15:04"), r.OriginalMessageCount, r.OriginalTokens, r.CompactedTokens)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <conversation-id>",
	Short: "Check thresholds and compact if due",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		model, err := a.resolveModel()
		if err != nil {
			return err
		}
		result, err := a.engine.CheckAndCompact(cmd.Context(), args[0], model, false)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <conversation-id>",
	Short: "Compact a conversation now, regardless of thresholds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		model, err := a.resolveModel()
		if err != nil {
			return err
		}
		result, err := a.engine.Compact(cmd.Context(), args[0], model)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show the effective compaction policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c := a.cfg.Compaction
		if c.Model != "" {
			fmt.Printf("Model:               %s (locked; per-conversation overrides are refused)\n", c.Model)
		} else {
			fmt.Println("Model:               per conversation")
		}
		fmt.Printf("Threshold:           %.0f%% of context window\n", c.Threshold*100)
		fmt.Printf("Emergency threshold: %.0f%% of context window\n", c.EmergencyThreshold*100)
		fmt.Printf("Summary ratio:       %.0f%% of original tokens\n", c.SummaryRatio*100)
		return nil
	},
}

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Periodically check all conversations and compact the ones over threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		model, err := a.resolveModel()
		if err != nil {
			return err
		}

		s := sweep.New(a.engine, a.cfg.Sweep.Schedule)
		infos, err := a.store.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		for _, info := range infos {
			s.Register(info.ID, model)
		}

		if sweepOnce {
			compacted := s.RunOnce(cmd.Context())
			fmt.Printf("Swept %d conversations, compacted %d\n", len(infos), compacted)
			return nil
		}

		// Hot-reload model limits while the sweeper runs.
		if err := a.catalog.Watch(); err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}
		defer s.Stop()
		fmt.Printf("Sweeping %d conversations on schedule %q (Ctrl+C to stop)\n", len(infos), a.cfg.Sweep.Schedule)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down")
		return nil
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single sweep and exit")
}

func printResult(result *compact.Result) {
	switch {
	case result.Compacted:
		fmt.Printf("Compacted (%s): %d messages, %d -> %d tokens (%.1f%% reduction)\n",
			result.Strategy, result.OriginalMessages, result.OriginalTokens,
			result.CompactedTokens, result.ReductionPct)
	case result.Decision == compact.DecisionDeferred:
		fmt.Println("Compaction due but deferred (tool-use loop)")
	case result.Decision == compact.DecisionNone:
		fmt.Println("Below threshold; nothing to do")
	default:
		fmt.Println("Compaction attempted but not completed; conversation left unchanged")
	}
}
