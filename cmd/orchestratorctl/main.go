// Command orchestratorctl is a development/ops convenience CLI acting as a
// TaskSubmitter (spec.md §1): it writes directly to the Task Store
// configured for the running orchestratord, rather than through any HTTP
// surface (task submission is explicitly out of the engine's own scope).
// It carries no orchestration logic of its own.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore/dedupe"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore/memory"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore/postgres"
	"github.com/grabowmar/analysis-orchestrator/pkg/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestratorctl",
		Short:         "Submit, inspect, and cancel analysis tasks against the orchestrator's Task Store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSubmitCommand(), newStatusCommand(), newCancelCommand())
	return root
}

func openStore() (taskstore.Store, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return memory.New(), cfg, func() {}, nil
	}
	store, err := postgres.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres task store: %w", err)
	}
	return store, cfg, func() {}, nil
}

func printTask(t *task.Task) {
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", t)
		return
	}
	fmt.Println(string(out))
}

type submitOptions struct {
	model        string
	appNumber    int
	analysisType string
	tools        string
	source       string
	pipelineID   string
}

func newSubmitCommand() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a new task in the Task Store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.model) == "" {
				return fmt.Errorf("--model is required")
			}
			if opts.appNumber <= 0 {
				return fmt.Errorf("--app must be positive")
			}
			analysisType := task.AnalysisType(opts.analysisType)
			switch analysisType {
			case task.AnalysisStatic, task.AnalysisDynamic, task.AnalysisPerformance, task.AnalysisAI, task.AnalysisUnified:
			default:
				return fmt.Errorf("--type must be one of static, dynamic, performance, ai, unified")
			}
			source := task.Source(opts.source)
			switch source {
			case task.SourceCLI, task.SourceAPI, task.SourcePipeline:
			default:
				return fmt.Errorf("--source must be one of cli, api, pipeline")
			}

			store, cfg, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if opts.pipelineID != "" && cfg.Dispatcher.Broker == "redis" {
				lock := dedupe.New(dedupe.Config{
					Addr:      cfg.Redis.Addr,
					Password:  cfg.Redis.Password,
					DB:        cfg.Redis.DB,
					KeyPrefix: cfg.Redis.KeyPrefix,
				}, nil)
				defer lock.Close()

				key := dedupe.Key(opts.model, opts.appNumber, opts.pipelineID)
				if err := lock.Acquire(cmd.Context(), key, cfg.Dispatcher.LeaseTTL()); err != nil {
					if errors.Is(err, dedupe.ErrHeld) {
						return fmt.Errorf("submit: an equivalent task is already in flight for pipeline %q", opts.pipelineID)
					}
					fmt.Fprintf(os.Stderr, "warning: dedupe check unavailable (%v), falling back to the store's own constraint\n", err)
				}
			}

			spec := task.Spec{
				Model:          opts.model,
				AppNumber:      opts.appNumber,
				AnalysisType:   analysisType,
				RequestedTools: splitTools(opts.tools),
				Source:         source,
				Options:        task.Options{PipelineID: opts.pipelineID},
			}
			t, err := store.Create(cmd.Context(), spec)
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			printTask(t)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.model, "model", "", "Target model identifier (required)")
	cmd.Flags().IntVar(&opts.appNumber, "app", 0, "Target app number (required)")
	cmd.Flags().StringVar(&opts.analysisType, "type", string(task.AnalysisStatic), "Analysis type: static, dynamic, performance, ai, unified")
	cmd.Flags().StringVar(&opts.tools, "tools", "", "Comma-separated requested tool names (empty = registry defaults)")
	cmd.Flags().StringVar(&opts.source, "source", string(task.SourceCLI), "Submission source tag: cli, api, pipeline")
	cmd.Flags().StringVar(&opts.pipelineID, "pipeline-id", "", "Pipeline ID for duplicate-prevention grouping (optional)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			t, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			printTask(t)
			return nil
		},
	}
	return cmd
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Cancel(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}
			fmt.Printf("task %s cancelled\n", args[0])
			return nil
		},
	}
	return cmd
}

func splitTools(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
