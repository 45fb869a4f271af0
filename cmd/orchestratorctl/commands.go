package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kurtbell87/orchestration-kit/pkg/mcp"
	"github.com/kurtbell87/orchestration-kit/pkg/registry"
)

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

// newRootCmd assembles the orchestratorctl command tree, mirroring the
// teacher's single flat newRootCmd() that registers every command group up
// front.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestratorctl",
		Short:         "Control plane for long-running, agent-driven development workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newVersionCmd(),
		newRegisterCmd(),
		newReindexCmd(),
		newGCCmd(),
		newActiveCmd(),
		newKillCmd(),
		newRunCmd(),
		newRequestCreateCmd(),
		newPumpCmd(),
		newReapCmd(),
		newBatchDispatchCmd(),
		newServeMCPCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run:   func(cmd *cobra.Command, args []string) { printVersion() },
	}
}

func newRegisterCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the current orchestration-kit root/project in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			projectRoot := a.root.ProjectRoot
			if projectRoot == "" {
				projectRoot = a.root.OrchestrationKitRoot
			}
			if label == "" {
				label = projectRoot
			}
			projects, err := registry.Upsert(registryPath(a.root), a.root.OrchestrationKitRoot, projectRoot, label)
			if err != nil {
				return err
			}
			printJSON(projects)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Human-readable project label")
	return cmd
}

func newReindexCmd() *cobra.Command {
	var cleanupStale bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the index store from every registered project's events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			projects := registry.Load(registryPath(a.root))
			result, err := a.engine.Reindex(cmd.Context(), projects, cleanupStale)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cleanupStale, "cleanup-stale", false, "Delete rows for projects no longer in the registry")
	return cmd
}

func newGCCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reindex and reap orphaned running rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			projects := registry.Load(registryPath(a.root))
			result, err := a.engine.GC(cmd.Context(), projects, dryRun, time.Now().UTC())
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report stale runs without reaping them")
	return cmd
}

func newActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List in-memory tracked processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			printJSON(a.engine.ActiveProcesses())
			return nil
		},
	}
}

func newKillCmd() *cobra.Command {
	var signal string
	cmd := &cobra.Command{
		Use:   "kill [run-id]",
		Short: "Signal a tracked run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			sig := syscall.SIGTERM
			if strings.EqualFold(signal, "SIGKILL") {
				sig = syscall.SIGKILL
			}
			result, err := a.engine.Kill(args[0], sig)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&signal, "signal", "SIGTERM", "SIGTERM or SIGKILL")
	return cmd
}

func newRunCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "run [kit]",
		Short: "Launch a phase process for a workflow kit in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			result, err := a.facade.Call(cmd.Context(), "orchestrator.run", map[string]any{"kit": args[0], "phase": phase})
			if err != nil {
				return err
			}
			fmt.Println(result.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "Phase name (required)")
	cmd.MarkFlagRequired("phase")
	return cmd
}

func newRequestCreateCmd() *cobra.Command {
	var fromKit, fromPhase, toKit, toPhase, action, reasoning, parentRunID string
	cmd := &cobra.Command{
		Use:   "request-create",
		Short: "Create a cross-kit handoff request",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			result, err := a.facade.Call(cmd.Context(), "orchestrator.request_create", map[string]any{
				"parent_run_id": parentRunID, "from_kit": fromKit, "from_phase": fromPhase,
				"to_kit": toKit, "to_phase": toPhase, "action": action, "reasoning": reasoning,
			})
			if err != nil {
				return err
			}
			fmt.Println(result.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&parentRunID, "parent-run-id", "", "Parent run id (required)")
	cmd.Flags().StringVar(&fromKit, "from-kit", "", "Originating kit (required)")
	cmd.Flags().StringVar(&fromPhase, "from-phase", "", "Originating phase")
	cmd.Flags().StringVar(&toKit, "to-kit", "", "Target kit (required)")
	cmd.Flags().StringVar(&toPhase, "to-phase", "", "Target phase")
	cmd.Flags().StringVar(&action, "action", "", "Action name (required)")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "Free-text handoff reasoning")
	cmd.MarkFlagRequired("parent-run-id")
	cmd.MarkFlagRequired("from-kit")
	cmd.MarkFlagRequired("to-kit")
	cmd.MarkFlagRequired("action")
	return cmd
}

func newPumpCmd() *cobra.Command {
	var requestID, parentRunID string
	cmd := &cobra.Command{
		Use:   "pump",
		Short: "Pump the next (or named) queued interop request to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			result, err := a.facade.Call(cmd.Context(), "orchestrator.pump", map[string]any{
				"request_id": requestID, "parent_run_id": parentRunID,
			})
			if err != nil {
				return err
			}
			fmt.Println(result.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "Specific request to pump (default: oldest queued)")
	cmd.Flags().StringVar(&parentRunID, "parent-run-id", "", "Parent run id, whose events.jsonl receives the request_completed event")
	return cmd
}

func newReapCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Terminate cloud instances past their lease or the hard ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			actions, err := a.controller.Reap(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			printJSON(actions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report reapable instances without terminating them")
	return cmd
}

func newBatchDispatchCmd() *cobra.Command {
	var backend string
	var specFiles []string
	var maxInstances int
	var maxCost float64
	cmd := &cobra.Command{
		Use:   "batch-dispatch",
		Short: "Dispatch a batch of cloud research runs from a spec list",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			specs := make([]any, 0, len(specFiles))
			for _, f := range specFiles {
				specs = append(specs, f)
			}
			callArgs := map[string]any{"specs": specs, "backend": backend, "max_instances": float64(maxInstances)}
			if maxCost > 0 {
				callArgs["max_cost"] = maxCost
			}
			result, err := a.facade.Call(cmd.Context(), "kit.research_batch", callArgs)
			if err != nil {
				return err
			}
			fmt.Println(result.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "aws", "Cloud backend: aws or runpod")
	cmd.Flags().StringSliceVar(&specFiles, "spec", nil, "Experiment spec file path (repeatable)")
	cmd.Flags().IntVar(&maxInstances, "max-instances", 0, "Maximum concurrent instances (0 = unbounded)")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "Abort the batch before launch if its estimated cost exceeds this")
	return cmd
}

func newServeMCPCmd() *cobra.Command {
	var transport string
	cmd := &cobra.Command{
		Use:   "serve-mcp",
		Short: "Start the MCP Tool Facade over stdio or HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if transport == "" {
				transport = a.mcpCfg.Transport
			}

			switch transport {
			case "http":
				addr := a.mcpCfg.Host + ":" + strconv.Itoa(a.mcpCfg.Port)
				handler := mcp.NewHTTPHandler(a.facade, a.mcpCfg.Token)
				fmt.Printf("MCP HTTP transport listening on %s\n", addr)
				return http.ListenAndServe(addr, handler)
			case "stdio", "":
				srv := mcp.NewServer(a.facade)
				return srv.Serve(cmd.Context())
			default:
				return fmt.Errorf("unknown MCP transport %q (want stdio or http)", transport)
			}
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "stdio or http (default: ORCHESTRATION_KIT_MCP_TRANSPORT)")
	return cmd
}
