package mcp

// ToolCatalogue returns the static tool list spec §4.6 names: legacy
// orchestrator.* handoff primitives, fire-and-forget kit.* launches,
// synchronous dashboard queries, and process-visibility tools.
func ToolCatalogue() []ToolInfo {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}
	boolean := map[string]any{"type": "boolean"}
	strArray := map[string]any{"type": "array", "items": str}

	return []ToolInfo{
		{
			Name:        "orchestrator.run",
			Description: "Launch a phase process for a workflow kit in the background.",
			InputSchema: obj(map[string]any{"kit": str, "phase": str}, "kit", "phase"),
		},
		{
			Name:        "orchestrator.request_create",
			Description: "Create a cross-kit handoff request.",
			InputSchema: obj(map[string]any{
				"parent_run_id": str, "from_kit": str, "from_phase": str,
				"to_kit": str, "to_phase": str, "action": str, "reasoning": str,
			}, "parent_run_id", "from_kit", "to_kit", "action"),
		},
		{
			Name:        "orchestrator.pump",
			Description: "Pump the next (or named) queued interop request to completion.",
			InputSchema: obj(map[string]any{"request_id": str, "parent_run_id": str}),
		},
		{
			Name:        "orchestrator.run_info",
			Description: "Fetch one run's index row.",
			InputSchema: obj(map[string]any{"project_id": str, "run_id": str}, "run_id"),
		},
		{
			Name:        "orchestrator.query_log",
			Description: "Tail a run's launch log.",
			InputSchema: obj(map[string]any{"run_id": str, "lines": num}, "run_id"),
		},
		{
			Name:        "kit.tdd",
			Description: "Launch a TDD kit run.",
			InputSchema: obj(map[string]any{"phase": str}, "phase"),
		},
		{
			Name:        "kit.research_cycle",
			Description: "Launch one research cycle.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "kit.research_full",
			Description: "Launch a full research run.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "kit.research_program",
			Description: "Launch a multi-experiment research program.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "kit.math",
			Description: "Launch a math kit run.",
			InputSchema: obj(map[string]any{"phase": str}, "phase"),
		},
		{
			Name:        "kit.status",
			Description: "Per-status run count summary for a project.",
			InputSchema: obj(map[string]any{"project_id": str}),
		},
		{
			Name:        "kit.runs",
			Description: "List runs, optionally filtered by project/status.",
			InputSchema: obj(map[string]any{"project_id": str, "status": str, "limit": num, "offset": num}),
		},
		{
			Name:        "kit.capsule",
			Description: "Fetch a run's capsule markdown.",
			InputSchema: obj(map[string]any{"project_id": str, "run_id": str}, "run_id"),
		},
		{
			Name:        "kit.research_status",
			Description: "List currently running research-kit runs.",
			InputSchema: obj(map[string]any{"project_id": str}),
		},
		{
			Name:        "kit.active",
			Description: "Snapshot of in-memory tracked processes.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "kit.kill",
			Description: "Signal a tracked run (SIGTERM or SIGKILL).",
			InputSchema: obj(map[string]any{"run_id": str, "signal": str}, "run_id"),
		},
		{
			Name:        "kit.gc",
			Description: "Reindex and reap orphaned running rows.",
			InputSchema: obj(map[string]any{"dry_run": boolean}),
		},
		{
			Name:        "kit.research_batch",
			Description: "Dispatch a batch of cloud research runs from a spec list.",
			InputSchema: obj(map[string]any{
				"specs": strArray, "backend": str, "max_instances": num, "max_cost": num,
			}, "specs"),
		},
	}
}
