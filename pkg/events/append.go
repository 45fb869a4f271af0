package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AppendEvent appends one JSON-encoded event line to runRoot/events.jsonl,
// stamping "ts" with now if the caller didn't supply one. This is the
// write-side counterpart to ParseRun's fold: the Interop Router (C4) uses
// it to record request_enqueued/request_completed events on the parent
// run's stream without needing to understand the rest of the grammar.
func AppendEvent(runRoot string, fields map[string]any, now time.Time) error {
	if _, ok := fields["ts"]; !ok {
		fields["ts"] = now.UTC().Format(time.RFC3339)
	}

	line, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.MkdirAll(runRoot, 0o755); err != nil {
		return fmt.Errorf("ensure run root: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(runRoot, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events.jsonl: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
