package orchestrator

import (
	"encoding/json"
	"fmt"
)

// snapshotToMeta converts a snapshot into the generic map the pipeline-run
// record stores.
func snapshotToMeta(snap *Snapshot) map[string]any {
	raw, err := json.Marshal(snap)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// snapshotFromMeta rebuilds a snapshot from a persisted pipeline-run
// record.
func snapshotFromMeta(meta map[string]any) (*Snapshot, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to decode run snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode run snapshot: %w", err)
	}
	if snap.RunID == "" {
		return nil, fmt.Errorf("run snapshot is empty")
	}
	return &snap, nil
}
