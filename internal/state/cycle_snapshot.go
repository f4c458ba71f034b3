package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CycleSnapshotKey = "cycle:last_snapshot"

// CycleSnapshot is the last known trading-loop state, persisted so a
// restart can report what the process was doing when it stopped.
type CycleSnapshot struct {
	Cycle       int     `json:"cycle"`
	State       string  `json:"state"`
	VenueA      string  `json:"venue_a"`
	VenueB      string  `json:"venue_b"`
	NotionalUSD float64 `json:"notional_usd"`
	Trigger     string  `json:"trigger,omitempty"`
	OpenedAtMS  int64   `json:"opened_at_ms,omitempty"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CycleSnapshotKey)
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, CycleSnapshotKey, string(payload))
}
