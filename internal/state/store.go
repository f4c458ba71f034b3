package state

import "context"

// Store is a flat key-value persistence layer for runtime state that
// must survive a restart: cycle snapshots, operator audit records and
// stream cursors. Get reports presence separately from errors so an
// absent key is not a failure.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
