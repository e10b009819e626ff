// Package state persists the engine's position book across restarts.
// A Store is a small keyed byte store; snapshots are msgpack-encoded.
package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
