// Package store persists resolved ledger records so that revisiting a block
// does not hit the network again.
//
// A block is cached per (mode, tag) as a whole: once stored, a lookup returns
// every record the tag has in that block, possibly none.
package store

import (
	"context"
	"fmt"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Key identifies one block of one topic chain.
type Key struct {
	Mode  chain.SortMode
	Tag   string
	Block uint64
}

// Entry is a record of a tag in a block together with its raw transaction.
type Entry struct {
	TxHash   string
	Previous uint64
	Creation int64
	From     string
	Input    []byte
}

// Cache stores fully fetched blocks.
type Cache interface {
	// Lookup returns the entries of key and whether the block was stored.
	Lookup(ctx context.Context, key Key) ([]Entry, bool, error)
	// Store records entries as the complete content of key.
	Store(ctx context.Context, key Key, entries []Entry) error
	Close() error
}

// Open returns the cache for driver. An empty driver means none.
func Open(ctx context.Context, driver, dsn string) (Cache, error) {
	switch driver {
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverNone, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", driver)
	}
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Lookup(context.Context, Key) ([]Entry, bool, error) { return nil, false, nil }
func (Nop) Store(context.Context, Key, []Entry) error         { return nil }
func (Nop) Close() error                                      { return nil }

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
