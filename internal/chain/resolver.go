package chain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEndOfChain is the normal signal that a topic has no more records.
	ErrEndOfChain = errors.New("end of chain")
	// ErrMalformedRecord marks upstream data the merge cannot continue from.
	ErrMalformedRecord = errors.New("malformed record")
)

// HeadLookup returns the newest block of a topic chain; 0 means empty.
type HeadLookup interface {
	ChainHead(ctx context.Context, topic string, mode SortMode) (uint64, error)
}

// Request asks for the record of Topic stored at Block whose creation is
// strictly below MaxCreation.
type Request struct {
	Topic       string
	Block       uint64
	MaxCreation int64
	Mode        SortMode
}

// Resolver turns a chain pointer into a record.
//
// Resolve returns ErrEndOfChain when no record exists at the pointer. It may
// send progress notifications on progress (which may be nil) but must stop
// sending before it returns; the caller owns and closes the channel.
type Resolver interface {
	Resolve(ctx context.Context, req Request, progress chan<- Progress) (*Record, error)
}

// Record is a resolved chain entry.
type Record struct {
	// Previous is the block of the preceding record in the same chain; 0 ends it.
	Previous uint64
	Creation int64
	Event    Event
}

// Event is a decoded content transaction: the called method and its named
// arguments, as found on the ledger.
type Event struct {
	TxHash string
	Method string
	From   string
	Args   map[string]any
}

// Phase tells where the resolver is reading from.
type Phase int

const (
	PhaseNetwork Phase = iota
	PhaseCache
)

// Progress is a resolver status notification. It has no effect on control flow.
type Progress struct {
	Phase   Phase
	Block   uint64
	Current int
	Total   int
}

// String renders the human-readable status line.
func (p Progress) String() string {
	if p.Phase == PhaseCache {
		return fmt.Sprintf("Syncing block %d from database...", p.Block)
	}
	return fmt.Sprintf("Syncing %d/%d at block %d from blockchain...", p.Current+1, p.Total, p.Block)
}

// Report sends p on progress unless progress is nil or ctx is done.
func Report(ctx context.Context, progress chan<- Progress, p Progress) {
	if progress == nil {
		return
	}
	select {
	case progress <- p:
	case <-ctx.Done():
	}
}
