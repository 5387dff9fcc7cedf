// Package chaintest provides an in-memory ledger for testing chain traversal.
package chaintest

import (
	"context"
	"sync"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/pkg/contracts"
)

type chainKey struct {
	topic string
	mode  chain.SortMode
}

type entry struct {
	block    uint64
	creation int64
	previous uint64
	event    chain.Event
}

// Ledger is a finite set of topic chains. It implements chain.HeadLookup and
// chain.Resolver. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	heads    map[chainKey]uint64
	entries  map[chainKey][]entry
	calls    int
	failNext error
	gate     chan struct{}
	entered  chan struct{}
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		heads:   make(map[chainKey]uint64),
		entries: make(map[chainKey][]entry),
		entered: make(chan struct{}, 1024),
	}
}

// Append records ev in block for topic's chain under mode and makes it the head.
func (l *Ledger) Append(topic string, mode chain.SortMode, block uint64, creation int64, ev chain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := chainKey{topic, mode}
	l.entries[k] = append(l.entries[k], entry{
		block:    block,
		creation: creation,
		previous: l.heads[k],
		event:    ev,
	})
	l.heads[k] = block
}

// SetHead forces the head pointer of a chain, e.g. to one without records.
func (l *Ledger) SetHead(topic string, mode chain.SortMode, block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heads[chainKey{topic, mode}] = block
}

// FailNext makes the next Resolve return err without side effects.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// Hold makes Resolve block until the returned release func is called.
func (l *Ledger) Hold() (release func()) {
	gate := make(chan struct{})
	l.mu.Lock()
	l.gate = gate
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.gate = nil
			l.mu.Unlock()
			close(gate)
		})
	}
}

// Entered receives once per Resolve call, as soon as the call starts.
func (l *Ledger) Entered() <-chan struct{} {
	return l.entered
}

// ResolveCalls returns how many times Resolve was called.
func (l *Ledger) ResolveCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// ChainHead implements chain.HeadLookup.
func (l *Ledger) ChainHead(_ context.Context, topic string, mode chain.SortMode) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heads[chainKey{topic, mode}], nil
}

// Resolve implements chain.Resolver. It returns the record of the topic in
// req.Block with the greatest creation below req.MaxCreation.
func (l *Ledger) Resolve(ctx context.Context, req chain.Request, progress chan<- chain.Progress) (*chain.Record, error) {
	l.mu.Lock()
	l.calls++
	gate := l.gate
	failNext := l.failNext
	l.failNext = nil
	l.mu.Unlock()

	select {
	case l.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failNext != nil {
		return nil, failNext
	}

	chain.Report(ctx, progress, chain.Progress{Phase: chain.PhaseCache, Block: req.Block})

	l.mu.Lock()
	defer l.mu.Unlock()
	var best *entry
	for i, e := range l.entries[chainKey{req.Topic, req.Mode}] {
		if e.block != req.Block || e.creation >= req.MaxCreation {
			continue
		}
		if best == nil || e.creation > best.creation {
			best = &l.entries[chainKey{req.Topic, req.Mode}][i]
		}
	}
	if best == nil {
		return nil, chain.ErrEndOfChain
	}
	return &chain.Record{
		Previous: best.previous,
		Creation: best.creation,
		Event:    best.event,
	}, nil
}

// Post returns a post event with the given transaction hash.
func Post(hash string) chain.Event {
	return chain.Event{
		TxHash: hash,
		Method: contracts.MethodPost,
		From:   "0xauthor",
		Args:   map[string]any{contracts.ArgMessage: "message " + hash},
	}
}

// Upvote returns an upvote event boosting the post with hash parent.
func Upvote(hash, parent string) chain.Event {
	return chain.Event{
		TxHash: hash,
		Method: contracts.MethodUpvote,
		From:   "0xvoter",
		Args: map[string]any{
			contracts.ArgParent: parent,
			contracts.ArgAuthor: "0xauthor",
		},
	}
}
