package chain

import (
	"context"
	"fmt"
)

// Cursor is the traversal position inside one topic chain.
// A retired cursor is never selected again.
type Cursor struct {
	Topic    string
	Position Position
	retired  bool
}

// OpenCursor asks heads for the topic's current head under mode. A topic
// without records (head 0) yields a cursor that starts retired. now bounds
// the creation time of the first record read from the head block.
func OpenCursor(ctx context.Context, heads HeadLookup, topic string, mode SortMode, now int64) (Cursor, error) {
	head, err := heads.ChainHead(ctx, topic, mode)
	if err != nil {
		return Cursor{}, fmt.Errorf("chain head for %q: %w", topic, err)
	}
	c := Cursor{
		Topic:    topic,
		Position: Position{Block: head, Creation: now},
	}
	if head == 0 {
		c.Retire()
	}
	return c, nil
}

// Retire marks the cursor permanently inactive.
func (c *Cursor) Retire() {
	c.retired = true
}

// Retired reports whether the cursor has been retired.
func (c Cursor) Retired() bool {
	return c.retired
}

// Pointer returns the cursor's current chain pointer.
func (c Cursor) Pointer() Pointer {
	return Pointer{Topic: c.Topic, Position: c.Position}
}

// Step moves the cursor to the record preceding the one just consumed at its
// current position. A zero previous block retires the cursor.
//
// The move must go strictly backwards, otherwise the descending merge order
// could not be kept.
func (c *Cursor) Step(previous uint64, creation int64) error {
	next := Position{Block: previous, Creation: creation}
	if next.Compare(c.Position) >= 0 {
		return fmt.Errorf("%w: topic %q block %d points forward to block %d (creation %d >= %d)",
			ErrMalformedRecord, c.Topic, c.Position.Block, previous, creation, c.Position.Creation)
	}
	c.Position = next
	if previous == 0 {
		c.Retire()
	}
	return nil
}

// SelectNext returns the index of the active cursor with the greatest
// (block, creation) position, or -1 when every cursor is retired.
// Ties go to the earliest registered cursor.
func SelectNext(cursors []Cursor) int {
	best := -1
	for i, c := range cursors {
		if c.retired {
			continue
		}
		if best < 0 || c.Position.Compare(cursors[best].Position) > 0 {
			best = i
		}
	}
	return best
}
