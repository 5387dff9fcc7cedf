// Package chain models per-topic traversal of backward-linked on-chain records.
//
// This package enables topicfeed to:
// - Track one cursor per followed topic, newest record first
// - Order cursors by (block, creation) for the descending merge
// - Describe the boundary to the ledger (head lookup and record resolution)
package chain

import (
	"fmt"
	"strings"
)

// SortMode selects which of a topic's two chains is walked.
type SortMode int

const (
	ByTrend SortMode = iota
	ByTime
)

// String returns the config/API spelling of the mode.
func (m SortMode) String() string {
	switch m {
	case ByTrend:
		return "trend"
	case ByTime:
		return "time"
	default:
		return fmt.Sprintf("SortMode(%d)", int(m))
	}
}

// ParseSortMode accepts "trend" or "time" (case-insensitive).
func ParseSortMode(s string) (SortMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trend", "by-trend", "bytrend":
		return ByTrend, nil
	case "time", "by-time", "bytime":
		return ByTime, nil
	default:
		return 0, fmt.Errorf("invalid sort mode %q: must be 'trend' or 'time'", s)
	}
}

// CanonicalTopic is the form a topic is tagged under on the ledger: lower
// case, with whitespace runs replaced by a single dash. Topics with the same
// canonical form share one chain.
func CanonicalTopic(topic string) string {
	return strings.ToLower(strings.Join(strings.Fields(topic), "-"))
}

// Position is a place in a chain: the block a record lives in and the
// creation time that bounds which record in that block comes next.
type Position struct {
	Block    uint64 `json:"block"`
	Creation int64  `json:"creation"`
}

// Compare orders positions lexicographically by (Block, Creation).
// It returns -1, 0 or +1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Block < o.Block:
		return -1
	case p.Block > o.Block:
		return 1
	case p.Creation < o.Creation:
		return -1
	case p.Creation > o.Creation:
		return 1
	default:
		return 0
	}
}

// Pointer identifies where a feed item was resolved from.
type Pointer struct {
	Topic    string `json:"topic"`
	Position `json:"position"`
}
