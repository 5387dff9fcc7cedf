// Package aggregator merges topic chains into one unified feed.
//
// This package enables topicfeed to:
// - Walk N backward-linked topic chains in lock-step, newest record first
// - Emit each record once, deduplicated by content identity
// - Keep the whole traversal in an explicit Session value
package aggregator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
)

// ErrSessionFailed is returned when advancing a session that hit a malformed record.
var ErrSessionFailed = errors.New("session failed")

// Session is one traversal of a fixed follow-set in a fixed sort mode.
//
// Advance takes ownership of the session it is given; callers keep only the
// session it returns, the way they would with append.
type Session struct {
	Mode    chain.SortMode
	Topics  []string
	Cursors []chain.Cursor
	Results Results
	// Failure is set once a malformed record was met; the session cannot advance.
	Failure error
}

// Start opens one cursor per followed topic at its current head under mode.
// Empty and repeated topics are skipped; registration order is kept.
func Start(ctx context.Context, heads chain.HeadLookup, topics []string, mode chain.SortMode, now time.Time) (Session, error) {
	s := Session{
		Mode:   mode,
		Topics: NormalizeTopics(topics),
	}
	s.Cursors = make([]chain.Cursor, 0, len(s.Topics))
	for _, topic := range s.Topics {
		c, err := chain.OpenCursor(ctx, heads, topic, mode, now.UnixMilli())
		if err != nil {
			return Session{}, err
		}
		s.Cursors = append(s.Cursors, c)
	}
	return s, nil
}

// Exhausted reports whether every cursor is retired.
func (s Session) Exhausted() bool {
	return chain.SelectNext(s.Cursors) < 0
}

// NormalizeTopics trims topics and drops empty ones and those naming a chain
// already followed. The first spelling of a topic is kept.
func NormalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		key := chain.CanonicalTopic(t)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
