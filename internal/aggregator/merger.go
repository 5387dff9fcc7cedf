package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/internal/content"
	"github.com/gauthierbraillon/topicfeed/internal/metrics"
)

// Option configures the Merger.
type Option func(*Merger)

// WithLogger sets the logger used for merge events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Merger) {
		m.logger = logger
	}
}

// Merger performs the k-way descending merge of topic chains, one record per step.
type Merger struct {
	resolver chain.Resolver
	logger   *slog.Logger
}

// NewMerger creates a merger reading records through resolver.
func NewMerger(resolver chain.Resolver, opts ...Option) *Merger {
	m := &Merger{
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Step describes what a single Advance did.
type Step struct {
	// Item is the built item, also set when it was a duplicate and not appended.
	Item     *content.FeedItem
	Appended bool
	// Retired is the topic whose cursor reached the end of its chain in this step.
	Retired  string
	Finished bool
}

// Advance resolves exactly one record: the one under the active cursor with
// the greatest (block, creation) position.
//
// On a resolver error the input session is returned untouched so the call can
// be retried. A malformed record fails the session for good.
func (m *Merger) Advance(ctx context.Context, s Session, progress chan<- chain.Progress) (Session, Step, error) {
	if s.Failure != nil {
		return s, Step{}, fmt.Errorf("%w: %w", ErrSessionFailed, s.Failure)
	}

	idx := chain.SelectNext(s.Cursors)
	if idx < 0 {
		metrics.AdvanceTotal.WithLabelValues(metrics.OutcomeFinished).Inc()
		return s, Step{Finished: true}, nil
	}

	// Cursors are copied so the caller's session stays valid for readers
	// while the record resolves; Results only ever grows past their length.
	s.Cursors = slices.Clone(s.Cursors)
	cur := s.Cursors[idx]
	src := cur.Pointer()

	start := time.Now()
	rec, err := m.resolver.Resolve(ctx, chain.Request{
		Topic:       cur.Topic,
		Block:       cur.Position.Block,
		MaxCreation: cur.Position.Creation,
		Mode:        s.Mode,
	}, progress)
	switch {
	case errors.Is(err, chain.ErrEndOfChain):
		metrics.ResolveDuration.WithLabelValues("end").Observe(time.Since(start).Seconds())
		cur.Retire()
		s.Cursors[idx] = cur
		m.logger.Debug("topic chain ended", "topic", cur.Topic, "block", src.Block)
		metrics.AdvanceTotal.WithLabelValues(metrics.OutcomeRetired).Inc()
		return s, Step{Retired: cur.Topic, Finished: s.Exhausted()}, nil
	case errors.Is(err, chain.ErrMalformedRecord):
		return m.fail(s, src, err)
	case err != nil:
		metrics.ResolveDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		metrics.AdvanceTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return s, Step{}, fmt.Errorf("resolve %s at block %d: %w", cur.Topic, src.Block, err)
	}
	metrics.ResolveDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	if err := cur.Step(rec.Previous, rec.Creation); err != nil {
		return m.fail(s, src, err)
	}
	item, err := content.Build(s.Mode, src, *rec)
	if err != nil {
		if !errors.Is(err, chain.ErrMalformedRecord) {
			err = fmt.Errorf("%w: %w", chain.ErrMalformedRecord, err)
		}
		return m.fail(s, src, err)
	}

	s.Cursors[idx] = cur
	step := Step{Item: &item}
	if cur.Retired() {
		step.Retired = cur.Topic
	}
	step.Appended = s.Results.Add(item)
	if step.Appended {
		metrics.AdvanceTotal.WithLabelValues(metrics.OutcomeEmitted).Inc()
	} else {
		m.logger.Debug("duplicate content absorbed", "topic", cur.Topic, "hash", item.ContentHash)
		metrics.AdvanceTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
	}
	step.Finished = s.Exhausted()
	return s, step, nil
}

func (m *Merger) fail(s Session, src chain.Pointer, err error) (Session, Step, error) {
	m.logger.Error("malformed record", "topic", src.Topic, "block", src.Block, "err", err)
	metrics.AdvanceTotal.WithLabelValues(metrics.OutcomeMalformed).Inc()
	s.Failure = err
	return s, Step{}, err
}
