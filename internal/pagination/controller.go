// Package pagination drives a traversal session one merge step at a time.
//
// The controller is a small state machine (idle, loading, exhausted, failed)
// with a single-flight guard: at most one record is being resolved per
// session. Steps are pulled by explicit requests or by viewport reports that
// come within look-ahead distance of the end of the rendered feed.
package pagination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gauthierbraillon/topicfeed/internal/aggregator"
	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/internal/content"
)

// State of the controller.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StatusExhausted is shown once every followed chain has been read.
const StatusExhausted = "No more items."

// Snapshot is the observable state of a controller.
type Snapshot struct {
	Generation uint64             `json:"generation"`
	Mode       string             `json:"mode"`
	Topics     []string           `json:"topics"`
	State      string             `json:"state"`
	Items      []content.FeedItem `json:"items"`
	Offset     int                `json:"offset"`
	Total      int                `json:"total"`
	Loading    bool               `json:"loading"`
	Exhausted  bool               `json:"exhausted"`
	Status     string             `json:"status"`
	Error      string             `json:"error,omitempty"`
}

// Option configures the Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithClock overrides the time source used to bound head records.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithStatusHook registers fn to receive every status line. fn must not
// call back into the controller.
func WithStatusHook(fn func(status string)) Option {
	return func(c *Controller) {
		c.statusHook = fn
	}
}

// Controller owns the latest session of one feed view.
type Controller struct {
	base       context.Context
	heads      chain.HeadLookup
	merger     *aggregator.Merger
	logger     *slog.Logger
	now        func() time.Time
	statusHook func(string)

	mu            sync.Mutex
	session       aggregator.Session
	gen           uint64
	ticket        uint64
	closed        bool
	state         State
	status        string
	lastErr       error
	idle          chan struct{}
	viewport      Viewport
	viewportFresh bool
	subs          map[int]chan Snapshot
	nextSub       int
}

// New creates a controller. Steps started by RequestAdvance run with base and
// are only cancelled when base is; a replaced session's in-flight step is
// left to finish and its result discarded.
func New(base context.Context, heads chain.HeadLookup, merger *aggregator.Merger, opts ...Option) *Controller {
	c := &Controller{
		base:   base,
		heads:  heads,
		merger: merger,
		logger: slog.Default(),
		now:    time.Now,
		state:  StateIdle,
		idle:   closedChan(),
		subs:   make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession discards the current session and its results and starts a new
// one from fresh chain heads, then requests the first step.
//
// Overlapping calls settle in call order: a call whose head lookups finish
// after a later call was made installs nothing and returns nil.
func (c *Controller) StartSession(ctx context.Context, topics []string, mode chain.SortMode) error {
	c.mu.Lock()
	c.ticket++
	ticket := c.ticket
	c.mu.Unlock()

	s, err := aggregator.Start(ctx, c.heads, topics, mode, c.now())

	c.mu.Lock()
	if ticket != c.ticket {
		c.mu.Unlock()
		c.logger.Debug("session start superseded", "mode", mode.String())
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start session: %w", err)
	}
	if c.state == StateLoading {
		close(c.idle)
	}
	c.gen++
	c.session = s
	c.state = StateIdle
	c.status = ""
	c.lastErr = nil
	c.idle = closedChan()
	c.viewportFresh = false
	c.notifyLocked()
	c.mu.Unlock()

	c.logger.Info("session started", "topics", s.Topics, "mode", mode.String())
	c.RequestAdvance()
	return nil
}

// RequestAdvance starts one merge step in the background. It is a no-op, and
// returns false, while a step is in flight or once the session is exhausted
// or failed.
func (c *Controller) RequestAdvance() bool {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return false
	}
	gen, s := c.beginLocked()
	c.mu.Unlock()

	go c.runStep(c.base, gen, s)
	return true
}

// Scroll records the latest viewport measurement and requests a step when
// the end of the feed is within look-ahead distance.
//
// A measurement is used until a step appends an item. After that the content
// has grown and the client must report its viewport again to pull further.
func (c *Controller) Scroll(v Viewport) bool {
	c.mu.Lock()
	c.viewport = v
	c.viewportFresh = true
	c.mu.Unlock()

	if !v.NearBottom() {
		return false
	}
	return c.RequestAdvance()
}

// Fill advances synchronously until at least n items were emitted, the
// session is exhausted, or a step fails.
func (c *Controller) Fill(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateExhausted:
			c.mu.Unlock()
			return nil
		case StateFailed:
			err := c.lastErr
			c.mu.Unlock()
			return err
		case StateLoading:
			wait := c.idle
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if c.session.Results.Len() >= n {
			c.mu.Unlock()
			return nil
		}
		gen, s := c.beginLocked()
		c.mu.Unlock()

		if _, err := c.runStep(ctx, gen, s); err != nil {
			return err
		}
	}
}

// Wait blocks until no step is in flight.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state != StateLoading {
			c.mu.Unlock()
			return nil
		}
		wait := c.idle
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the observable state with items from offset on.
func (c *Controller) Snapshot(offset int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(offset)
}

// Topics returns the follow-set of the current session.
func (c *Controller) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.session.Topics...)
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only miss intermediate snapshots. The channel is closed
// by cancel or by Close.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	ch <- c.snapshotLocked(0)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Close ends every subscription. The controller can still be read, but
// later subscribers get one snapshot and a closed channel.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Controller) beginLocked() (uint64, aggregator.Session) {
	c.state = StateLoading
	c.idle = make(chan struct{})
	c.notifyLocked()
	return c.gen, c.session
}

func (c *Controller) runStep(ctx context.Context, gen uint64, s aggregator.Session) (aggregator.Step, error) {
	progress := make(chan chain.Progress)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range progress {
			c.setStatus(gen, p.String())
		}
	}()

	next, step, err := c.merger.Advance(ctx, s, progress)
	close(progress)
	<-drained

	c.finish(gen, next, step, err)
	return step, err
}

func (c *Controller) finish(gen uint64, next aggregator.Session, step aggregator.Step, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding step of replaced session", "generation", gen)
		return
	}

	switch {
	case next.Failure != nil:
		c.session = next
		c.state = StateFailed
		c.lastErr = err
		c.status = "Failed: " + err.Error()
	case err != nil:
		c.state = StateIdle
		c.lastErr = err
		c.status = "Error: " + err.Error()
		c.logger.Warn("advance failed", "err", err)
	default:
		c.session = next
		c.lastErr = nil
		c.state = StateIdle
		if step.Finished {
			c.state = StateExhausted
			c.status = StatusExhausted
		}
		if step.Appended {
			// Content grew; the last measurement no longer describes it.
			c.viewportFresh = false
		}
	}
	again := c.state == StateIdle && err == nil && c.viewportFresh && c.viewport.NearBottom()
	close(c.idle)
	c.notifyLocked()
	status := c.status
	c.mu.Unlock()

	if c.statusHook != nil && status != "" {
		c.statusHook(status)
	}
	if again {
		c.RequestAdvance()
	}
}

func (c *Controller) setStatus(gen uint64, status string) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateLoading {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.notifyLocked()
	c.mu.Unlock()

	if c.statusHook != nil {
		c.statusHook(status)
	}
}

func (c *Controller) snapshotLocked(offset int) Snapshot {
	snap := Snapshot{
		Generation: c.gen,
		Mode:       c.session.Mode.String(),
		Topics:     append([]string(nil), c.session.Topics...),
		State:      c.state.String(),
		Items:      c.session.Results.Page(offset, 0),
		Offset:     offset,
		Total:      c.session.Results.Len(),
		Loading:    c.state == StateLoading,
		Exhausted:  c.state == StateExhausted,
		Status:     c.status,
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	return snap
}

func (c *Controller) notifyLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked(0)
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
