package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/internal/chain/chaintest"
	"github.com/gauthierbraillon/topicfeed/internal/content"
)

var now = time.UnixMilli(1_000_000)

func start(t *testing.T, l *chaintest.Ledger, mode chain.SortMode, topics ...string) Session {
	t.Helper()
	s, err := Start(context.Background(), l, topics, mode, now)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

// drain advances until the session is exhausted and returns every step.
func drain(t *testing.T, m *Merger, s Session) (Session, []Step) {
	t.Helper()
	var steps []Step
	for i := 0; i < 1000; i++ {
		var step Step
		var err error
		s, step, err = m.Advance(context.Background(), s, nil)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		steps = append(steps, step)
		if step.Finished {
			return s, steps
		}
	}
	t.Fatal("session never finished")
	return s, nil
}

func TestAdvance_FirstStepPicksGreatestBlockRegardlessOfCreation(t *testing.T) {
	l := chaintest.New()
	l.Append("x", chain.ByTime, 100, 50, chaintest.Post("0xx"))
	l.Append("y", chain.ByTime, 90, 80, chaintest.Post("0xy"))
	m := NewMerger(l)
	s := start(t, l, chain.ByTime, "x", "y")

	s, step, err := m.Advance(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if step.Item == nil || step.Item.ContentHash != "0xx" {
		t.Fatalf("block 100 should be emitted first, got %+v", step.Item)
	}
	if step.Item.Source.Topic != "x" || step.Item.Source.Block != 100 {
		t.Errorf("item should point at x@100, got %+v", step.Item.Source)
	}
	if s.Results.Len() != 1 {
		t.Errorf("results should hold 1 item, got %d", s.Results.Len())
	}
}

func TestAdvance_MergesChainsInDescendingOrder(t *testing.T) {
	l := chaintest.New()
	// x: 10 <- 30 <- 50 ; y: 20 <- 30 <- 40 ; z: 35
	l.Append("x", chain.ByTime, 10, 100, chaintest.Post("0xx10"))
	l.Append("x", chain.ByTime, 30, 300, chaintest.Post("0xx30"))
	l.Append("x", chain.ByTime, 50, 500, chaintest.Post("0xx50"))
	l.Append("y", chain.ByTime, 20, 200, chaintest.Post("0xy20"))
	l.Append("y", chain.ByTime, 30, 310, chaintest.Post("0xy30"))
	l.Append("y", chain.ByTime, 40, 400, chaintest.Post("0xy40"))
	l.Append("z", chain.ByTime, 35, 350, chaintest.Post("0xz35"))
	m := NewMerger(l)

	s, _ := drain(t, m, start(t, l, chain.ByTime, "x", "y", "z"))

	got := s.Results.Page(0, 0)
	// x@30 is selected before y@30: its bound (creation of x@50) is newer.
	want := []string{"0xx50", "0xy40", "0xz35", "0xx30", "0xy30", "0xy20", "0xx10"}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i, hash := range want {
		if got[i].ContentHash != hash {
			t.Errorf("position %d: want %s, got %s", i+1, hash, got[i].ContentHash)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Source.Position.Compare(got[i].Source.Position) < 0 {
			t.Errorf("items %d and %d out of order: %+v then %+v", i, i+1, got[i-1].Source, got[i].Source)
		}
	}
}

func TestAdvance_SeveralRecordsInOneBlockComeNewestFirst(t *testing.T) {
	l := chaintest.New()
	l.Append("x", chain.ByTime, 10, 100, chaintest.Post("0xold"))
	l.Append("x", chain.ByTime, 10, 200, chaintest.Post("0xnew"))
	m := NewMerger(l)

	s, _ := drain(t, m, start(t, l, chain.ByTime, "x"))

	got := s.Results.Page(0, 0)
	if len(got) != 2 || got[0].ContentHash != "0xnew" || got[1].ContentHash != "0xold" {
		t.Fatalf("same-block records should come newest first, got %+v", got)
	}
}

func TestAdvance_DuplicateContentAppearsOnce(t *testing.T) {
	l := chaintest.New()
	l.Append("x", chain.ByTrend, 10, 100, chaintest.Post("0xpost"))
	l.Append("y", chain.ByTrend, 20, 200, chaintest.Upvote("0xvote", "0xpost"))
	l.Append("y", chain.ByTrend, 30, 300, chaintest.Post("0xother"))
	l.Append("x", chain.ByTrend, 40, 400, chaintest.Upvote("0xvote2", "0xpost"))
	m := NewMerger(l)

	s, steps := drain(t, m, start(t, l, chain.ByTrend, "x", "y"))

	if s.Results.Len() != 2 {
		t.Fatalf("post boosted twice should appear once, got %d items", s.Results.Len())
	}
	seen := map[string]bool{}
	for _, item := range s.Results.Page(0, 0) {
		if seen[item.ContentHash] {
			t.Errorf("content %s emitted twice", item.ContentHash)
		}
		seen[item.ContentHash] = true
	}
	duplicates := 0
	for _, step := range steps {
		if step.Item != nil && !step.Appended {
			duplicates++
		}
	}
	if duplicates != 2 {
		t.Errorf("expected 2 absorbed duplicates, got %d", duplicates)
	}
}

func TestAdvance_TrendModeShowsUpvotesAsPosts(t *testing.T) {
	l := chaintest.New()
	l.Append("x", chain.ByTrend, 10, 100, chaintest.Upvote("0xvote", "0xpost"))
	m := NewMerger(l)

	_, step, err := m.Advance(context.Background(), start(t, l, chain.ByTrend, "x"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Item.Kind != content.KindPost || step.Item.RepostAuthor != "" {
		t.Errorf("trend upvote should be a plain post, got %s/%q", step.Item.Kind, step.Item.RepostAuthor)
	}
}

func TestAdvance_EndOfChainRetiresWithoutBlockingOthers(t *testing.T) {
	l := chaintest.New()
	l.SetHead("ghost", chain.ByTime, 500) // head points at a block with no record
	l.Append("x", chain.ByTime, 10, 100, chaintest.Post("0xx"))
	m := NewMerger(l)
	s := start(t, l, chain.ByTime, "ghost", "x")

	s, step, err := m.Advance(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Item != nil || step.Retired != "ghost" || step.Finished {
		t.Fatalf("ghost should retire with no item, got %+v", step)
	}

	s, step, err = m.Advance(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Item == nil || step.Item.ContentHash != "0xx" {
		t.Fatalf("other topic should still progress, got %+v", step)
	}
	if !step.Finished {
		t.Error("reaching block 0 on the last chain should finish the session")
	}
	if s.Results.Len() != 1 {
		t.Errorf("only x should have emitted, got %d items", s.Results.Len())
	}
}

func TestAdvance_NoTopicsFinishesWithoutResolving(t *testing.T) {
	l := chaintest.New()
	m := NewMerger(l)

	_, step, err := m.Advance(context.Background(), start(t, l, chain.ByTime), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !step.Finished {
		t.Error("empty follow-set should finish immediately")
	}
	if l.ResolveCalls() != 0 {
		t.Errorf("no resolver call expected, got %d", l.ResolveCalls())
	}
}

func TestAdvance_TransportErrorLeavesSessionResumable(t *testing.T) {
	l := chaintest.New()
	l.Append("x", chain.ByTime, 10, 100, chaintest.Post("0xx"))
	m := NewMerger(l)
	s := start(t, l, chain.ByTime, "x")
	before := s.Cursors[0]

	boom := errors.New("connection reset")
	l.FailNext(boom)
	s, _, err := m.Advance(context.Background(), s, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if s.Cursors[0] != before || s.Results.Len() != 0 || s.Failure != nil {
		t.Fatal("failed advance must not mutate the session")
	}

	_, step, err := m.Advance(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("retry should succeed, got %v", err)
	}
	if step.Item == nil || step.Item.ContentHash != "0xx" {
		t.Errorf("retry should resume at the same record, got %+v", step.Item)
	}
}

type staticResolver struct {
	rec *chain.Record
	err error
}

func (r staticResolver) Resolve(context.Context, chain.Request, chan<- chain.Progress) (*chain.Record, error) {
	return r.rec, r.err
}

func TestAdvance_MalformedRecordFailsSession(t *testing.T) {
	l := chaintest.New()
	l.SetHead("x", chain.ByTime, 10)
	s := start(t, l, chain.ByTime, "x")

	tests := []struct {
		name     string
		resolver chain.Resolver
	}{
		{"resolver reports malformed", staticResolver{err: chain.ErrMalformedRecord}},
		{"pointer moves forward", staticResolver{rec: &chain.Record{Previous: 11, Creation: 1, Event: chaintest.Post("0x1")}}},
		{"unknown method", staticResolver{rec: &chain.Record{Previous: 5, Creation: 1, Event: chain.Event{TxHash: "0x1", Method: "mint"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMerger(tt.resolver)
			failed, _, err := m.Advance(context.Background(), s, nil)
			if !errors.Is(err, chain.ErrMalformedRecord) {
				t.Fatalf("expected ErrMalformedRecord, got %v", err)
			}
			if failed.Failure == nil {
				t.Fatal("session should record the failure")
			}
			if _, _, err := m.Advance(context.Background(), failed, nil); !errors.Is(err, ErrSessionFailed) {
				t.Errorf("failed session should refuse to advance, got %v", err)
			}
		})
	}
}

func TestAdvance_TerminatesOnFiniteChains(t *testing.T) {
	l := chaintest.New()
	for b := uint64(1); b <= 20; b++ {
		l.Append("a", chain.ByTime, b*3, int64(b), chaintest.Post("0xa"+string(rune('a'+b))))
		l.Append("b", chain.ByTime, b*2, int64(b), chaintest.Post("0xb"+string(rune('a'+b))))
	}
	m := NewMerger(l)

	s, steps := drain(t, m, start(t, l, chain.ByTime, "a", "b"))

	if !s.Exhausted() {
		t.Error("session should be exhausted")
	}
	if s.Results.Len() != 40 {
		t.Errorf("all 40 records should be emitted, got %d", s.Results.Len())
	}
	if len(steps) != 40 {
		t.Errorf("each record should take exactly one step, got %d steps", len(steps))
	}
}

func TestNormalizeTopics_SpellingsOfOneChainCollapse(t *testing.T) {
	got := NormalizeTopics([]string{"Go", "go", " GO ", "hello world", "Hello  World", "hello-world", "rust"})

	want := []string{"Go", "hello world", "rust"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeTopics = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStart_SkipsEmptyAndRepeatedTopics(t *testing.T) {
	l := chaintest.New()
	s := start(t, l, chain.ByTime, "go", "", " go ", "rust")

	if len(s.Cursors) != 2 || s.Cursors[0].Topic != "go" || s.Cursors[1].Topic != "rust" {
		t.Errorf("expected cursors [go rust], got %+v", s.Cursors)
	}
	if !s.Exhausted() {
		t.Error("topics without records should start exhausted")
	}
}
