//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
)

// TestPostgres_RoundTrip needs a reachable database.
// Run with: TOPICFEED_TEST_POSTGRES_DSN=postgres://... go test -tags=integration ./internal/store -v
func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("TOPICFEED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping test: TOPICFEED_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer p.Close()

	key := Key{Mode: chain.ByTrend, Tag: fmt.Sprintf("0xtest%d", time.Now().UnixNano()), Block: 42}
	if _, ok, err := p.Lookup(ctx, key); err != nil || ok {
		t.Fatalf("fresh key should miss, got ok=%v err=%v", ok, err)
	}

	err = p.Store(ctx, key, []Entry{
		{TxHash: "0x1", Previous: 7, Creation: 100, From: "0xa", Input: []byte{1}},
		{TxHash: "0x2", Previous: 42, Creation: 200, From: "0xb", Input: []byte{2}},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	entries, ok, err := p.Lookup(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected a hit, got ok=%v err=%v", ok, err)
	}
	if len(entries) != 2 || entries[0].TxHash != "0x2" || entries[1].Previous != 7 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}
