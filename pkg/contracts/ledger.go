// Package contracts holds the on-chain interface of the topic ledger: the
// view methods returning chain heads, the content methods whose inputs are
// decoded into feed items, and the events linking records of one topic.
package contracts

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed ledger.abi.json
var ledgerJSON string

// View methods returning the head block of a tag.
const (
	MethodHeadByTrend = "getCurrentTagInfoByTrend"
	MethodHeadByTime  = "getCurrentTagInfoByTime"
)

// Content methods.
const (
	MethodPost   = "post"
	MethodUpvote = "upvote"
	MethodRepost = "repost"
	MethodReply  = "reply"
)

// Content method argument names.
const (
	ArgMessage = "message"
	ArgParent  = "parentTransactionHash"
	ArgAuthor  = "authorAddress"
	ArgTags    = "tags"
)

// Events emitted once per tag of a content transaction.
const (
	EventByTime  = "SavePreviousTagInfoByTimeEvent"
	EventByTrend = "SavePreviousTagInfoByTrendEvent"
)

// Event argument names.
const (
	ArgTag      = "tag"
	ArgPrevious = "previousTagInfoBN"
	ArgCreation = "creation"
)

var (
	parseOnce sync.Once
	parsed    abi.ABI
	parseErr  error
)

// LedgerABI returns the parsed ledger ABI.
func LedgerABI() (abi.ABI, error) {
	parseOnce.Do(func() {
		parsed, parseErr = abi.JSON(strings.NewReader(ledgerJSON))
		if parseErr != nil {
			parseErr = fmt.Errorf("parse ledger abi: %w", parseErr)
		}
	})
	return parsed, parseErr
}

// MustLedgerABI is like LedgerABI but panics on error.
func MustLedgerABI() abi.ABI {
	a, err := LedgerABI()
	if err != nil {
		panic(err)
	}
	return a
}
