// Package content turns decoded ledger events into feed items.
package content

import (
	"errors"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
)

// ErrUnknownEvent is returned for a method the feed has no variant for.
var ErrUnknownEvent = errors.New("unknown event")

// Kind identifies the variant of a feed item.
type Kind string

const (
	KindPost   Kind = "post"
	KindReply  Kind = "reply"
	KindUpvote Kind = "upvote"
	KindRepost Kind = "repost"
)

// FeedItem is one entry of the merged topic feed.
type FeedItem struct {
	// ContentHash is the identity used for deduplication: the transaction that
	// carries the body, so an upvote and the post it boosts share it.
	ContentHash string `json:"content_hash"`
	Kind        Kind   `json:"kind"`
	Author      string `json:"author"`
	// RepostAuthor is who upvoted or reposted the content, if anyone.
	RepostAuthor string   `json:"repost_author,omitempty"`
	BodyRef      string   `json:"body_ref"`
	Message      string   `json:"message,omitempty"`
	ParentHash   string   `json:"parent_hash,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	TxHash       string   `json:"tx_hash"`
	// Source is the cursor position the item was selected at.
	Source   chain.Pointer `json:"source"`
	Creation int64         `json:"creation"`
}
