package content

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/pkg/contracts"
)

// Build decodes a resolved record into a feed item.
//
// In trend mode an upvote is shown as the post it boosts: the item is
// re-tagged as a post and loses its repost attribution. Time mode keeps it.
func Build(mode chain.SortMode, src chain.Pointer, rec chain.Record) (FeedItem, error) {
	ev := rec.Event
	item := FeedItem{
		TxHash:   ev.TxHash,
		Source:   src,
		Creation: rec.Creation,
		Tags:     hashList(ev.Args[contracts.ArgTags]),
	}

	method := strings.ToLower(ev.Method)
	switch method {
	case contracts.MethodPost:
		item.Kind = KindPost
		item.ContentHash = ev.TxHash
		item.BodyRef = ev.TxHash
		item.Author = ev.From
		item.Message = stringArg(ev.Args[contracts.ArgMessage])
	case contracts.MethodReply:
		item.Kind = KindReply
		item.ContentHash = ev.TxHash
		item.BodyRef = ev.TxHash
		item.Author = ev.From
		item.Message = stringArg(ev.Args[contracts.ArgMessage])
		item.ParentHash = hashArg(ev.Args[contracts.ArgParent])
	case contracts.MethodUpvote, contracts.MethodRepost:
		item.Kind = KindUpvote
		if method == contracts.MethodRepost {
			item.Kind = KindRepost
		}
		parent := hashArg(ev.Args[contracts.ArgParent])
		if parent == "" {
			return FeedItem{}, fmt.Errorf("%w: %s %s has no parent transaction", chain.ErrMalformedRecord, ev.Method, ev.TxHash)
		}
		item.ContentHash = parent
		item.BodyRef = parent
		item.ParentHash = parent
		item.Author = addressArg(ev.Args[contracts.ArgAuthor])
		item.RepostAuthor = ev.From
	default:
		return FeedItem{}, fmt.Errorf("%w: method %q in %s", ErrUnknownEvent, ev.Method, ev.TxHash)
	}

	if item.ContentHash == "" {
		return FeedItem{}, fmt.Errorf("%w: %s has no content hash", chain.ErrMalformedRecord, ev.Method)
	}

	if mode == chain.ByTrend && item.Kind == KindUpvote {
		item.Kind = KindPost
		item.RepostAuthor = ""
	}
	return item, nil
}

func stringArg(v any) string {
	s, _ := v.(string)
	return s
}

func hashArg(v any) string {
	switch h := v.(type) {
	case [32]byte:
		if h == ([32]byte{}) {
			return ""
		}
		return common.Hash(h).Hex()
	case common.Hash:
		if h == (common.Hash{}) {
			return ""
		}
		return h.Hex()
	case string:
		return h
	default:
		return ""
	}
}

func addressArg(v any) string {
	switch a := v.(type) {
	case common.Address:
		return a.Hex()
	case string:
		return a
	default:
		return ""
	}
}

func hashList(v any) []string {
	switch l := v.(type) {
	case [][32]byte:
		out := make([]string, 0, len(l))
		for _, h := range l {
			out = append(out, common.Hash(h).Hex())
		}
		return out
	case []string:
		return l
	default:
		return nil
	}
}
