package aggregator

import "github.com/gauthierbraillon/topicfeed/internal/content"

// Results is the ordered list of emitted feed items, at most one per content hash.
// The zero value is ready to use.
type Results struct {
	items []content.FeedItem
	seen  map[string]struct{}
}

// Add appends item unless its content hash was already emitted.
// It reports whether the item was appended.
func (r *Results) Add(item content.FeedItem) bool {
	if r.Contains(item.ContentHash) {
		return false
	}
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	r.seen[item.ContentHash] = struct{}{}
	r.items = append(r.items, item)
	return true
}

// Contains reports whether an item with hash has been emitted.
func (r *Results) Contains(hash string) bool {
	_, ok := r.seen[hash]
	return ok
}

// Len returns the number of emitted items.
func (r *Results) Len() int {
	return len(r.items)
}

// Page returns a copy of up to limit items starting at offset.
// A limit <= 0 means no limit. The result is never nil.
func (r *Results) Page(offset, limit int) []content.FeedItem {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(r.items) {
		return []content.FeedItem{}
	}
	end := len(r.items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]content.FeedItem, end-offset)
	copy(page, r.items[offset:end])
	return page
}
