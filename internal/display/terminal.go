// Package display provides terminal output formatting for topicfeed.
package display

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gauthierbraillon/topicfeed/internal/content"
)

const (
	separator  = " • "
	messageMax = 280
)

// TerminalFormatter formats feed items for terminal display.
type TerminalFormatter struct{}

// NewTerminalFormatter creates a new terminal formatter.
func NewTerminalFormatter() *TerminalFormatter {
	return &TerminalFormatter{}
}

// FormatItem formats a single feed item for display.
func (f *TerminalFormatter) FormatItem(item content.FeedItem) string {
	var lines []string

	// Header: [KIND] #topic
	header := fmt.Sprintf("[%s]", strings.ToUpper(string(item.Kind)))
	if item.Source.Topic != "" {
		header += " #" + item.Source.Topic
	}
	lines = append(lines, header)

	if item.Message != "" {
		lines = append(lines, "  "+f.TruncateText(item.Message, messageMax))
	} else if item.BodyRef != "" {
		lines = append(lines, "  -> "+item.BodyRef)
	}

	meta := fmt.Sprintf("  by %s%s%s", Shorten(item.Author), separator, f.FormatTimestamp(time.UnixMilli(item.Creation)))
	lines = append(lines, meta)

	switch {
	case item.RepostAuthor != "" && item.Kind == content.KindRepost:
		lines = append(lines, "  reposted by "+Shorten(item.RepostAuthor))
	case item.RepostAuthor != "":
		lines = append(lines, "  upvoted by "+Shorten(item.RepostAuthor))
	}
	if item.Kind == content.KindReply && item.ParentHash != "" {
		lines = append(lines, "  in reply to "+Shorten(item.ParentHash))
	}

	return strings.Join(lines, "\n") + "\n"
}

// FormatFeed formats multiple feed items for display.
func (f *TerminalFormatter) FormatFeed(items []content.FeedItem) string {
	if len(items) == 0 {
		return "No items to display.\n"
	}

	var formatted []string
	for _, item := range items {
		formatted = append(formatted, f.FormatItem(item))
	}

	return strings.Join(formatted, "\n---\n\n")
}

// FormatTimestamp formats a timestamp as relative time.
func (f *TerminalFormatter) FormatTimestamp(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return pluralize(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return pluralize(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return pluralize(int(diff.Hours()/24), "day")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// pluralize returns "N unit ago" or "N units ago" based on count.
func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// TruncateText truncates text to maxLen characters, adding "..." if truncated.
func (f *TerminalFormatter) TruncateText(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	return string([]rune(text)[:maxLen-3]) + "..."
}

// Shorten abbreviates a long hex address or hash to its first and last four digits.
func Shorten(hex string) string {
	if len(hex) <= 14 || !strings.HasPrefix(hex, "0x") {
		return hex
	}
	return hex[:6] + "..." + hex[len(hex)-4:]
}
