// ABOUTME: Formatting utilities for client UIs
// ABOUTME: Shared helpers for traffic counters, message lines and directory listings
package client

import (
	"fmt"
	"strings"

	"github.com/aeolun/linechat/pkg/protocol"
)

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatMessage renders a message as one line of scrollback. Without
// timestamps the leading "[15:04] " is dropped.
func FormatMessage(msg protocol.Message, showTimestamps bool) string {
	line := msg.Display()
	if msg.Kind == protocol.KindUserList {
		line = fmt.Sprintf("[%s] %s", msg.Timestamp.Format("15:04"), msg.Content)
	}
	if !showTimestamps {
		if i := strings.Index(line, "] "); i >= 0 {
			line = line[i+2:]
		}
	}
	return line
}

// ParseDirectoryListing extracts identities from an "Online users: a, b" reply
func ParseDirectoryListing(content string) []string {
	rest, ok := strings.CutPrefix(content, protocol.OnlineUsersText)
	if !ok {
		return nil
	}

	var ids []string
	for _, id := range strings.Split(rest, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
