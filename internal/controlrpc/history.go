package controlrpc

import (
	"fmt"
	"strings"
	"time"
)

const defaultHistoryCap = 100

// history is a bounded ring of dispatched command lines, backing the
// built-in "history [N]" command.
type history struct {
	entries []string
	next    int
	full    bool
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &history{entries: make([]string, capacity)}
}

func (h *history) add(command string, options []string, at time.Time) {
	line := fmt.Sprintf("%s %s", at.Format(time.RFC3339), command)
	if len(options) > 0 {
		line += " " + strings.Join(options, " ")
	}
	h.entries[h.next] = line
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// last returns up to n entries, oldest first.
func (h *history) last(n int) []string {
	size := h.next
	if h.full {
		size = len(h.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := h.next - n
	if start < 0 {
		start += len(h.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.entries[(start+i)%len(h.entries)])
	}
	return out
}
