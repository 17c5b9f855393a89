package twin

import (
	"strings"
	"sync"
)

// TranscriptBuffer accumulates the model's output transcription for one
// session. Fragments are kept in arrival order.
type TranscriptBuffer struct {
	mu        sync.Mutex
	fragments []string
}

// Append adds one fragment. Empty fragments are ignored.
func (b *TranscriptBuffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragments = append(b.fragments, text)
}

// Fragments returns a copy of the raw fragments.
func (b *TranscriptBuffer) Fragments() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.fragments))
	copy(out, b.fragments)
	return out
}

// String joins the fragments with single spaces and trims the result.
func (b *TranscriptBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(strings.Join(b.fragments, " "))
}

// Len returns the number of fragments.
func (b *TranscriptBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments)
}
