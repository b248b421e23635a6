package voice

import (
	"strings"
	"sync"
	"time"
)

// TranscriptItem is one speaker-tagged text fragment.
type TranscriptItem struct {
	Text    string
	IsModel bool
	At      time.Time
}

// Assembler filters transcript fragments before they reach the caller:
// blank fragments and an exact repeat of the previous emitted item (same text
// and speaker) are dropped. Nothing else is merged.
type Assembler struct {
	mu      sync.Mutex
	now     func() time.Time
	last    TranscriptItem
	hasLast bool
}

func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Add returns the item to emit, or false when the fragment is filtered.
func (a *Assembler) Add(text string, isModel bool) (TranscriptItem, bool) {
	if strings.TrimSpace(text) == "" {
		return TranscriptItem{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hasLast && a.last.Text == text && a.last.IsModel == isModel {
		return TranscriptItem{}, false
	}
	item := TranscriptItem{Text: text, IsModel: isModel, At: a.now()}
	a.last = item
	a.hasLast = true
	return item, true
}
