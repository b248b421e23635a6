package tutor

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reply is a transcript fragment split into the tutor's three sections.
// Student speech and unstructured model text only fill Text.
type Reply struct {
	Explanation  string `json:"explanation,omitempty"`
	Text         string `json:"text"`
	CallToAction string `json:"call_to_action,omitempty"`
}

var markdownMarks = strings.NewReplacer("**", "", "*", "", "#", "", "_", "")

func stripMarkdown(s string) string {
	return strings.TrimSpace(markdownMarks.Replace(s))
}

// ParseReply splits "explanation | sentence | call to action" model output.
func ParseReply(text string, isModel bool) Reply {
	raw := strings.TrimSpace(text)
	if !isModel || !strings.Contains(raw, "|") {
		return Reply{Text: stripMarkdown(raw)}
	}
	parts := strings.Split(raw, "|")
	reply := Reply{Explanation: stripMarkdown(parts[0])}
	if len(parts) > 1 {
		reply.Text = stripMarkdown(parts[1])
	}
	if len(parts) > 2 {
		reply.CallToAction = stripMarkdown(parts[2])
	}
	return reply
}

type Item struct {
	ID string `json:"id"`
	Reply
	IsModel   bool      `json:"is_model"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the display-side list of parsed fragments. A fragment whose
// parsed text and speaker match the last item is ignored.
type Transcript struct {
	mu    sync.Mutex
	items []Item
	now   func() time.Time
}

// NewTranscript starts a transcript with the greeting as a model item.
func NewTranscript(greeting string) *Transcript {
	t := &Transcript{now: time.Now}
	if g := strings.TrimSpace(greeting); g != "" {
		t.items = append(t.items, Item{ID: uuid.NewString(), Reply: Reply{Text: g}, IsModel: true, Timestamp: t.now()})
	}
	return t
}

func (t *Transcript) Add(text string, isModel bool) (Item, bool) {
	if strings.TrimSpace(text) == "" {
		return Item{}, false
	}
	reply := ParseReply(text, isModel)

	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.items); n > 0 && t.items[n-1].Text == reply.Text && t.items[n-1].IsModel == isModel {
		return Item{}, false
	}
	item := Item{ID: uuid.NewString(), Reply: reply, IsModel: isModel, Timestamp: t.now()}
	t.items = append(t.items, item)
	return item, true
}

func (t *Transcript) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Item(nil), t.items...)
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
