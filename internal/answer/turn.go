package answer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quiver0/quiver/internal/generate"
)

// Status tracks a turn through its lifecycle.
type Status string

const (
	// StatusNormal marks a finalized turn eligible for model history.
	StatusNormal Status = "normal"

	// StatusStreaming marks an assistant turn still receiving deltas.
	StatusStreaming Status = "streaming"

	// StatusError marks a turn that failed before finalizing. Any text
	// streamed before the failure is preserved.
	StatusError Status = "error"
)

// Turn is one message in the conversation.
type Turn struct {
	ID        uuid.UUID
	Role      generate.Role
	Text      string
	Citations []string
	Status    Status
	CreatedAt time.Time
}

// History is the conversation turn list. The stream callback, watchdog, and
// fallback all touch it, so every mutation is funneled through the mutex.
type History struct {
	mu    sync.Mutex
	turns []Turn
	now   func() time.Time
}

// NewHistory creates an empty conversation history.
func NewHistory() *History {
	return &History{now: time.Now}
}

// Append adds a turn and returns its ID.
func (h *History) Append(role generate.Role, text string, status Status) uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.New()
	h.turns = append(h.turns, Turn{
		ID:        id,
		Role:      role,
		Text:      text,
		Status:    status,
		CreatedAt: h.now(),
	})
	return id
}

// AppendText appends a streamed delta to a turn's text.
func (h *History) AppendText(id uuid.UUID, delta string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.find(id); t != nil {
		t.Text += delta
	}
}

// SetText replaces a turn's text, used when a fallback completion supplants
// whatever the stream produced.
func (h *History) SetText(id uuid.UUID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.find(id); t != nil {
		t.Text = text
	}
}

// TextLen reports the current text length of a turn.
func (h *History) TextLen(id uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.find(id); t != nil {
		return len(t.Text)
	}
	return 0
}

// Finalize attaches citations and flips the turn to StatusNormal.
func (h *History) Finalize(id uuid.UUID, citations []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.find(id); t != nil {
		t.Citations = append([]string(nil), citations...)
		t.Status = StatusNormal
	}
}

// MarkError flips the turn to StatusError. Streamed text is preserved.
func (h *History) MarkError(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.find(id); t != nil {
		t.Status = StatusError
	}
}

// Turn returns a copy of one turn.
func (h *History) Turn(id uuid.UUID) (Turn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.find(id); t != nil {
		out := *t
		out.Citations = append([]string(nil), t.Citations...)
		return out, true
	}
	return Turn{}, false
}

// Turns returns a copy of the full conversation.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	for i := range out {
		out[i].Citations = append([]string(nil), out[i].Citations...)
	}
	return out
}

// Window returns the most recent n finalized turns, oldest first. Excluded
// IDs (the in-flight user turn and the streaming placeholder) and any
// non-normal turns never appear.
func (h *History) Window(n int, exclude ...uuid.UUID) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	skip := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var out []Turn
	for i := len(h.turns) - 1; i >= 0 && len(out) < n; i-- {
		t := h.turns[i]
		if t.Status != StatusNormal || skip[t.ID] {
			continue
		}
		out = append(out, t)
	}
	// Collected newest-first; the model wants chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Clear drops all turns.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func (h *History) find(id uuid.UUID) *Turn {
	for i := range h.turns {
		if h.turns[i].ID == id {
			return &h.turns[i]
		}
	}
	return nil
}
