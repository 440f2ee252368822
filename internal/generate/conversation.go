package generate

import (
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// maxConversationContents bounds the retained turns per conversation. Two
// contents per exchange, so this keeps the last 32 exchanges.
const maxConversationContents = 64

// conversations holds server-managed conversation state in memory, keyed by
// opaque UUIDs. Safe for concurrent use.
type conversations struct {
	mu      sync.Mutex
	entries map[string][]*genai.Content
}

func newConversations() *conversations {
	return &conversations{entries: make(map[string][]*genai.Content)}
}

func (c *conversations) create() string {
	id := uuid.NewString()
	c.mu.Lock()
	c.entries[id] = nil
	c.mu.Unlock()
	return id
}

func (c *conversations) drop(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// history returns a copy of the conversation's contents. Unknown IDs yield
// an empty history rather than an error: the conversation restarts.
func (c *conversations) history(id string) []*genai.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := c.entries[id]
	out := make([]*genai.Content, len(stored))
	copy(out, stored)
	return out
}

func (c *conversations) append(id string, contents ...*genai.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	updated := append(c.entries[id], contents...)
	if len(updated) > maxConversationContents {
		updated = updated[len(updated)-maxConversationContents:]
	}
	c.entries[id] = updated
}
