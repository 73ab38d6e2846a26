package domain

import (
	"sort"
	"sync"
)

// Conversation is the ordered, de-duplicated message sequence for one peer.
// All mutations happen under a single lock acquisition.
type Conversation struct {
	PeerID string

	mu       sync.RWMutex
	messages []Message
	seen     map[string]struct{}
}

func NewConversation(peerID string) *Conversation {
	return &Conversation{PeerID: peerID, seen: map[string]struct{}{}}
}

// Merge folds incoming messages in and reports how many were new. A message
// whose id is already present is ignored, so the first arrival wins.
// Messages without an id are dropped.
func (c *Conversation) Merge(incoming ...Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, m := range incoming {
		id := m.ID.String()
		if id == "" {
			continue
		}
		if _, dup := c.seen[id]; dup {
			continue
		}
		c.seen[id] = struct{}{}
		idx := sort.Search(len(c.messages), func(i int) bool { return m.Less(c.messages[i]) })
		c.messages = append(c.messages, Message{})
		copy(c.messages[idx+1:], c.messages[idx:])
		c.messages[idx] = m
		added++
	}
	return added
}

// Snapshot returns a copy safe to hand to observers.
func (c *Conversation) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Conversation) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seen[id]
	return ok
}

// Last returns the newest message.
func (c *Conversation) Last() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// MarkRead flags a message as read in place.
func (c *Conversation) MarkRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID.String() == id {
			c.messages[i].IsRead = true
			return true
		}
	}
	return false
}
