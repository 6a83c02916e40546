package agent

import (
	"strings"
	"sync"

	"github.com/coreply/cooperate/api/schemas"
)

const (
	// DefaultTruncateThreshold is the transcript length above which request
	// snapshots are windowed.
	DefaultTruncateThreshold = 20
	// DefaultKeepRecent is the number of non-seed messages a windowed
	// snapshot keeps.
	DefaultKeepRecent = 10
)

// ConversationState owns the ordered transcript exchanged with the model.
// The transcript always starts with the seed captured at task start.
type ConversationState struct {
	mu                sync.RWMutex
	preamble          string
	truncateThreshold int
	transcript        []schemas.Message
	seed              []schemas.Message
}

// NewConversationState creates an empty conversation. preamble is placed in
// front of every goal; a non-positive threshold selects the default.
func NewConversationState(preamble string, truncateThreshold int) *ConversationState {
	if truncateThreshold <= 0 {
		truncateThreshold = DefaultTruncateThreshold
	}
	return &ConversationState{
		preamble:          preamble,
		truncateThreshold: truncateThreshold,
	}
}

// SystemPrompt renders the seed system text for goal.
func SystemPrompt(preamble, goal string) string {
	if strings.TrimSpace(preamble) == "" {
		return "Your task: " + goal
	}
	return preamble + "\n\nYour task: " + goal
}

// SeedWith discards all state and starts a new transcript holding only the
// system message for goal.
func (c *ConversationState) SeedWith(goal string) {
	seed := schemas.NewSystemMessage(SystemPrompt(c.preamble, goal))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = []schemas.Message{seed}
	c.transcript = []schemas.Message{seed.Clone()}
}

// Reset restores the transcript to exactly the seed.
func (c *ConversationState) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = cloneMessages(c.seed)
}

// Append adds msg to the end of the transcript and returns its index.
func (c *ConversationState) Append(msg schemas.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, msg.Clone())
	return len(c.transcript) - 1
}

// SnapshotForRequest returns the messages to send with the next request.
// Once the transcript grows past the threshold, the view is the seed
// followed by the last maxRecent non-seed messages. The transcript itself is
// never modified.
func (c *ConversationState) SnapshotForRequest(maxRecent int) []schemas.Message {
	if maxRecent <= 0 {
		maxRecent = DefaultKeepRecent
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.transcript) <= c.truncateThreshold {
		return cloneMessages(c.transcript)
	}

	rest := c.transcript[min(len(c.seed), len(c.transcript)):]
	if len(rest) > maxRecent {
		rest = rest[len(rest)-maxRecent:]
	}
	out := make([]schemas.Message, 0, len(c.seed)+len(rest))
	out = append(out, cloneMessages(c.seed)...)
	return append(out, cloneMessages(rest)...)
}

// Transcript returns a copy of the full transcript.
func (c *ConversationState) Transcript() []schemas.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMessages(c.transcript)
}

// Seed returns a copy of the seed messages.
func (c *ConversationState) Seed() []schemas.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMessages(c.seed)
}

func (c *ConversationState) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.transcript)
}

func cloneMessages(in []schemas.Message) []schemas.Message {
	if in == nil {
		return nil
	}
	out := make([]schemas.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
