package connection

import (
	"context"
	"log/slog"
	"sync"
)

// Conversation is the caller-facing session state plus the in-flight
// response generation that a disconnect or barge-in aborts.
type Conversation struct {
	logger *slog.Logger

	mu       sync.Mutex
	state    ConversationState
	genID    uint64
	cancel   context.CancelFunc
	onChange func(ConversationState)
}

// NewConversation creates a conversation in the Idle state.
func NewConversation(logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{logger: logger}
}

// OnChange installs a state change observer.
func (c *Conversation) OnChange(fn func(ConversationState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// State returns the conversation state.
func (c *Conversation) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves to state to.
func (c *Conversation) Transition(to ConversationState) {
	c.mu.Lock()
	if c.state == to {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	fn := c.onChange
	c.mu.Unlock()

	c.logger.Debug("conversation state", "from", from.String(), "to", to.String())
	if fn != nil {
		fn(to)
	}
}

// BeginGeneration derives a context for one assistant response. Starting a
// new generation aborts the previous one. Call done when the response ends.
func (c *Conversation) BeginGeneration(ctx context.Context) (genCtx context.Context, done func()) {
	genCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.genID++
	id := c.genID
	c.cancel = cancel
	c.mu.Unlock()

	return genCtx, func() {
		cancel()
		c.mu.Lock()
		if c.genID == id {
			c.cancel = nil
		}
		c.mu.Unlock()
	}
}

// AbortGeneration cancels the in-flight response, if any, and reports
// whether one was running.
func (c *Conversation) AbortGeneration() bool {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	c.logger.Debug("generation aborted")
	return true
}
