package tool

import (
	"context"
	"sync"
)

// Conn is the session handle passed into every tool call.
type Conn interface {
	SessionID() string
	SendMessage(ctx context.Context, envelope any) error
}

// SessionCloser is implemented by connections that can end the session after
// the current reply has been spoken.
type SessionCloser interface {
	CloseAfterReply()
}

// PromptChanger is implemented by connections whose system prompt can be replaced.
type PromptChanger interface {
	ChangeSystemPrompt(prompt string)
}

// Executor serves the tools of one source kind.
type Executor interface {
	Execute(ctx context.Context, conn Conn, name string, args any) (Result, error)
	ListTools(ctx context.Context) []Tool
	HasTool(name string) bool
}

// ChangeSource is implemented by executors whose tool set changes over time.
// The returned func cancels the subscription.
type ChangeSource interface {
	OnChange(fn func()) (cancel func())
}

// Notifier is a ChangeSource helper. The zero value is ready to use.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

// OnChange subscribes fn to Notify calls.
func (n *Notifier) OnChange(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func())
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Notify invokes every subscriber outside the notifier lock.
func (n *Notifier) Notify() {
	n.mu.Lock()
	subs := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
