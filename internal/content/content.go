// Package content models publishable items and the status transitions that
// trigger automatic notifications.
package content

import (
	"context"
	"sync"
)

const StatusPublish = "publish"

type Item struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Excerpt  string `json:"excerpt,omitempty"`
	URL      string `json:"url"`
	ImageURL string `json:"image_url,omitempty"`
	OptOut   bool   `json:"opt_out,omitempty"`
}

type Transition struct {
	Item Item   `json:"item"`
	From string `json:"from"`
	To   string `json:"to"`
}

// IsFirstPublish is true only for a move into publish from any other status.
// Updates to an already published item do not count.
func (t Transition) IsFirstPublish() bool {
	return t.To == StatusPublish && t.From != StatusPublish
}

type executionKey struct{}

type execution struct {
	mu      sync.Mutex
	handled map[int64]struct{}
}

// WithExecution scopes ctx to one logical execution (one inbound event).
// Items marked inside the scope are remembered until the scope is dropped.
func WithExecution(ctx context.Context) context.Context {
	if _, ok := ctx.Value(executionKey{}).(*execution); ok {
		return ctx
	}
	return context.WithValue(ctx, executionKey{}, &execution{handled: make(map[int64]struct{})})
}

// MarkHandled records itemID in the current execution and reports whether it
// was already there. Without an execution scope nothing is remembered.
func MarkHandled(ctx context.Context, itemID int64) bool {
	exec, ok := ctx.Value(executionKey{}).(*execution)
	if !ok {
		return false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if _, seen := exec.handled[itemID]; seen {
		return true
	}
	exec.handled[itemID] = struct{}{}
	return false
}
