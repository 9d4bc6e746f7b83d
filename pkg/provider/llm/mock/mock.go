// Package mock provides a test double for the llm.Client interface.
//
// Use Client in unit tests to verify the request histories the orchestrator
// builds and to feed controlled responses without a live gateway.
//
// Example:
//
//	c := &mock.Client{
//	    Responses: []*llm.Response{{Content: "It is noon."}},
//	}
//	resp, err := c.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the Request passed to Complete.
	Req llm.Request
}

// Client is a mock implementation of llm.Client.
//
// Responses are consumed in order, one per Complete call; when the script is
// exhausted the last response is repeated. Set Err to fail every call, or
// CompleteFunc to take full control.
type Client struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses is the ordered script of replies. Must be non-empty unless
	// Err or CompleteFunc is set.
	Responses []*llm.Response

	// Err, if non-nil, is returned from every Complete call.
	Err error

	// CompleteFunc, if non-nil, overrides all other behaviour.
	CompleteFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

	// --- Call records (read after test) ---

	// Calls records every invocation of Complete in order.
	Calls []CompleteCall

	next int
}

var _ llm.Client = (*Client)(nil)

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, CompleteCall{Ctx: ctx, Req: req})
	fn := c.CompleteFunc
	err := c.Err
	var resp *llm.Response
	if fn == nil && err == nil && len(c.Responses) > 0 {
		idx := c.next
		if idx >= len(c.Responses) {
			idx = len(c.Responses) - 1
		}
		resp = c.Responses[idx]
		c.next++
	}
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// CallCount returns the number of Complete invocations so far.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
