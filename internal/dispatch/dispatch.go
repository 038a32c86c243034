// Package dispatch routes inbound OCPP calls to the charge point's action
// handlers through a middleware chain.
//
// A handler returns the result payload for the call. A nil Response or one
// carrying Err leaves the call unanswered; its completion slot then expires.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotSupported = errors.New("action not supported")

// Request is an inbound call as seen by a handler.
type Request struct {
	LocalID string
	WireID  string
	Action  string
	Payload json.RawMessage
}

// Bind decodes the call payload into v.
func (r *Request) Bind(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Action, err)
	}
	return nil
}

// Response carries the result payload, marshalled by Encode.
type Response struct {
	Payload any
	Err     error
}

// Encode marshals the result payload.
func (r *Response) Encode() (json.RawMessage, error) {
	if r.Payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := r.Payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(r.Payload)
}

func Reply(payload any) *Response {
	return &Response{Payload: payload}
}

func Fail(err error) *Response {
	return &Response{Err: err}
}

type HandlerFunc func(ctx context.Context, req *Request) *Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Router maps action names to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for action, replacing any previous handler.
func (r *Router) Handle(action string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = fn
}

// Actions returns the registered action names, sorted.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for action := range r.handlers {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// Serve is the terminal HandlerFunc of a chain.
func (r *Router) Serve(ctx context.Context, req *Request) *Response {
	r.mu.RLock()
	fn, ok := r.handlers[req.Action]
	r.mu.RUnlock()
	if !ok {
		return Fail(fmt.Errorf("%w: %s", ErrNotSupported, req.Action))
	}
	return fn(ctx, req)
}
