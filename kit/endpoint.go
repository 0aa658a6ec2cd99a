// Package kit holds the transport-agnostic endpoint core: a request/response
// function shape, middleware chaining, request-scoped context keys, and the
// bridge that exposes endpoints as MCP tools. Control surfaces (HTTP, MCP,
// CLI) decode into an endpoint and share the same middleware.
package kit

import "context"

// Endpoint is the fundamental building block: one request in, one response
// out. Transports decode into it, middleware wraps it.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middleware so the first argument is outermost:
// Chain(a, b, c)(e) runs a(b(c(e))).
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
