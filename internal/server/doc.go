// Package server hosts the Fiber diagnostics service that exposes the state
// store to local tooling. It owns the middleware chain (panic recovery,
// request IDs, JSON 404s) and delegates route registration to the routes
// subpackage. Handlers only read or prune local state; nothing here reaches
// out to the network on behalf of a request.
package server
