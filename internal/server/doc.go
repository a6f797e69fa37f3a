// Package server is the transport of the chat system.
//
// A Hub owns the set of live WebSocket clients and fans presence lists out
// to all of them. Each Client runs a read pump that decodes inbound events
// into its relay session and a write pump that drains its send queue. The
// REST API (auth, users, messages) is served from the same router.
package server
