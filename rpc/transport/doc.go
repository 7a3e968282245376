// Package transport defines the interfaces for RPC communication between the
// lock clients and the server nodes. Implementations live in the sub packages
// (tcp, unix, http); the frame based ones share the base package.
//
// Requests are opaque byte slices addressed to a shard. The server side is
// asynchronous: a ServerHandleFunc receives a ReplyFunc and may answer later,
// which is how a parked await is answered once it is signaled or times out.
// The context passed to the handler ends with the client connection.
//
// The client side is context aware. Send waits for the response or the end of
// the context and only repeats requests that never left the client, so a lock
// request is never executed twice.
package transport
