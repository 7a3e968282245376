// Package base implements the frame based transport shared by the tcp and
// unix packages. Protocol specific code is limited to the connectors that
// listen and dial.
//
// Frames carry an 8 byte shard id, an 8 byte request id and a 4 byte payload
// length (big endian) in front of the payload. Request ids correlate the
// responses, which may arrive in any order: a response to an await is only
// written once the await completes while later requests on the same
// connection are answered in between.
//
// Server:
//
//   - One goroutine reads each connection and hands every request to the
//     handler without waiting for it. Replies are written under a per
//     connection mutex with the configured write deadline.
//   - Idle connections are kept; only the payload of a started frame is read
//     against the timeout.
//   - When a connection ends its context is cancelled so the handler can
//     withdraw requests that are still parked.
//
// Client:
//
//   - Multiple connections per endpoint, selected round robin, skipping
//     connections that are down.
//   - A reader goroutine per connection without read deadline. When the
//     connection breaks, all requests in flight fail and the connection is
//     restored in the background with exponential backoff.
//   - Requests are retried on another connection only if writing them
//     failed.
package base
