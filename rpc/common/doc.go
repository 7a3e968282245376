// Package common provides the data structures shared by the RPC client, the
// RPC server and the transports: the wire message, the server and client
// configuration and the logger setup.
//
// Key Components:
//
//   - Message: the single structure used for every request and response.
//     Requests address a lock by service name, object name and key and carry
//     the caller identity (owner and thread id). Responses carry a boolean
//     (Ok), a number (Count) and, on failure, the error text together with
//     its lockmgr error code, so the client can rebuild the sentinel error.
//     Durations travel as whole milliseconds, 0 meaning none.
//
//   - MessageType: enumeration of all lock and condition operations. The
//     names match the lockmgr operation names and are used in JSON and in
//     the server metrics.
//
//   - ServerConfig: shards, transport, lock service, rate limit and logging
//     settings of a node, with Validate to reject bad settings before
//     anything starts.
//
//   - ClientConfig: endpoints, timeouts and retry behavior of a client.
//
//   - Logger: dragonboat ILogger implementation printing
//     "LEVEL | name | message" lines, installed by InitLoggers.
package common
