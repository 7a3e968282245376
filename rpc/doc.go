// Package rpc provides the remote procedure call layer of the distributed lock
// and condition manager. It connects lock clients with the lock services of a
// server node across network boundaries.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, HTTP). Responses are delivered asynchronously, so a
//     parked await never blocks other requests of the same connection.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: RPC client implementing lockmgr.ILockManager, allowing applications
//     to use a remote lock manager transparently.
//
//   - server: RPC server components that handle incoming requests, admission
//     control and the adapter onto the lock service.
package rpc
