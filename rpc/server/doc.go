// Package server implements the RPC server of the lock and condition grid.
// It decodes requests, routes them to the lock service of their shard and
// writes the responses back as they complete.
//
// The package focuses on:
//   - Server-side RPC request handling for lock and condition operations
//   - Adapter pattern to decouple the lock service from RPC mechanisms
//   - Admission control: a token bucket rate limit and a bounded worker pool
//   - Per message type latency metrics
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters.
//     Handle receives a decoded request and replies exactly once, possibly long
//     after it returned (awaits are parked on the lock service, not on a goroutine).
//
//   - NewLockManagerServerAdapter: Factory function creating an adapter that
//     translates requests into lockmgr operations. Awaits of a client that
//     disconnects are withdrawn.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: 100, Type: common.ShardTypeLockManager},
//	  },
//	  Transport:     common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	  TimeoutSecond: 5,
//	  LogLevel:      "info",
//	}
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Requests over the rate limit or beyond the capacity of the worker queue are
// answered right away with lockmgr.ErrOverloaded, clients may retry them.
//
// Thread Safety:
//
//	The server is safe for concurrent requests across any number of
//	connections. Serve must be called only once; Close may be called at any time.
package server
