// Package client implements the RPC client of the lock and condition grid.
// It provides an implementation of the lockmgr.ILockManager interface that
// forwards every operation to a remote server.
//
// The package focuses on:
//   - Transparent RPC access to a remote lock manager shard
//   - Integration with the transport and serialization layers
//   - Conversion of wire error codes back into the lockmgr sentinel errors
//
// Key Components:
//
//   - NewRPCLockMgr: Factory function that connects the transport and creates a
//     client implementing lockmgr.ILockManager.
//
//   - NewCaller, NewThread: Helpers creating caller identities. The owner is a uuid,
//     so callers of different processes never collide.
//
//   - TryLock, WithLock: Lock is non-blocking; these helpers poll it with
//     exponential backoff until the lock is free or the wait elapsed.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:              []string{"localhost:8080"},
//	    RetryCount:             3,
//	    ConnectionsPerEndpoint: 1,
//	  },
//	}
//
//	locks, err := client.NewRPCLockMgr(100, config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//	  log.Fatal(err)
//	}
//
//	ns := lockmgr.ObjectNamespace{ServiceName: "lock", ObjectName: "orders"}
//	me := client.NewCaller()
//	err = client.WithLock(ctx, locks, ns, "order-17", me, 30*time.Second, 5*time.Second, func() error {
//	  // critical section
//	  return nil
//	})
//
// Error Handling:
//
//	Errors returned by the server wrap the same sentinel errors as a local lock
//	manager, e.g. errors.Is(err, lockmgr.ErrNotLockOwner). Requests that could
//	not be delivered or timed out wrap lockmgr.ErrTransient. Lock requests are
//	never sent twice once they reached the server, so a transient error on
//	Lock leaves the outcome open; check IsLockedBy before retrying.
//
// Thread Safety:
//
//	The client is safe for concurrent use by multiple goroutines.
package client
