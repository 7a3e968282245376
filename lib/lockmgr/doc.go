// Package lockmgr implements the lock and condition manager of a dGrid node:
// reentrant, ttl-bound locks on opaque keys and condition variables layered
// on top of them that work across machines.
//
// Core Types:
//
//   - LockInfo: the state of one lock. A reentrant mutex held by a Caller
//     (owner id + logical thread id) with a depth, an acquire time and an
//     expiration time. It also owns the conditions of the lock and the queues
//     of the signal protocol.
//
//   - ConditionInfo: the waiters of one condition of a lock. A waiter is first
//     REGISTERED (while it still holds the lock) and then BLOCKED (after it
//     released it). Only blocked waiters are counted by signal.
//
//   - ConditionKey: one signal grant, (object name, key, condition id).
//
//   - LockStore: all LockInfos of one namespace on one partition plus the
//     await operations parked on them.
//
//   - Service: the partitions. Every (object name, key) is hashed to one
//     partition; a partition is a single goroutine fed by a lock-free queue,
//     so operations on one key run strictly one after another in arrival
//     order and LockInfo/LockStore need no locking at all.
//
// Operations:
//
//	Every request is an Operation built by one of the New...Operation
//	constructors and executed by Service.Submit or Service.Invoke. The local
//	ILockManager (NewLocalLockManager) wraps this in a typed API; the rpc
//	client implements the same interface over the network.
//
// TTL and Eviction:
//
//	A lock expires lazily. Every LockInfo method that reads or changes lock
//	state first checks the expiration time and drops the lock if it has
//	passed. A lock nobody touches therefore stays held past its ttl until the
//	next access. An optional periodic sweep (Config.EvictionInterval) touches
//	every entry and drops those that are evictable: unlocked, without
//	condition waiters and without timed out awaits to reconcile.
//
// Signal and Await:
//
//	A caller holding the lock registers on a condition (BeforeAwait) and then
//	awaits. Await releases the lock completely, remembers the depth, marks the
//	waiter blocked and parks the operation, all in one partition step. Signal
//	(by the current holder) queues grant tokens, one for signal, one per
//	blocked waiter for signal-all. After every operation on a key and on
//	every await deadline the partition scans the grants in FIFO order: a
//	grant is consumed by a parked waiter of its condition once that waiter can
//	take the lock; the lock is restored at the old depth and the await
//	completes with true. Awaits woken by one signal-all therefore get the
//	lock one after another.
//
//	An await that times out completes with false and without the lock. It
//	leaves an expired-await record so a grant that was meant for it is
//	discarded instead of waking a later waiter. Cancelled awaits complete with
//	false; grants already queued stay queued.
//
// Errors:
//
//	Usage errors (ErrNotLockOwner, ErrLockNotHeld, ErrDuplicateAwait,
//	ErrInvalidArgument) are returned to the caller and never retried.
//	ErrTransient, ErrOverloaded and ErrServiceClosed are infrastructure
//	failures, see IsRetryable. Errors travel as a Code over the wire and are
//	rebuilt with ErrorFromCode, so errors.Is works on both sides.
//
// Usage Example:
//
//	svc := lockmgr.NewService(lockmgr.Config{Partitions: 8})
//	defer svc.Close()
//	locks := lockmgr.NewLocalLockManager(svc)
//
//	ns := lockmgr.ObjectNamespace{ServiceName: "lock", ObjectName: "orders"}
//	me := lockmgr.Caller{Owner: uuid.NewString(), ThreadID: 1}
//
//	ok, err := locks.Lock(ctx, ns, "order-17", me, 30*time.Second)
//	if err != nil || !ok {
//	    // someone else holds it
//	}
//	defer locks.Unlock(ctx, ns, "order-17", me)
//
//	// wait for "paid" while holding the lock
//	_ = locks.BeforeAwait(ctx, ns, "order-17", "paid", me)
//	signaled, err := locks.Await(ctx, ns, "order-17", "paid", me, 10*time.Second, 30*time.Second)
package lockmgr
