package lockmgr

import (
	"context"
	"time"
)

// NoExpiry is the remaining ttl of a lock that never expires.
const NoExpiry time.Duration = -1

// ILockManager is the lock and condition API. It is implemented in process
// by NewLocalLockManager and over the network by the rpc client.
//
// Contention is not an error: Lock returns false if someone else holds the
// lock. Errors wrap the sentinel errors of this package.
type ILockManager interface {
	// Lock acquires the lock for caller, or increases its depth if caller
	// already holds it. ttl <= 0 never expires.
	Lock(ctx context.Context, ns ObjectNamespace, key Key, caller Caller, ttl time.Duration) (bool, error)

	// Unlock releases one level of the lock held by caller.
	Unlock(ctx context.Context, ns ObjectNamespace, key Key, caller Caller) error

	// ForceUnlock releases the lock whoever holds it and reports whether it was held.
	ForceUnlock(ctx context.Context, ns ObjectNamespace, key Key) (bool, error)

	// IsLocked reports whether anyone holds the lock.
	IsLocked(ctx context.Context, ns ObjectNamespace, key Key) (bool, error)

	// IsLockedBy reports whether caller holds the lock.
	IsLockedBy(ctx context.Context, ns ObjectNamespace, key Key, caller Caller) (bool, error)

	// GetLockCount returns the reentrancy depth of the lock.
	GetLockCount(ctx context.Context, ns ObjectNamespace, key Key) (int, error)

	// GetRemainingTTL returns the time until the lock expires: zero if it is
	// not held, NoExpiry if it never expires.
	GetRemainingTTL(ctx context.Context, ns ObjectNamespace, key Key) (time.Duration, error)

	// GetAwaitCount returns the number of callers blocked on the condition.
	GetAwaitCount(ctx context.Context, ns ObjectNamespace, key Key, conditionID string) (int, error)

	// BeforeAwait registers caller on the condition. caller must hold the lock.
	BeforeAwait(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) error

	// Await releases the lock held by caller and waits on the condition. It
	// returns true once signaled, with the lock held again at its previous
	// depth and lease ttl, and false without the lock if timeout elapsed.
	// timeout <= 0 waits until signaled or ctx ends. If ctx is done before
	// the call, it returns ctx.Err() and the lock is untouched. If ctx ends
	// while waiting, the await is withdrawn and ctx.Err() is returned without
	// the lock, unless a signal came first.
	Await(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller, timeout, ttl time.Duration) (bool, error)

	// CancelAwait removes caller from the condition and reports whether it was registered.
	CancelAwait(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) (bool, error)

	// Signal wakes one caller blocked on the condition and returns the number
	// of queued grants (0 or 1). caller must hold the lock.
	Signal(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) (int, error)

	// SignalAll wakes every caller blocked on the condition and returns the
	// number of queued grants.
	SignalAll(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) (int, error)
}
