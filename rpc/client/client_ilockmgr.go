package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/google/uuid"
)

// NewRPCLockMgr creates a new RPC ILockManager
// The function takes a shard ID, a config, a transport and a serializer as parameters
// It connects the transport and returns a lockmgr.ILockManager and an error
func NewRPCLockMgr(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (lockmgr.ILockManager, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lockmgr.ErrTransient, err)
	}

	return &rpcLockMgr{
		rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

type rpcLockMgr struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the lockmgr package in interface.go)
// --------------------------------------------------------------------------

func (m *rpcLockMgr) Lock(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller, ttl time.Duration) (bool, error) {
	resp, err := m.invoke(ctx, common.NewLockRequest(ns, key, caller, ttl), m.timeout())
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (m *rpcLockMgr) Unlock(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller) error {
	_, err := m.invoke(ctx, common.NewUnlockRequest(ns, key, caller), m.timeout())
	return err
}

func (m *rpcLockMgr) ForceUnlock(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key) (bool, error) {
	resp, err := m.invoke(ctx, common.NewForceUnlockRequest(ns, key), m.timeout())
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (m *rpcLockMgr) IsLocked(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key) (bool, error) {
	resp, err := m.invoke(ctx, common.NewIsLockedRequest(ns, key), m.timeout())
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (m *rpcLockMgr) IsLockedBy(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller) (bool, error) {
	resp, err := m.invoke(ctx, common.NewIsLockedByRequest(ns, key, caller), m.timeout())
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (m *rpcLockMgr) GetLockCount(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key) (int, error) {
	resp, err := m.invoke(ctx, common.NewLockCountRequest(ns, key), m.timeout())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (m *rpcLockMgr) GetRemainingTTL(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key) (time.Duration, error) {
	resp, err := m.invoke(ctx, common.NewRemainingTTLRequest(ns, key), m.timeout())
	if err != nil {
		return 0, err
	}
	return lockmgr.RemainingTTLFromMillis(resp.Count), nil
}

func (m *rpcLockMgr) GetAwaitCount(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string) (int, error) {
	resp, err := m.invoke(ctx, common.NewAwaitCountRequest(ns, key, conditionID), m.timeout())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (m *rpcLockMgr) BeforeAwait(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller) error {
	_, err := m.invoke(ctx, common.NewBeforeAwaitRequest(ns, key, conditionID, caller), m.timeout())
	return err
}

func (m *rpcLockMgr) Await(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller, timeout, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// the server answers a timed out await on its own, the request timeout
	// only covers the round trip on top
	deadline := time.Duration(0)
	if timeout > 0 {
		deadline = timeout + m.timeout()
	}

	ticket := rand.Uint64() | 1
	resp, err := m.invoke(ctx, common.NewTicketAwaitRequest(ns, key, conditionID, caller, ticket, timeout, ttl), deadline)
	if err == nil {
		return resp.Ok, nil
	}
	if ctx.Err() == nil {
		return false, err
	}

	// The caller gave up while the await was on its way or parked. Withdraw
	// it by ticket, the withdrawal may reach the server before the await.
	// Only an await that was signaled first leaves the lock with the caller.
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), max(m.timeout(), time.Second))
	defer cancel()

	withdrawn, werr := m.invoke(cleanup, common.NewWithdrawAwaitRequest(ns, key, conditionID, caller, ticket), m.timeout())
	if werr != nil {
		Logger.Warningf("failed to withdraw await of %s on %s[%s]:%s: %v", caller, ns, key, conditionID, werr)
		return false, err
	}
	if withdrawn.Count == lockmgr.WithdrawnCompleted && withdrawn.Ok {
		return true, nil
	}
	return false, err
}

func (m *rpcLockMgr) CancelAwait(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller) (bool, error) {
	resp, err := m.invoke(ctx, common.NewCancelAwaitRequest(ns, key, conditionID, caller), m.timeout())
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (m *rpcLockMgr) Signal(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller) (int, error) {
	resp, err := m.invoke(ctx, common.NewSignalRequest(ns, key, conditionID, caller, false), m.timeout())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (m *rpcLockMgr) SignalAll(ctx context.Context, ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller) (int, error) {
	resp, err := m.invoke(ctx, common.NewSignalRequest(ns, key, conditionID, caller, true), m.timeout())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// --------------------------------------------------------------------------
// Helpers for lock users
// --------------------------------------------------------------------------

var threadIDs atomic.Int64

// NewCaller returns a caller identity unique to this process: a fresh uuid as
// owner and thread id 1.
func NewCaller() lockmgr.Caller {
	return lockmgr.Caller{Owner: uuid.NewString(), ThreadID: 1}
}

// NewThread returns another logical thread of owner. Two threads of one
// owner are different lock holders.
func NewThread(owner string) lockmgr.Caller {
	return lockmgr.Caller{Owner: owner, ThreadID: threadIDs.Add(1)}
}

const (
	tryLockBaseDelay = 10 * time.Millisecond
	tryLockMaxDelay  = 500 * time.Millisecond
)

// TryLock polls Lock until it succeeds, wait elapsed or ctx ended. It returns
// false if the lock stayed held by someone else. Retryable errors are retried
// like contention; all other errors are returned right away. wait <= 0 tries
// exactly once.
func TryLock(ctx context.Context, m lockmgr.ILockManager, ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for attempt := 0; ; attempt++ {
		ok, err := m.Lock(ctx, ns, key, caller, ttl)
		switch {
		case err == nil && ok:
			return true, nil
		case err != nil && !lockmgr.IsRetryable(err):
			return false, err
		}

		delay := tryLockDelay(attempt)
		if wait <= 0 || time.Now().Add(delay).After(deadline) {
			if err != nil {
				return false, err
			}
			return false, nil
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// tryLockDelay is the exponential backoff of attempt with 20% jitter
func tryLockDelay(attempt int) time.Duration {
	d := tryLockBaseDelay << min(attempt, 6)
	d = min(d, tryLockMaxDelay)
	return d - time.Duration(rand.Int64N(int64(d)/5+1))
}

// ErrTimeout is returned by WithLock when the lock could not be acquired in time.
var ErrTimeout = errors.New("client: lock not acquired in time")

// WithLock runs f while holding the lock. It waits up to wait for the lock,
// see TryLock, and releases it when f returns.
func WithLock(ctx context.Context, m lockmgr.ILockManager, ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller, ttl, wait time.Duration, f func() error) error {
	ok, err := TryLock(ctx, m, ns, key, caller, ttl, wait)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s[%s]", ErrTimeout, ns, key)
	}

	defer func() {
		// the release must happen even if ctx ended while f ran
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.Unlock(unlockCtx, ns, key, caller); err != nil {
			Logger.Warningf("failed to release %s[%s] held by %s: %v", ns, key, caller, err)
		}
	}()
	return f()
}
