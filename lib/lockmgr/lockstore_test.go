package lockmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNS = ObjectNamespace{ServiceName: "lock", ObjectName: "orders"}

// capture records the completion of an operation.
type capture struct {
	calls int
	resp  Response
}

func (c *capture) done() bool { return c.calls > 0 }

// exec runs op on s the way a partition does.
func exec(s *LockStore, op Operation) *capture {
	c := &capture{}
	op.Run(s, func(r Response) {
		c.calls++
		c.resp = r
	})
	s.afterOperation(op.Key())
	return c
}

func mustOK(t *testing.T, c *capture) Response {
	t.Helper()
	require.True(t, c.done(), "operation did not complete")
	require.Equal(t, 1, c.calls, "operation completed more than once")
	require.NoError(t, c.resp.Err)
	return c.resp
}

// parkAwait makes caller take the lock and await on cond.
func parkAwait(t *testing.T, s *LockStore, caller Caller, cond string, timeout time.Duration) *capture {
	t.Helper()
	require.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", caller, 0))).Value)
	c := exec(s, NewAwaitOperation(testNS, "k", cond, caller, timeout, 0))
	require.False(t, c.done(), "await should park")
	return c
}

func TestStoreLockUnlockEvicts(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	for i := 0; i < 3; i++ {
		assert.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerA, 0))).Value)
	}
	assert.Equal(t, int64(3), mustOK(t, exec(s, NewGetLockCountOperation(testNS, "k"))).Count)

	for i := 0; i < 3; i++ {
		mustOK(t, exec(s, NewUnlockOperation(testNS, "k", callerA)))
	}
	assert.Equal(t, 0, s.Len(), "unlocked entry is evicted")
	assert.Nil(t, s.GetLockInfo("k", false))
}

func TestStoreLockContention(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	assert.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerA, 0))).Value)
	assert.False(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerB, 0))).Value, "contention is not an error")
	assert.True(t, mustOK(t, exec(s, NewIsLockedOperation(testNS, "k"))).Value)
	assert.True(t, mustOK(t, exec(s, NewIsLockedByOperation(testNS, "k", callerA))).Value)
	assert.False(t, mustOK(t, exec(s, NewIsLockedByOperation(testNS, "k", callerB))).Value)
}

func TestStoreUnlockErrors(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	c := exec(s, NewUnlockOperation(testNS, "k", callerA))
	assert.ErrorIs(t, c.resp.Err, ErrLockNotHeld)

	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	c = exec(s, NewUnlockOperation(testNS, "k", callerB))
	assert.ErrorIs(t, c.resp.Err, ErrNotLockOwner)
	assert.True(t, s.GetLockInfo("k", false).IsLockedBy(callerA))
}

func TestStoreInvalidArguments(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	ops := []Operation{
		NewLockOperation(testNS, "", callerA, 0),
		NewLockOperation(ObjectNamespace{ServiceName: "lock"}, "k", callerA, 0),
		NewLockOperation(testNS, "k", Caller{ThreadID: 1}, 0),
		NewUnlockOperation(testNS, "k", Caller{Owner: "A", ThreadID: NoThread}),
		NewAwaitOperation(testNS, "k", "", callerA, 0, 0),
		NewSignalOperation(testNS, "k", "", callerA, false),
		NewIsLockedOperation(testNS, ""),
	}
	for _, op := range ops {
		c := exec(s, op)
		assert.ErrorIs(t, c.resp.Err, ErrInvalidArgument, op.Name())
	}
}

func TestStoreForceUnlock(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	assert.False(t, mustOK(t, exec(s, NewForceUnlockOperation(testNS, "k"))).Value)

	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	assert.True(t, mustOK(t, exec(s, NewForceUnlockOperation(testNS, "k"))).Value)
	assert.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerB, 0))).Value)
}

func TestStoreRemainingTTL(t *testing.T) {
	clock := newMockClock()
	s := NewLockStore(testNS, clock)

	assert.Equal(t, int64(0), mustOK(t, exec(s, NewGetRemainingTTLOperation(testNS, "k"))).Count)

	exec(s, NewLockOperation(testNS, "k", callerA, 2*time.Second))
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, int64(1500), mustOK(t, exec(s, NewGetRemainingTTLOperation(testNS, "k"))).Count)

	exec(s, NewForceUnlockOperation(testNS, "k"))
	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	assert.Equal(t, int64(-1), mustOK(t, exec(s, NewGetRemainingTTLOperation(testNS, "k"))).Count)
}

func TestStoreTTLScenario(t *testing.T) {
	clock := newMockClock()
	s := NewLockStore(testNS, clock)

	assert.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", Caller{Owner: "A", ThreadID: 1}, 1000*time.Millisecond))).Value)
	assert.False(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", Caller{Owner: "B", ThreadID: 2}, 1000*time.Millisecond))).Value)

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", Caller{Owner: "B", ThreadID: 2}, 1000*time.Millisecond))).Value)
}

func TestAwaitRequiresLock(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	// never locked
	c := exec(s, NewAwaitOperation(testNS, "k", "cond", callerA, 0, 0))
	assert.ErrorIs(t, c.resp.Err, ErrNotLockOwner)
	assert.Nil(t, s.GetLockInfo("k", false))

	// locked by someone else
	exec(s, NewLockOperation(testNS, "k", callerB, 0))
	c = exec(s, NewAwaitOperation(testNS, "k", "cond", callerA, 0, 0))
	assert.ErrorIs(t, c.resp.Err, ErrNotLockOwner)
	c = exec(s, NewBeforeAwaitOperation(testNS, "k", "cond", callerA))
	assert.ErrorIs(t, c.resp.Err, ErrNotLockOwner)

	li := s.GetLockInfo("k", false)
	_, exists := li.Condition("cond")
	assert.False(t, exists, "no condition state after a rejected await")
	assert.True(t, li.IsLockedBy(callerB))
	assert.Equal(t, 0, s.ParkedCount())
}

func TestBeforeAwaitDuplicate(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	exec(s, NewLockOperation(testNS, "k", callerA, 0))

	mustOK(t, exec(s, NewBeforeAwaitOperation(testNS, "k", "cond", callerA)))
	c := exec(s, NewBeforeAwaitOperation(testNS, "k", "cond", callerA))
	assert.ErrorIs(t, c.resp.Err, ErrDuplicateAwait)

	// registered but not blocked: not counted by signal
	assert.Equal(t, 0, s.GetAwaitCount("k", "cond"))

	// cancelling a registration removes the condition
	assert.True(t, mustOK(t, exec(s, NewCancelAwaitOperation(testNS, "k", "cond", callerA))).Value)
	_, exists := s.GetLockInfo("k", false).Condition("cond")
	assert.False(t, exists)
}

func TestAwaitAfterBeforeAwait(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	mustOK(t, exec(s, NewBeforeAwaitOperation(testNS, "k", "cond", callerA)))

	c := exec(s, NewAwaitOperation(testNS, "k", "cond", callerA, 0, 0))
	assert.False(t, c.done())
	assert.Equal(t, 1, s.GetAwaitCount("k", "cond"))
	assert.False(t, s.GetLockInfo("k", false).IsLocked(), "await releases the lock")
}

func TestSignalCountsBlockedWaiters(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	waiters := []Caller{callerA, callerB, callerC}
	for _, w := range waiters {
		parkAwait(t, s, w, "cond", 0)
	}
	assert.Equal(t, 3, s.GetAwaitCount("k", "cond"))
	assert.Equal(t, int64(3), mustOK(t, exec(s, NewGetAwaitCountOperation(testNS, "k", "cond"))).Count)

	signaler := Caller{Owner: "D", ThreadID: 4}
	exec(s, NewLockOperation(testNS, "k", signaler, 0))

	r := mustOK(t, exec(s, NewSignalOperation(testNS, "k", "cond", signaler, true)))
	assert.Equal(t, int64(3), r.Count)
	assert.Equal(t, 3, s.GetLockInfo("k", false).SignalKeyCount(), "one grant per blocked waiter")

	// no blocked waiters on this condition: nothing queued
	r = mustOK(t, exec(s, NewSignalOperation(testNS, "k", "other", signaler, false)))
	assert.Equal(t, int64(0), r.Count)
	assert.Equal(t, 3, s.GetLockInfo("k", false).SignalKeyCount())
}

func TestSingleSignalQueuesOneGrant(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	parkAwait(t, s, callerA, "cond", 0)
	parkAwait(t, s, callerB, "cond", 0)

	exec(s, NewLockOperation(testNS, "k", callerC, 0))
	r := mustOK(t, exec(s, NewSignalOperation(testNS, "k", "cond", callerC, false)))
	assert.Equal(t, int64(1), r.Count)
	assert.Equal(t, 1, s.GetLockInfo("k", false).SignalKeyCount())
}

func TestSignalWithoutLockInfoIsNoop(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	r := mustOK(t, exec(s, NewSignalOperation(testNS, "k", "cond", callerA, true)))
	assert.True(t, r.Value)
	assert.Equal(t, int64(0), r.Count)
	assert.Equal(t, 0, s.Len())
}

func TestSignalByNonOwner(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	parkAwait(t, s, callerA, "cond", 0)
	exec(s, NewLockOperation(testNS, "k", callerB, 0))

	c := exec(s, NewSignalOperation(testNS, "k", "cond", callerC, true))
	assert.ErrorIs(t, c.resp.Err, ErrNotLockOwner)
	assert.Equal(t, 0, s.GetLockInfo("k", false).SignalKeyCount())
}

func TestSignalAllWakesSequentially(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	w1 := Caller{Owner: "W1", ThreadID: 1}
	w2 := Caller{Owner: "W2", ThreadID: 2}
	owner := Caller{Owner: "A", ThreadID: 1}

	c1 := parkAwait(t, s, w1, "cond", 0)
	c2 := parkAwait(t, s, w2, "cond", 0)

	exec(s, NewLockOperation(testNS, "k", owner, 0))
	assert.Equal(t, 2, s.GetAwaitCount("k", "cond"))

	r := mustOK(t, exec(s, NewSignalOperation(testNS, "k", "cond", owner, true)))
	assert.Equal(t, int64(2), r.Count)
	li := s.GetLockInfo("k", false)
	assert.Equal(t, 2, li.SignalKeyCount())
	assert.False(t, c1.done() || c2.done(), "the signaler still holds the lock")

	mustOK(t, exec(s, NewUnlockOperation(testNS, "k", owner)))
	require.True(t, c1.done() != c2.done(), "exactly one waiter wakes first")

	first, firstCaller, second, secondCaller := c1, w1, c2, w2
	if c2.done() {
		first, firstCaller, second, secondCaller = c2, w2, c1, w1
	}
	assert.True(t, mustOK(t, first).Value)
	assert.True(t, li.IsLockedBy(firstCaller))
	assert.Equal(t, 1, li.SignalKeyCount())

	mustOK(t, exec(s, NewUnlockOperation(testNS, "k", firstCaller)))
	assert.True(t, mustOK(t, second).Value)
	assert.True(t, li.IsLockedBy(secondCaller))
	assert.Equal(t, 0, li.SignalKeyCount())
	assert.Equal(t, 0, li.AwaitCount("cond"))

	mustOK(t, exec(s, NewUnlockOperation(testNS, "k", secondCaller)))
	assert.Equal(t, 0, s.Len())
}

func TestAwaitRestoresDepthAndLease(t *testing.T) {
	clock := newMockClock()
	s := NewLockStore(testNS, clock)

	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	c := exec(s, NewAwaitOperation(testNS, "k", "cond", callerA, 0, 5*time.Second))
	require.False(t, c.done())

	exec(s, NewLockOperation(testNS, "k", callerB, 0))
	exec(s, NewSignalOperation(testNS, "k", "cond", callerB, false))
	exec(s, NewUnlockOperation(testNS, "k", callerB))

	assert.True(t, mustOK(t, c).Value)
	li := s.GetLockInfo("k", false)
	assert.Equal(t, 2, li.LockCount())
	assert.Equal(t, int64(5000), li.RemainingTTL())
}

func TestAwaitTimeout(t *testing.T) {
	clock := newMockClock()
	s := NewLockStore(testNS, clock)

	c := parkAwait(t, s, callerA, "cond", time.Second)
	deadline, ok := s.NextAwaitDeadline()
	require.True(t, ok)
	assert.Equal(t, nowMillis(clock)+1000, deadline)

	assert.Equal(t, 0, s.ExpireAwaits(nowMillis(clock)+999))
	assert.False(t, c.done())

	clock.Advance(time.Second)
	assert.Equal(t, 1, s.ExpireAwaits(nowMillis(clock)))
	r := mustOK(t, c)
	assert.False(t, r.Value)

	_, ok = s.NextAwaitDeadline()
	assert.False(t, ok)
	assert.Equal(t, 0, s.ParkedCount())
	assert.Equal(t, 0, s.Len(), "no grant to reconcile, entry evicted")
}

func TestAwaitTimeoutDiscardsItsGrant(t *testing.T) {
	clock := newMockClock()
	s := NewLockStore(testNS, clock)

	c := parkAwait(t, s, callerA, "cond", time.Second)

	// signal while holding the lock, the waiter cannot take its grant yet
	exec(s, NewLockOperation(testNS, "k", callerB, 0))
	mustOK(t, exec(s, NewSignalOperation(testNS, "k", "cond", callerB, false)))
	li := s.GetLockInfo("k", false)
	require.Equal(t, 1, li.SignalKeyCount())

	clock.Advance(time.Second)
	s.ExpireAwaits(nowMillis(clock))
	assert.False(t, mustOK(t, c).Value)
	assert.Equal(t, 0, li.SignalKeyCount(), "grant of the timed out waiter is discarded")
	assert.Equal(t, 0, li.ExpiredAwaitCount())

	// a later await must not be woken by the stale signal
	mustOK(t, exec(s, NewUnlockOperation(testNS, "k", callerB)))
	later := parkAwait(t, s, callerC, "cond", 0)
	assert.False(t, later.done())
}

func TestCancelAwaitKeepsGrant(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())

	c := parkAwait(t, s, callerA, "cond", 0)
	exec(s, NewLockOperation(testNS, "k", callerB, 0))
	mustOK(t, exec(s, NewSignalOperation(testNS, "k", "cond", callerB, false)))

	r := mustOK(t, exec(s, NewCancelAwaitOperation(testNS, "k", "cond", callerA)))
	assert.True(t, r.Value)
	assert.False(t, mustOK(t, c).Value)

	li := s.GetLockInfo("k", false)
	assert.Equal(t, 1, li.SignalKeyCount(), "grant stays queued")
	assert.Equal(t, 0, li.AwaitCount("cond"))

	// the next await on the condition claims it
	next := exec(s, NewAwaitOperation(testNS, "k", "cond", callerB, 0, 0))
	assert.True(t, mustOK(t, next).Value)
	assert.True(t, li.IsLockedBy(callerB))
	assert.Equal(t, 0, li.SignalKeyCount())

	assert.False(t, mustOK(t, exec(s, NewCancelAwaitOperation(testNS, "k", "cond", callerA))).Value)
}

func TestDuplicateParkedAwait(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	parkAwait(t, s, callerA, "cond", 0)

	// the same caller takes the lock again and awaits a second time
	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	c := exec(s, NewAwaitOperation(testNS, "k", "cond", callerA, 0, 0))
	assert.ErrorIs(t, c.resp.Err, ErrDuplicateAwait)
	assert.True(t, s.GetLockInfo("k", false).IsLockedBy(callerA))
}

func TestEvictExpiredWakesWaiters(t *testing.T) {
	clock := newMockClock()
	s := NewLockStore(testNS, clock)

	c := parkAwait(t, s, callerA, "cond", 0)
	exec(s, NewLockOperation(testNS, "k", callerB, time.Second))
	exec(s, NewSignalOperation(testNS, "k", "cond", callerB, false))

	exec(s, NewLockOperation(testNS, "other", callerC, time.Second))
	assert.Equal(t, 2, s.Len())

	clock.Advance(2 * time.Second)
	assert.False(t, c.done(), "expiry is lazy")

	evicted := s.EvictExpired()
	assert.Equal(t, 1, evicted)
	assert.True(t, mustOK(t, c).Value, "waiter takes over the expired lock")
	assert.True(t, s.GetLockInfo("k", false).IsLockedBy(callerA))
	assert.Nil(t, s.GetLockInfo("other", false))
}

func TestAbortFailsParked(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	c1 := parkAwait(t, s, callerA, "cond", time.Minute)
	c2 := parkAwait(t, s, callerB, "cond", 0)

	s.Abort(ErrServiceClosed)
	for _, c := range []*capture{c1, c2} {
		require.True(t, c.done())
		assert.True(t, errors.Is(c.resp.Err, ErrServiceClosed))
	}
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.ParkedCount())
}

func TestWakeWaitsForReentrantHolder(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	c := parkAwait(t, s, callerA, "cond", 0)

	// the same caller locks again while its await is parked
	for i := 0; i < 3; i++ {
		require.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerA, 0))).Value)
	}
	assert.Equal(t, int64(1), mustOK(t, exec(s, NewSignalOperation(testNS, "k", "cond", callerA, false))).Count)
	assert.False(t, c.done(), "the lock is not free yet")
	assert.Equal(t, int64(3), mustOK(t, exec(s, NewGetLockCountOperation(testNS, "k"))).Count)

	for i := 0; i < 2; i++ {
		mustOK(t, exec(s, NewUnlockOperation(testNS, "k", callerA)))
	}
	assert.False(t, c.done())
	assert.Equal(t, int64(1), mustOK(t, exec(s, NewGetLockCountOperation(testNS, "k"))).Count)

	mustOK(t, exec(s, NewUnlockOperation(testNS, "k", callerA)))
	assert.True(t, mustOK(t, c).Value)
	assert.Equal(t, int64(1), mustOK(t, exec(s, NewGetLockCountOperation(testNS, "k"))).Count, "depth of the await")
}

func TestWithdrawParkedAwait(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	require.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerA, 0))).Value)
	c := exec(s, NewTicketAwaitOperation(testNS, "k", "cond", callerA, 7, 0, 0))
	require.False(t, c.done())

	// another ticket does not match the parked await
	r := mustOK(t, exec(s, NewWithdrawAwaitOperation(testNS, "k", "cond", callerA, 8)))
	assert.Equal(t, WithdrawnAhead, r.Count)
	assert.False(t, c.done())

	r = mustOK(t, exec(s, NewWithdrawAwaitOperation(testNS, "k", "cond", callerA, 7)))
	assert.False(t, r.Value)
	assert.Equal(t, WithdrawnParked, r.Count)
	assert.False(t, mustOK(t, c).Value)
	assert.Equal(t, 0, s.ParkedCount())
	assert.False(t, mustOK(t, exec(s, NewIsLockedOperation(testNS, "k"))).Value)
}

func TestWithdrawCompletedAwait(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	require.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerA, 0))).Value)
	c := exec(s, NewTicketAwaitOperation(testNS, "k", "cond", callerA, 7, 0, 0))

	exec(s, NewLockOperation(testNS, "k", callerB, 0))
	exec(s, NewSignalOperation(testNS, "k", "cond", callerB, false))
	exec(s, NewUnlockOperation(testNS, "k", callerB))
	require.True(t, mustOK(t, c).Value)

	// the withdrawal comes too late and learns the await was signaled
	r := mustOK(t, exec(s, NewWithdrawAwaitOperation(testNS, "k", "cond", callerA, 7)))
	assert.True(t, r.Value)
	assert.Equal(t, WithdrawnCompleted, r.Count)
	assert.True(t, mustOK(t, exec(s, NewIsLockedByOperation(testNS, "k", callerA))).Value)
	assert.Equal(t, 0, s.RecordCount())
}

func TestWithdrawBeforeAwaitArrives(t *testing.T) {
	s := NewLockStore(testNS, newMockClock())
	exec(s, NewLockOperation(testNS, "k", callerA, 0))
	exec(s, NewLockOperation(testNS, "k", callerA, 0))

	r := mustOK(t, exec(s, NewWithdrawAwaitOperation(testNS, "k", "cond", callerA, 7)))
	assert.False(t, r.Value)
	assert.Equal(t, WithdrawnAhead, r.Count)
	assert.False(t, mustOK(t, exec(s, NewIsLockedOperation(testNS, "k"))).Value, "released like the await would have")

	// someone else takes the lock before the late await arrives
	require.True(t, mustOK(t, exec(s, NewLockOperation(testNS, "k", callerB, 0))).Value)
	c := exec(s, NewTicketAwaitOperation(testNS, "k", "cond", callerA, 7, 0, 0))
	assert.False(t, mustOK(t, c).Value, "completes without parking")
	assert.Equal(t, 0, s.ParkedCount())
	assert.Equal(t, 0, s.RecordCount())
	assert.True(t, mustOK(t, exec(s, NewIsLockedByOperation(testNS, "k", callerB))).Value)
	assert.Equal(t, int64(0), mustOK(t, exec(s, NewGetAwaitCountOperation(testNS, "k", "cond"))).Count)
}

func TestWithdrawRecordsExpire(t *testing.T) {
	clock := newMockClock()
	s := NewLockStore(testNS, clock)
	exec(s, NewLockOperation(testNS, "k", callerA, 0))

	mustOK(t, exec(s, NewWithdrawAwaitOperation(testNS, "k", "cond", callerA, 7)))
	assert.Equal(t, 1, s.RecordCount())

	clock.Advance(awaitRecordRetention)
	s.EvictExpired()
	assert.Equal(t, 0, s.RecordCount())

	c := exec(s, NewWithdrawAwaitOperation(testNS, "k", "cond", callerA, 0))
	assert.ErrorIs(t, c.resp.Err, ErrInvalidArgument)
}
