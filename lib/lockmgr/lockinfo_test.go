package lockmgr

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	callerA = Caller{Owner: "A", ThreadID: 1}
	callerB = Caller{Owner: "B", ThreadID: 2}
	callerC = Caller{Owner: "C", ThreadID: 3}
)

func TestLockUnlockBalanced(t *testing.T) {
	for _, n := range []int{1, 2, 5, 50} {
		li := NewLockInfo("k", newMockClock())
		for i := 0; i < n; i++ {
			require.True(t, li.Lock(callerA, 0))
		}
		assert.Equal(t, n, li.LockCount())
		assert.False(t, li.IsEvictable())

		for i := 0; i < n; i++ {
			require.True(t, li.Unlock(callerA))
		}
		assert.Equal(t, 0, li.LockCount())
		assert.False(t, li.IsLocked())
		assert.True(t, li.IsEvictable(), "n=%d", n)
		assert.False(t, li.Unlock(callerA), "unlock of a free lock")
	}
}

func TestLockReentrancyAndContention(t *testing.T) {
	li := NewLockInfo("k", newMockClock())

	require.True(t, li.Lock(callerA, time.Minute))
	assert.True(t, li.Lock(callerA, time.Minute), "reentrant lock")
	assert.False(t, li.Lock(callerB, time.Minute), "other owner")
	assert.False(t, li.Lock(Caller{Owner: "A", ThreadID: 9}, time.Minute), "same owner, other thread")
	assert.Equal(t, 2, li.LockCount())

	assert.True(t, li.CanAcquireLock(callerA))
	assert.False(t, li.CanAcquireLock(callerB))
	assert.True(t, li.IsLockedBy(callerA))
	assert.False(t, li.IsLockedBy(callerB))
	assert.False(t, li.Unlock(callerB))

	owner, ok := li.Owner()
	require.True(t, ok)
	assert.Equal(t, callerA, owner)

	li.Unlock(callerA)
	li.Unlock(callerA)
	assert.True(t, li.Lock(callerB, time.Minute))
}

func TestLockRejectsInvalidCaller(t *testing.T) {
	li := NewLockInfo("k", newMockClock())
	assert.False(t, li.Lock(Caller{Owner: "", ThreadID: 1}, 0))
	assert.False(t, li.Lock(Caller{Owner: "A", ThreadID: NoThread}, 0))
	assert.False(t, li.IsLocked())
}

func TestUnlockedInvariants(t *testing.T) {
	clock := newMockClock()
	li := NewLockInfo("k", clock)
	li.Lock(callerA, time.Second)
	li.Unlock(callerA)

	assert.Equal(t, "", li.owner)
	assert.Equal(t, NoThread, li.threadID)
	assert.Equal(t, int64(0), li.expirationTime)
	assert.True(t, li.AcquireTime().IsZero())
	_, held := li.Owner()
	assert.False(t, held)
}

func TestRoundTripOwnership(t *testing.T) {
	li := NewLockInfo("k", newMockClock())

	require.True(t, li.Lock(callerA, time.Minute))
	require.True(t, li.Unlock(callerA))
	require.True(t, li.Lock(callerB, time.Minute))

	owner, ok := li.Owner()
	require.True(t, ok)
	assert.Equal(t, callerB, owner)
	assert.Equal(t, 1, li.LockCount())
}

func TestLazyTTLExpiry(t *testing.T) {
	clock := newMockClock()
	li := NewLockInfo("k", clock)

	require.True(t, li.Lock(callerA, 1000*time.Millisecond))
	assert.False(t, li.Lock(callerB, time.Second))

	clock.Advance(999 * time.Millisecond)
	assert.True(t, li.IsLocked(), "not yet expired")

	// the state is untouched until the next access
	clock.Advance(101 * time.Millisecond)
	assert.Equal(t, 1, li.lockCount, "expiry is lazy")

	assert.True(t, li.Lock(callerB, time.Second), "expired lock is free")
	owner, _ := li.Owner()
	assert.Equal(t, callerB, owner)
	assert.Equal(t, 1, li.LockCount())
}

func TestTTLExpiresExactlyAtDeadline(t *testing.T) {
	clock := newMockClock()
	li := NewLockInfo("k", clock)
	li.Lock(callerA, 500*time.Millisecond)

	clock.Advance(500 * time.Millisecond)
	assert.False(t, li.IsLocked())
	assert.True(t, li.IsEvictable())
}

func TestReentrantLockRefreshesTTL(t *testing.T) {
	clock := newMockClock()
	li := NewLockInfo("k", clock)

	li.Lock(callerA, time.Second)
	clock.Advance(800 * time.Millisecond)
	li.Lock(callerA, time.Second)
	clock.Advance(800 * time.Millisecond)

	assert.True(t, li.IsLockedBy(callerA))
	assert.Equal(t, 2, li.LockCount())
	assert.Equal(t, int64(200), li.RemainingTTL())
}

func TestRemainingTTL(t *testing.T) {
	clock := newMockClock()
	li := NewLockInfo("k", clock)
	assert.Equal(t, int64(0), li.RemainingTTL())

	li.Lock(callerA, 0)
	assert.Equal(t, int64(-1), li.RemainingTTL(), "no ttl never expires")
	li.Unlock(callerA)

	li.Lock(callerA, 3*time.Second)
	clock.Advance(time.Second)
	assert.Equal(t, int64(2000), li.RemainingTTL())
}

func TestExpirationSaturates(t *testing.T) {
	now := time.Now().UnixMilli()
	assert.Equal(t, neverExpires, expirationFor(now, 0))
	assert.Equal(t, neverExpires, expirationFor(now, -time.Second))
	assert.Equal(t, neverExpires, expirationFor(now, time.Duration(math.MaxInt64)))
	assert.Equal(t, now+1500, expirationFor(now, 1500*time.Millisecond))
	assert.Equal(t, now+1, expirationFor(now, time.Microsecond))
}

func TestForceUnlock(t *testing.T) {
	li := NewLockInfo("k", newMockClock())
	assert.False(t, li.ForceUnlock())

	li.Lock(callerA, 0)
	li.Lock(callerA, 0)
	assert.True(t, li.ForceUnlock())
	assert.Equal(t, 0, li.LockCount())
	assert.True(t, li.Lock(callerB, 0))
}

func TestReleaseAndRestore(t *testing.T) {
	clock := newMockClock()
	li := NewLockInfo("k", clock)
	li.Lock(callerA, 0)
	li.Lock(callerA, 0)
	li.Lock(callerA, 0)

	assert.Equal(t, 0, li.release(callerB))
	depth := li.release(callerA)
	assert.Equal(t, 3, depth)
	assert.False(t, li.IsLocked())

	li.Lock(callerB, 0)
	assert.False(t, li.restore(callerA, depth, time.Second), "held by someone else")
	li.Unlock(callerB)

	li.Lock(callerA, 0)
	assert.False(t, li.restore(callerA, depth, time.Second), "held by the same caller again")
	assert.Equal(t, 1, li.LockCount())
	li.Unlock(callerA)

	require.True(t, li.restore(callerA, depth, time.Second))
	assert.Equal(t, 3, li.LockCount())
	assert.True(t, li.IsLockedBy(callerA))
	assert.Equal(t, int64(1000), li.RemainingTTL())
}

func TestConditionsOnLockInfo(t *testing.T) {
	li := NewLockInfo("k", newMockClock())
	li.Lock(callerA, 0)

	assert.True(t, li.AddAwait("c", callerA))
	assert.False(t, li.AddAwait("c", callerA))
	assert.True(t, li.HasAwait("c", callerA))
	assert.Equal(t, 0, li.AwaitCount("c"))

	assert.True(t, li.StartAwaiting("c", callerA))
	assert.Equal(t, 1, li.AwaitCount("c"))
	assert.False(t, li.StartAwaiting("other", callerA))

	li.Unlock(callerA)
	assert.False(t, li.IsEvictable(), "conditions keep the entry alive")

	assert.True(t, li.RemoveAwait("c", callerA))
	_, exists := li.Condition("c")
	assert.False(t, exists, "empty condition is removed")
	assert.False(t, li.RemoveAwait("c", callerA))
	assert.True(t, li.IsEvictable())
}

func TestGrantQueueFIFO(t *testing.T) {
	li := NewLockInfo("k", newMockClock())
	first := ConditionKey{ObjectName: "o", Key: "k", ConditionID: "c1"}
	second := ConditionKey{ObjectName: "o", Key: "k", ConditionID: "c2"}

	_, ok := li.PeekSignalKey()
	assert.False(t, ok)

	li.RegisterSignalKey(first)
	li.RegisterSignalKey(second)
	li.RegisterSignalKey(first)
	assert.Equal(t, 3, li.SignalKeyCount())

	head, ok := li.PeekSignalKey()
	require.True(t, ok)
	assert.Equal(t, first, head)

	li.signalKeys.removeAt(0)
	head, _ = li.PeekSignalKey()
	assert.Equal(t, second, head)
	assert.Equal(t, 1, li.signalKeys.countFor("c1"))

	assert.True(t, li.IsEvictable(), "grants alone do not keep the entry alive")
}

func TestExpiredAwaits(t *testing.T) {
	li := NewLockInfo("k", newMockClock())

	li.RegisterExpiredAwait("c", callerA)
	li.RegisterExpiredAwait("d", callerB)
	li.RegisterExpiredAwait("c", callerC)
	assert.False(t, li.IsEvictable())

	caller, ok := li.PollExpiredAwait("c")
	require.True(t, ok)
	assert.Equal(t, callerA, caller)
	assert.Equal(t, 2, li.ExpiredAwaitCount())

	// only the record with a matching grant survives
	li.RegisterSignalKey(ConditionKey{ObjectName: "o", Key: "k", ConditionID: "c"})
	li.dropUnmatchedExpiredAwaits()
	assert.Equal(t, 1, li.ExpiredAwaitCount())
	caller, ok = li.PollExpiredAwait("c")
	require.True(t, ok)
	assert.Equal(t, callerC, caller)
}

func TestClear(t *testing.T) {
	li := NewLockInfo("k", newMockClock())
	li.Lock(callerA, time.Minute)
	li.AddAwait("c", callerB)
	li.RegisterSignalKey(ConditionKey{ObjectName: "o", Key: "k", ConditionID: "c"})
	li.RegisterExpiredAwait("c", callerC)

	li.Clear()
	assert.False(t, li.IsLocked())
	assert.Equal(t, 0, li.SignalKeyCount())
	assert.Equal(t, 0, li.ExpiredAwaitCount())
	assert.True(t, li.IsEvictable())
	assert.Equal(t, Key("k"), li.Key())
}
