package lockmgr

import (
	"math"
	"time"
)

// neverExpires is the expiration time of a lock taken without a ttl, or whose
// ttl would overflow.
const neverExpires int64 = math.MaxInt64

// --------------------------------------------------------------------------
// Queues
// --------------------------------------------------------------------------

// grantQueue is the FIFO of signal grants of a lock. Every entry allows one
// parked waiter of its condition to wake up.
type grantQueue struct {
	items []ConditionKey
}

func (q *grantQueue) push(ck ConditionKey) { q.items = append(q.items, ck) }
func (q *grantQueue) len() int             { return len(q.items) }
func (q *grantQueue) at(i int) ConditionKey {
	return q.items[i]
}

func (q *grantQueue) removeAt(i int) {
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = ConditionKey{}
	q.items = q.items[:len(q.items)-1]
}

// countFor returns the number of grants queued for conditionID.
func (q *grantQueue) countFor(conditionID string) int {
	n := 0
	for _, ck := range q.items {
		if ck.ConditionID == conditionID {
			n++
		}
	}
	return n
}

// expiredAwait records a waiter that timed out. A grant that was queued for
// it is discarded together with the record instead of waking someone later.
type expiredAwait struct {
	ConditionID string
	Caller      Caller
}

type expiredAwaitQueue struct {
	items []expiredAwait
}

func (q *expiredAwaitQueue) push(e expiredAwait) { q.items = append(q.items, e) }
func (q *expiredAwaitQueue) len() int            { return len(q.items) }

// poll removes and returns the oldest record for conditionID.
func (q *expiredAwaitQueue) poll(conditionID string) (expiredAwait, bool) {
	for i, e := range q.items {
		if e.ConditionID == conditionID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e, true
		}
	}
	return expiredAwait{}, false
}

// retain keeps only the records keep returns true for.
func (q *expiredAwaitQueue) retain(keep func(expiredAwait) bool) {
	kept := q.items[:0]
	for _, e := range q.items {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = expiredAwait{}
	}
	q.items = kept
}

// --------------------------------------------------------------------------
// LockInfo
// --------------------------------------------------------------------------

// LockInfo is the state of one lock: a reentrant mutex with an optional ttl,
// its conditions and the grant bookkeeping of the signal protocol.
//
// A LockInfo is owned by a LockStore and only ever touched from the goroutine
// of the partition the store lives on, so it carries no synchronisation.
// Every method that reads or changes lock state first drops the lock if its
// ttl has passed.
type LockInfo struct {
	key   Key
	clock Clock

	owner          string
	threadID       int64
	lockCount      int
	acquireTime    int64 // unix ms
	expirationTime int64 // unix ms

	conditions    map[string]*ConditionInfo
	signalKeys    grantQueue
	expiredAwaits expiredAwaitQueue
}

// NewLockInfo creates an unlocked LockInfo for key.
func NewLockInfo(key Key, clock Clock) *LockInfo {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LockInfo{
		key:      key,
		clock:    clock,
		threadID: NoThread,
	}
}

// Key returns the key of the lock.
func (li *LockInfo) Key() Key {
	return li.key
}

// checkTTL releases the lock if its expiration time has been reached. It
// reports whether it did.
func (li *LockInfo) checkTTL() bool {
	if li.lockCount == 0 || li.expirationTime == neverExpires {
		return false
	}
	if nowMillis(li.clock) < li.expirationTime {
		return false
	}
	li.clearLock()
	lockExpiredTotal.Inc()
	return true
}

func (li *LockInfo) clearLock() {
	li.owner = ""
	li.threadID = NoThread
	li.lockCount = 0
	li.acquireTime = 0
	li.expirationTime = 0
}

// expirationFor returns now+ttl in unix ms, saturating to neverExpires. A ttl
// of zero or less never expires.
func expirationFor(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return neverExpires
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	if ms >= neverExpires-now {
		return neverExpires
	}
	return now + ms
}

func (li *LockInfo) heldBy(caller Caller) bool {
	return li.lockCount > 0 && li.owner == caller.Owner && li.threadID == caller.ThreadID
}

// Lock acquires the lock for caller or, if caller already holds it, increases
// the depth. Either way the expiration is moved to now+ttl. It returns false
// without changing anything if someone else holds the lock.
func (li *LockInfo) Lock(caller Caller, ttl time.Duration) bool {
	li.checkTTL()
	if !caller.valid() {
		return false
	}
	now := nowMillis(li.clock)
	switch {
	case li.lockCount == 0:
		li.owner = caller.Owner
		li.threadID = caller.ThreadID
		li.lockCount = 1
		li.acquireTime = now
	case li.heldBy(caller):
		li.lockCount++
	default:
		return false
	}
	li.expirationTime = expirationFor(now, ttl)
	return true
}

// Unlock decreases the depth of the lock held by caller and releases it when
// the depth reaches zero. It returns false if caller does not hold the lock.
func (li *LockInfo) Unlock(caller Caller) bool {
	li.checkTTL()
	if !li.heldBy(caller) {
		return false
	}
	li.lockCount--
	if li.lockCount == 0 {
		li.clearLock()
	}
	return true
}

// ForceUnlock releases the lock whoever holds it. It returns false if the lock
// was not held.
func (li *LockInfo) ForceUnlock() bool {
	li.checkTTL()
	if li.lockCount == 0 {
		return false
	}
	li.clearLock()
	return true
}

// CanAcquireLock reports whether Lock would succeed for caller.
func (li *LockInfo) CanAcquireLock(caller Caller) bool {
	li.checkTTL()
	return li.lockCount == 0 || li.heldBy(caller)
}

// IsLocked reports whether anyone holds the lock.
func (li *LockInfo) IsLocked() bool {
	li.checkTTL()
	return li.lockCount > 0
}

// IsLockedBy reports whether caller holds the lock.
func (li *LockInfo) IsLockedBy(caller Caller) bool {
	li.checkTTL()
	return li.heldBy(caller)
}

// LockCount returns the reentrancy depth, zero if unlocked.
func (li *LockInfo) LockCount() int {
	li.checkTTL()
	return li.lockCount
}

// Owner returns the current holder.
func (li *LockInfo) Owner() (Caller, bool) {
	li.checkTTL()
	if li.lockCount == 0 {
		return Caller{ThreadID: NoThread}, false
	}
	return Caller{Owner: li.owner, ThreadID: li.threadID}, true
}

// AcquireTime returns when the current holder took the lock, zero if unlocked.
func (li *LockInfo) AcquireTime() time.Time {
	li.checkTTL()
	if li.lockCount == 0 {
		return time.Time{}
	}
	return time.UnixMilli(li.acquireTime)
}

// RemainingTTL returns the milliseconds until the lock expires: 0 if it is not
// held and -1 if it never expires.
func (li *LockInfo) RemainingTTL() int64 {
	li.checkTTL()
	if li.lockCount == 0 {
		return 0
	}
	if li.expirationTime == neverExpires {
		return -1
	}
	return li.expirationTime - nowMillis(li.clock)
}

// IsEvictable reports whether the LockInfo carries no information: unlocked,
// no condition waiters and no timed out awaits to reconcile. Queued grants do
// not keep a LockInfo alive.
func (li *LockInfo) IsEvictable() bool {
	li.checkTTL()
	return li.lockCount == 0 && len(li.conditions) == 0 && li.expiredAwaits.len() == 0
}

// release drops the lock of caller completely and returns the depth it had.
func (li *LockInfo) release(caller Caller) int {
	li.checkTTL()
	if !li.heldBy(caller) {
		return 0
	}
	depth := li.lockCount
	li.clearLock()
	return depth
}

// restore gives an unlocked lock back to caller at depth with a fresh ttl.
func (li *LockInfo) restore(caller Caller, depth int, ttl time.Duration) bool {
	if depth < 1 || li.IsLocked() {
		return false
	}
	now := nowMillis(li.clock)
	if li.lockCount == 0 {
		li.acquireTime = now
	}
	li.owner = caller.Owner
	li.threadID = caller.ThreadID
	li.lockCount = depth
	li.expirationTime = expirationFor(now, ttl)
	return true
}

// --------------------------------------------------------------------------
// Conditions
// --------------------------------------------------------------------------

// AddAwait registers caller on conditionID, creating the condition if
// needed. It returns false if caller is already registered there.
func (li *LockInfo) AddAwait(conditionID string, caller Caller) bool {
	if li.conditions == nil {
		li.conditions = make(map[string]*ConditionInfo)
	}
	cond, ok := li.conditions[conditionID]
	if !ok {
		cond = newConditionInfo(conditionID)
		li.conditions[conditionID] = cond
	}
	return cond.AddWaiter(caller)
}

// RemoveAwait drops caller from conditionID. The condition is removed once it
// has no waiters left.
func (li *LockInfo) RemoveAwait(conditionID string, caller Caller) bool {
	cond, ok := li.conditions[conditionID]
	if !ok {
		return false
	}
	removed := cond.RemoveWaiter(caller)
	if cond.WaiterCount() == 0 {
		delete(li.conditions, conditionID)
	}
	return removed
}

// StartAwaiting marks the registered caller as blocked on conditionID.
func (li *LockInfo) StartAwaiting(conditionID string, caller Caller) bool {
	cond, ok := li.conditions[conditionID]
	if !ok {
		return false
	}
	return cond.StartWaiter(caller)
}

// HasAwait reports whether caller is registered on conditionID.
func (li *LockInfo) HasAwait(conditionID string, caller Caller) bool {
	cond, ok := li.conditions[conditionID]
	return ok && cond.HasWaiter(caller)
}

// AwaitCount returns the number of blocked waiters on conditionID.
func (li *LockInfo) AwaitCount(conditionID string) int {
	cond, ok := li.conditions[conditionID]
	if !ok {
		return 0
	}
	return cond.AwaitCount()
}

// Condition returns the condition with the given id, if it has waiters.
func (li *LockInfo) Condition(conditionID string) (*ConditionInfo, bool) {
	cond, ok := li.conditions[conditionID]
	return cond, ok
}

// --------------------------------------------------------------------------
// Grants and expired awaits
// --------------------------------------------------------------------------

// RegisterSignalKey queues one grant.
func (li *LockInfo) RegisterSignalKey(ck ConditionKey) {
	li.signalKeys.push(ck)
}

// SignalKeyCount returns the number of queued grants.
func (li *LockInfo) SignalKeyCount() int {
	return li.signalKeys.len()
}

// PeekSignalKey returns the oldest queued grant.
func (li *LockInfo) PeekSignalKey() (ConditionKey, bool) {
	if li.signalKeys.len() == 0 {
		return ConditionKey{}, false
	}
	return li.signalKeys.at(0), true
}

// RegisterExpiredAwait records that caller timed out on conditionID.
func (li *LockInfo) RegisterExpiredAwait(conditionID string, caller Caller) {
	li.expiredAwaits.push(expiredAwait{ConditionID: conditionID, Caller: caller})
}

// PollExpiredAwait removes the oldest timed out await on conditionID.
func (li *LockInfo) PollExpiredAwait(conditionID string) (Caller, bool) {
	e, ok := li.expiredAwaits.poll(conditionID)
	return e.Caller, ok
}

// ExpiredAwaitCount returns the number of timed out awaits not yet reconciled.
func (li *LockInfo) ExpiredAwaitCount() int {
	return li.expiredAwaits.len()
}

// dropUnmatchedExpiredAwaits forgets timed out awaits no queued grant refers to.
func (li *LockInfo) dropUnmatchedExpiredAwaits() {
	if li.expiredAwaits.len() == 0 {
		return
	}
	li.expiredAwaits.retain(func(e expiredAwait) bool {
		return li.signalKeys.countFor(e.ConditionID) > 0
	})
}

// Clear resets the LockInfo to a fresh, unlocked state.
func (li *LockInfo) Clear() {
	li.clearLock()
	li.conditions = nil
	li.signalKeys = grantQueue{}
	li.expiredAwaits = expiredAwaitQueue{}
}
