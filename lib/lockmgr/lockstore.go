package lockmgr

import (
	"time"

	"github.com/ValentinKolb/dGrid/lib/util"
)

// parkedAwait is an await operation that released its lock and waits for a
// grant or its deadline. Its done callback is called exactly once.
type parkedAwait struct {
	id          uint64
	key         Key
	conditionID string
	caller      Caller
	depth       int           // lock depth to restore on wake up
	ttl         time.Duration // lease of the restored lock
	deadline    int64         // unix ms, 0 = none
	ticket      uint64        // 0 = not withdrawable by ticket
	done        func(Response)
}

type waiterKey struct {
	key         Key
	conditionID string
	caller      Caller
}

// awaitRecord remembers a ticketed await for its withdrawal. Either the await
// completed and signaled is its result, or the withdrawal came first (ahead)
// and the await completes with false once it arrives.
type awaitRecord struct {
	ticket   uint64
	signaled bool
	ahead    bool
}

// awaitRecordRetention is how long a record waits for its counterpart.
const awaitRecordRetention = time.Minute

// LockStore holds every LockInfo of one namespace on one partition together
// with the await operations parked on them.
//
// A LockStore is confined to the goroutine of its partition. Nothing in it is
// safe for concurrent use.
type LockStore struct {
	namespace ObjectNamespace
	clock     Clock
	locks     map[Key]*LockInfo

	nextID      uint64
	parked      map[waiterKey]*parkedAwait
	parkedByKey map[Key][]*parkedAwait // in park order
	parkedByID  map[uint64]*parkedAwait
	deadlines   *util.MapHeap[uint64]

	records      map[waiterKey]awaitRecord
	recordExpiry *util.MapHeap[waiterKey]
}

// NewLockStore creates an empty store for namespace.
func NewLockStore(namespace ObjectNamespace, clock Clock) *LockStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LockStore{
		namespace:   namespace,
		clock:       clock,
		locks:       make(map[Key]*LockInfo),
		parked:      make(map[waiterKey]*parkedAwait),
		parkedByKey: make(map[Key][]*parkedAwait),
		parkedByID:  make(map[uint64]*parkedAwait),
		deadlines:   util.NewMapHeap[uint64](),

		records:      make(map[waiterKey]awaitRecord),
		recordExpiry: util.NewMapHeap[waiterKey](),
	}
}

// Namespace returns the namespace of the store.
func (s *LockStore) Namespace() ObjectNamespace {
	return s.namespace
}

// GetLockInfo returns the LockInfo of key. With create set a missing LockInfo
// is created, otherwise nil is returned for it.
func (s *LockStore) GetLockInfo(key Key, create bool) *LockInfo {
	li, ok := s.locks[key]
	if !ok && create {
		li = NewLockInfo(key, s.clock)
		s.locks[key] = li
	}
	return li
}

// GetAwaitCount returns the number of blocked waiters on the condition.
func (s *LockStore) GetAwaitCount(key Key, conditionID string) int {
	li, ok := s.locks[key]
	if !ok {
		return 0
	}
	return li.AwaitCount(conditionID)
}

// RegisterSignalKey queues a grant on the lock the ConditionKey refers to. It
// returns false if there is no such lock.
func (s *LockStore) RegisterSignalKey(ck ConditionKey) bool {
	li, ok := s.locks[ck.Key]
	if !ok {
		return false
	}
	li.RegisterSignalKey(ck)
	signalGrantsTotal.Inc()
	return true
}

// Len returns the number of LockInfos in the store.
func (s *LockStore) Len() int {
	return len(s.locks)
}

// ParkedCount returns the number of parked await operations.
func (s *LockStore) ParkedCount() int {
	return len(s.parkedByID)
}

// LockedCount returns the number of held locks.
func (s *LockStore) LockedCount() int {
	n := 0
	for _, li := range s.locks {
		if li.IsLocked() {
			n++
		}
	}
	return n
}

// evictIfPossible drops the LockInfo of key if it is evictable.
func (s *LockStore) evictIfPossible(key Key) bool {
	li, ok := s.locks[key]
	if !ok || !li.IsEvictable() {
		return false
	}
	delete(s.locks, key)
	lockEvictedTotal.Inc()
	return true
}

// EvictExpired touches every LockInfo so expired ttls take effect, lets parked
// waiters use locks freed that way and drops what is evictable afterwards. It
// returns the number of dropped LockInfos.
func (s *LockStore) EvictExpired() int {
	s.pruneRecords()
	evicted := 0
	for key := range s.locks {
		s.processWaiters(key)
		if s.evictIfPossible(key) {
			evicted++
		}
	}
	return evicted
}

// afterOperation runs after every operation on key.
func (s *LockStore) afterOperation(key Key) {
	s.pruneRecords()
	s.processWaiters(key)
	s.evictIfPossible(key)
}

// --------------------------------------------------------------------------
// Parking
// --------------------------------------------------------------------------

// park holds an await until it is woken by a grant, times out or is
// cancelled. timeout <= 0 waits forever.
func (s *LockStore) park(key Key, conditionID string, caller Caller, depth int, ttl, timeout time.Duration, ticket uint64, done func(Response)) {
	s.nextID++
	w := &parkedAwait{
		id:          s.nextID,
		key:         key,
		conditionID: conditionID,
		caller:      caller,
		depth:       depth,
		ttl:         ttl,
		ticket:      ticket,
		done:        done,
	}
	s.forget(waiterKey{key, conditionID, caller})
	if timeout > 0 {
		w.deadline = expirationFor(nowMillis(s.clock), timeout)
		s.deadlines.AddItem(w.id, w.deadline)
	}
	s.parked[waiterKey{key, conditionID, caller}] = w
	s.parkedByKey[key] = append(s.parkedByKey[key], w)
	s.parkedByID[w.id] = w
	parkedAwaits.Inc()
}

func (s *LockStore) unpark(w *parkedAwait) {
	delete(s.parked, waiterKey{w.key, w.conditionID, w.caller})
	delete(s.parkedByID, w.id)
	s.deadlines.RemoveByKey(w.id)

	list := s.parkedByKey[w.key]
	for i, p := range list {
		if p == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.parkedByKey, w.key)
	} else {
		s.parkedByKey[w.key] = list
	}
	parkedAwaits.Dec()
}

// firstParked returns the longest parked await on the condition.
func (s *LockStore) firstParked(key Key, conditionID string) *parkedAwait {
	for _, w := range s.parkedByKey[key] {
		if w.conditionID == conditionID {
			return w
		}
	}
	return nil
}

// isParked reports whether caller has a parked await on the condition.
func (s *LockStore) isParked(key Key, conditionID string, caller Caller) bool {
	_, ok := s.parked[waiterKey{key, conditionID, caller}]
	return ok
}

// processWaiters hands queued grants of key to parked awaits. Grants are
// consumed in FIFO order. A grant is consumed by a parked waiter of its
// condition once the lock is free; the scan stops at the first grant with a
// parked waiter while the lock is held. A grant for a condition without parked
// waiters is discarded together with a timed out await of that condition, if
// there is one, and otherwise left queued. It returns the number of woken
// awaits.
func (s *LockStore) processWaiters(key Key) int {
	li, ok := s.locks[key]
	if !ok {
		return 0
	}

	woken := 0
	for i := 0; i < li.signalKeys.len(); {
		ck := li.signalKeys.at(i)

		if w := s.firstParked(key, ck.ConditionID); w != nil {
			// the waiter takes the lock back at its old depth, so the lock
			// must be free even if the waiter holds it again in the meantime
			if li.IsLocked() {
				break
			}
			li.signalKeys.removeAt(i)
			s.unpark(w)
			li.RemoveAwait(w.conditionID, w.caller)
			li.restore(w.caller, w.depth, w.ttl)
			awaitSignaledTotal.Inc()
			woken++
			s.complete(w, true)
			continue
		}

		if _, expired := li.PollExpiredAwait(ck.ConditionID); expired {
			li.signalKeys.removeAt(i)
			grantsDroppedTotal.Inc()
			continue
		}
		i++
	}
	li.dropUnmatchedExpiredAwaits()
	return woken
}

// NextAwaitDeadline returns the earliest deadline of a parked await.
func (s *LockStore) NextAwaitDeadline() (int64, bool) {
	it, ok := s.deadlines.Peek()
	if !ok {
		return 0, false
	}
	return it.Priority, true
}

// ExpireAwaits completes every parked await whose deadline is at or before
// now with "not signaled". It returns the number of expired awaits.
func (s *LockStore) ExpireAwaits(now int64) int {
	touched := make(map[Key]struct{})
	expired := 0
	for {
		it, ok := s.deadlines.Peek()
		if !ok || it.Priority > now {
			break
		}
		w := s.parkedByID[it.Key]
		if w == nil {
			s.deadlines.RemoveByKey(it.Key)
			continue
		}
		s.unpark(w)
		if li, ok := s.locks[w.key]; ok {
			li.RemoveAwait(w.conditionID, w.caller)
			li.RegisterExpiredAwait(w.conditionID, w.caller)
		}
		touched[w.key] = struct{}{}
		awaitTimedOutTotal.Inc()
		expired++
		s.complete(w, false)
	}
	for key := range touched {
		s.afterOperation(key)
	}
	return expired
}

// CancelAwait removes caller from the condition. A parked await of caller
// completes with "not signaled". Grants already queued stay queued. It reports
// whether caller was registered.
func (s *LockStore) CancelAwait(key Key, conditionID string, caller Caller) bool {
	li, ok := s.locks[key]
	if !ok {
		return false
	}
	if w, ok := s.parked[waiterKey{key, conditionID, caller}]; ok {
		s.unpark(w)
		li.RemoveAwait(conditionID, caller)
		awaitCancelledTotal.Inc()
		s.complete(w, false)
		return true
	}
	return li.RemoveAwait(conditionID, caller)
}

// Outcomes of WithdrawAwait.
const (
	// WithdrawnParked: the await was parked and completed with false.
	WithdrawnParked int64 = iota
	// WithdrawnCompleted: the await had completed before, the result is
	// reported again.
	WithdrawnCompleted
	// WithdrawnAhead: the await did not arrive yet. The lock of caller is
	// released now and the await completes with false when it arrives.
	WithdrawnAhead
)

// WithdrawAwait withdraws the await of caller carrying ticket, no matter if
// it is parked, already completed or still on its way. It returns the result
// of the await (true only if it was signaled) and one of the Withdrawn
// outcomes. Afterwards caller holds the lock only if the await was signaled.
func (s *LockStore) WithdrawAwait(key Key, conditionID string, caller Caller, ticket uint64) (bool, int64) {
	wk := waiterKey{key, conditionID, caller}

	w, parked := s.parked[wk]
	if parked && w.ticket == ticket {
		s.CancelAwait(key, conditionID, caller)
		s.forget(wk)
		return false, WithdrawnParked
	}
	if rec, ok := s.records[wk]; ok && rec.ticket == ticket && !rec.ahead {
		s.forget(wk)
		return rec.signaled, WithdrawnCompleted
	}

	// the await is still on its way, do now what it would do
	if li, ok := s.locks[key]; ok && !parked {
		li.RemoveAwait(conditionID, caller)
		if li.release(caller) > 0 {
			lockReleasedTotal.Inc()
		}
	}
	s.remember(wk, awaitRecord{ticket: ticket, ahead: true})
	awaitCancelledTotal.Inc()
	return false, WithdrawnAhead
}

// withdrawnAhead reports (and consumes) a withdrawal that came before the
// await with ticket.
func (s *LockStore) withdrawnAhead(key Key, conditionID string, caller Caller, ticket uint64) bool {
	wk := waiterKey{key, conditionID, caller}
	rec, ok := s.records[wk]
	if !ok || !rec.ahead || rec.ticket != ticket {
		return false
	}
	s.forget(wk)
	return true
}

// complete answers a parked await that was unparked before.
func (s *LockStore) complete(w *parkedAwait, signaled bool) {
	if w.ticket != 0 {
		s.remember(waiterKey{w.key, w.conditionID, w.caller}, awaitRecord{ticket: w.ticket, signaled: signaled})
	}
	w.done(Response{Value: signaled})
}

func (s *LockStore) remember(wk waiterKey, rec awaitRecord) {
	s.records[wk] = rec
	s.recordExpiry.AddItem(wk, nowMillis(s.clock)+awaitRecordRetention.Milliseconds())
}

func (s *LockStore) forget(wk waiterKey) {
	if _, ok := s.records[wk]; ok {
		delete(s.records, wk)
		s.recordExpiry.RemoveByKey(wk)
	}
}

// pruneRecords drops records older than awaitRecordRetention.
func (s *LockStore) pruneRecords() {
	now := nowMillis(s.clock)
	for {
		it, ok := s.recordExpiry.Peek()
		if !ok || it.Priority > now {
			return
		}
		s.forget(it.Key)
	}
}

// RecordCount returns the number of remembered ticketed awaits.
func (s *LockStore) RecordCount() int {
	return len(s.records)
}

// Abort fails every parked await with err and empties the store.
func (s *LockStore) Abort(err error) {
	for _, w := range s.parkedByID {
		parkedAwaits.Dec()
		w.done(Response{Err: err})
	}
	s.parked = make(map[waiterKey]*parkedAwait)
	s.parkedByKey = make(map[Key][]*parkedAwait)
	s.parkedByID = make(map[uint64]*parkedAwait)
	s.deadlines = util.NewMapHeap[uint64]()
	s.records = make(map[waiterKey]awaitRecord)
	s.recordExpiry = util.NewMapHeap[waiterKey]()
	for _, li := range s.locks {
		li.Clear()
	}
	s.locks = make(map[Key]*LockInfo)
}
