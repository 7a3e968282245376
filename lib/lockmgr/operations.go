package lockmgr

import (
	"fmt"
	"time"
)

// Response is the outcome of an Operation. Value carries boolean results,
// Count carries numeric ones (lock depth, remaining ttl, number of grants).
type Response struct {
	Value bool
	Count int64
	Err   error
}

// Operation is one request against a single key of a namespace. It is run on
// the partition owning the key, against the LockStore of its namespace.
//
// Run must call done exactly once. Every operation except await calls it
// before returning; await may keep it until the await is woken, times out or
// is cancelled.
type Operation interface {
	Namespace() ObjectNamespace
	Key() Key
	Name() string
	Run(store *LockStore, done func(Response))
}

// Operation names, also used as message types on the wire.
const (
	OpLock            = "lock"
	OpUnlock          = "unlock"
	OpForceUnlock     = "force-unlock"
	OpIsLocked        = "is-locked"
	OpIsLockedBy      = "is-locked-by"
	OpGetLockCount    = "lock-count"
	OpGetRemainingTTL = "remaining-ttl"
	OpGetAwaitCount   = "await-count"
	OpBeforeAwait     = "before-await"
	OpAwait           = "await"
	OpCancelAwait     = "cancel-await"
	OpSignal          = "signal"
)

type baseOperation struct {
	name   string
	ns     ObjectNamespace
	key    Key
	caller Caller
}

func (o *baseOperation) Namespace() ObjectNamespace { return o.ns }
func (o *baseOperation) Key() Key                   { return o.key }
func (o *baseOperation) Name() string               { return o.name }

func (o *baseOperation) validate(withCaller bool) error {
	if o.key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if o.ns.ObjectName == "" {
		return fmt.Errorf("%w: empty object name", ErrInvalidArgument)
	}
	if withCaller && !o.caller.valid() {
		return fmt.Errorf("%w: caller %s has no identity", ErrInvalidArgument, o.caller)
	}
	return nil
}

// notOwner builds the error returned to a caller that does not hold the lock.
func (o *baseOperation) notOwner(li *LockInfo) error {
	if li == nil {
		return fmt.Errorf("%w: %s is not locked", ErrNotLockOwner, o.key)
	}
	if holder, ok := li.Owner(); ok {
		return fmt.Errorf("%w: %s is held by %s", ErrNotLockOwner, o.key, holder)
	}
	return fmt.Errorf("%w: %s is not locked", ErrNotLockOwner, o.key)
}

func fail(done func(Response), err error) {
	operationErrorsTotal.Inc()
	done(Response{Err: err})
}

// --------------------------------------------------------------------------
// Lock operations
// --------------------------------------------------------------------------

type lockOperation struct {
	baseOperation
	ttl time.Duration
}

// NewLockOperation tries to acquire the lock for caller. It never blocks: a
// lock held by someone else yields false. ttl <= 0 never expires.
func NewLockOperation(ns ObjectNamespace, key Key, caller Caller, ttl time.Duration) Operation {
	return &lockOperation{baseOperation{OpLock, ns, key, caller}, ttl}
}

func (o *lockOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(true); err != nil {
		fail(done, err)
		return
	}
	li := store.GetLockInfo(o.key, true)
	if li.Lock(o.caller, o.ttl) {
		lockAcquiredTotal.Inc()
		done(Response{Value: true, Count: int64(li.LockCount())})
		return
	}
	lockContendedTotal.Inc()
	done(Response{Value: false})
}

type unlockOperation struct {
	baseOperation
}

// NewUnlockOperation releases one level of the lock held by caller.
func NewUnlockOperation(ns ObjectNamespace, key Key, caller Caller) Operation {
	return &unlockOperation{baseOperation{OpUnlock, ns, key, caller}}
}

func (o *unlockOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(true); err != nil {
		fail(done, err)
		return
	}
	li := store.GetLockInfo(o.key, false)
	if li == nil || !li.IsLocked() {
		fail(done, fmt.Errorf("%w: %s", ErrLockNotHeld, o.key))
		return
	}
	if !li.Unlock(o.caller) {
		fail(done, o.notOwner(li))
		return
	}
	lockReleasedTotal.Inc()
	done(Response{Value: true, Count: int64(li.LockCount())})
}

type forceUnlockOperation struct {
	baseOperation
}

// NewForceUnlockOperation releases the lock whoever holds it.
func NewForceUnlockOperation(ns ObjectNamespace, key Key) Operation {
	return &forceUnlockOperation{baseOperation{name: OpForceUnlock, ns: ns, key: key}}
}

func (o *forceUnlockOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(false); err != nil {
		fail(done, err)
		return
	}
	li := store.GetLockInfo(o.key, false)
	released := li != nil && li.ForceUnlock()
	if released {
		lockForcedTotal.Inc()
	}
	done(Response{Value: released})
}

type isLockedOperation struct {
	baseOperation
	byCaller bool
}

// NewIsLockedOperation reports whether anyone holds the lock.
func NewIsLockedOperation(ns ObjectNamespace, key Key) Operation {
	return &isLockedOperation{baseOperation: baseOperation{name: OpIsLocked, ns: ns, key: key}}
}

// NewIsLockedByOperation reports whether caller holds the lock.
func NewIsLockedByOperation(ns ObjectNamespace, key Key, caller Caller) Operation {
	return &isLockedOperation{baseOperation{OpIsLockedBy, ns, key, caller}, true}
}

func (o *isLockedOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(o.byCaller); err != nil {
		fail(done, err)
		return
	}
	li := store.GetLockInfo(o.key, false)
	switch {
	case li == nil:
		done(Response{Value: false})
	case o.byCaller:
		done(Response{Value: li.IsLockedBy(o.caller)})
	default:
		done(Response{Value: li.IsLocked()})
	}
}

type lockCountOperation struct {
	baseOperation
}

// NewGetLockCountOperation returns the reentrancy depth of the lock.
func NewGetLockCountOperation(ns ObjectNamespace, key Key) Operation {
	return &lockCountOperation{baseOperation{name: OpGetLockCount, ns: ns, key: key}}
}

func (o *lockCountOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(false); err != nil {
		fail(done, err)
		return
	}
	var count int64
	if li := store.GetLockInfo(o.key, false); li != nil {
		count = int64(li.LockCount())
	}
	done(Response{Value: count > 0, Count: count})
}

type remainingTTLOperation struct {
	baseOperation
}

// NewGetRemainingTTLOperation returns the milliseconds until the lock expires,
// 0 if it is not held and -1 if it never expires.
func NewGetRemainingTTLOperation(ns ObjectNamespace, key Key) Operation {
	return &remainingTTLOperation{baseOperation{name: OpGetRemainingTTL, ns: ns, key: key}}
}

func (o *remainingTTLOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(false); err != nil {
		fail(done, err)
		return
	}
	var ttl int64
	if li := store.GetLockInfo(o.key, false); li != nil {
		ttl = li.RemainingTTL()
	}
	done(Response{Value: ttl != 0, Count: ttl})
}

// --------------------------------------------------------------------------
// Condition operations
// --------------------------------------------------------------------------

type conditionOperation struct {
	baseOperation
	conditionID string
}

func (o *conditionOperation) validate() error {
	if err := o.baseOperation.validate(true); err != nil {
		return err
	}
	if o.conditionID == "" {
		return fmt.Errorf("%w: empty condition id", ErrInvalidArgument)
	}
	return nil
}

func (o *conditionOperation) conditionKey() ConditionKey {
	return ConditionKey{ObjectName: o.ns.ObjectName, Key: o.key, ConditionID: o.conditionID}
}

type awaitCountOperation struct {
	conditionOperation
}

// NewGetAwaitCountOperation returns the number of blocked waiters on the
// condition.
func NewGetAwaitCountOperation(ns ObjectNamespace, key Key, conditionID string) Operation {
	return &awaitCountOperation{conditionOperation{baseOperation{name: OpGetAwaitCount, ns: ns, key: key}, conditionID}}
}

func (o *awaitCountOperation) Run(store *LockStore, done func(Response)) {
	if err := o.baseOperation.validate(false); err != nil {
		fail(done, err)
		return
	}
	n := int64(store.GetAwaitCount(o.key, o.conditionID))
	done(Response{Value: n > 0, Count: n})
}

type beforeAwaitOperation struct {
	conditionOperation
}

// NewBeforeAwaitOperation registers caller on the condition while it still
// holds the lock. The await itself follows with NewAwaitOperation.
func NewBeforeAwaitOperation(ns ObjectNamespace, key Key, conditionID string, caller Caller) Operation {
	return &beforeAwaitOperation{conditionOperation{baseOperation{OpBeforeAwait, ns, key, caller}, conditionID}}
}

func (o *beforeAwaitOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(); err != nil {
		fail(done, err)
		return
	}
	li := store.GetLockInfo(o.key, false)
	if li == nil || !li.IsLockedBy(o.caller) {
		fail(done, o.notOwner(li))
		return
	}
	if !li.AddAwait(o.conditionID, o.caller) {
		fail(done, fmt.Errorf("%w: %s on %s", ErrDuplicateAwait, o.caller, o.conditionKey()))
		return
	}
	done(Response{Value: true})
}

type awaitOperation struct {
	conditionOperation
	timeout time.Duration
	ttl     time.Duration
	ticket  uint64
}

// NewAwaitOperation releases the lock held by caller and waits on the
// condition. It completes with true once a signal woke it and the lock is held
// again at its previous depth (with lease ttl), or with false if timeout
// elapsed or the await was cancelled; the lock is not held in that case.
// timeout <= 0 waits forever.
func NewAwaitOperation(ns ObjectNamespace, key Key, conditionID string, caller Caller, timeout, ttl time.Duration) Operation {
	return &awaitOperation{
		conditionOperation: conditionOperation{baseOperation{OpAwait, ns, key, caller}, conditionID},
		timeout:            timeout,
		ttl:                ttl,
	}
}

// NewTicketAwaitOperation is NewAwaitOperation for a caller that may have to
// withdraw the await without knowing whether it arrived, see
// NewWithdrawAwaitOperation. ticket must be non zero and unique among the
// awaits of caller.
func NewTicketAwaitOperation(ns ObjectNamespace, key Key, conditionID string, caller Caller, ticket uint64, timeout, ttl time.Duration) Operation {
	op := NewAwaitOperation(ns, key, conditionID, caller, timeout, ttl).(*awaitOperation)
	op.ticket = ticket
	return op
}

func (o *awaitOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(); err != nil {
		fail(done, err)
		return
	}
	if o.ticket != 0 && store.withdrawnAhead(o.key, o.conditionID, o.caller, o.ticket) {
		// the withdrawal released the lock already
		done(Response{Value: false})
		return
	}
	li := store.GetLockInfo(o.key, false)
	if li == nil || !li.IsLockedBy(o.caller) {
		fail(done, o.notOwner(li))
		return
	}
	if store.isParked(o.key, o.conditionID, o.caller) {
		fail(done, fmt.Errorf("%w: %s on %s", ErrDuplicateAwait, o.caller, o.conditionKey()))
		return
	}
	if !li.HasAwait(o.conditionID, o.caller) {
		li.AddAwait(o.conditionID, o.caller)
	}

	// release, block and park in one step, no signal can run in between
	depth := li.release(o.caller)
	li.StartAwaiting(o.conditionID, o.caller)
	store.park(o.key, o.conditionID, o.caller, depth, o.ttl, o.timeout, o.ticket, done)
}

type cancelAwaitOperation struct {
	conditionOperation
}

// NewCancelAwaitOperation removes caller from the condition. A parked await
// of caller completes with false.
func NewCancelAwaitOperation(ns ObjectNamespace, key Key, conditionID string, caller Caller) Operation {
	return &cancelAwaitOperation{conditionOperation{baseOperation{OpCancelAwait, ns, key, caller}, conditionID}}
}

func (o *cancelAwaitOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(); err != nil {
		fail(done, err)
		return
	}
	done(Response{Value: store.CancelAwait(o.key, o.conditionID, o.caller)})
}

type withdrawAwaitOperation struct {
	conditionOperation
	ticket uint64
}

// NewWithdrawAwaitOperation withdraws the await of caller that was started
// with NewTicketAwaitOperation and ticket, whether it is parked, completed or
// not arrived yet. Value is true only if the await was signaled, the lock is
// held by caller in that case and released otherwise. Count is one of the
// Withdrawn outcomes.
func NewWithdrawAwaitOperation(ns ObjectNamespace, key Key, conditionID string, caller Caller, ticket uint64) Operation {
	return &withdrawAwaitOperation{conditionOperation{baseOperation{OpCancelAwait, ns, key, caller}, conditionID}, ticket}
}

func (o *withdrawAwaitOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(); err != nil {
		fail(done, err)
		return
	}
	if o.ticket == 0 {
		fail(done, fmt.Errorf("%w: withdrawal without ticket", ErrInvalidArgument))
		return
	}
	signaled, outcome := store.WithdrawAwait(o.key, o.conditionID, o.caller, o.ticket)
	done(Response{Value: signaled, Count: outcome})
}

type signalOperation struct {
	conditionOperation
	all bool
}

// NewSignalOperation queues one grant for a blocked waiter of the condition,
// or one grant per blocked waiter if all is set. Count of the response is the
// number of queued grants. Signaling a key that has no lock state is a no-op.
func NewSignalOperation(ns ObjectNamespace, key Key, conditionID string, caller Caller, all bool) Operation {
	return &signalOperation{conditionOperation{baseOperation{OpSignal, ns, key, caller}, conditionID}, all}
}

func (o *signalOperation) Run(store *LockStore, done func(Response)) {
	if err := o.validate(); err != nil {
		fail(done, err)
		return
	}
	li := store.GetLockInfo(o.key, false)
	if li == nil {
		done(Response{Value: true})
		return
	}
	if !li.IsLockedBy(o.caller) {
		fail(done, o.notOwner(li))
		return
	}

	count := li.AwaitCount(o.conditionID)
	if !o.all && count > 1 {
		count = 1
	}
	ck := o.conditionKey()
	for i := 0; i < count; i++ {
		store.RegisterSignalKey(ck)
	}
	done(Response{Value: true, Count: int64(count)})
}
