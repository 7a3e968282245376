package lockmgr

// waiterState is the lifecycle of a condition waiter. A remote caller first
// registers while still holding the lock and only blocks once it has
// released it, so the two states are kept apart.
type waiterState uint8

const (
	waiterRegistered waiterState = iota
	waiterBlocked
)

func (s waiterState) String() string {
	switch s {
	case waiterRegistered:
		return "REGISTERED"
	case waiterBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// ConditionInfo is the waiter registry of one condition of a lock.
type ConditionInfo struct {
	conditionID string
	waiters     map[Caller]waiterState
	awaitCount  int
}

func newConditionInfo(conditionID string) *ConditionInfo {
	return &ConditionInfo{
		conditionID: conditionID,
		waiters:     make(map[Caller]waiterState),
	}
}

// ConditionID returns the id of the condition.
func (c *ConditionInfo) ConditionID() string {
	return c.conditionID
}

// AddWaiter registers caller. It returns false if caller is already
// registered, whatever its state.
func (c *ConditionInfo) AddWaiter(caller Caller) bool {
	if _, ok := c.waiters[caller]; ok {
		return false
	}
	c.waiters[caller] = waiterRegistered
	return true
}

// RemoveWaiter drops caller. It returns false if caller was not registered.
func (c *ConditionInfo) RemoveWaiter(caller Caller) bool {
	state, ok := c.waiters[caller]
	if !ok {
		return false
	}
	if state == waiterBlocked {
		c.awaitCount--
	}
	delete(c.waiters, caller)
	return true
}

// StartWaiter moves a registered caller to the blocked state. It returns false
// if caller is unknown or already blocked.
func (c *ConditionInfo) StartWaiter(caller Caller) bool {
	state, ok := c.waiters[caller]
	if !ok || state == waiterBlocked {
		return false
	}
	c.waiters[caller] = waiterBlocked
	c.awaitCount++
	return true
}

// HasWaiter reports whether caller is registered, blocked or not.
func (c *ConditionInfo) HasWaiter(caller Caller) bool {
	_, ok := c.waiters[caller]
	return ok
}

// IsBlocked reports whether caller is registered and blocked.
func (c *ConditionInfo) IsBlocked(caller Caller) bool {
	state, ok := c.waiters[caller]
	return ok && state == waiterBlocked
}

// AwaitCount returns the number of blocked waiters.
func (c *ConditionInfo) AwaitCount() int {
	return c.awaitCount
}

// WaiterCount returns the number of waiters in any state.
func (c *ConditionInfo) WaiterCount() int {
	return len(c.waiters)
}
