package lockmgr

import (
	"context"
	"time"
)

type localLockManager struct {
	service *Service
}

// NewLocalLockManager returns an ILockManager running every call on service.
func NewLocalLockManager(service *Service) ILockManager {
	return &localLockManager{service: service}
}

func (m *localLockManager) Lock(ctx context.Context, ns ObjectNamespace, key Key, caller Caller, ttl time.Duration) (bool, error) {
	r, err := m.service.Invoke(ctx, NewLockOperation(ns, key, caller, ttl))
	return r.Value, err
}

func (m *localLockManager) Unlock(ctx context.Context, ns ObjectNamespace, key Key, caller Caller) error {
	_, err := m.service.Invoke(ctx, NewUnlockOperation(ns, key, caller))
	return err
}

func (m *localLockManager) ForceUnlock(ctx context.Context, ns ObjectNamespace, key Key) (bool, error) {
	r, err := m.service.Invoke(ctx, NewForceUnlockOperation(ns, key))
	return r.Value, err
}

func (m *localLockManager) IsLocked(ctx context.Context, ns ObjectNamespace, key Key) (bool, error) {
	r, err := m.service.Invoke(ctx, NewIsLockedOperation(ns, key))
	return r.Value, err
}

func (m *localLockManager) IsLockedBy(ctx context.Context, ns ObjectNamespace, key Key, caller Caller) (bool, error) {
	r, err := m.service.Invoke(ctx, NewIsLockedByOperation(ns, key, caller))
	return r.Value, err
}

func (m *localLockManager) GetLockCount(ctx context.Context, ns ObjectNamespace, key Key) (int, error) {
	r, err := m.service.Invoke(ctx, NewGetLockCountOperation(ns, key))
	return int(r.Count), err
}

func (m *localLockManager) GetRemainingTTL(ctx context.Context, ns ObjectNamespace, key Key) (time.Duration, error) {
	r, err := m.service.Invoke(ctx, NewGetRemainingTTLOperation(ns, key))
	if err != nil {
		return 0, err
	}
	return RemainingTTLFromMillis(r.Count), nil
}

func (m *localLockManager) GetAwaitCount(ctx context.Context, ns ObjectNamespace, key Key, conditionID string) (int, error) {
	r, err := m.service.Invoke(ctx, NewGetAwaitCountOperation(ns, key, conditionID))
	return int(r.Count), err
}

func (m *localLockManager) BeforeAwait(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) error {
	_, err := m.service.Invoke(ctx, NewBeforeAwaitOperation(ns, key, conditionID, caller))
	return err
}

func (m *localLockManager) Await(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller, timeout, ttl time.Duration) (bool, error) {
	r, err := m.service.Invoke(ctx, NewAwaitOperation(ns, key, conditionID, caller, timeout, ttl))
	return r.Value, err
}

func (m *localLockManager) CancelAwait(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) (bool, error) {
	r, err := m.service.Invoke(ctx, NewCancelAwaitOperation(ns, key, conditionID, caller))
	return r.Value, err
}

func (m *localLockManager) Signal(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) (int, error) {
	r, err := m.service.Invoke(ctx, NewSignalOperation(ns, key, conditionID, caller, false))
	return int(r.Count), err
}

func (m *localLockManager) SignalAll(ctx context.Context, ns ObjectNamespace, key Key, conditionID string, caller Caller) (int, error) {
	r, err := m.service.Invoke(ctx, NewSignalOperation(ns, key, conditionID, caller, true))
	return int(r.Count), err
}

// RemainingTTLFromMillis converts the millisecond remaining ttl of the
// remaining-ttl operation into a duration.
func RemainingTTLFromMillis(ms int64) time.Duration {
	if ms < 0 {
		return NoExpiry
	}
	return time.Duration(ms) * time.Millisecond
}
