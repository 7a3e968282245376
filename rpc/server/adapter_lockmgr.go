package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/rpc/common"
)

// NewLockManagerServerAdapter creates an adapter running lock requests on service
func NewLockManagerServerAdapter(service *lockmgr.Service) IRPCServerAdapter {
	return &lockMgrServerAdapter{service: service}
}

type lockMgrServerAdapter struct {
	service *lockmgr.Service
}

func (a *lockMgrServerAdapter) Handle(ctx context.Context, req *common.Message, reply func(*common.Message)) {
	op, err := newOperation(req)
	if err != nil {
		reply(common.NewErrorResponse(req.MsgType, err))
		return
	}

	if req.MsgType != common.MsgTAwait {
		// never parks, the partition answers right away
		ch := make(chan lockmgr.Response, 1)
		a.service.Submit(op, func(r lockmgr.Response) { ch <- r })
		reply(common.NewResponse(req.MsgType, <-ch))
		return
	}

	// A parked await holds no goroutine. If the client goes away it is
	// withdrawn, a signal that won the race still completes it. The cancel
	// is submitted after the await, so the partition sees them in order.
	// This does not hold for a cancel the client sends itself, see the
	// ticketed withdrawal in newOperation.
	cancel := lockmgr.NewCancelAwaitOperation(req.Namespace(), lockmgr.Key(req.Key), req.ConditionID, req.Caller())
	stopCh := make(chan func() bool, 1)
	a.service.Submit(op, func(r lockmgr.Response) {
		// runs on the partition goroutine, which must not wait for the network
		go func() {
			stop := <-stopCh
			stop()
			reply(common.NewResponse(common.MsgTAwait, r))
		}()
	})
	stopCh <- context.AfterFunc(ctx, func() {
		a.service.Submit(cancel, func(lockmgr.Response) {})
	})
}

// newOperation translates a request into a lock operation
func newOperation(req *common.Message) (lockmgr.Operation, error) {
	ns := req.Namespace()
	key := lockmgr.Key(req.Key)
	caller := req.Caller()

	switch req.MsgType {
	case common.MsgTLock:
		return lockmgr.NewLockOperation(ns, key, caller, common.MillisToDuration(req.TTL)), nil
	case common.MsgTUnlock:
		return lockmgr.NewUnlockOperation(ns, key, caller), nil
	case common.MsgTForceUnlock:
		return lockmgr.NewForceUnlockOperation(ns, key), nil
	case common.MsgTIsLocked:
		return lockmgr.NewIsLockedOperation(ns, key), nil
	case common.MsgTIsLockedBy:
		return lockmgr.NewIsLockedByOperation(ns, key, caller), nil
	case common.MsgTLockCount:
		return lockmgr.NewGetLockCountOperation(ns, key), nil
	case common.MsgTRemainingTTL:
		return lockmgr.NewGetRemainingTTLOperation(ns, key), nil
	case common.MsgTAwaitCount:
		return lockmgr.NewGetAwaitCountOperation(ns, key, req.ConditionID), nil
	case common.MsgTBeforeAwait:
		return lockmgr.NewBeforeAwaitOperation(ns, key, req.ConditionID, caller), nil
	case common.MsgTAwait:
		timeout, ttl := common.MillisToDuration(req.Timeout), common.MillisToDuration(req.TTL)
		if req.Ticket != 0 {
			return lockmgr.NewTicketAwaitOperation(ns, key, req.ConditionID, caller, req.Ticket, timeout, ttl), nil
		}
		return lockmgr.NewAwaitOperation(ns, key, req.ConditionID, caller, timeout, ttl), nil
	case common.MsgTCancelAwait:
		// frames of one connection may reach the partition in any order,
		// a ticket lets the withdrawal overtake its await
		if req.Ticket != 0 {
			return lockmgr.NewWithdrawAwaitOperation(ns, key, req.ConditionID, caller, req.Ticket), nil
		}
		return lockmgr.NewCancelAwaitOperation(ns, key, req.ConditionID, caller), nil
	case common.MsgTSignal:
		return lockmgr.NewSignalOperation(ns, key, req.ConditionID, caller, req.All), nil
	default:
		return nil, fmt.Errorf("%w: unsupported message type %s", lockmgr.ErrInvalidArgument, req.MsgType)
	}
}
