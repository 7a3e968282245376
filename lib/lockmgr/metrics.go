package lockmgr

import (
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// Process wide lock manager metrics. They are registered in the default
// VictoriaMetrics set and exported by the http transport on /metrics.
var (
	lockAcquiredTotal  = metrics.NewCounter(`dgrid_lock_acquired_total`)
	lockContendedTotal = metrics.NewCounter(`dgrid_lock_contended_total`)
	lockReleasedTotal  = metrics.NewCounter(`dgrid_lock_released_total`)
	lockForcedTotal    = metrics.NewCounter(`dgrid_lock_force_released_total`)
	lockExpiredTotal   = metrics.NewCounter(`dgrid_lock_expired_total`)
	lockEvictedTotal   = metrics.NewCounter(`dgrid_lock_evicted_total`)

	signalGrantsTotal   = metrics.NewCounter(`dgrid_condition_grants_total`)
	awaitSignaledTotal  = metrics.NewCounter(`dgrid_condition_await_total{outcome="signaled"}`)
	awaitTimedOutTotal  = metrics.NewCounter(`dgrid_condition_await_total{outcome="timeout"}`)
	awaitCancelledTotal = metrics.NewCounter(`dgrid_condition_await_total{outcome="cancelled"}`)
	grantsDroppedTotal  = metrics.NewCounter(`dgrid_condition_grants_dropped_total`)

	operationErrorsTotal = metrics.NewCounter(`dgrid_lock_operation_errors_total`)

	parkedAwaits = xsync.NewCounter()
	_            = metrics.NewGauge(`dgrid_condition_parked_awaits`, func() float64 {
		return float64(parkedAwaits.Value())
	})
)
