package lockmgr

import (
	"time"

	"github.com/ValentinKolb/dGrid/lib/util"
)

// task is a unit of work executed on a partition goroutine.
type task func(p *partition)

// partition is a single goroutine owning the LockStores of its share of the
// key space. Everything touching those stores runs as a task on it, which is
// what makes the stores safe without locks.
type partition struct {
	id         int
	clock      Clock
	queue      *util.LockFreeMPSC[task]
	stores     map[ObjectNamespace]*LockStore
	evictEvery time.Duration

	timer   Timer
	timerAt int64 // deadline the timer is armed for, unix ms
}

func newPartition(id int, clock Clock, evictEvery time.Duration) *partition {
	return &partition{
		id:         id,
		clock:      clock,
		queue:      util.NewLockFreeMPSC[task](),
		stores:     make(map[ObjectNamespace]*LockStore),
		evictEvery: evictEvery,
	}
}

// store returns the LockStore of ns, creating it on first use.
func (p *partition) store(ns ObjectNamespace) *LockStore {
	s, ok := p.stores[ns]
	if !ok {
		s = NewLockStore(ns, p.clock)
		p.stores[ns] = s
	}
	return s
}

func (p *partition) run() {
	var sweep <-chan time.Time
	if p.evictEvery > 0 {
		ticker := p.clock.NewTicker(p.evictEvery)
		defer ticker.Stop()
		sweep = ticker.C()
	}

	for {
		select {
		case t, ok := <-p.queue.Recv():
			if !ok {
				p.shutdown()
				return
			}
			t(p)
		case <-p.timerC():
			p.timer = nil
			p.expireAwaits()
		case <-sweep:
			if n := p.evictExpired(); n > 0 {
				log.Debugf("partition %d: evicted %d lock entries", p.id, n)
			}
		}
		p.armTimer()
	}
}

func (p *partition) timerC() <-chan time.Time {
	if p.timer == nil {
		return nil
	}
	return p.timer.C()
}

// armTimer points the timer at the earliest await deadline of all stores.
func (p *partition) armTimer() {
	next, found := int64(0), false
	for _, s := range p.stores {
		if d, ok := s.NextAwaitDeadline(); ok && (!found || d < next) {
			next, found = d, true
		}
	}

	if !found {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		return
	}
	if p.timer != nil && p.timerAt == next {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	wait := time.Duration(next-nowMillis(p.clock)) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	p.timer = p.clock.NewTimer(wait)
	p.timerAt = next
}

func (p *partition) expireAwaits() int {
	now := nowMillis(p.clock)
	n := 0
	for _, s := range p.stores {
		n += s.ExpireAwaits(now)
	}
	return n
}

// evictExpired sweeps every store and drops stores that became empty.
func (p *partition) evictExpired() int {
	n := 0
	for ns, s := range p.stores {
		n += s.EvictExpired()
		if s.Len() == 0 && s.ParkedCount() == 0 {
			delete(p.stores, ns)
		}
	}
	return n
}

func (p *partition) shutdown() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	for ns, s := range p.stores {
		if n := s.ParkedCount(); n > 0 {
			log.Infof("partition %d: aborting %d parked awaits in %s", p.id, n, ns)
		}
		s.Abort(ErrServiceClosed)
	}
	p.stores = make(map[ObjectNamespace]*LockStore)
}
