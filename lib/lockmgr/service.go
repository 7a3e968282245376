package lockmgr

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ValentinKolb/dGrid/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("lockmgr")

// routingSeed is the hash seed for partition routing. Changing it moves keys
// between partitions.
const routingSeed uint64 = 0x6c6f636b

// Config configures a Service.
type Config struct {
	// Partitions is the number of partition goroutines. Zero uses GOMAXPROCS.
	Partitions int

	// EvictionInterval is the period of the sweep that expires untouched
	// locks and drops evictable entries. Zero disables the sweep; ttls are
	// still enforced lazily on every access.
	EvictionInterval time.Duration

	// Clock is the time source, SystemClock if nil.
	Clock Clock
}

// Stats is a snapshot of a Service.
type Stats struct {
	Partitions int   `json:"partitions"`
	Entries    int   `json:"entries"`
	Locked     int   `json:"locked"`
	Parked     int   `json:"parked"`
	Records    int   `json:"records"`
	InFlight   int64 `json:"inFlight"`
}

// Service runs lock operations. Keys are spread over a fixed number of
// partitions by the hash of object name and key; each partition executes its
// operations one after another on its own goroutine, so all operations on one
// key are totally ordered and no LockInfo is ever touched concurrently.
//
// Await operations park on their partition without holding a goroutine and
// complete when signaled, timed out, cancelled or when the service closes.
type Service struct {
	cfg        Config
	partitions []*partition
	inFlight   *xsync.Counter

	mu     sync.RWMutex // guards closed against concurrent Submit
	closed bool
	wg     sync.WaitGroup
}

// NewService starts a Service with the given configuration.
func NewService(cfg Config) *Service {
	if cfg.Partitions <= 0 {
		cfg.Partitions = runtime.GOMAXPROCS(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.EvictionInterval < 0 {
		cfg.EvictionInterval = 0
	}

	s := &Service{
		cfg:        cfg,
		partitions: make([]*partition, cfg.Partitions),
		inFlight:   xsync.NewCounter(),
	}
	for i := range s.partitions {
		p := newPartition(i, cfg.Clock, cfg.EvictionInterval)
		s.partitions[i] = p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.run()
		}()
	}
	log.Infof("lock service started with %d partitions (eviction interval %v)", cfg.Partitions, cfg.EvictionInterval)
	return s
}

// PartitionOf returns the partition index key of ns is routed to.
func (s *Service) PartitionOf(ns ObjectNamespace, key Key) int {
	return util.Bucket(util.HashStrings(routingSeed, ns.ObjectName, string(key)), len(s.partitions))
}

// Submit schedules op on its partition and returns immediately. done is
// called exactly once with the result, on the partition goroutine; it must
// not block. A parked await calls done only when it completes.
func (s *Service) Submit(op Operation, done func(Response)) {
	if op == nil {
		done(Response{Err: fmt.Errorf("%w: nil operation", ErrInvalidArgument)})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		done(Response{Err: ErrServiceClosed})
		return
	}

	s.inFlight.Inc()
	p := s.partitions[s.PartitionOf(op.Namespace(), op.Key())]
	p.queue.Push(func(p *partition) {
		completed := false
		reply := func(r Response) {
			if completed {
				return
			}
			completed = true
			s.inFlight.Dec()
			done(r)
		}
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("partition %d: %s on %s[%s] panicked: %v", p.id, op.Name(), op.Namespace(), op.Key(), r)
				reply(Response{Err: fmt.Errorf("%w: %v", ErrInternal, r)})
			}
		}()

		store := p.store(op.Namespace())
		op.Run(store, reply)
		store.afterOperation(op.Key())
	})
}

// Invoke runs op and waits for its response. The error is the response error.
//
// Only await operations wait on ctx: if ctx ends while the await is parked, it
// is cancelled and Invoke returns ctx.Err() unless the await was signaled in
// the meantime, in which case the lock is held again and the signaled
// response is returned. All other operations never park and are waited for.
func (s *Service) Invoke(ctx context.Context, op Operation) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	ch := make(chan Response, 1)
	s.Submit(op, func(r Response) { ch <- r })

	aw, isAwait := op.(*awaitOperation)
	if !isAwait {
		r := <-ch
		return r, r.Err
	}

	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		s.Submit(NewCancelAwaitOperation(aw.ns, aw.key, aw.conditionID, aw.caller), func(Response) {})
		r := <-ch
		if r.Err == nil && r.Value {
			return r, nil
		}
		if r.Err != nil {
			return r, r.Err
		}
		return r, ctx.Err()
	}
}

// Sweep runs the eviction sweep on every partition now and returns the number
// of dropped entries.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	counts, err := s.onEachPartition(ctx, func(p *partition) int { return p.evictExpired() })
	total := 0
	for _, c := range counts {
		total += c
	}
	return total, err
}

// Stats collects a snapshot from all partitions.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	type partStats struct{ entries, locked, parked, records int }

	results := make([]partStats, len(s.partitions))
	_, err := s.onEachPartition(ctx, func(p *partition) int {
		var ps partStats
		for _, st := range p.stores {
			ps.entries += st.Len()
			ps.locked += st.LockedCount()
			ps.parked += st.ParkedCount()
			ps.records += st.RecordCount()
		}
		results[p.id] = ps
		return 0
	})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Partitions: len(s.partitions), InFlight: s.inFlight.Value()}
	for _, ps := range results {
		stats.Entries += ps.entries
		stats.Locked += ps.locked
		stats.Parked += ps.parked
		stats.Records += ps.records
	}
	return stats, nil
}

// onEachPartition runs f on every partition goroutine and waits for all of
// them or ctx.
func (s *Service) onEachPartition(ctx context.Context, f func(p *partition) int) ([]int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrServiceClosed
	}
	results := make([]int, len(s.partitions))
	var wg sync.WaitGroup
	wg.Add(len(s.partitions))
	for i, p := range s.partitions {
		p.queue.Push(func(p *partition) {
			defer wg.Done()
			results[i] = f(p)
		})
	}
	s.mu.RUnlock()

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops all partitions. Parked awaits complete with ErrServiceClosed,
// later submissions fail with it. Close waits for the partitions to exit.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, p := range s.partitions {
		p.queue.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Infof("lock service stopped")
}
