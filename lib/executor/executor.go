package executor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("executor")

var (
	// ErrRejected is returned by Execute when the task queue is full.
	ErrRejected = errors.New("executor: task rejected")

	// ErrShutdown is returned by Execute after Shutdown.
	ErrShutdown = errors.New("executor: shut down")
)

const defaultKeepAlive = time.Minute

// ManagedExecutor is a bounded worker pool. It starts without workers and
// adds one whenever more tasks are queued than workers are idle, up to
// MaxPoolSize. Workers idle for longer than the keep-alive exit again. Tasks
// wait in a bounded FIFO queue; Execute only fails when that queue is full.
type ManagedExecutor struct {
	name        string
	maxPoolSize int
	keepAlive   time.Duration
	queue       chan func()

	mu       sync.Mutex
	poolSize int
	idle     int
	closed   bool
	wg       sync.WaitGroup

	executed *xsync.Counter
	rejected *xsync.Counter
}

// Option configures a ManagedExecutor.
type Option func(*ManagedExecutor)

// WithKeepAlive sets how long an idle worker waits for work before exiting.
func WithKeepAlive(d time.Duration) Option {
	return func(e *ManagedExecutor) {
		if d > 0 {
			e.keepAlive = d
		}
	}
}

// NewManagedExecutor creates an executor with at most maxPoolSize workers and
// room for queueCapacity waiting tasks. Both are raised to at least 1.
func NewManagedExecutor(name string, maxPoolSize, queueCapacity int, opts ...Option) *ManagedExecutor {
	if maxPoolSize < 1 {
		maxPoolSize = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	e := &ManagedExecutor{
		name:        name,
		maxPoolSize: maxPoolSize,
		keepAlive:   defaultKeepAlive,
		queue:       make(chan func(), queueCapacity),
		executed:    xsync.NewCounter(),
		rejected:    xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute queues task. It never blocks: if the queue is full the task is
// rejected with ErrRejected.
func (e *ManagedExecutor) Execute(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrShutdown
	}

	select {
	case e.queue <- task:
	default:
		e.rejected.Inc()
		return fmt.Errorf("%w: executor[%s] is overloaded", ErrRejected, e.name)
	}

	if len(e.queue) > e.idle && e.poolSize < e.maxPoolSize {
		e.poolSize++
		e.wg.Add(1)
		go e.worker()
	}
	return nil
}

func (e *ManagedExecutor) worker() {
	defer e.wg.Done()

	timer := time.NewTimer(e.keepAlive)
	defer timer.Stop()

	for {
		e.mu.Lock()
		e.idle++
		e.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.keepAlive)

		select {
		case task, ok := <-e.queue:
			e.mu.Lock()
			e.idle--
			if !ok {
				e.poolSize--
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			e.run(task)

		case <-timer.C:
			e.mu.Lock()
			e.idle--
			// keep the last worker while work is queued
			if len(e.queue) > 0 && e.poolSize == 1 {
				e.mu.Unlock()
				continue
			}
			e.poolSize--
			e.mu.Unlock()
			return
		}
	}
}

func (e *ManagedExecutor) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("executor[%s]: task panicked: %v", e.name, r)
		}
		e.executed.Inc()
	}()
	task()
}

// Name returns the name of the executor.
func (e *ManagedExecutor) Name() string { return e.name }

// MaxPoolSize returns the maximum number of workers.
func (e *ManagedExecutor) MaxPoolSize() int { return e.maxPoolSize }

// PoolSize returns the number of live workers.
func (e *ManagedExecutor) PoolSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poolSize
}

// QueueSize returns the number of queued tasks.
func (e *ManagedExecutor) QueueSize() int { return len(e.queue) }

// QueueCapacity returns the capacity of the task queue.
func (e *ManagedExecutor) QueueCapacity() int { return cap(e.queue) }

// ExecutedCount returns the number of finished tasks.
func (e *ManagedExecutor) ExecutedCount() int64 { return e.executed.Value() }

// RejectedCount returns the number of rejected tasks.
func (e *ManagedExecutor) RejectedCount() int64 { return e.rejected.Value() }

// Shutdown stops accepting tasks, lets the workers finish everything already
// queued and waits for them to exit.
func (e *ManagedExecutor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	pending := len(e.queue)
	if pending > 0 && e.poolSize == 0 {
		e.poolSize++
		e.wg.Add(1)
		go e.worker()
	}
	e.mu.Unlock()

	e.wg.Wait()
	Logger.Debugf("executor[%s] shut down after %d tasks", e.name, e.ExecutedCount())
}
