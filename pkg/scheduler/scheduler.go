// Package scheduler runs periodic background tasks for every pool in the
// process on a small, bounded set of goroutines.
//
// A single dispatcher goroutine keeps tasks ordered by their next due time and
// hands each due run to a worker slot. At most MaxWorkers runs execute at
// once no matter how many pools exist. Tasks run with a fixed delay: the next
// run is scheduled only after the previous one has returned, so a slow sweep
// never overlaps itself. When the last task is cancelled the dispatcher exits,
// and it is restarted by the next Schedule call.
package scheduler

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/logger"
)

// DefaultMaxWorkers bounds concurrent task runs for the default scheduler.
var DefaultMaxWorkers = min(runtime.NumCPU(), 4)

// Config configures a Scheduler.
type Config struct {
	// MaxWorkers limits how many task runs may execute concurrently.
	MaxWorkers int `yaml:"max_workers" mapstructure:"max_workers"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxWorkers < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "max_workers must not be negative, got %d", c.MaxWorkers)
	}
	return nil
}

// Scheduler is a shared periodic task runner.
type Scheduler struct {
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	queue   taskQueue
	tasks   map[uint64]*task
	nextID  uint64
	wake    chan struct{}
	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type task struct {
	id      uint64
	name    string
	delay   time.Duration
	fn      func()
	due     time.Time
	index   int // position in queue, -1 while running or cancelled
	stopped bool
}

var (
	defaultScheduler *Scheduler
	defaultOnce      sync.Once
)

// Default returns the process-wide scheduler shared by every pool that is not
// given its own.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultScheduler = New(Config{MaxWorkers: DefaultMaxWorkers}, logger.Named("scheduler"))
	})
	return defaultScheduler
}

// New creates a scheduler. MaxWorkers of zero selects DefaultMaxWorkers.
func New(cfg Config, l *zap.Logger) *Scheduler {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	if l == nil {
		l = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: l,
		sem:    semaphore.NewWeighted(int64(workers)),
		tasks:  make(map[uint64]*task),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule registers fn to run every delay, first after one delay has
// elapsed. The returned cancel function removes the task; a run already in
// progress is allowed to finish. Scheduling on a closed scheduler returns a
// no-op cancel and never runs fn.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) (cancel func()) {
	if delay <= 0 {
		delay = time.Millisecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}

	s.nextID++
	t := &task{
		id:    s.nextID,
		name:  name,
		delay: delay,
		fn:    fn,
		due:   time.Now().Add(delay),
	}
	s.tasks[t.id] = t
	heap.Push(&s.queue, t)
	s.ensureDispatcher()
	s.signal()

	return func() { s.cancelTask(t) }
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.tasks {
		t.stopped = true
	}
	s.tasks = make(map[uint64]*task)
	s.queue = nil
	s.cancel()
	s.signal()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) cancelTask(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	delete(s.tasks, t.id)
	if t.index >= 0 && t.index < len(s.queue) && s.queue[t.index] == t {
		heap.Remove(&s.queue, t.index)
	}
	s.signal()
}

// ensureDispatcher starts the dispatcher goroutine if it is not running.
// Callers hold s.mu.
func (s *Scheduler) ensureDispatcher() {
	if s.running {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.dispatch()
}

// signal nudges the dispatcher to recompute its next wake-up.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed || len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}

		var due []*task
		now := time.Now()
		for len(s.queue) > 0 && !s.queue[0].due.After(now) {
			due = append(due, heap.Pop(&s.queue).(*task))
		}
		wait := time.Hour
		if len(s.queue) > 0 {
			wait = s.queue[0].due.Sub(now)
		}
		s.mu.Unlock()

		for _, t := range due {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			s.wg.Add(1)
			go s.run(t)
		}
		if len(due) > 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("scheduled task panicked",
					zap.String("task", t.name),
					zap.Any("panic", rec))
			}
		}()
		t.fn()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.stopped || s.closed {
		return
	}
	t.due = time.Now().Add(t.delay)
	heap.Push(&s.queue, t)
	s.ensureDispatcher()
	s.signal()
}

// taskQueue is a min-heap of tasks ordered by due time.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].id < q[j].id
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
