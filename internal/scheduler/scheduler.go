// Package scheduler implements the process-wide task pool every subsystem
// schedules onto: delayed and repeating work, owner-scoped cancellation,
// task reshaping, and wait-for-result futures.
//
// One Pool holds the worker goroutines and the time-ordered task heap; a
// Scheduler is a lightweight owner handle derived from the pool. Erase is
// scoped to one owner and acts as a barrier: pending matches are removed,
// active matches have their remaining repeats zeroed and are joined.
package scheduler

import (
	"container/heap"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// RepeatInfinite makes a task repeat until erased or the pool shuts down.
const RepeatInfinite = -1

// idleWait bounds the dispatcher sleep when no task is queued.
const idleWait = time.Hour

// Func is the unit of scheduled work. The returned value becomes the
// task's result, observable through Wait / WaitFor until the next run
// replaces it.
type Func func(t *Task) any

// Task is one scheduled unit of work.
type Task struct {
	owner    *Scheduler
	fn       Func
	when     time.Time
	interval time.Duration
	repeats  int
	index    int // heap index; -1 when not pending

	// Reshape request recorded while the task is active; applied when the
	// current execution finishes.
	proceedAt time.Time

	fmu    sync.Mutex
	done   chan struct{} // closed when the current execution completes
	result any

	// Payload identifies the task to erase predicates and IsScheduled.
	Payload any
}

// Result returns the value produced by the most recent completed
// execution, or nil if the task has not run yet.
func (t *Task) Result() any {
	t.fmu.Lock()
	defer t.fmu.Unlock()
	return t.result
}

// Wait blocks until the in-flight (or next) execution completes and
// returns its result.
func (t *Task) Wait() any {
	t.fmu.Lock()
	done := t.done
	t.fmu.Unlock()
	<-done
	return t.Result()
}

// WaitFor is Wait with a timeout. The second return is false when the
// timeout elapsed first.
func (t *Task) WaitFor(d time.Duration) (any, bool) {
	t.fmu.Lock()
	done := t.done
	t.fmu.Unlock()
	select {
	case <-done:
		return t.Result(), true
	case <-time.After(d):
		return nil, false
	}
}

// taskHeap orders pending tasks by earliest deadline.
type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { t := x.(*Task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Pool owns the shared worker goroutines and the task heap. Create one per
// process with NewPool and shut it down last.
type Pool struct {
	log *slog.Logger

	mu       sync.Mutex
	tasks    taskHeap
	active   map[*Task]struct{}
	started  bool
	shutdown bool

	wake chan struct{}
	quit chan struct{}
	runq chan *Task

	dispatcherDone chan struct{}
	wg             sync.WaitGroup
}

// NewPool creates a pool. Workers start lazily on the first Schedule call;
// the pool size is max(2, 2 x GOMAXPROCS).
func NewPool(log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		log:            log,
		active:         make(map[*Task]struct{}),
		wake:           make(chan struct{}, 1),
		quit:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
}

// Owner derives a named owner handle sharing this pool.
func (p *Pool) Owner(name string) *Scheduler {
	return &Scheduler{pool: p, name: name}
}

func (p *Pool) startLocked() {
	if p.started || p.shutdown {
		return
	}
	p.started = true
	workers := 2 * runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	p.runq = make(chan *Task, workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.dispatch()
}

// Shutdown stops dispatching, waits for in-flight tasks, and joins the
// workers. Pending tasks never run.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	for _, t := range p.tasks {
		t.index = -1
		t.resolve()
	}
	p.tasks = nil
	started := p.started
	p.mu.Unlock()

	close(p.quit)
	if !started {
		return
	}
	<-p.dispatcherDone
	close(p.runq)
	p.wg.Wait()
}

// IsScheduled reports whether any pending or active task carries the given
// payload.
func (p *Pool) IsScheduled(payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if t.Payload == payload {
			return true
		}
	}
	for t := range p.active {
		if t.Payload == payload {
			return true
		}
	}
	return false
}

func (p *Pool) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch pops due tasks off the heap and hands them to the workers,
// sleeping until the next deadline otherwise.
func (p *Pool) dispatch() {
	defer close(p.dispatcherDone)
	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		now := time.Now()
		for len(p.tasks) > 0 && !p.tasks[0].when.After(now) {
			t := heap.Pop(&p.tasks).(*Task)
			t.beginExecution()
			p.active[t] = struct{}{}
			p.mu.Unlock()
			p.runq <- t
			p.mu.Lock()
			if p.shutdown {
				p.mu.Unlock()
				return
			}
			now = time.Now()
		}
		wait := idleWait
		if len(p.tasks) > 0 {
			wait = time.Until(p.tasks[0].when)
		}
		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		case <-p.quit:
			timer.Stop()
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.runq {
		p.execute(t)
	}
}

// beginExecution swaps in a fresh completion channel. Callers already
// holding a reference to the previous (closed) channel still observe the
// previous result.
func (t *Task) beginExecution() {
	t.fmu.Lock()
	t.done = make(chan struct{})
	t.fmu.Unlock()
}

// resolve releases any Wait held on a task that will never run again.
func (t *Task) resolve() {
	t.fmu.Lock()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.fmu.Unlock()
}

func (p *Pool) execute(t *Task) {
	result := p.run(t)

	p.mu.Lock()
	delete(p.active, t)

	t.fmu.Lock()
	t.result = result
	close(t.done)
	t.fmu.Unlock()

	if t.repeats != RepeatInfinite && t.repeats > 0 {
		t.repeats--
	}
	if p.shutdown || (t.repeats == 0) {
		p.mu.Unlock()
		return
	}

	if !t.proceedAt.IsZero() {
		t.when = t.proceedAt
		t.proceedAt = time.Time{}
	} else {
		// Catch-up skip: step the interval forward past now so a slow
		// execution never enqueues a backlog of missed iterations.
		now := time.Now()
		next := t.when.Add(t.interval)
		for !next.After(now) {
			next = next.Add(t.interval)
		}
		t.when = next
	}
	heap.Push(&p.tasks, t)
	p.mu.Unlock()
	p.nudge()
}

// run executes the task function, absorbing panics at the worker boundary.
func (p *Pool) run(t *Task) (result any) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("scheduler task panicked", "owner", t.owner.name, "panic", r)
			result = nil
		}
	}()
	return t.fn(t)
}

// Scheduler is an owner handle onto the shared pool. All tasks scheduled
// through one handle can be erased together.
type Scheduler struct {
	pool *Pool
	name string
}

// Name returns the owner name the handle was created with.
func (s *Scheduler) Name() string { return s.name }

// Pool returns the underlying shared pool.
func (s *Scheduler) Pool() *Pool { return s.pool }

// Schedule queues fn to run after delay, then every interval, for the
// given number of executions (RepeatInfinite to repeat forever). Payload
// tags the task for erase predicates and IsScheduled.
func (s *Scheduler) Schedule(delay, interval time.Duration, repeats int, payload any, fn Func) *Task {
	return s.ScheduleAt(time.Now().Add(delay), interval, repeats, payload, fn)
}

// ScheduleAt is Schedule with an absolute first deadline.
func (s *Scheduler) ScheduleAt(when time.Time, interval time.Duration, repeats int, payload any, fn Func) *Task {
	if repeats == 0 {
		repeats = 1
	}
	t := &Task{
		owner:    s,
		fn:       fn,
		when:     when,
		interval: interval,
		repeats:  repeats,
		index:    -1,
		done:     make(chan struct{}),
		Payload:  payload,
	}
	p := s.pool
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		close(t.done)
		return t
	}
	p.startLocked()
	heap.Push(&p.tasks, t)
	p.mu.Unlock()
	p.nudge()
	return t
}

// Erase removes this owner's pending tasks matching the predicate and
// zeroes the repeats of matching active tasks, then joins their current
// execution. A nil predicate matches all of the owner's tasks. Erase is
// therefore a barrier: on return no matching task is running or will run.
func (s *Scheduler) Erase(match func(*Task) bool) {
	p := s.pool
	p.mu.Lock()
	kept := p.tasks[:0]
	for _, t := range p.tasks {
		if t.owner == s && (match == nil || match(t)) {
			t.index = -1
			t.repeats = 0
			t.resolve()
			continue
		}
		kept = append(kept, t)
	}
	// Compaction moved the survivors; their heap indices must be rebuilt
	// before heap.Init, which only updates indices it swaps.
	for i, t := range kept {
		t.index = i
	}
	p.tasks = kept
	heap.Init(&p.tasks)

	var joins []chan struct{}
	for t := range p.active {
		if t.owner == s && (match == nil || match(t)) {
			t.repeats = 0
			t.fmu.Lock()
			joins = append(joins, t.done)
			t.fmu.Unlock()
		}
	}
	p.mu.Unlock()
	p.nudge()

	for _, done := range joins {
		<-done
	}
}

// Proceed reshapes a pending task to run at now + wait. An active task has
// the new deadline applied when its current execution completes.
func (s *Scheduler) Proceed(t *Task, wait time.Duration) {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	when := time.Now().Add(wait)
	if t.index >= 0 {
		t.when = when
		heap.Fix(&p.tasks, t.index)
	} else if _, ok := p.active[t]; ok {
		t.proceedAt = when
	}
	p.nudge()
}

// Advance pulls a pending task's deadline earlier by d.
func (s *Scheduler) Advance(t *Task, d time.Duration) {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.index >= 0 {
		t.when = t.when.Add(-d)
		heap.Fix(&p.tasks, t.index)
	}
	p.nudge()
}
