// Package team implements the fork-join worker-thread group that backs
// host-side task_spawn dispatch and the generic parallel-for/barrier/
// critical-section primitives.
//
// Each thread owns a FIFO deque: the owner pushes/pops from the bottom,
// other threads steal from the top. An idle thread performs hierarchical
// stealing, probing victims in order (tid+i) mod n.
package team

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/automaxprocs/maxprocs"
)

func init() {
	// GOMAXPROCS sizing from cgroup limits,
	// consumed here so DefaultNumThreads reflects the container's real CPU
	// quota rather than the host's full core count.
	_, _ = maxprocs.Set()
}

// Task is the minimal unit a team thread executes; the task package's
// richer Task satisfies this via a thin adapter in the runtime package
// (avoids an import cycle: task does not depend on team).
type Task interface {
	Run()
}

// deque is a lock-protected double-ended queue: bottom push/pop by the
// owner, top steal by others. A mutex instead of a lock-free structure:
// this codebase favors straightforward mutex-protected structures
// over lock-free ones except in the hottest paths (offloader rings), and
// task dispatch is not as hot as stream submission.
type deque struct {
	mu    sync.Mutex
	items []Task
}

func (q *deque) pushBottom(t Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *deque) popBottom() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return nil, false
	}
	t := q.items[n-1]
	q.items = q.items[:n-1]
	return t, true
}

func (q *deque) stealTop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// Thread is one team member: a goroutine pumping its own deque with
// hierarchical stealing when idle.
type Thread struct {
	TID  int
	team *Team
	deque deque

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Team is a group of worker threads sharing a barrier and critical section,
// implementing classical fork-join parallelism.
type Team struct {
	Threads []*Thread

	barrierN       atomic.Int32
	barrierTarget  int32
	barrierVersion atomic.Uint64
	barrierCond    *sync.Cond
	barrierMu      sync.Mutex

	criticalMu sync.Mutex

	pf   atomic.Pointer[parallelForJob]
}

type parallelForJob struct {
	fn     func(i int)
	n      int
	next   atomic.Int64
	wg     sync.WaitGroup
}

// New creates a team of n worker threads, started immediately.
func New(n int) *Team {
	if n <= 0 {
		n = 1
	}
	t := &Team{barrierTarget: int32(n)}
	t.barrierCond = sync.NewCond(&t.barrierMu)
	for i := 0; i < n; i++ {
		th := &Thread{TID: i, team: t, wake: make(chan struct{}, 1), stop: make(chan struct{}), done: make(chan struct{})}
		t.Threads = append(t.Threads, th)
		go th.run()
	}
	return t
}

// DefaultNumThreads returns a worker count suitable for the host team,
// honoring GOMAXPROCS as sized by automaxprocs in init().
func DefaultNumThreads() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}

// Spawn submits t to thread tid's deque (thread 0 if tid is out of range),
// the host-task routing destination from task.OnReady.
func (tm *Team) Spawn(tid int, t Task) {
	if tid < 0 || tid >= len(tm.Threads) {
		tid = 0
	}
	th := tm.Threads[tid]
	th.deque.pushBottom(t)
	select {
	case th.wake <- struct{}{}:
	default:
	}
}

// run is one team thread's event loop: pop local work, else steal, else
// idle-wait.
func (th *Thread) run() {
	defer close(th.done)
	n := len(th.team.Threads)
	for {
		select {
		case <-th.stop:
			return
		default:
		}

		if t, ok := th.deque.popBottom(); ok {
			t.Run()
			continue
		}

		if t, ok := th.steal(n); ok {
			t.Run()
			continue
		}

		select {
		case <-th.wake:
		case <-th.stop:
			return
		}
	}
}

// steal implements the hierarchical probe order: victim (tid+i) mod n
// for i in [0,n), popping locally at i=0 (already tried by run) and
// stealing from the top at every other i.
func (th *Thread) steal(n int) (Task, bool) {
	for i := 1; i < n; i++ {
		victim := th.team.Threads[(th.TID+i)%n]
		if t, ok := victim.deque.stealTop(); ok {
			return t, true
		}
	}
	return nil, false
}

// TryRun lets a non-member goroutine contribute one unit of work: it takes
// a queued task (scanning every member's deque from the top, the stealer's
// end) and runs it on the calling goroutine, reporting whether it found
// any. task_wait uses it so a blocked waiter drains the graph instead of
// only sleeping — in particular a task body that spawns and waits on a
// child cannot starve the team out of the thread it occupies.
func (tm *Team) TryRun() bool {
	for _, th := range tm.Threads {
		if t, ok := th.deque.stealTop(); ok {
			t.Run()
			return true
		}
	}
	return false
}

// Barrier blocks the calling thread until every team thread has reached the
// barrier (cond_wait with version
// number, avoiding the lost-wakeup race a plain counter would have).
func (tm *Team) Barrier() {
	tm.barrierMu.Lock()
	version := tm.barrierVersion.Load()
	if tm.barrierN.Add(1) == tm.barrierTarget {
		tm.barrierN.Store(0)
		tm.barrierVersion.Add(1)
		tm.barrierCond.Broadcast()
		tm.barrierMu.Unlock()
		return
	}
	for tm.barrierVersion.Load() == version {
		tm.barrierCond.Wait()
	}
	tm.barrierMu.Unlock()
}

// CriticalBegin/CriticalEnd bracket a team-wide critical section.
func (tm *Team) CriticalBegin() { tm.criticalMu.Lock() }
func (tm *Team) CriticalEnd()   { tm.criticalMu.Unlock() }

// ParallelFor runs fn(i) for i in [0,n) on len(tm.Threads) goroutines
// started for this call (the team threads themselves take no part), each
// goroutine repeatedly claiming the next unclaimed index (dynamic scheduling)
// until none remain, then returns once all have finished (the caller is
// the parallel-for master and suspends here).
func (tm *Team) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	job := &parallelForJob{fn: fn, n: n}
	job.wg.Add(len(tm.Threads))
	tm.pf.Store(job)

	var wg sync.WaitGroup
	wg.Add(len(tm.Threads))
	for range tm.Threads {
		go func() {
			defer wg.Done()
			defer job.wg.Done()
			for {
				idx := job.next.Add(1) - 1
				if idx >= int64(n) {
					return
				}
				fn(int(idx))
			}
		}()
	}
	wg.Wait()
	tm.pf.Store(nil)
}

// Close stops every team thread, abandoning any tasks still queued but not
// yet dispatched (tasks ready but not dispatched are
// abandoned on deinit).
func (tm *Team) Close() {
	for _, th := range tm.Threads {
		close(th.stop)
	}
	for _, th := range tm.Threads {
		<-th.done
	}
}
