package team

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fnTask func()

func (f fnTask) Run() { f() }

func TestSpawnRunsOnOwnerOrStealer(t *testing.T) {
	tm := New(4)
	defer tm.Close()

	const n = 200
	var ran atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		tm.Spawn(i%len(tm.Threads), fnTask(func() {
			ran.Add(1)
			wg.Done()
		}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for spawned tasks")
	}
	assert.EqualValues(t, n, ran.Load())
}

func TestBarrierReleasesAllThreads(t *testing.T) {
	tm := New(8)
	defer tm.Close()

	var before, after atomic.Int32
	var wg sync.WaitGroup
	wg.Add(len(tm.Threads))
	for i := range tm.Threads {
		i := i
		tm.Spawn(i, fnTask(func() {
			before.Add(1)
			tm.Barrier()
			after.Add(1)
			wg.Done()
		}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier did not release all threads")
	}
	assert.EqualValues(t, len(tm.Threads), before.Load())
	assert.EqualValues(t, len(tm.Threads), after.Load())
}

func TestParallelForCoversEveryIndex(t *testing.T) {
	tm := New(4)
	defer tm.Close()

	const n = 1000
	seen := make([]int32, n)
	tm.ParallelFor(n, func(i int) {
		atomic.AddInt32(&seen[i], 1)
	})

	for i, c := range seen {
		assert.EqualValues(t, 1, c, "index %d should run exactly once", i)
	}
}

func TestCriticalSectionIsExclusive(t *testing.T) {
	tm := New(6)
	defer tm.Close()

	var counter int
	var wg sync.WaitGroup
	const n = 300
	wg.Add(n)
	for i := 0; i < n; i++ {
		tm.Spawn(i%len(tm.Threads), fnTask(func() {
			tm.CriticalBegin()
			counter++
			tm.CriticalEnd()
			wg.Done()
		}))
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, n, counter)
}

func TestTryRunDrainsQueuedWorkFromOutside(t *testing.T) {
	tm := New(1)
	defer tm.Close()

	// Occupy the single member so the queued probe below stays queued
	// until either the member frees up or an outside TryRun takes it.
	blocker := make(chan struct{})
	started := make(chan struct{})
	tm.Spawn(0, fnTask(func() {
		close(started)
		<-blocker
	}))
	<-started

	ran := make(chan struct{})
	tm.Spawn(0, fnTask(func() { close(ran) }))

	if !tm.TryRun() {
		t.Fatal("TryRun found no work despite a queued task and a busy member")
	}
	select {
	case <-ran:
	default:
		t.Fatal("TryRun reported success without running the queued task")
	}
	close(blocker)

	if tm.TryRun() {
		t.Fatal("TryRun reported work on an empty team")
	}
}
