// Package offloader implements the per-device worker pool pumping a tiered
// queue system (kernel, H2D, D2H, D2D) of submitted commands: N worker
// goroutines per device, each owning a fixed set of Streams per type, with
// dual ready/pending rings per stream in the style of an io_uring
// submission/completion queue pair, generalized to the driver-agnostic
// Launch/Progress/Wait hook contract of driverapi.Driver.
package offloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xkrt-go/xkrt/internal/constants"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/interfaces"
)

// ring is a fixed-capacity circular buffer of instructions, index modulo
// capacity, with monotonically increasing producer/consumer indices.
// Entries are pre-allocated slots reused in place, never freed.
type ring struct {
	entries []entry
	posR    uint64
	posW    uint64
}

type entry struct {
	instr   driverapi.Instruction
	handle  driverapi.Handle // set once launched, for Progress correlation
	pending bool
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]entry, capacity)}
}

func (r *ring) cap() int { return len(r.entries) }
func (r *ring) len() int { return int(r.posW - r.posR) }
func (r *ring) full() bool { return r.len() >= r.cap() }

func (r *ring) push(instr driverapi.Instruction) bool {
	if r.full() {
		return false
	}
	slot := &r.entries[r.posW%uint64(r.cap())]
	slot.instr = instr
	slot.handle = nil
	slot.pending = false
	r.posW++
	return true
}

// Stream is one driver-backed command pipeline of a single StreamType on a
// device worker.
type Stream struct {
	Type   driverapi.StreamType
	Device int32

	mu      sync.Mutex
	ready   *ring
	pending *ring

	driverHandle driverapi.Handle
	driver       driverapi.Driver

	sem *semaphore.Weighted // backpressure: per-type in-flight command limit

	wake chan struct{}
}

// NewStream creates a stream of the given type and ring capacity, backed by
// a driver-side execution context, with a concurrency limit enforced via a
// weighted semaphore (golang.org/x/sync/semaphore) rather than a bespoke
// spin-wait.
func NewStream(drv driverapi.Driver, device int32, t driverapi.StreamType, capacity, concurrencyLimit int) (*Stream, error) {
	h, err := drv.StreamCreate(device, t, capacity)
	if err != nil {
		return nil, fmt.Errorf("offloader: stream create device=%d type=%s: %w", device, t, err)
	}
	if concurrencyLimit <= 0 {
		concurrencyLimit = constants.DefaultConcurrencyLimit
	}
	return &Stream{
		Type:         t,
		Device:       device,
		ready:        newRing(capacity),
		pending:      newRing(capacity),
		driverHandle: h,
		driver:       drv,
		sem:          semaphore.NewWeighted(int64(concurrencyLimit)),
		wake:         make(chan struct{}, 1),
	}, nil
}

// Submit enqueues instr onto the stream's ready ring and wakes the owning
// worker. Blocks — this is the issuing thread's backpressure point — until
// the concurrency-limit semaphore admits the command; the ring itself
// being full is fatal, since ring capacity is a hard configuration knob
// the operator must raise.
func (s *Stream) Submit(ctx context.Context, instr driverapi.Instruction) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("offloader: stream submit canceled: %w", err)
	}

	s.mu.Lock()
	ok := s.ready.push(instr)
	s.mu.Unlock()
	if !ok {
		s.sem.Release(1)
		panic(fmt.Sprintf("offloader: ready ring full on device %d stream %s (raise OFFLOADER_CAPACITY)", s.Device, s.Type))
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth reports the number of pending (in-flight) commands, for queue-depth
// metrics.
func (s *Stream) Depth() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.pending.len())
}

// launchReady pushes every ready-ring entry to the driver until pending is
// full or ready is drained.
func (s *Stream) launchReady() {
	for {
		s.mu.Lock()
		if s.ready.len() == 0 || s.pending.full() {
			s.mu.Unlock()
			return
		}
		slot := &s.ready.entries[s.ready.posR%uint64(s.ready.cap())]
		instr := slot.instr
		s.ready.posR++

		pslot := &s.pending.entries[s.pending.posW%uint64(s.pending.cap())]
		pslot.instr = instr
		pslot.pending = true
		s.pending.posW++
		s.mu.Unlock()

		var (
			h   driverapi.Handle
			err error
		)
		switch instr.Kind {
		case driverapi.InstrTransfer:
			h, err = s.driver.TransferAsync(s.driverHandle, instr.Transfer)
		case driverapi.InstrKernel:
			h, err = s.driver.KernelLaunch(s.driverHandle, instr.Kernel)
		}
		if err != nil {
			// A driver command error is fatal unless in-progress; the
			// driver signals "in flight" by returning a non-nil handle
			// with a nil error, so any error here is a genuine failure.
			s.failPending(err)
			continue
		}

		s.mu.Lock()
		pslot.handle = h
		s.mu.Unlock()
	}
}

// failPending completes the most recently launched pending entry with err,
// used when TransferAsync/KernelLaunch itself reports failure synchronously.
func (s *Stream) failPending(err error) {
	s.mu.Lock()
	idx := (s.pending.posW - 1) % uint64(s.pending.cap())
	slot := &s.pending.entries[idx]
	cb := slot.instr.Callback
	s.pending.posW--
	s.sem.Release(1)
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// progress drains completions in submission order (per-stream
// "Ordering guarantees": within a single stream commands complete in
// submission order).
func (s *Stream) progress(obs interfaces.Observer) {
	var completions []struct {
		h   driverapi.Handle
		err error
	}
	err := s.driver.Progress(s.driverHandle, func(h driverapi.Handle, err error) {
		completions = append(completions, struct {
			h   driverapi.Handle
			err error
		}{h, err})
	})
	if err != nil {
		return
	}
	for _, c := range completions {
		s.completeOne(c.h, c.err, obs)
	}
}

func (s *Stream) completeOne(h driverapi.Handle, err error, obs interfaces.Observer) {
	s.mu.Lock()
	if s.pending.len() == 0 {
		s.mu.Unlock()
		return
	}
	idx := s.pending.posR % uint64(s.pending.cap())
	slot := &s.pending.entries[idx]
	if slot.handle != h {
		// Out-of-order completion report from the driver: the per-stream ordering
		// guarantees this should never happen within one stream; surface
		// as a no-op rather than corrupting the ring.
		s.mu.Unlock()
		return
	}
	instr := slot.instr
	s.pending.posR++
	s.mu.Unlock()
	s.sem.Release(1)

	if obs != nil {
		kind := s.Type.String()
		var bytes uint64
		if instr.Kind == driverapi.InstrTransfer {
			bytes = instr.Transfer.WidthBytes * instr.Transfer.Rows
		}
		obs.ObserveCommand(kind, bytes, 0, err == nil)
	}
	if instr.Callback != nil {
		instr.Callback(err)
	}
}

// Worker is one goroutine pumping its set of streams: block on a wake
// channel until a stream has work, then progress + launch every stream it
// owns before re-blocking.
type Worker struct {
	id      int
	device  int32
	streams []*Stream
	logger  interfaces.Logger
	obs     interfaces.Observer

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cpuAffinity []int // optional unix.SchedSetaffinity CPU pinning
}

// NewWorker creates a worker pumping the given streams.
func NewWorker(parent context.Context, id int, device int32, streams []*Stream, logger interfaces.Logger, obs interfaces.Observer, cpuAffinity []int) *Worker {
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		id: id, device: device, streams: streams,
		logger: logger, obs: obs,
		wake: make(chan struct{}, 1), ctx: ctx, cancel: cancel,
		done: make(chan struct{}), cpuAffinity: cpuAffinity,
	}
}

// Poke wakes the worker to check for new ready work (a task was enqueued,
// or a stream received a submission).
func (w *Worker) Poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run pumps the worker loop until Stop is called. pinCPU, when non-nil, is
// invoked once at startup to apply CPU affinity (runtime.LockOSThread plus
// unix.SchedSetaffinity).
func (w *Worker) Run(pinCPU func([]int)) {
	defer close(w.done)
	if pinCPU != nil {
		pinCPU(w.cpuAffinity)
	}

	idle := time.NewTicker(2 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case <-w.wake:
		case <-idle.C:
		}
		w.pumpOnce()
	}
}

// pumpOnce runs one progress-then-launch cycle across every stream this
// worker owns: progress pending completions, then launch ready commands.
func (w *Worker) pumpOnce() {
	for _, s := range w.streams {
		s.progress(w.obs)
		s.launchReady()
		if w.obs != nil {
			w.obs.ObserveQueueDepth(w.device, s.Type.String(), s.Depth())
		}
	}
}

// drain keeps pumping pending commands to completion on shutdown; workers
// never abandon in-flight driver work.
func (w *Worker) drain() {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		empty := true
		for _, s := range w.streams {
			s.progress(w.obs)
			s.mu.Lock()
			if s.pending.len() > 0 {
				empty = false
			}
			s.mu.Unlock()
		}
		if empty {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if w.logger != nil {
		w.logger.Warnf("offloader: worker %d device %d drain timed out with commands still pending", w.id, w.device)
	}
}

// Stop cancels the worker loop and waits for it to exit.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
}

// Pool is the full per-device set of workers and streams ("A device
// has N worker threads... Each worker owns count[type] streams per stream
// type"). Stream selection for a new command is round-robin on
// (worker, stream) per type.
type Pool struct {
	Device  int32
	Workers []*Worker
	streams map[driverapi.StreamType][]*Stream

	next map[driverapi.StreamType]*uint64
	nmu  sync.Mutex

	logger interfaces.Logger
}

// Config describes the shape of one device's offloader pool.
type Config struct {
	NumWorkers       int
	StreamsPerType   int
	RingCapacity     int
	ConcurrencyLimit map[driverapi.StreamType]int
	CPUAffinity      []int
}

// NewPool builds and starts a device's worker pool against drv.
func NewPool(ctx context.Context, device int32, drv driverapi.Driver, cfg Config, logger interfaces.Logger, obs interfaces.Observer) (*Pool, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = constants.DefaultNumQueuesPerDevice
	}
	if cfg.StreamsPerType <= 0 {
		cfg.StreamsPerType = constants.DefaultStreamsPerType
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = constants.DefaultOffloaderCapacity
	}

	p := &Pool{
		Device:  device,
		streams: make(map[driverapi.StreamType][]*Stream),
		next:    make(map[driverapi.StreamType]*uint64),
		logger:  logger,
	}

	types := []driverapi.StreamType{driverapi.StreamKernel, driverapi.StreamH2D, driverapi.StreamD2H, driverapi.StreamD2D}
	for _, t := range types {
		limit := cfg.ConcurrencyLimit[t]
		for i := 0; i < cfg.StreamsPerType; i++ {
			s, err := NewStream(drv, device, t, cfg.RingCapacity, limit)
			if err != nil {
				return nil, err
			}
			p.streams[t] = append(p.streams[t], s)
		}
		var z uint64
		p.next[t] = &z
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		var owned []*Stream
		for _, t := range types {
			perWorker := len(p.streams[t]) / cfg.NumWorkers
			if perWorker == 0 {
				perWorker = 1
			}
			start := (i * perWorker) % len(p.streams[t])
			for j := 0; j < perWorker; j++ {
				owned = append(owned, p.streams[t][(start+j)%len(p.streams[t])])
			}
		}
		w := NewWorker(ctx, i, device, owned, logger, obs, cfg.CPUAffinity)
		p.Workers = append(p.Workers, w)
		go w.Run(pinWorkerCPU)
	}
	return p, nil
}

// Submit routes instr to the next stream of the requested type,
// round-robin, and wakes its worker.
func (p *Pool) Submit(ctx context.Context, t driverapi.StreamType, instr driverapi.Instruction) error {
	streams := p.streams[t]
	if len(streams) == 0 {
		return fmt.Errorf("offloader: no streams of type %s on device %d", t, p.Device)
	}
	p.nmu.Lock()
	idx := *p.next[t]
	*p.next[t] = idx + 1
	p.nmu.Unlock()

	s := streams[idx%uint64(len(streams))]
	if err := s.Submit(ctx, instr); err != nil {
		return err
	}
	for _, w := range p.Workers {
		for _, ws := range w.streams {
			if ws == s {
				w.Poke()
			}
		}
	}
	return nil
}

// TotalDepth sums in-flight commands across every stream, for steady
// state property ("in-flight commands per stream <= capacity").
func (p *Pool) TotalDepth() uint32 {
	var total uint32
	for _, ss := range p.streams {
		for _, s := range ss {
			total += s.Depth()
		}
	}
	return total
}

// Stop transitions every worker to shutdown, draining in-flight commands
// first.
func (p *Pool) Stop() {
	for _, w := range p.Workers {
		w.Stop()
	}
}
