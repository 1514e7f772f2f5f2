// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framekit/batch"
	"github.com/gogpu/framekit/device"
	"github.com/gogpu/framekit/parallel"
)

// Errors returned for misuse of the draw cycle.
var (
	ErrNilDevice       = errors.New("framekit/render: nil device")
	ErrNoDraw          = errors.New("framekit/render: no draw in progress")
	ErrFrameInProgress = errors.New("framekit/render: a frame is already being built")
	ErrClosed          = errors.New("framekit/render: coordinator closed")
)

// Draw token states.
const (
	drawIdle int32 = iota
	drawOpen
	drawEnding
)

// Stats reports coordinator activity.
type Stats struct {
	FramesIssued  uint64
	FramesDropped uint64
	NativeBatches uint64
	DrawCalls     uint64
	Pool          batch.PoolStats
	Workers       int
}

type counters struct {
	framesIssued  atomic.Uint64
	framesDropped atomic.Uint64
	nativeBatches atomic.Uint64
	drawCalls     atomic.Uint64
}

type hookKind int

const (
	hookBeforePrepare hookKind = iota
	hookBeforePresent
	hookAfterPresent
	hookKinds
)

type drawJob struct {
	frame *Frame
	done  chan error
}

// Coordinator runs the frame lifecycle:
//
//	BeginDraw -> BeginFrame -> EndDraw (prepare) -> issue -> present
//
// Prepare runs on the goroutine calling EndDraw, with the frame's batches
// optionally spread over a worker pool. Issue and present always run on a
// single draw goroutine locked to its OS thread, so frame N+1 can prepare
// while frame N issues. Frame N finishes issuing before frame N+1 starts.
//
// Three locks guard the device: the prepare lock, the create-resource lock
// and the use-resource lock, always acquired in that order. Device buffers
// are created or destroyed under the create lock and drawn under the use
// lock. DisposeResource defers destruction until both are held by the draw
// goroutine between frames.
type Coordinator struct {
	dev    device.Device
	opts   options
	sorter *batch.Sorter
	pool   *batch.BufferPool
	group  *parallel.ThreadGroup

	prepareMu sync.Mutex
	createMu  sync.Mutex
	useMu     sync.Mutex

	draw atomic.Int32

	mu        sync.Mutex
	current   *Frame
	frames    uint64
	gen       uint64
	lost      bool
	resetting bool
	lastReset time.Time
	closed    bool
	drained   bool
	hooks     [hookKinds][]func()
	disposals []func()
	handoffs  sync.WaitGroup

	drawQueue chan drawJob
	drawDone  chan struct{}

	activeMu   sync.Mutex
	activeCond *sync.Cond
	active     int
	drawErr    error

	stats counters
}

// New creates a coordinator for dev and starts its draw goroutine.
func New(dev device.Device, opts ...Option) (*Coordinator, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{
		dev:       dev,
		opts:      o,
		sorter:    &batch.Sorter{Orderings: o.orderings, Descending: o.descending},
		drawQueue: make(chan drawJob),
		drawDone:  make(chan struct{}),
	}
	c.activeCond = sync.NewCond(&c.activeMu)
	c.pool = batch.NewBufferPool(dev, &c.createMu, c, o.pool)
	if o.threadedPrepare {
		c.group = parallel.NewThreadGroup(o.group)
	}
	go c.drawLoop()

	attrs := []any{"threadedPrepare", o.threadedPrepare, "threadedIssue", o.threadedIssue}
	if o.host != nil {
		info := o.host.AdapterInfo()
		attrs = append(attrs, "adapter", info.Name, "adapterType", info.Type.String())
	}
	slogger().Info("render coordinator started", attrs...)
	return c, nil
}

// Device returns the device the coordinator draws to.
func (c *Coordinator) Device() device.Device { return c.dev }

// BufferPool returns the coordinator's vertex buffer pool.
func (c *Coordinator) BufferPool() *batch.BufferPool { return c.pool }

// PrepareLock returns the lock serializing frame preparation against
// device resets.
func (c *Coordinator) PrepareLock() sync.Locker { return &c.prepareMu }

// CreateResourceLock returns the lock that must be held while creating or
// destroying device resources.
func (c *Coordinator) CreateResourceLock() sync.Locker { return &c.createMu }

// UseResourceLock returns the lock that must be held while submitting to
// the device.
func (c *Coordinator) UseResourceLock() sync.Locker { return &c.useMu }

// BeginDraw opens a draw cycle. It returns false if the coordinator is
// closed, the device is lost, resetting or otherwise unusable, or a draw
// cycle is already open.
func (c *Coordinator) BeginDraw() bool {
	c.mu.Lock()
	blocked := c.closed || c.lost || c.resetting
	c.mu.Unlock()
	if blocked || !c.dev.Status().Usable() {
		return false
	}
	return c.draw.CompareAndSwap(drawIdle, drawOpen)
}

// BeginFrame starts the frame of the open draw cycle.
func (c *Coordinator) BeginFrame() (*Frame, error) {
	if c.draw.Load() != drawOpen {
		return nil, ErrNoDraw
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil, ErrFrameInProgress
	}
	c.frames++
	c.current = &Frame{c: c, index: c.frames}
	slogger().Debug("frame begun", "frame", c.frames)
	return c.current, nil
}

// EndDraw closes the draw cycle: it runs BeforePrepare hooks, prepares the
// frame and hands it to the draw goroutine. With threaded issue it returns
// once the hand-off is accepted; otherwise it waits for present and
// returns the issue error.
//
// A frame lost to device loss or reset is dropped quietly. Programming
// errors, such as a contradictory tag ordering, are returned.
func (c *Coordinator) EndDraw() error {
	if !c.draw.CompareAndSwap(drawOpen, drawEnding) {
		return ErrNoDraw
	}
	defer c.draw.Store(drawIdle)

	c.mu.Lock()
	frame := c.current
	c.current = nil
	c.mu.Unlock()
	if frame == nil {
		return nil
	}

	c.runHooks(hookBeforePrepare)
	if err := c.prepare(frame); err != nil {
		if c.deviceFailed(err) {
			frame.discard("device lost during prepare")
			return nil
		}
		frame.release()
		return err
	}
	if c.isLost() {
		frame.discard("device lost during prepare")
		return nil
	}
	return c.submit(frame)
}

func (c *Coordinator) prepare(f *Frame) error {
	c.prepareMu.Lock()
	defer c.prepareMu.Unlock()

	c.mu.Lock()
	f.gen = c.gen
	c.mu.Unlock()

	batches, err := f.seal()
	if err != nil {
		return err
	}
	calls := 0
	for _, b := range batches {
		calls += b.Len()
	}
	pc := &batch.PrepareContext{
		Pool:         c.pool,
		MaxBatchSize: c.opts.maxBatchSize,
		FrameCalls:   calls,
		ParallelFill: c.opts.parallelFill,
	}

	start := time.Now()
	if c.group != nil && len(batches) > 1 {
		q := parallel.Queue[*prepareItem](c.group)
		items := make([]*prepareItem, len(batches))
		for i, b := range batches {
			items[i] = &prepareItem{b: b, pc: pc}
		}
		q.EnqueueMany(items)
		err = q.WaitUntilDrained()
	} else {
		for _, b := range batches {
			if err = b.Prepare(pc); err != nil {
				break
			}
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", f.label(), err)
	}

	slogger().Debug("frame prepared",
		"frame", f.index,
		"batches", len(batches),
		"calls", calls,
		"elapsed", time.Since(start))
	return f.state.Transition(f.label(), "prepare", batch.StatePreparing, batch.StatePrepared)
}

// prepareItem prepares one batch on a worker.
type prepareItem struct {
	b  *batch.Batch
	pc *batch.PrepareContext
}

func (p *prepareItem) Execute() error { return p.b.Prepare(p.pc) }

func (c *Coordinator) submit(f *Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.discard("coordinator closed")
		return ErrClosed
	}
	c.handoffs.Add(1)
	c.mu.Unlock()

	job := drawJob{frame: f}
	if !c.opts.threadedIssue {
		job.done = make(chan error, 1)
	}

	c.activeMu.Lock()
	c.active++
	c.activeMu.Unlock()

	c.drawQueue <- job
	c.handoffs.Done()

	if job.done != nil {
		return <-job.done
	}
	return nil
}

func (c *Coordinator) drawLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.drawDone)

	for job := range c.drawQueue {
		err := c.issue(job.frame)

		c.activeMu.Lock()
		c.active--
		if err != nil && job.done == nil {
			c.drawErr = errors.Join(c.drawErr, err)
		}
		c.activeCond.Broadcast()
		c.activeMu.Unlock()

		if job.done != nil {
			job.done <- err
		}
	}
}

// issue submits a prepared frame, flushes deferred disposals and presents.
func (c *Coordinator) issue(f *Frame) error {
	if err := f.state.Transition(f.label(), "issue", batch.StatePrepared, batch.StateIssuing); err != nil {
		return err
	}
	defer f.release()
	defer f.state.Store(batch.StateIssued)

	ic := &batch.IssueContext{Device: c.dev}
	var natives, calls uint64
	c.useMu.Lock()
	if c.frameStale(f) {
		c.useMu.Unlock()
		f.discard("device reset since prepare")
		return nil
	}
	var err error
	for _, b := range f.batches {
		if err = b.Issue(ic); err != nil {
			break
		}
		natives += uint64(len(b.NativeBatches()))
		calls += uint64(b.Len())
	}
	c.useMu.Unlock()
	if err != nil {
		return c.deviceError(f, "issue", err)
	}

	c.flushDisposals()
	c.runHooks(hookBeforePresent)

	c.useMu.Lock()
	err = c.dev.Present()
	c.useMu.Unlock()
	if err != nil {
		return c.deviceError(f, "present", err)
	}

	c.stats.framesIssued.Add(1)
	c.stats.nativeBatches.Add(natives)
	c.stats.drawCalls.Add(calls)
	c.pool.Trim()
	c.runHooks(hookAfterPresent)
	slogger().Debug("frame presented", "frame", f.index, "native", natives, "calls", calls)
	return nil
}

// deviceError drops f quietly when err comes from a lost device and
// returns err otherwise.
func (c *Coordinator) deviceError(f *Frame, phase string, err error) error {
	if c.deviceFailed(err) {
		c.markLost()
		f.discard("device lost during " + phase)
		return nil
	}
	return fmt.Errorf("%s: %s: %w", f.label(), phase, err)
}

func (c *Coordinator) deviceFailed(err error) bool {
	return errors.Is(err, device.ErrDeviceLost) || !c.dev.Status().Usable()
}

func (c *Coordinator) frameStale(f *Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost || f.gen != c.gen
}

func (c *Coordinator) isLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// WaitForActiveDraw blocks until every handed-off frame has been issued
// and returns the errors they produced since the last call.
func (c *Coordinator) WaitForActiveDraw() error {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	for c.active > 0 {
		c.activeCond.Wait()
	}
	err := c.drawErr
	c.drawErr = nil
	return err
}

// BeforePrepare registers fn to run once, before the next frame prepares.
func (c *Coordinator) BeforePrepare(fn func()) { c.addHook(hookBeforePrepare, fn) }

// BeforePresent registers fn to run once, on the draw goroutine, after the
// next frame has issued and before it is presented.
func (c *Coordinator) BeforePresent(fn func()) { c.addHook(hookBeforePresent, fn) }

// AfterPresent registers fn to run once, on the draw goroutine, after the
// next frame is presented.
func (c *Coordinator) AfterPresent(fn func()) { c.addHook(hookAfterPresent, fn) }

func (c *Coordinator) addHook(kind hookKind, fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks[kind] = append(c.hooks[kind], fn)
	c.mu.Unlock()
}

func (c *Coordinator) runHooks(kind hookKind) {
	c.mu.Lock()
	hooks := c.hooks[kind]
	c.hooks[kind] = nil
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// DisposeResource defers fn until no in-flight frame can use the resource
// it destroys. Pending disposals run on the draw goroutine with the create
// and use locks held, or on Close. Once Close has stopped the draw
// goroutine, fn runs immediately under both locks.
func (c *Coordinator) DisposeResource(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if !c.drained {
		c.disposals = append(c.disposals, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.createMu.Lock()
	c.useMu.Lock()
	defer c.createMu.Unlock()
	defer c.useMu.Unlock()
	fn()
}

func (c *Coordinator) flushDisposals() {
	c.createMu.Lock()
	c.useMu.Lock()
	defer c.createMu.Unlock()
	defer c.useMu.Unlock()

	c.mu.Lock()
	pending := c.disposals
	c.disposals = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	if len(pending) > 0 {
		slogger().Debug("resources disposed", "count", len(pending))
	}
}

// Stats returns a snapshot of coordinator activity.
func (c *Coordinator) Stats() Stats {
	st := Stats{
		FramesIssued:  c.stats.framesIssued.Load(),
		FramesDropped: c.stats.framesDropped.Load(),
		NativeBatches: c.stats.nativeBatches.Load(),
		DrawCalls:     c.stats.drawCalls.Load(),
		Pool:          c.pool.Stats(),
	}
	if c.group != nil {
		st.Workers = c.group.Count()
	}
	return st
}

// Close waits for the active draw, stops the draw goroutine and the worker
// pool, and destroys pooled and deferred resources. Draw errors within the
// reset grace period are logged and suppressed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.handoffs.Wait()
	err := c.WaitForActiveDraw()
	close(c.drawQueue)
	<-c.drawDone

	c.pool.Close()
	c.mu.Lock()
	c.drained = true
	c.mu.Unlock()
	c.flushDisposals()
	if c.group != nil {
		c.group.Close()
	}

	if err != nil && c.withinGracePeriod() {
		slogger().Warn("teardown error suppressed after device reset", "err", err)
		err = nil
	}
	slogger().Info("render coordinator closed", "frames", c.stats.framesIssued.Load(), "dropped", c.stats.framesDropped.Load())
	return err
}

func (c *Coordinator) withinGracePeriod() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastReset.IsZero() && c.opts.now().Sub(c.lastReset) < c.opts.gracePeriod
}
