package batch

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framekit/device"
)

// Default preparation parameters.
const (
	// DefaultMaxBatchSize is the maximum number of vertices in one
	// NativeBatch.
	DefaultMaxBatchSize = 8192

	// DefaultParallelFill is the call count at which vertex staging is
	// split across goroutines.
	DefaultParallelFill = 4096

	fillChunk = 1024
)

// Errors returned by reservations.
var (
	ErrReservationGrow    = errors.New("framekit/batch: reservation cannot grow")
	ErrReservationNotTail = errors.New("framekit/batch: only the most recent reservation can shrink")
)

// PrepareContext carries the resources a Batch needs to prepare.
type PrepareContext struct {
	// Pool supplies vertex buffers. Required.
	Pool *BufferPool

	// MaxBatchSize caps the vertex count of each NativeBatch. Zero means
	// DefaultMaxBatchSize.
	MaxBatchSize int

	// FrameCalls is the estimated call count of the whole frame, used to
	// pick a buffer pool. Zero means the batch's own count.
	FrameCalls int

	// ParallelFill is the call count at which vertices are staged
	// concurrently. Zero means DefaultParallelFill; negative disables it.
	ParallelFill int

	// FillLimit bounds concurrent staging goroutines. Zero means
	// GOMAXPROCS.
	FillLimit int
}

// IssueContext carries the device a Batch issues to. The caller must hold
// the use-resource lock.
type IssueContext struct {
	Device device.Device
}

// NativeBatch is a maximal run of sorted calls sharing one texture binding,
// submitted with a single draw.
type NativeBatch struct {
	Texture      device.Resource
	Buffer       *VertexBuffer
	VertexOffset int
	VertexCount  int

	// FirstCall indexes the batch's sorted calls.
	FirstCall int
}

var nextBatchID atomic.Uint64

// Batch collects draw calls and turns them into NativeBatches.
type Batch struct {
	// Material, if set, is bound once before the first run.
	Material device.Resource

	// Layer orders batches within a frame, lowest first.
	Layer int

	// Label names the batch in logs and errors.
	Label string

	// Sorter orders the calls. Nil uses a zero Sorter.
	Sorter *Sorter

	state StateMachine

	mu    sync.Mutex
	calls []DrawCall

	pool    *BufferPool
	buffers []*VertexBuffer
	natives []NativeBatch
	scratch sortScratch
}

// New returns an empty batch on layer.
func New(material device.Resource, layer int) *Batch {
	return &Batch{
		Material: material,
		Layer:    layer,
		Label:    fmt.Sprintf("batch-%d", nextBatchID.Add(1)),
	}
}

// State returns the lifecycle state.
func (b *Batch) State() State { return b.state.Load() }

// Len returns the number of calls, reserved slots included.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Calls returns the calls. After Prepare they are in sorted order. The
// slice must not be modified and is invalidated by Add and ReserveSpace.
func (b *Batch) Calls() []DrawCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// NativeBatches returns the runs computed by Prepare. The slice is owned by
// the batch and valid until Release.
func (b *Batch) NativeBatches() []NativeBatch {
	switch b.State() {
	case StatePrepared, StateIssuing, StateIssued:
		return b.natives
	}
	return nil
}

func (b *Batch) checkOpen(op string) error {
	if s := b.state.Load(); s != StateNotPrepared {
		return &TransitionError{Object: b.Label, Op: op, From: StateNotPrepared, To: StateNotPrepared, Actual: s}
	}
	return nil
}

// Add appends one call. The call is validated immediately.
func (b *Batch) Add(dc DrawCall) error {
	if err := dc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("add"); err != nil {
		return err
	}
	b.calls = append(b.calls, dc)
	return nil
}

// AddRange appends calls. Either all are added or, if any is invalid, none.
func (b *Batch) AddRange(calls []DrawCall) error {
	for i := range calls {
		if err := calls[i].Validate(); err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("add"); err != nil {
		return err
	}
	b.calls = append(b.calls, calls...)
	return nil
}

// Reservation is a contiguous range of zeroed call slots to be filled in
// place. Slots are validated when the batch is prepared.
type Reservation struct {
	b      *Batch
	offset int
	count  int
}

// ReserveSpace appends n empty slots and returns them.
func (b *Batch) ReserveSpace(n int) (*Reservation, error) {
	if n < 0 {
		return nil, fmt.Errorf("framekit/batch: negative reservation %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("reserve"); err != nil {
		return nil, err
	}
	offset := len(b.calls)
	b.calls = append(b.calls, make([]DrawCall, n)...)
	return &Reservation{b: b, offset: offset, count: n}, nil
}

// Len returns the number of reserved slots.
func (r *Reservation) Len() int { return r.count }

// Calls returns the reserved slots. The slice is invalidated by the next
// Add or ReserveSpace on the batch.
func (r *Reservation) Calls() []DrawCall {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.b.calls[r.offset : r.offset+r.count : r.offset+r.count]
}

// Shrink reduces the reservation to n slots. Only the most recent
// reservation, with nothing added after it, can shrink.
func (r *Reservation) Shrink(n int) error {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen("shrink"); err != nil {
		return err
	}
	if n < 0 || n > r.count {
		return fmt.Errorf("%w: %d -> %d", ErrReservationGrow, r.count, n)
	}
	if r.offset+r.count != len(b.calls) {
		return ErrReservationNotTail
	}
	clear(b.calls[r.offset+n:])
	b.calls = b.calls[:r.offset+n]
	r.count = n
	return nil
}

func (b *Batch) sorter() *Sorter {
	if b.Sorter != nil {
		return b.Sorter
	}
	return &Sorter{}
}

// Prepare validates and sorts the calls, partitions them into
// NativeBatches and stages their vertices. On failure any acquired buffers
// are released and the batch returns to NotPrepared. A failed sort leaves
// the calls in submission order.
func (b *Batch) Prepare(pc *PrepareContext) (err error) {
	if pc == nil || pc.Pool == nil {
		return fmt.Errorf("framekit/batch: %s: prepare needs a buffer pool", b.Label)
	}
	b.mu.Lock()
	err = b.state.Transition(b.Label, "prepare", StateNotPrepared, StatePreparing)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			b.releaseBuffers()
			b.state.Store(StateNotPrepared)
		}
	}()

	for i := range b.calls {
		if err := b.calls[i].Validate(); err != nil {
			return fmt.Errorf("%s: call %d: %w", b.Label, i, err)
		}
	}
	if err := b.sorter().sort(b.calls, &b.scratch); err != nil {
		return fmt.Errorf("%s: sort: %w", b.Label, err)
	}

	b.pool = pc.Pool
	if err := b.partition(pc); err != nil {
		return err
	}
	if err := b.fill(pc); err != nil {
		return err
	}

	slogger().Debug("batch prepared",
		"batch", b.Label,
		"calls", len(b.calls),
		"native", len(b.natives),
		"buffers", len(b.buffers))
	return b.state.Transition(b.Label, "prepare", StatePreparing, StatePrepared)
}

// partition closes a run when the binding changes, the run reaches
// MaxBatchSize or the current buffer is full.
func (b *Batch) partition(pc *PrepareContext) error {
	maxRun := pc.MaxBatchSize
	if maxRun <= 0 {
		maxRun = DefaultMaxBatchSize
	}
	frameCalls := max(pc.FrameCalls, len(b.calls))

	b.natives = b.natives[:0]
	var buf *VertexBuffer
	cur := -1
	for i := range b.calls {
		tex := b.calls[i].Texture
		if buf == nil || buf.Remaining() == 0 {
			var err error
			buf, err = pc.Pool.Acquire(len(b.calls)-i, frameCalls)
			if err != nil {
				return fmt.Errorf("%s: %w", b.Label, err)
			}
			b.buffers = append(b.buffers, buf)
			cur = -1
		}
		if cur < 0 || b.natives[cur].Texture.ID() != tex.ID() || b.natives[cur].VertexCount == maxRun {
			b.natives = append(b.natives, NativeBatch{
				Texture:      tex,
				Buffer:       buf,
				VertexOffset: buf.used,
				FirstCall:    i,
			})
			cur = len(b.natives) - 1
		}
		buf.used++
		b.natives[cur].VertexCount++
	}
	return nil
}

func (b *Batch) fill(pc *PrepareContext) error {
	threshold := pc.ParallelFill
	if threshold == 0 {
		threshold = DefaultParallelFill
	}
	if threshold < 0 || len(b.calls) < threshold {
		for _, nb := range b.natives {
			if err := b.fillRange(nb, 0, nb.VertexCount); err != nil {
				return err
			}
		}
		return nil
	}

	limit := pc.FillLimit
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, nb := range b.natives {
		for start := 0; start < nb.VertexCount; start += fillChunk {
			end := min(start+fillChunk, nb.VertexCount)
			g.Go(func() error { return b.fillRange(nb, start, end) })
		}
	}
	return g.Wait()
}

func (b *Batch) fillRange(nb NativeBatch, start, end int) error {
	dst := nb.Buffer.vertices[nb.VertexOffset+start : nb.VertexOffset+end]
	src := b.calls[nb.FirstCall+start : nb.FirstCall+end]
	for i := range src {
		dst[i] = VertexOf(&src[i])
		if err := dst[i].checkFinite(); err != nil {
			return fmt.Errorf("%s: call %d: %w", b.Label, nb.FirstCall+start+i, err)
		}
	}
	return nil
}

// Issue uploads the staged vertices and submits every NativeBatch. A
// binding is only re-bound when it differs from the previous run. The batch
// ends Issued even if the device fails part way.
func (b *Batch) Issue(ic *IssueContext) error {
	if err := b.state.Transition(b.Label, "issue", StatePrepared, StateIssuing); err != nil {
		return err
	}
	defer b.state.Store(StateIssued)

	if ic == nil || ic.Device == nil {
		return fmt.Errorf("framekit/batch: %s: issue needs a device", b.Label)
	}
	dev := ic.Device
	for _, buf := range b.buffers {
		if err := buf.upload(dev); err != nil {
			return fmt.Errorf("%s: upload: %w", b.Label, err)
		}
	}

	var bound device.Resource
	if b.Material != nil {
		if err := dev.Bind(b.Material); err != nil {
			return fmt.Errorf("%s: bind material: %w", b.Label, err)
		}
	}
	for i, nb := range b.natives {
		if bound == nil || bound.ID() != nb.Texture.ID() {
			if err := dev.Bind(nb.Texture); err != nil {
				return fmt.Errorf("%s: native batch %d: bind: %w", b.Label, i, err)
			}
			bound = nb.Texture
		}
		if err := dev.Draw(nb.Buffer.gpu, uint32(nb.VertexOffset), uint32(nb.VertexCount)); err != nil {
			return fmt.Errorf("%s: native batch %d: draw: %w", b.Label, i, err)
		}
	}
	return nil
}

// Release returns the batch's vertex buffers to their pool and drops its
// NativeBatches. A Prepared batch goes back to NotPrepared, so a later Issue
// fails instead of drawing nothing; its calls are kept and it can be
// prepared again. Release fails while the batch is being prepared or issued
// and does nothing for a batch that was never prepared.
func (b *Batch) Release() error {
	for {
		switch s := b.state.Load(); s {
		case StatePreparing, StateIssuing:
			return &TransitionError{Object: b.Label, Op: "release", From: StateIssued, To: StateIssued, Actual: s}
		case StateNotPrepared:
			return nil
		case StatePrepared:
			if b.state.Transition(b.Label, "release", StatePrepared, StateNotPrepared) != nil {
				// Lost a race with Issue; look again.
				continue
			}
		}
		b.releaseBuffers()
		return nil
	}
}

// Reset releases the batch and empties it for reuse.
func (b *Batch) Reset() error {
	if err := b.Release(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.calls)
	b.calls = b.calls[:0]
	b.state.Store(StateNotPrepared)
	return nil
}

func (b *Batch) releaseBuffers() {
	b.natives = nil
	if b.pool != nil {
		for _, buf := range b.buffers {
			b.pool.Release(buf)
		}
	}
	clear(b.buffers)
	b.buffers = b.buffers[:0]
}
