// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// Errors reported by NullDevice for misuse that a real backend would turn
// into validation failures.
var (
	ErrBufferDestroyed = errors.New("framekit/device: buffer destroyed")
	ErrNothingBound    = errors.New("framekit/device: draw without a bound resource")
	ErrResourceGone    = errors.New("framekit/device: binding a disposed resource")
	ErrOutOfBounds     = errors.New("framekit/device: access outside buffer")
)

// DrawRecord is one Draw call observed by a NullDevice.
type DrawRecord struct {
	Buffer  uint64
	Binding uint64
	First   uint32
	Count   uint32
}

// NullStats counts the calls a NullDevice has seen.
type NullStats struct {
	BuffersCreated   int
	BuffersDestroyed int
	LiveBuffers      int
	Binds            int
	Draws            int
	Presents         int
	BytesWritten     uint64
}

// NullBuffer is the Buffer type created by NullDevice. Uploaded bytes are
// kept so tests can inspect them.
type NullBuffer struct {
	owner     *NullDevice
	id        uint64
	data      []byte
	destroyed atomic.Bool
}

// ID returns the buffer id.
func (b *NullBuffer) ID() uint64 { return b.id }

// Size returns the buffer size in bytes.
func (b *NullBuffer) Size() uint64 { return uint64(len(b.data)) }

// Bytes returns a copy of the buffer contents.
func (b *NullBuffer) Bytes() []byte {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Destroy releases the buffer.
func (b *NullBuffer) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	d := b.owner
	d.mu.Lock()
	delete(d.live, b.id)
	d.stats.BuffersDestroyed++
	d.mu.Unlock()
}

// NullDevice is a Device that performs no GPU work and records every call.
//
// The fault hooks let tests inject failures or device loss at a precise
// point; they are called without the device lock held.
//
// NullDevice is safe for concurrent use.
type NullDevice struct {
	mu      sync.Mutex
	status  Status
	limits  gputypes.Limits
	nextID  uint64
	live    map[uint64]*NullBuffer
	bound   Resource
	draws   []DrawRecord
	stats   NullStats
	keepLog bool

	// OnCreateBuffer, if set, runs before a buffer is created. A non-nil
	// error is returned to the caller.
	OnCreateBuffer func(desc gputypes.BufferDescriptor) error

	// OnDraw, if set, runs before a draw is recorded.
	OnDraw func(rec DrawRecord) error

	// OnPresent, if set, runs before a present is recorded.
	OnPresent func() error
}

// NewNullDevice returns a healthy NullDevice with default limits that keeps
// a log of every draw.
func NewNullDevice() *NullDevice {
	return &NullDevice{
		limits:  gputypes.DefaultLimits(),
		live:    make(map[uint64]*NullBuffer),
		keepLog: true,
	}
}

// SetLimits overrides the limits reported to buffer pools.
func (d *NullDevice) SetLimits(l gputypes.Limits) {
	d.mu.Lock()
	d.limits = l
	d.mu.Unlock()
}

// SetDrawLog enables or disables recording of individual draws. Counters
// are kept either way.
func (d *NullDevice) SetDrawLog(on bool) {
	d.mu.Lock()
	d.keepLog = on
	d.mu.Unlock()
}

// SetStatus changes the reported status.
func (d *NullDevice) SetStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// Status reports the current status.
func (d *NullDevice) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Limits reports the configured limits.
func (d *NullDevice) Limits() gputypes.Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// CreateBuffer allocates a host-memory buffer.
func (d *NullDevice) CreateBuffer(desc gputypes.BufferDescriptor) (Buffer, error) {
	if hook := d.OnCreateBuffer; hook != nil {
		if err := hook(desc); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.Usable() {
		return nil, ErrDeviceLost
	}
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("framekit/device: buffer %q of %d bytes exceeds limit %d",
			desc.Label, desc.Size, d.limits.MaxBufferSize)
	}
	d.nextID++
	b := &NullBuffer{owner: d, id: d.nextID, data: make([]byte, desc.Size)}
	d.live[b.id] = b
	d.stats.BuffersCreated++
	return b, nil
}

// WriteBuffer copies data into buf.
func (d *NullDevice) WriteBuffer(buf Buffer, offset uint64, data []byte) error {
	nb, err := d.nullBuffer(buf)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.Usable() {
		return ErrDeviceLost
	}
	if offset+uint64(len(data)) > uint64(len(nb.data)) {
		return fmt.Errorf("%w: write [%d, %d) into %d bytes", ErrOutOfBounds, offset, offset+uint64(len(data)), len(nb.data))
	}
	copy(nb.data[offset:], data)
	d.stats.BytesWritten += uint64(len(data))
	return nil
}

// Bind records res as the active binding.
func (d *NullDevice) Bind(res Resource) error {
	if res == nil || res.IsDisposed() {
		return ErrResourceGone
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.Usable() {
		return ErrDeviceLost
	}
	d.bound = res
	d.stats.Binds++
	return nil
}

// Draw records a draw of the current binding.
func (d *NullDevice) Draw(buf Buffer, firstVertex, vertexCount uint32) error {
	nb, err := d.nullBuffer(buf)
	if err != nil {
		return err
	}

	d.mu.Lock()
	bound := d.bound
	d.mu.Unlock()
	if bound == nil {
		return ErrNothingBound
	}
	rec := DrawRecord{Buffer: nb.id, Binding: bound.ID(), First: firstVertex, Count: vertexCount}
	if hook := d.OnDraw; hook != nil {
		if err := hook(rec); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.Usable() {
		return ErrDeviceLost
	}
	d.stats.Draws++
	if d.keepLog {
		d.draws = append(d.draws, rec)
	}
	return nil
}

// Present records a present.
func (d *NullDevice) Present() error {
	if hook := d.OnPresent; hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.Usable() {
		return ErrDeviceLost
	}
	d.stats.Presents++
	d.bound = nil
	return nil
}

// Draws returns a copy of the recorded draws.
func (d *NullDevice) Draws() []DrawRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DrawRecord(nil), d.draws...)
}

// Buffer returns a live buffer by id.
func (d *NullDevice) Buffer(id uint64) (*NullBuffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.live[id]
	return b, ok
}

// Stats returns call counters.
func (d *NullDevice) Stats() NullStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	st.LiveBuffers = len(d.live)
	return st
}

// ResetLog clears recorded draws and counters. Live buffers are kept.
func (d *NullDevice) ResetLog() {
	d.mu.Lock()
	d.draws = nil
	d.stats = NullStats{}
	d.mu.Unlock()
}

func (d *NullDevice) nullBuffer(buf Buffer) (*NullBuffer, error) {
	nb, ok := buf.(*NullBuffer)
	if !ok || nb.owner != d {
		return nil, fmt.Errorf("framekit/device: foreign buffer %T", buf)
	}
	if nb.destroyed.Load() {
		return nil, ErrBufferDestroyed
	}
	return nb, nil
}

// Host implementation: a NullDevice can stand in for a host application.

// Device returns the NullDevice itself.
func (d *NullDevice) Device() gpucontext.Device { return d }

// Queue returns nil; the null device has no queue.
func (d *NullDevice) Queue() gpucontext.Queue { return nil }

// Adapter returns nil; the null device has no adapter.
func (d *NullDevice) Adapter() gpucontext.Adapter { return nil }

// SurfaceFormat returns BGRA8Unorm, the most common swapchain format.
func (d *NullDevice) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatBGRA8Unorm
}

// AdapterInfo describes the null adapter.
func (d *NullDevice) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: "framekit null device", Type: gpucontext.AdapterTypeSoftware}
}

var (
	_ Device         = (*NullDevice)(nil)
	_ LimitsReporter = (*NullDevice)(nil)
	_ Host           = (*NullDevice)(nil)
)
