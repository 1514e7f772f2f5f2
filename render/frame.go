// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/framekit/batch"
	"github.com/gogpu/framekit/device"
)

// ErrNilBatch is returned when adding a nil batch to a frame.
var ErrNilBatch = errors.New("framekit/render: nil batch")

// Frame is the set of batches prepared and submitted for one display
// refresh. A frame can only be modified until EndDraw hands it off.
type Frame struct {
	c     *Coordinator
	index uint64
	gen   uint64
	state batch.StateMachine

	mu      sync.Mutex
	batches []*batch.Batch

	discarded atomic.Bool
}

func (f *Frame) label() string { return fmt.Sprintf("frame %d", f.index) }

// Index returns the frame's sequence number, starting at 1.
func (f *Frame) Index() uint64 { return f.index }

// State returns the frame's lifecycle state.
func (f *Frame) State() batch.State { return f.state.Load() }

// Discarded reports whether the frame was dropped because of device loss
// or reset.
func (f *Frame) Discarded() bool { return f.discarded.Load() }

// Add appends b to the frame.
func (f *Frame) Add(b *batch.Batch) error {
	if b == nil {
		return ErrNilBatch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.state.Load(); s != batch.StateNotPrepared {
		return &batch.TransitionError{Object: f.label(), Op: "add", From: batch.StateNotPrepared, To: batch.StateNotPrepared, Actual: s}
	}
	f.batches = append(f.batches, b)
	return nil
}

// NewBatch creates a batch sorted with the coordinator's orderings and adds
// it to the frame.
func (f *Frame) NewBatch(material device.Resource, layer int) (*batch.Batch, error) {
	b := batch.New(material, layer)
	b.Sorter = f.c.sorter
	if err := f.Add(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Batches returns the frame's batches in the order they will be issued.
func (f *Frame) Batches() []*batch.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.batches)
}

// Calls returns the total number of draw calls in the frame.
func (f *Frame) Calls() int {
	n := 0
	for _, b := range f.Batches() {
		n += b.Len()
	}
	return n
}

// seal freezes the batch list in layer order. Batches on the same layer
// keep the order they were added.
func (f *Frame) seal() ([]*batch.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.state.Transition(f.label(), "prepare", batch.StateNotPrepared, batch.StatePreparing); err != nil {
		return nil, err
	}
	slices.SortStableFunc(f.batches, func(a, b *batch.Batch) int { return cmp.Compare(a.Layer, b.Layer) })
	return f.batches, nil
}

// release returns every batch's buffers to the pool.
func (f *Frame) release() {
	for _, b := range f.batches {
		if err := b.Release(); err != nil {
			slogger().Warn("batch release failed", "frame", f.index, "batch", b.Label, "err", err)
		}
	}
}

// discard drops the frame without issuing it.
func (f *Frame) discard(reason string) {
	if !f.discarded.CompareAndSwap(false, true) {
		return
	}
	f.release()
	f.c.stats.framesDropped.Add(1)
	slogger().Warn("frame dropped", "frame", f.index, "reason", reason)
}
