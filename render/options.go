// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"time"

	"github.com/gogpu/framekit/batch"
	"github.com/gogpu/framekit/device"
	"github.com/gogpu/framekit/parallel"
	"github.com/gogpu/framekit/tags"
)

// DefaultResetGracePeriod is how long after a device reset teardown errors
// are suppressed.
const DefaultResetGracePeriod = 2 * time.Second

// Option configures a Coordinator during creation.
//
// Example:
//
//	c, err := render.New(dev,
//	    render.WithThreadedIssue(false),
//	    render.WithOrderings(order),
//	)
type Option func(*options)

type options struct {
	threadedPrepare bool
	threadedIssue   bool
	group           parallel.Config
	gracePeriod     time.Duration
	host            device.Host
	orderings       *tags.Orderings
	descending      bool
	maxBatchSize    int
	parallelFill    int
	pool            batch.PoolConfig
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		threadedPrepare: true,
		threadedIssue:   true,
		group:           parallel.Config{Name: "prepare"},
		gracePeriod:     DefaultResetGracePeriod,
		now:             time.Now,
	}
}

// WithThreadedPrepare prepares the batches of a frame concurrently on a
// parallel.ThreadGroup. Enabled by default.
func WithThreadedPrepare(on bool) Option {
	return func(o *options) {
		o.threadedPrepare = on
	}
}

// WithThreadedIssue lets EndDraw return as soon as the frame is handed to
// the draw goroutine, so the next frame prepares while this one issues.
// When disabled EndDraw waits for issue and present. Enabled by default.
func WithThreadedIssue(on bool) Option {
	return func(o *options) {
		o.threadedIssue = on
	}
}

// WithThreadGroup configures the prepare worker pool.
func WithThreadGroup(cfg parallel.Config) Option {
	return func(o *options) {
		o.group = cfg
	}
}

// WithResetGracePeriod sets how long after a device reset teardown errors
// are suppressed by Close.
func WithResetGracePeriod(d time.Duration) Option {
	return func(o *options) {
		o.gracePeriod = d
	}
}

// WithHost records the host application's device provider. The adapter it
// reports is logged when the coordinator starts.
func WithHost(h device.Host) Option {
	return func(o *options) {
		o.host = h
	}
}

// WithOrderings sets the tag orderings used to sort every batch created by
// Frame.NewBatch.
func WithOrderings(order *tags.Orderings) Option {
	return func(o *options) {
		o.orderings = order
	}
}

// WithDescendingSort sorts draw calls by SortOrder from high to low.
func WithDescendingSort() Option {
	return func(o *options) {
		o.descending = true
	}
}

// WithMaxBatchSize caps the vertex count of each native batch.
func WithMaxBatchSize(n int) Option {
	return func(o *options) {
		o.maxBatchSize = n
	}
}

// WithParallelFill sets the per-batch call count at which vertex staging is
// split across goroutines. Negative disables it.
func WithParallelFill(n int) Option {
	return func(o *options) {
		o.parallelFill = n
	}
}

// WithBufferPool configures the vertex buffer pool.
func WithBufferPool(cfg batch.PoolConfig) Option {
	return func(o *options) {
		o.pool = cfg
	}
}

// WithClock replaces time.Now for grace period checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
