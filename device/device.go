// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"errors"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// ErrDeviceLost is returned (possibly wrapped) by device calls made while the
// device is lost.
var ErrDeviceLost = errors.New("framekit/device: device lost")

// Status is the health of a device as reported by the host.
type Status int

const (
	// StatusNormal means the device accepts work.
	StatusNormal Status = iota

	// StatusLost means the device is gone and must be recreated.
	StatusLost

	// StatusNotReset means the device was lost and can be reset now.
	StatusNotReset
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusLost:
		return "Lost"
	case StatusNotReset:
		return "NotReset"
	default:
		return "Unknown"
	}
}

// Usable reports whether work may be submitted in this status.
func (s Status) Usable() bool { return s == StatusNormal }

// Resource is the identity of a texture or material that must be bound
// before a draw call can be submitted.
type Resource interface {
	// ID returns a stable, process-unique identifier. Draw calls with the
	// same ID share a binding and may be coalesced.
	ID() uint64

	// IsDisposed reports whether the resource has been destroyed. Disposed
	// resources are rejected when a draw call is validated.
	IsDisposed() bool
}

// Buffer is a device-visible buffer.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() uint64

	// Destroy releases the device memory. Callers must hold the
	// create-resource lock.
	Destroy()
}

// Device is the capability surface of a graphics device.
//
// Implementations need not be thread-safe: framekit calls CreateBuffer only
// under the create-resource lock, and WriteBuffer, Bind, Draw and Present
// only from the single draw goroutine under the use-resource lock.
type Device interface {
	// CreateBuffer allocates a buffer described by desc.
	CreateBuffer(desc gputypes.BufferDescriptor) (Buffer, error)

	// WriteBuffer uploads data into buf at offset bytes.
	WriteBuffer(buf Buffer, offset uint64, data []byte) error

	// Bind makes res the active texture/material binding.
	Bind(res Resource) error

	// Draw submits vertexCount vertices of buf starting at firstVertex with
	// the current binding.
	Draw(buf Buffer, firstVertex, vertexCount uint32) error

	// Present shows the finished frame.
	Present() error

	// Status reports the current device health.
	Status() Status
}

// LimitsReporter is implemented by devices that expose their limits.
// Buffer pools clamp their chunk sizes to MaxBufferSize.
type LimitsReporter interface {
	Limits() gputypes.Limits
}

// LimitsOf returns the device limits, or gputypes.DefaultLimits if the
// device does not report any.
func LimitsOf(d Device) gputypes.Limits {
	if lr, ok := d.(LimitsReporter); ok {
		return lr.Limits()
	}
	return gputypes.DefaultLimits()
}

// Host provides GPU device access from the host application.
//
// Host is an alias for gpucontext.DeviceProvider, so a host such as
// gogpu.App can be passed to the render coordinator directly to report the
// adapter it runs on.
type Host = gpucontext.DeviceProvider

// VertexBufferDescriptor returns the descriptor framekit uses for a vertex
// buffer of size bytes.
func VertexBufferDescriptor(label string, size uint64) gputypes.BufferDescriptor {
	return gputypes.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	}
}
