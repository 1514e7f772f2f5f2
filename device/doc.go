// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package device defines the capability surface framekit needs from a
// graphics device.
//
// framekit does not create or own a GPU device. The host application wraps
// its device in the [Device] interface and hands it to the render
// coordinator, which serializes every call that binds or submits through a
// single draw goroutine and every call that creates or destroys a buffer
// under its create-resource lock.
//
// # Core Interfaces
//
//   - Device: buffer creation/upload, resource binding, draw submission,
//     presentation and status reporting
//   - Buffer: a device-visible vertex buffer
//   - Resource: the identity of a texture or material a draw call binds
//   - Host: optional gpucontext.DeviceProvider of the host application
//
// # Implementations
//
//   - Texture: a Resource with explicit disposal, usable by any backend
//   - NullDevice: records every call; used for tests and headless runs
//
// # Device Status
//
// A device reports [StatusNormal], [StatusLost] (unusable until recreated)
// or [StatusNotReset] (lost and waiting for the host to reset it). Returning
// an error matching [ErrDeviceLost] from any call has the same effect as
// reporting StatusLost.
package device
