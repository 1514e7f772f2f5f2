// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

var textureIDs atomic.Uint64

// Texture is a Resource describing a texture binding.
//
// Backends embed or wrap Texture to attach their own GPU handle; framekit
// only needs its identity, its size (for source-rectangle normalization)
// and its disposal state.
type Texture struct {
	id       uint64
	label    string
	width    uint32
	height   uint32
	format   gputypes.TextureFormat
	disposed atomic.Bool
}

// NewTexture returns a texture with a fresh process-unique id.
func NewTexture(label string, width, height uint32, format gputypes.TextureFormat) *Texture {
	return &Texture{
		id:     textureIDs.Add(1),
		label:  label,
		width:  width,
		height: height,
		format: format,
	}
}

// ID returns the texture id.
func (t *Texture) ID() uint64 { return t.id }

// Label returns the debug label.
func (t *Texture) Label() string { return t.label }

// Width returns the texture width in pixels.
func (t *Texture) Width() uint32 { return t.width }

// Height returns the texture height in pixels.
func (t *Texture) Height() uint32 { return t.height }

// Format returns the texture pixel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

// Dispose marks the texture as destroyed. Later draw calls that reference
// it fail validation.
func (t *Texture) Dispose() { t.disposed.Store(true) }

// IsDisposed reports whether Dispose has been called.
func (t *Texture) IsDisposed() bool { return t.disposed.Load() }

func (t *Texture) String() string {
	return fmt.Sprintf("Texture(%d %q %dx%d %s)", t.id, t.label, t.width, t.height, t.format)
}
