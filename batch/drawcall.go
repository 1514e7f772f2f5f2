package batch

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/framekit/device"
	"github.com/gogpu/framekit/tags"
)

var (
	// ErrInvalidDrawCall is returned for draw calls without a usable texture.
	ErrInvalidDrawCall = errors.New("framekit/batch: invalid draw call")

	// ErrRotatedCrop is returned when cropping a rotated draw call.
	ErrRotatedCrop = errors.New("framekit/batch: cannot crop a rotated draw call")
)

// Sized is implemented by resources that know their pixel size, such as
// *device.Texture. Geometry helpers treat other resources as 1x1.
type Sized interface {
	Width() uint32
	Height() uint32
}

// Bounds is an axis-aligned rectangle.
type Bounds struct {
	TopLeft     f32.Vec2
	BottomRight f32.Vec2
}

// UnitBounds covers a whole texture in normalized coordinates.
var UnitBounds = Bounds{BottomRight: f32.Vec2{1, 1}}

// NewBounds returns the rectangle at (x, y) with size (w, h).
func NewBounds(x, y, w, h float32) Bounds {
	return Bounds{TopLeft: f32.Vec2{x, y}, BottomRight: f32.Vec2{x + w, y + h}}
}

// Width returns the horizontal extent.
func (b Bounds) Width() float32 { return b.BottomRight[0] - b.TopLeft[0] }

// Height returns the vertical extent.
func (b Bounds) Height() float32 { return b.BottomRight[1] - b.TopLeft[1] }

// Size returns (Width, Height).
func (b Bounds) Size() f32.Vec2 { return f32.Vec2{b.Width(), b.Height()} }

// Empty reports whether the rectangle has zero or negative area.
func (b Bounds) Empty() bool { return b.Width() <= 0 || b.Height() <= 0 }

// Translate returns b moved by d.
func (b Bounds) Translate(d f32.Vec2) Bounds {
	return Bounds{
		TopLeft:     f32.Vec2{b.TopLeft[0] + d[0], b.TopLeft[1] + d[1]},
		BottomRight: f32.Vec2{b.BottomRight[0] + d[0], b.BottomRight[1] + d[1]},
	}
}

// Intersect returns the overlap of b and o. When they do not overlap the
// result is an explicitly zero-sized rectangle at the clamped corner and ok
// is false.
func (b Bounds) Intersect(o Bounds) (r Bounds, ok bool) {
	tl := f32.Vec2{math32.Max(b.TopLeft[0], o.TopLeft[0]), math32.Max(b.TopLeft[1], o.TopLeft[1])}
	br := f32.Vec2{math32.Min(b.BottomRight[0], o.BottomRight[0]), math32.Min(b.BottomRight[1], o.BottomRight[1])}
	if br[0] <= tl[0] || br[1] <= tl[1] {
		return Bounds{TopLeft: tl, BottomRight: tl}, false
	}
	return Bounds{TopLeft: tl, BottomRight: br}, true
}

// DrawCall describes one textured quad.
//
// Position is where Origin lands on screen. Origin and Source are in
// normalized texture coordinates; Scale multiplies the source region's
// pixel size. Use NewDrawCall for sensible defaults.
type DrawCall struct {
	Texture   device.Resource
	Tags      *tags.Set
	SortOrder float32

	Position f32.Vec2
	Scale    f32.Vec2
	Origin   f32.Vec2
	Rotation float32
	Source   Bounds
	Color    gputypes.Color
}

// NewDrawCall returns an unscaled, untinted call drawing the whole texture
// with its top-left corner at position.
func NewDrawCall(tex device.Resource, position f32.Vec2) DrawCall {
	return DrawCall{
		Texture:  tex,
		Position: position,
		Scale:    f32.Vec2{1, 1},
		Source:   UnitBounds,
		Color:    gputypes.ColorWhite,
	}
}

// Validate reports whether the call references a live texture.
func (dc *DrawCall) Validate() error {
	if dc.Texture == nil {
		return fmt.Errorf("%w: nil texture", ErrInvalidDrawCall)
	}
	if dc.Texture.IsDisposed() {
		return fmt.Errorf("%w: texture %d is disposed", ErrInvalidDrawCall, dc.Texture.ID())
	}
	return nil
}

// IsValid is Validate() == nil.
func (dc *DrawCall) IsValid() bool { return dc.Validate() == nil }

// textureSize returns the texture size in pixels.
func (dc *DrawCall) textureSize() f32.Vec2 {
	if s, ok := dc.Texture.(Sized); ok {
		return f32.Vec2{float32(s.Width()), float32(s.Height())}
	}
	return f32.Vec2{1, 1}
}

// ScaledSize returns the on-screen size of the source region.
func (dc *DrawCall) ScaledSize() f32.Vec2 {
	ts := dc.textureSize()
	return f32.Vec2{
		dc.Source.Width() * ts[0] * dc.Scale[0],
		dc.Source.Height() * ts[1] * dc.Scale[1],
	}
}

// AdjustOrigin moves the origin to newOrigin and compensates Position so
// the quad stays where it was drawn, rotation included.
func (dc *DrawCall) AdjustOrigin(newOrigin f32.Vec2) {
	size := dc.ScaledSize()
	dx := (newOrigin[0] - dc.Origin[0]) * size[0]
	dy := (newOrigin[1] - dc.Origin[1]) * size[1]
	if dc.Rotation != 0 {
		sin, cos := math32.Sincos(dc.Rotation)
		dx, dy = dx*cos-dy*sin, dx*sin+dy*cos
	}
	dc.Position = f32.Vec2{dc.Position[0] + dx, dc.Position[1] + dy}
	dc.Origin = newOrigin
}

// DrawBounds returns the screen rectangle of an unrotated call.
func (dc *DrawCall) DrawBounds() Bounds {
	size := dc.ScaledSize()
	tl := f32.Vec2{
		dc.Position[0] - dc.Origin[0]*size[0],
		dc.Position[1] - dc.Origin[1]*size[1],
	}
	return Bounds{TopLeft: tl, BottomRight: f32.Vec2{tl[0] + size[0], tl[1] + size[1]}}
}

// Transform returns the affine transform from normalized quad coordinates,
// (0,0) to (1,1), to screen space.
func (dc *DrawCall) Transform() f32.Aff3 {
	size := dc.ScaledSize()
	sin, cos := math32.Sincos(dc.Rotation)
	a, b := size[0]*cos, -size[1]*sin
	d, e := size[0]*sin, size[1]*cos
	ox, oy := -dc.Origin[0], -dc.Origin[1]
	return f32.Aff3{
		a, b, a*ox + b*oy + dc.Position[0],
		d, e, d*ox + e*oy + dc.Position[1],
	}
}

// ScreenBounds returns the axis-aligned bounds of the quad on screen,
// rotation included.
func (dc *DrawCall) ScreenBounds() Bounds {
	m := dc.Transform()
	r := Bounds{
		TopLeft:     f32.Vec2{math32.Inf(1), math32.Inf(1)},
		BottomRight: f32.Vec2{math32.Inf(-1), math32.Inf(-1)},
	}
	for _, c := range [4]f32.Vec2{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		x := m[0]*c[0] + m[1]*c[1] + m[2]
		y := m[3]*c[0] + m[4]*c[1] + m[5]
		r.TopLeft = f32.Vec2{math32.Min(r.TopLeft[0], x), math32.Min(r.TopLeft[1], y)}
		r.BottomRight = f32.Vec2{math32.Max(r.BottomRight[0], x), math32.Max(r.BottomRight[1], y)}
	}
	return r
}

// Crop clips the call to the screen rectangle clip by shrinking its source
// region. The origin is reset to the top-left corner. A call entirely
// outside clip becomes a zero-sized region rather than an error. Rotated
// calls cannot be cropped.
func (dc *DrawCall) Crop(clip Bounds) error {
	if dc.Rotation != 0 {
		return ErrRotatedCrop
	}
	dc.AdjustOrigin(f32.Vec2{})

	drawn := dc.DrawBounds()
	size := drawn.Size()
	if size[0] == 0 || size[1] == 0 {
		return nil
	}

	kept, ok := drawn.Intersect(clip)
	if !ok {
		dc.Source = Bounds{TopLeft: dc.Source.TopLeft, BottomRight: dc.Source.TopLeft}
		dc.Position = kept.TopLeft
		return nil
	}

	src := dc.Source
	u := func(x float32) float32 { return src.TopLeft[0] + (x-drawn.TopLeft[0])/size[0]*src.Width() }
	v := func(y float32) float32 { return src.TopLeft[1] + (y-drawn.TopLeft[1])/size[1]*src.Height() }
	dc.Source = Bounds{
		TopLeft:     f32.Vec2{u(kept.TopLeft[0]), v(kept.TopLeft[1])},
		BottomRight: f32.Vec2{u(kept.BottomRight[0]), v(kept.BottomRight[1])},
	}
	dc.Position = kept.TopLeft
	return nil
}
