package batch

import (
	"encoding/binary"
	"fmt"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// vertexFloats is the number of float32 fields in a Vertex.
const vertexFloats = 16

// VertexStride is the encoded size of a Vertex in bytes.
const VertexStride = vertexFloats * 4

// Vertex is the per-call record uploaded to the device. The vertex shader
// expands each one into a quad, so a draw of n vertices renders n calls.
type Vertex struct {
	Position f32.Vec2
	Scale    f32.Vec2
	Origin   f32.Vec2
	Source   [4]float32 // left, top, right, bottom
	Color    [4]float32 // premultiplied RGBA
	Rotation float32
	Order    float32
}

// VertexOf builds the vertex for dc.
func VertexOf(dc *DrawCall) Vertex {
	c := dc.Color.Premultiplied()
	return Vertex{
		Position: dc.Position,
		Scale:    dc.ScaledSize(),
		Origin:   dc.Origin,
		Source:   [4]float32{dc.Source.TopLeft[0], dc.Source.TopLeft[1], dc.Source.BottomRight[0], dc.Source.BottomRight[1]},
		Color:    [4]float32{float32(c.R), float32(c.G), float32(c.B), float32(c.A)},
		Rotation: dc.Rotation,
		Order:    dc.SortOrder,
	}
}

func (v *Vertex) floats() [vertexFloats]float32 {
	return [vertexFloats]float32{
		v.Position[0], v.Position[1],
		v.Scale[0], v.Scale[1],
		v.Origin[0], v.Origin[1],
		v.Source[0], v.Source[1], v.Source[2], v.Source[3],
		v.Color[0], v.Color[1], v.Color[2], v.Color[3],
		v.Rotation, v.Order,
	}
}

// checkFinite rejects vertices the device would rasterize as garbage.
func (v *Vertex) checkFinite() error {
	for i, f := range v.floats() {
		if math32.IsNaN(f) || math32.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite vertex component %d", ErrInvalidDrawCall, i)
		}
	}
	return nil
}

// AppendBytes appends the little-endian encoding of v to dst.
func (v *Vertex) AppendBytes(dst []byte) []byte {
	for _, f := range v.floats() {
		dst = binary.LittleEndian.AppendUint32(dst, math32.Float32bits(f))
	}
	return dst
}
