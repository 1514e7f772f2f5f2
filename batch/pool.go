package batch

import (
	"fmt"
	"sync"

	"github.com/gogpu/framekit/device"
)

// Default pool sizes, in vertices.
const (
	DefaultSmallChunk     = 4096
	DefaultLargeChunk     = 65536
	DefaultLargeThreshold = 16384
	DefaultMaxIdle        = 4
)

// Disposer defers destruction of device resources until no frame in flight
// can reference them. The render coordinator implements it.
type Disposer interface {
	DisposeResource(fn func())
}

// PoolConfig configures a BufferPool. Zero fields take the defaults above.
type PoolConfig struct {
	// Label prefixes device buffer labels.
	Label string

	// SmallChunk and LargeChunk are buffer capacities in vertices. Both are
	// clamped to the device's MaxBufferSize.
	SmallChunk int
	LargeChunk int

	// LargeThreshold is the per-frame call count above which the large pool
	// is favored.
	LargeThreshold int

	// MaxIdle is the number of idle buffers Trim keeps per pool.
	MaxIdle int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Label == "" {
		c.Label = "framekit"
	}
	if c.SmallChunk <= 0 {
		c.SmallChunk = DefaultSmallChunk
	}
	if c.LargeChunk <= 0 {
		c.LargeChunk = DefaultLargeChunk
	}
	if c.LargeChunk < c.SmallChunk {
		c.LargeChunk = c.SmallChunk
	}
	if c.LargeThreshold <= 0 {
		c.LargeThreshold = DefaultLargeThreshold
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	return c
}

// PoolStats reports buffer pool activity.
type PoolStats struct {
	Created  int
	Reused   int
	InUse    int
	Idle     int
	Disposed int
}

// VertexBuffer is a pooled vertex buffer: CPU staging memory plus the
// device buffer it is uploaded to.
type VertexBuffer struct {
	pool     *chunkPool
	gen      uint64
	vertices []Vertex
	used     int
	gpu      device.Buffer
	scratch  []byte
}

// Capacity returns the buffer size in vertices.
func (b *VertexBuffer) Capacity() int { return len(b.vertices) }

// Len returns the number of vertices allocated from the buffer.
func (b *VertexBuffer) Len() int { return b.used }

// Remaining returns the unallocated capacity.
func (b *VertexBuffer) Remaining() int { return len(b.vertices) - b.used }

// Vertices returns the staged vertices.
func (b *VertexBuffer) Vertices() []Vertex { return b.vertices[:b.used] }

// DeviceBuffer returns the device buffer, or nil if it has been invalidated.
func (b *VertexBuffer) DeviceBuffer() device.Buffer { return b.gpu }

// upload writes the staged vertices to the device buffer in one call.
func (b *VertexBuffer) upload(dev device.Device) error {
	if b.gpu == nil {
		return fmt.Errorf("framekit/batch: vertex buffer has no device buffer")
	}
	if b.used == 0 {
		return nil
	}
	buf := b.scratch[:0]
	for i := range b.vertices[:b.used] {
		buf = b.vertices[i].AppendBytes(buf)
	}
	b.scratch = buf
	return dev.WriteBuffer(b.gpu, 0, buf)
}

type chunkPool struct {
	name     string
	capacity int
	free     []*VertexBuffer
}

// BufferPool recycles vertex buffers across frames.
//
// Device buffers are created lazily under the create-resource lock and
// destroyed through the Disposer, so a buffer is never freed while an
// in-flight frame may still draw from it.
//
// BufferPool is safe for concurrent use.
type BufferPool struct {
	dev      device.Device
	create   sync.Locker
	disposer Disposer
	cfg      PoolConfig

	mu     sync.Mutex
	small  chunkPool
	large  chunkPool
	gen    uint64
	closed bool
	stats  PoolStats
}

// NewBufferPool creates a pool allocating from dev. create guards buffer
// creation and, when disposer is nil, destruction.
func NewBufferPool(dev device.Device, create sync.Locker, disposer Disposer, cfg PoolConfig) *BufferPool {
	cfg = cfg.withDefaults()
	maxVertices := int(device.LimitsOf(dev).MaxBufferSize / VertexStride)
	if maxVertices < 1 {
		maxVertices = 1
	}
	cfg.SmallChunk = min(cfg.SmallChunk, maxVertices)
	cfg.LargeChunk = min(cfg.LargeChunk, maxVertices)
	if create == nil {
		create = new(sync.Mutex)
	}
	return &BufferPool{
		dev:      dev,
		create:   create,
		disposer: disposer,
		cfg:      cfg,
		small:    chunkPool{name: "small", capacity: cfg.SmallChunk},
		large:    chunkPool{name: "large", capacity: cfg.LargeChunk},
	}
}

// Config returns the effective configuration.
func (p *BufferPool) Config() PoolConfig { return p.cfg }

// Acquire returns a buffer for up to remaining vertices. frameCalls is the
// estimated call count of the whole frame.
func (p *BufferPool) Acquire(remaining, frameCalls int) (*VertexBuffer, error) {
	p.mu.Lock()
	cp := &p.small
	if frameCalls >= p.cfg.LargeThreshold || remaining > p.small.capacity {
		cp = &p.large
	}
	var b *VertexBuffer
	if n := len(cp.free); n > 0 {
		b = cp.free[n-1]
		cp.free[n-1] = nil
		cp.free = cp.free[:n-1]
		p.stats.Reused++
		p.stats.Idle--
	}
	p.stats.InUse++
	gen := p.gen
	p.mu.Unlock()

	if b == nil {
		b = &VertexBuffer{pool: cp, vertices: make([]Vertex, cp.capacity)}
	}
	if b.gpu == nil {
		if err := p.allocate(b, gen); err != nil {
			p.mu.Lock()
			p.stats.InUse--
			p.mu.Unlock()
			return nil, err
		}
	}
	return b, nil
}

func (p *BufferPool) allocate(b *VertexBuffer, gen uint64) error {
	desc := device.VertexBufferDescriptor(
		fmt.Sprintf("%s/%s-vertices", p.cfg.Label, b.pool.name),
		uint64(len(b.vertices))*VertexStride,
	)
	p.create.Lock()
	gpu, err := p.dev.CreateBuffer(desc)
	p.create.Unlock()
	if err != nil {
		return fmt.Errorf("framekit/batch: create %s: %w", desc.Label, err)
	}
	b.gpu = gpu
	b.gen = gen

	p.mu.Lock()
	p.stats.Created++
	p.mu.Unlock()
	slogger().Debug("vertex buffer created", "label", desc.Label, "bytes", desc.Size)
	return nil
}

// Release returns b to the pool. Its device buffer is kept for reuse unless
// the pool was invalidated or closed since it was created.
func (p *BufferPool) Release(b *VertexBuffer) {
	if b == nil {
		return
	}
	b.used = 0
	var stale device.Buffer

	p.mu.Lock()
	p.stats.InUse--
	if b.gpu != nil && (b.gen != p.gen || p.closed) {
		stale, b.gpu = b.gpu, nil
	}
	if !p.closed {
		b.pool.free = append(b.pool.free, b)
		p.stats.Idle++
	}
	p.mu.Unlock()

	if stale != nil {
		p.dispose([]device.Buffer{stale})
	}
}

// Invalidate drops every device buffer created so far. Use it after the
// device has been reset; replacements are created lazily.
func (p *BufferPool) Invalidate() {
	var stale []device.Buffer
	p.mu.Lock()
	p.gen++
	for _, cp := range []*chunkPool{&p.small, &p.large} {
		for _, b := range cp.free {
			if b.gpu != nil {
				stale = append(stale, b.gpu)
				b.gpu = nil
			}
		}
	}
	p.mu.Unlock()
	p.dispose(stale)
}

// Trim disposes idle buffers beyond MaxIdle in each pool.
func (p *BufferPool) Trim() {
	var stale []device.Buffer
	p.mu.Lock()
	for _, cp := range []*chunkPool{&p.small, &p.large} {
		if len(cp.free) <= p.cfg.MaxIdle {
			continue
		}
		for _, b := range cp.free[p.cfg.MaxIdle:] {
			if b.gpu != nil {
				stale = append(stale, b.gpu)
			}
		}
		clear(cp.free[p.cfg.MaxIdle:])
		p.stats.Idle -= len(cp.free) - p.cfg.MaxIdle
		cp.free = cp.free[:p.cfg.MaxIdle]
	}
	p.mu.Unlock()
	p.dispose(stale)
}

// Close disposes every idle buffer. Buffers still in use are disposed when
// they are released.
func (p *BufferPool) Close() {
	var stale []device.Buffer
	p.mu.Lock()
	p.closed = true
	for _, cp := range []*chunkPool{&p.small, &p.large} {
		for _, b := range cp.free {
			if b.gpu != nil {
				stale = append(stale, b.gpu)
			}
		}
		cp.free = nil
	}
	p.stats.Idle = 0
	p.mu.Unlock()
	p.dispose(stale)
}

// Stats returns a snapshot of pool activity.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *BufferPool) dispose(bufs []device.Buffer) {
	if len(bufs) == 0 {
		return
	}
	p.mu.Lock()
	p.stats.Disposed += len(bufs)
	p.mu.Unlock()

	destroy := func() {
		for _, b := range bufs {
			b.Destroy()
		}
	}
	if p.disposer != nil {
		p.disposer.DisposeResource(destroy)
		return
	}
	p.create.Lock()
	destroy()
	p.create.Unlock()
}
