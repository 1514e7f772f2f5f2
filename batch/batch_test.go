package batch

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/framekit/device"
	"github.com/gogpu/framekit/tags"
)

func newTestPool(dev device.Device, cfg PoolConfig) *BufferPool {
	return NewBufferPool(dev, nil, nil, cfg)
}

// fillBatch adds n calls cycling through texs.
func fillBatch(t *testing.T, b *Batch, texs []*device.Texture, n int) {
	t.Helper()
	calls := make([]DrawCall, n)
	for i := range calls {
		calls[i] = NewDrawCall(texs[i%len(texs)], f32.Vec2{float32(i), 0})
	}
	require.NoError(t, b.AddRange(calls))
}

// checkPartition verifies that the runs cover the sorted calls in order,
// that each run shares one binding and respects maxRun, and that each
// staged vertex matches its call.
func checkPartition(t *testing.T, b *Batch, maxRun int) {
	t.Helper()
	calls := b.Calls()
	next := 0
	for i, nb := range b.NativeBatches() {
		require.Equal(t, next, nb.FirstCall, "run %d starts where the previous ended", i)
		require.Positive(t, nb.VertexCount)
		require.LessOrEqual(t, nb.VertexCount, maxRun)
		staged := nb.Buffer.Vertices()
		for k := range nb.VertexCount {
			dc := &calls[nb.FirstCall+k]
			require.Equal(t, nb.Texture.ID(), dc.Texture.ID(), "run %d call %d", i, k)
			require.Equal(t, VertexOf(dc), staged[nb.VertexOffset+k])
		}
		next += nb.VertexCount
	}
	require.Equal(t, len(calls), next, "runs cover every call")
}

func TestBatchTenThousandCallsThreeBindings(t *testing.T) {
	dev := device.NewNullDevice()
	pool := newTestPool(dev, PoolConfig{})
	b := New(nil, 0)
	fillBatch(t, b, textures(3), 10000)

	require.NoError(t, b.Prepare(&PrepareContext{Pool: pool}))
	assert.Equal(t, StatePrepared, b.State())
	assert.Len(t, b.NativeBatches(), 3)
	checkPartition(t, b, DefaultMaxBatchSize)

	require.NoError(t, b.Issue(&IssueContext{Device: dev}))
	assert.Equal(t, StateIssued, b.State())
	stats := dev.Stats()
	assert.Equal(t, 3, stats.Draws)
	assert.Equal(t, 3, stats.Binds)
	assert.Equal(t, 1, stats.BuffersCreated)
	assert.Equal(t, uint64(10000*VertexStride), stats.BytesWritten)
}

func TestBatchMaxBatchSizeSplitsRuns(t *testing.T) {
	dev := device.NewNullDevice()
	b := New(nil, 0)
	fillBatch(t, b, textures(3), 10000)

	require.NoError(t, b.Prepare(&PrepareContext{Pool: newTestPool(dev, PoolConfig{}), MaxBatchSize: 1000}))
	// 3334, 3333 and 3333 calls each split into four runs.
	assert.Len(t, b.NativeBatches(), 12)
	checkPartition(t, b, 1000)

	require.NoError(t, b.Issue(&IssueContext{Device: dev}))
	// Consecutive runs of the same texture keep the binding.
	assert.Equal(t, 3, dev.Stats().Binds)
	assert.Equal(t, 12, dev.Stats().Draws)
}

func TestBatchFullBufferClosesRun(t *testing.T) {
	dev := device.NewNullDevice()
	pool := newTestPool(dev, PoolConfig{SmallChunk: 100, LargeChunk: 100})
	b := New(nil, 0)
	fillBatch(t, b, textures(1), 250)

	require.NoError(t, b.Prepare(&PrepareContext{Pool: pool}))
	natives := b.NativeBatches()
	require.Len(t, natives, 3)
	assert.Equal(t, []int{100, 100, 50}, []int{natives[0].VertexCount, natives[1].VertexCount, natives[2].VertexCount})
	assert.NotSame(t, natives[0].Buffer, natives[1].Buffer)
	checkPartition(t, b, DefaultMaxBatchSize)
	assert.Equal(t, 3, pool.Stats().InUse)

	require.NoError(t, b.Release())
	assert.Equal(t, 0, pool.Stats().InUse)
	assert.Nil(t, b.NativeBatches())
	assert.Equal(t, StateNotPrepared, b.State(), "a released batch must be prepared again")
	assert.Len(t, b.Calls(), 250)

	err := b.Issue(&IssueContext{Device: dev})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, dev.Stats().Draws)

	require.NoError(t, b.Prepare(&PrepareContext{Pool: pool}))
	require.NoError(t, b.Issue(&IssueContext{Device: dev}))
	assert.Equal(t, 3, dev.Stats().Draws)
}

func TestBatchParallelFillMatchesSerial(t *testing.T) {
	texs := textures(5)
	prepare := func(threshold int) *Batch {
		b := New(nil, 0)
		fillBatch(t, b, texs, 9000)
		dev := device.NewNullDevice()
		require.NoError(t, b.Prepare(&PrepareContext{
			Pool:         newTestPool(dev, PoolConfig{}),
			ParallelFill: threshold,
			FillLimit:    4,
		}))
		return b
	}
	serial := prepare(-1)
	parallel := prepare(1)
	checkPartition(t, parallel, DefaultMaxBatchSize)

	require.Equal(t, len(serial.NativeBatches()), len(parallel.NativeBatches()))
	for i, nb := range serial.NativeBatches() {
		pnb := parallel.NativeBatches()[i]
		assert.Equal(t, nb.Buffer.Vertices(), pnb.Buffer.Vertices())
	}
}

func TestBatchUploadsEncodedVertices(t *testing.T) {
	dev := device.NewNullDevice()
	b := New(nil, 0)
	tex := textures(1)[0]
	require.NoError(t, b.Add(NewDrawCall(tex, f32.Vec2{42, 7})))

	require.NoError(t, b.Prepare(&PrepareContext{Pool: newTestPool(dev, PoolConfig{})}))
	require.NoError(t, b.Issue(&IssueContext{Device: dev}))

	draws := dev.Draws()
	require.Len(t, draws, 1)
	assert.Equal(t, device.DrawRecord{Buffer: draws[0].Buffer, Binding: tex.ID(), First: 0, Count: 1}, draws[0])

	nb, ok := dev.Buffer(draws[0].Buffer)
	require.True(t, ok)
	data := nb.Bytes()
	assert.Equal(t, float32(42), math.Float32frombits(binary.LittleEndian.Uint32(data[0:4])))
	assert.Equal(t, float32(7), math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])))
}

func TestBatchMaterialBoundFirst(t *testing.T) {
	dev := device.NewNullDevice()
	mat := device.NewTexture("material", 1, 1, gputypes.TextureFormatRGBA8Unorm)
	b := New(mat, 0)
	fillBatch(t, b, textures(2), 4)

	require.NoError(t, b.Prepare(&PrepareContext{Pool: newTestPool(dev, PoolConfig{})}))
	require.NoError(t, b.Issue(&IssueContext{Device: dev}))
	assert.Equal(t, 3, dev.Stats().Binds)
	assert.Equal(t, 2, dev.Stats().Draws)
}

func TestBatchStateMachine(t *testing.T) {
	dev := device.NewNullDevice()
	pool := newTestPool(dev, PoolConfig{})
	b := New(nil, 0)
	fillBatch(t, b, textures(1), 3)

	t.Run("issue before prepare", func(t *testing.T) {
		err := b.Issue(&IssueContext{Device: dev})
		require.ErrorIs(t, err, ErrInvalidTransition)
		var te *TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, StateNotPrepared, te.Actual)
		assert.Equal(t, StateNotPrepared, b.State())
		assert.Zero(t, dev.Stats().Draws)
	})

	require.NoError(t, b.Prepare(&PrepareContext{Pool: pool}))

	t.Run("double prepare", func(t *testing.T) {
		assert.ErrorIs(t, b.Prepare(&PrepareContext{Pool: pool}), ErrInvalidTransition)
		assert.Equal(t, StatePrepared, b.State())
	})

	t.Run("add after prepare", func(t *testing.T) {
		assert.ErrorIs(t, b.Add(NewDrawCall(textures(1)[0], f32.Vec2{})), ErrInvalidTransition)
		_, err := b.ReserveSpace(1)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	require.NoError(t, b.Issue(&IssueContext{Device: dev}))

	t.Run("double issue", func(t *testing.T) {
		assert.ErrorIs(t, b.Issue(&IssueContext{Device: dev}), ErrInvalidTransition)
		assert.Equal(t, 1, dev.Stats().Draws)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, b.Reset())
		assert.Equal(t, StateNotPrepared, b.State())
		assert.Zero(t, b.Len())
		assert.Zero(t, pool.Stats().InUse)
	})
}

func TestBatchIssueWhilePreparing(t *testing.T) {
	dev := device.NewNullDevice()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	dev.OnCreateBuffer = func(gputypes.BufferDescriptor) error {
		once.Do(func() { close(entered) })
		<-proceed
		return nil
	}
	pool := newTestPool(dev, PoolConfig{})
	b := New(nil, 0)
	fillBatch(t, b, textures(2), 10)

	done := make(chan error, 1)
	go func() { done <- b.Prepare(&PrepareContext{Pool: pool}) }()
	<-entered
	require.Equal(t, StatePreparing, b.State())

	err := b.Issue(&IssueContext{Device: dev})
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatePreparing, te.Actual)
	assert.ErrorIs(t, b.Release(), ErrInvalidTransition)

	close(proceed)
	require.NoError(t, <-done)
	assert.Zero(t, dev.Stats().Draws)

	require.NoError(t, b.Issue(&IssueContext{Device: dev}))
	assert.Equal(t, 2, dev.Stats().Draws)
}

func TestBatchConcurrentPrepareAndIssue(t *testing.T) {
	const calls, issuers = 64, 4
	texs := textures(2)

	for round := range 200 {
		dev := device.NewNullDevice()
		pool := newTestPool(dev, PoolConfig{})
		b := New(nil, 0)
		fillBatch(t, b, texs, calls)

		start := make(chan struct{})
		var wg sync.WaitGroup
		var prepErr error
		issueErrs := make([]error, issuers)

		wg.Add(1 + issuers)
		go func() {
			defer wg.Done()
			<-start
			prepErr = b.Prepare(&PrepareContext{Pool: pool})
		}()
		for i := range issuers {
			go func() {
				defer wg.Done()
				<-start
				issueErrs[i] = b.Issue(&IssueContext{Device: dev})
			}()
		}
		close(start)
		wg.Wait()

		require.NoError(t, prepErr, "round %d", round)
		succeeded := 0
		for _, err := range issueErrs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, ErrInvalidTransition, "round %d", round)
		}
		require.LessOrEqual(t, succeeded, 1, "round %d", round)

		drawn := 0
		for _, d := range dev.Draws() {
			drawn += int(d.Count)
		}
		if succeeded == 1 {
			assert.Equal(t, StateIssued, b.State())
			assert.Equal(t, calls, drawn, "round %d: an issue sees every prepared vertex", round)
		} else {
			assert.Equal(t, StatePrepared, b.State())
			assert.Zero(t, drawn, "round %d", round)
		}
	}
}

func TestBatchAddRangeIsAtomic(t *testing.T) {
	b := New(nil, 0)
	tex := textures(1)[0]
	err := b.AddRange([]DrawCall{NewDrawCall(tex, f32.Vec2{}), {}})
	require.ErrorIs(t, err, ErrInvalidDrawCall)
	assert.Zero(t, b.Len())

	assert.ErrorIs(t, b.Add(DrawCall{}), ErrInvalidDrawCall)
}

func TestBatchReservation(t *testing.T) {
	dev := device.NewNullDevice()
	tex := textures(1)[0]
	b := New(nil, 0)
	require.NoError(t, b.Add(NewDrawCall(tex, f32.Vec2{})))

	r, err := b.ReserveSpace(10)
	require.NoError(t, err)
	assert.Equal(t, 11, b.Len())

	slots := r.Calls()
	require.Len(t, slots, 10)
	for i := range 4 {
		slots[i] = NewDrawCall(tex, f32.Vec2{float32(i + 1)})
	}

	assert.ErrorIs(t, r.Shrink(11), ErrReservationGrow)
	require.NoError(t, r.Shrink(4))
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 4, r.Len())

	other, err := b.ReserveSpace(2)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Shrink(2), ErrReservationNotTail)
	require.NoError(t, other.Shrink(0))

	require.NoError(t, b.Prepare(&PrepareContext{Pool: newTestPool(dev, PoolConfig{})}))
	assert.Equal(t, 5, b.NativeBatches()[0].VertexCount)
}

func TestBatchUnfilledReservationFailsPrepare(t *testing.T) {
	dev := device.NewNullDevice()
	b := New(nil, 0)
	_, err := b.ReserveSpace(2)
	require.NoError(t, err)

	err = b.Prepare(&PrepareContext{Pool: newTestPool(dev, PoolConfig{})})
	assert.ErrorIs(t, err, ErrInvalidDrawCall)
	assert.Equal(t, StateNotPrepared, b.State())
}

func TestBatchPrepareFailureRollsBack(t *testing.T) {
	dev := device.NewNullDevice()
	pool := newTestPool(dev, PoolConfig{SmallChunk: 10, LargeChunk: 10})
	b := New(nil, 0)
	fillBatch(t, b, textures(2), 30)

	created := 0
	dev.OnCreateBuffer = func(gputypes.BufferDescriptor) error {
		created++
		if created == 2 {
			dev.SetStatus(device.StatusLost)
		}
		return nil
	}

	err := b.Prepare(&PrepareContext{Pool: pool})
	require.ErrorIs(t, err, device.ErrDeviceLost)
	assert.Equal(t, StateNotPrepared, b.State())
	assert.Nil(t, b.NativeBatches())
	assert.Zero(t, pool.Stats().InUse, "partially acquired buffers are returned")

	dev.SetStatus(device.StatusNormal)
	pool.Invalidate()
	require.NoError(t, b.Prepare(&PrepareContext{Pool: pool}))
	checkPartition(t, b, DefaultMaxBatchSize)
}

func TestBatchContradictionFailsPrepare(t *testing.T) {
	reg := tags.NewRegistry()
	a := reg.MustIntern("a")
	bt := reg.MustIntern("b")
	c := reg.MustIntern("c")
	order, err := tags.NewOrderings(
		tags.NewOrdering(a.Set(), bt.Set()),
		tags.NewOrdering(bt.Set(), c.Set()),
	)
	require.NoError(t, err)

	tex := textures(1)[0]
	b := New(nil, 0)
	b.Sorter = &Sorter{Orderings: order}
	first := NewDrawCall(tex, f32.Vec2{1})
	first.Tags = bt.Set()
	second := NewDrawCall(tex, f32.Vec2{2})
	second.Tags = reg.Of(a, c)
	require.NoError(t, b.AddRange([]DrawCall{first, second}))

	err = b.Prepare(&PrepareContext{Pool: newTestPool(device.NewNullDevice(), PoolConfig{})})
	require.ErrorIs(t, err, tags.ErrContradictoryOrdering)
	assert.Equal(t, StateNotPrepared, b.State())
	assert.Equal(t, []DrawCall{first, second}, b.Calls())
}

func TestBatchIssueDeviceLost(t *testing.T) {
	dev := device.NewNullDevice()
	b := New(nil, 0)
	fillBatch(t, b, textures(2), 10)
	require.NoError(t, b.Prepare(&PrepareContext{Pool: newTestPool(dev, PoolConfig{})}))

	dev.OnDraw = func(device.DrawRecord) error {
		dev.SetStatus(device.StatusLost)
		return nil
	}
	err := b.Issue(&IssueContext{Device: dev})
	require.ErrorIs(t, err, device.ErrDeviceLost)
	assert.Equal(t, StateIssued, b.State(), "a failed issue still spends the batch")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Preparing", StatePreparing.String())
	assert.Equal(t, "State(9)", State(9).String())
}

// Benchmarks

func benchmarkPrepare(b *testing.B, n, parallelFill int) {
	dev := device.NewNullDevice()
	dev.SetDrawLog(false)
	pool := newTestPool(dev, PoolConfig{})
	texs := textures(4)
	calls := make([]DrawCall, n)
	for i := range calls {
		calls[i] = NewDrawCall(texs[i%len(texs)], f32.Vec2{float32(i), 0})
	}
	pc := &PrepareContext{Pool: pool, ParallelFill: parallelFill}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bat := New(nil, 0)
		if err := bat.AddRange(calls); err != nil {
			b.Fatal(err)
		}
		if err := bat.Prepare(pc); err != nil {
			b.Fatal(err)
		}
		if err := bat.Release(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBatch_Prepare_1k(b *testing.B)  { benchmarkPrepare(b, 1000, 0) }
func BenchmarkBatch_Prepare_10k(b *testing.B) { benchmarkPrepare(b, 10000, 0) }

func BenchmarkBatch_Prepare_10k_Serial(b *testing.B) {
	benchmarkPrepare(b, 10000, -1)
}
