// Command framebench renders synthetic frames through the framekit
// pipeline against a null device and reports batching statistics.
//
// Usage:
//
//	framebench [-n frames] [-c calls] [-t textures] [--serial] [-s scenario.toml]
package main

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/jessevdk/go-flags"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/framekit"
	"github.com/gogpu/framekit/batch"
	"github.com/gogpu/framekit/device"
	"github.com/gogpu/framekit/parallel"
	"github.com/gogpu/framekit/render"
	"github.com/gogpu/framekit/tags"
)

type options struct {
	Frames       int    `short:"n" long:"frames" default:"60" description:"frames to render"`
	Calls        int    `short:"c" long:"calls" default:"10000" description:"draw calls per frame"`
	Textures     int    `short:"t" long:"textures" default:"8" description:"distinct textures per batch"`
	Batches      int    `short:"b" long:"batches" default:"4" description:"batches per frame"`
	MaxBatchSize int    `long:"max-batch" default:"8192" description:"max vertices per native batch"`
	Workers      int    `short:"w" long:"workers" default:"0" description:"max prepare workers (0 = GOMAXPROCS)"`
	Serial       bool   `long:"serial" description:"disable threaded prepare and issue"`
	LoseEvery    int    `long:"lose-every" default:"0" description:"simulate a device loss every N frames"`
	Scenario     string `short:"s" long:"scenario" description:"TOML scenario file"`
	Seed         uint64 `long:"seed" default:"1" description:"random seed for call placement"`
	LogLevel     string `long:"log-level" default:"warn" description:"log level (debug, info, warn, error)"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "framebench: %v\n", err)
		os.Exit(2)
	}
	framekit.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	sc := defaultScenario(&opts)
	if opts.Scenario != "" {
		var err error
		if sc, err = LoadScenario(opts.Scenario); err != nil {
			fmt.Fprintf(os.Stderr, "framebench: %v\n", err)
			os.Exit(1)
		}
	}

	res, err := run(sc, &opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framebench: %v\n", err)
		os.Exit(1)
	}
	res.print(os.Stdout)
}

type result struct {
	frames  int
	skipped int
	elapsed time.Duration
	stats   render.Stats
	device  device.NullStats
}

func (r *result) print(w io.Writer) {
	fps := float64(r.stats.FramesIssued) / r.elapsed.Seconds()
	fmt.Fprintf(w, "frames         %d (%d issued, %d dropped, %d skipped)\n",
		r.frames, r.stats.FramesIssued, r.stats.FramesDropped, r.skipped)
	fmt.Fprintf(w, "draw calls     %d\n", r.stats.DrawCalls)
	fmt.Fprintf(w, "native batches %d\n", r.stats.NativeBatches)
	if r.stats.NativeBatches > 0 {
		fmt.Fprintf(w, "calls/batch    %.1f\n", float64(r.stats.DrawCalls)/float64(r.stats.NativeBatches))
	}
	fmt.Fprintf(w, "device         %d binds, %d draws, %d presents, %d bytes uploaded\n",
		r.device.Binds, r.device.Draws, r.device.Presents, r.device.BytesWritten)
	fmt.Fprintf(w, "buffers        %d created, %d reused, %d disposed\n",
		r.stats.Pool.Created, r.stats.Pool.Reused, r.stats.Pool.Disposed)
	fmt.Fprintf(w, "elapsed        %v (%.1f frames/s)\n", r.elapsed.Round(time.Millisecond), fps)
}

// world holds the resources shared by every frame of a scenario.
type world struct {
	textures [][]*device.Texture
	tagSets  []*tags.Set
	rng      *rand.Rand
}

func newWorld(sc *Scenario, reg *tags.Registry, seed uint64) (*world, error) {
	w := &world{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	for i, spec := range sc.Batches {
		texs := make([]*device.Texture, spec.Textures)
		for j := range texs {
			texs[j] = device.NewTexture(fmt.Sprintf("batch%d/tex%d", i, j), 64, 64, gputypes.TextureFormatRGBA8Unorm)
		}
		w.textures = append(w.textures, texs)

		set, err := tagSet(reg, spec.Tags)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		w.tagSets = append(w.tagSets, set)
	}
	return w, nil
}

func tagSet(reg *tags.Registry, names []string) (*tags.Set, error) {
	set := reg.Empty()
	for _, name := range names {
		t, err := reg.Intern(name)
		if err != nil {
			return nil, err
		}
		set = set.With(t)
	}
	return set, nil
}

func buildOrderings(sc *Scenario, reg *tags.Registry) (*tags.Orderings, error) {
	order, err := tags.NewOrderings()
	if err != nil {
		return nil, err
	}
	for i, spec := range sc.Orderings {
		before, err := tagSet(reg, spec.Before)
		if err != nil {
			return nil, fmt.Errorf("ordering %d: %w", i, err)
		}
		after, err := tagSet(reg, spec.After)
		if err != nil {
			return nil, fmt.Errorf("ordering %d: %w", i, err)
		}
		if err := order.Add(tags.NewOrdering(before, after)); err != nil {
			return nil, fmt.Errorf("ordering %d: %w", i, err)
		}
	}
	return order, nil
}

func (w *world) fill(f *render.Frame, sc *Scenario) error {
	for i, spec := range sc.Batches {
		b, err := f.NewBatch(nil, spec.Layer)
		if err != nil {
			return err
		}
		res, err := b.ReserveSpace(spec.Calls)
		if err != nil {
			return err
		}
		texs := w.textures[i]
		calls := res.Calls()
		for k := range calls {
			dc := batch.NewDrawCall(texs[w.rng.IntN(len(texs))], f32.Vec2{
				w.rng.Float32() * 1920,
				w.rng.Float32() * 1080,
			})
			dc.Tags = w.tagSets[i]
			dc.Rotation = w.rng.Float32()
			if spec.SortOrders > 0 {
				dc.SortOrder = float32(w.rng.IntN(spec.SortOrders))
			}
			calls[k] = dc
		}
	}
	return nil
}

func run(sc *Scenario, opts *options) (*result, error) {
	reg := tags.NewRegistry()
	order, err := buildOrderings(sc, reg)
	if err != nil {
		return nil, err
	}
	w, err := newWorld(sc, reg, opts.Seed)
	if err != nil {
		return nil, err
	}

	dev := device.NewNullDevice()
	dev.SetDrawLog(false)
	copts := []render.Option{
		render.WithHost(dev),
		render.WithOrderings(order),
		render.WithMaxBatchSize(sc.MaxBatchSize),
		render.WithThreadedPrepare(!opts.Serial),
		render.WithThreadedIssue(!opts.Serial),
		render.WithThreadGroup(parallel.Config{Name: "framebench", MaxThreads: opts.Workers}),
	}
	if sc.Descending {
		copts = append(copts, render.WithDescendingSort())
	}
	c, err := render.New(dev, copts...)
	if err != nil {
		return nil, err
	}

	res := &result{frames: sc.Frames}
	start := time.Now()
	for i := 1; i <= sc.Frames; i++ {
		if sc.LoseEvery > 0 && i%sc.LoseEvery == 0 {
			c.DeviceLost()
		}
		if !c.BeginDraw() {
			res.skipped++
			c.DeviceReset()
			continue
		}
		f, err := c.BeginFrame()
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := w.fill(f, sc); err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := c.EndDraw(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
	}
	if err := c.WaitForActiveDraw(); err != nil {
		_ = c.Close()
		return nil, err
	}
	res.elapsed = time.Since(start)
	res.stats = c.Stats()
	if err := c.Close(); err != nil {
		return nil, err
	}
	res.device = dev.Stats()
	return res, nil
}
