// Package framekit is a concurrent frame-rendering pipeline.
//
// framekit takes draw requests from application code, sorts them under
// declarative ordering constraints, coalesces them into the fewest device
// submissions and overlaps the CPU-side preparation of one frame with the
// submission of the previous one.
//
// # Packages
//
//   - tags: interned tags, canonical tag sets and ordering rules between them
//   - parallel: typed work queues served by an adaptive goroutine pool
//   - device: the graphics device interface and a recording null device
//   - batch: draw calls, the sorter and the batching engine
//   - render: the frame lifecycle coordinator
//   - cache: the sharded intern map behind tag sets
//
// # Quick Start
//
//	dev := device.NewNullDevice()
//	c, err := render.New(dev)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	if c.BeginDraw() {
//	    frame, _ := c.BeginFrame()
//	    b, _ := frame.NewBatch(nil, 0)
//	    b.Add(batch.NewDrawCall(tex, f32.Vec2{10, 20}))
//	    if err := c.EndDraw(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Logging
//
// framekit is silent by default. Use SetLogger to route diagnostics from
// every sub-package to a slog.Logger.
package framekit
