// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package render coordinates the frame lifecycle between the application,
// a pool of prepare workers and the graphics device.
//
// # Key Principle
//
// render RECEIVES a device from the host application, it does NOT create
// its own. The device is anything implementing device.Device; the
// coordinator only serializes access to it.
//
// # Frame Lifecycle
//
//	c, _ := render.New(dev)
//	defer c.Close()
//
//	for running {
//	    if !c.BeginDraw() {
//	        continue // device lost or resetting
//	    }
//	    frame, _ := c.BeginFrame()
//	    b, _ := frame.NewBatch(nil, 0)
//	    b.Add(batch.NewDrawCall(sprite, pos))
//	    if err := c.EndDraw(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// EndDraw prepares the frame (sorting and batching every batch, in
// parallel when WithThreadedPrepare is on) and hands it to the draw
// goroutine, which issues and presents it. With WithThreadedIssue on,
// EndDraw returns immediately and the next frame prepares while this one
// issues.
//
// # Device Loss and Reset
//
// The host reports device events with DeviceResetting, DeviceReset and
// DeviceLost. A lost device drops the frame in progress quietly and makes
// BeginDraw return false until DeviceReset. A reset waits for the frame in
// progress, then holds every device lock until it completes.
//
// # Thread Safety
//
// Coordinator methods are safe for concurrent use. A Frame may be filled
// from any goroutine until EndDraw; afterwards it is immutable.
package render
