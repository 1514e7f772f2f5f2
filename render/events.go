// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

// DeviceResetting must be called when the device is about to reset. It
// waits for any prepare or issue in progress, then holds the prepare,
// create and use locks until DeviceReset, so no frame touches the device
// while it resets. BeginDraw returns false in between.
func (c *Coordinator) DeviceResetting() {
	c.prepareMu.Lock()
	c.createMu.Lock()
	c.useMu.Lock()

	c.mu.Lock()
	c.resetting = true
	c.gen++
	c.mu.Unlock()
	slogger().Info("device resetting")
}

// DeviceReset must be called once the device is usable again. It releases
// the locks taken by DeviceResetting, clears a lost state and drops every
// device buffer created before the reset.
func (c *Coordinator) DeviceReset() {
	c.mu.Lock()
	wasResetting := c.resetting
	wasLost := c.lost
	c.resetting = false
	c.lost = false
	c.gen++
	c.lastReset = c.opts.now()
	c.mu.Unlock()

	c.pool.Invalidate()
	if wasResetting {
		c.useMu.Unlock()
		c.createMu.Unlock()
		c.prepareMu.Unlock()
	}
	slogger().Info("device reset", "wasLost", wasLost)
}

// DeviceLost marks the device lost. The frame being built or prepared is
// dropped, and BeginDraw returns false until DeviceReset.
func (c *Coordinator) DeviceLost() {
	c.markLost()
}

func (c *Coordinator) markLost() {
	c.mu.Lock()
	already := c.lost
	c.lost = true
	c.gen++
	c.mu.Unlock()
	if !already {
		slogger().Warn("device lost")
	}
}
