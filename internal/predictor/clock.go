// Package predictor implements the predictive sharder of spec §4.5: a
// bounded telemetry ring buffer feeding a background PINN trainer, plus
// forecast and migration-recommendation queries.
package predictor

import "time"

// Clock is the injectable normalized-time source the Design Notes (§9)
// call out as a repository open question: the original derives it from
// wall clock, which this module makes swappable so tests can drive
// deterministic forecasts.
type Clock interface {
	Now() float64
}

// WallClock reports seconds since it was constructed, as a float64.
type WallClock struct {
	start time.Time
}

// NewWallClock returns a Clock anchored to the current instant.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

func (c *WallClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// ManualClock is a test double whose value is only advanced explicitly.
type ManualClock struct {
	t float64
}

func NewManualClock() *ManualClock { return &ManualClock{} }

func (c *ManualClock) Now() float64 { return c.t }

// Advance moves the clock forward by delta seconds.
func (c *ManualClock) Advance(delta float64) { c.t += delta }

// Set pins the clock to an absolute value.
func (c *ManualClock) Set(t float64) { c.t = t }
