// Package simbackend implements queue.BackEnd entirely in memory: each
// axis is a kinematic point that integrates a commanded rate (or chases
// a GoTo target at the mount's top slew speed) forward from the instant
// it was last touched, generalizing the teacher's Simulator — which held
// RA/Dec directly and interpolated a great-circle slew on a 100ms ticker
// — into a command-executing back-end instead of a self-contained mount.
package simbackend

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/darkdragonsastro/mountcore/internal/config"
	"github.com/darkdragonsastro/mountcore/internal/mounterrors"
	"github.com/darkdragonsastro/mountcore/internal/queue"
)

const stopEpsilonDeg = 1e-6

// axisState is one axis's kinematic point, advanced lazily on every
// Execute call rather than by a background ticker.
type axisState struct {
	posDeg      float64
	rateDegPerS float64 // signed; 0 means stationary
	target      *float64
	lastUpdate  time.Time
}

// BackEnd simulates both mount axes without any real hardware.
type BackEnd struct {
	snap *config.Snapshot

	mu   sync.Mutex
	axes [2]axisState
}

// New returns a BackEnd parked at the snapshot's home axes.
func New(snap *config.Snapshot) *BackEnd {
	b := &BackEnd{snap: snap}
	now := time.Now()
	for i := 0; i < 2; i++ {
		b.axes[i] = axisState{posDeg: snap.HomeAxes[i], lastUpdate: now}
	}
	return b
}

// Execute implements queue.BackEnd.
func (b *BackEnd) Execute(ctx context.Context, cmd *queue.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(0, now)
	b.advance(1, now)

	switch cmd.Kind {
	case queue.GoToAxisTarget:
		target := cmd.Value
		b.axes[cmd.Axis].target = &target
		b.axes[cmd.Axis].rateDegPerS = b.chaseRate(cmd.Axis, target)

	case queue.MoveAxisRate:
		b.axes[cmd.Axis].target = nil
		b.axes[cmd.Axis].rateDegPerS = cmd.Value

	case queue.StopAxes:
		for i := 0; i < 2; i++ {
			b.axes[i].target = nil
			b.axes[i].rateDegPerS = 0
		}

	case queue.SetAxisPosition:
		b.axes[cmd.Axis] = axisState{posDeg: cmd.Value, lastUpdate: now}

	case queue.IsAxisFullStop:
		cmd.Result = b.axes[cmd.Axis].target == nil && b.axes[cmd.Axis].rateDegPerS == 0

	case queue.GetSteps:
		cmd.Result = [2]float64{degreesToSteps(b.axes[0].posDeg, 0, b.snap), degreesToSteps(b.axes[1].posDeg, 1, b.snap)}

	case queue.GetPositionsDegrees:
		cmd.Result = [2]float64{b.axes[0].posDeg, b.axes[1].posDeg}

	case queue.GetControllerVoltage:
		cmd.Result = 12.3

	case queue.GetMotorCardVersion:
		cmd.Result = "simbackend-1.0"

	default:
		return mounterrors.New(mounterrors.MountError, "simbackend: unrecognised command kind")
	}
	return nil
}

// advance integrates axis's position from its last touch to now, snapping
// onto an in-flight GoTo target the instant it's reached.
func (b *BackEnd) advance(axis int, now time.Time) {
	a := &b.axes[axis]
	dt := now.Sub(a.lastUpdate).Seconds()
	a.lastUpdate = now
	if dt <= 0 || a.rateDegPerS == 0 {
		return
	}

	a.posDeg += a.rateDegPerS * dt

	if a.target != nil {
		reached := (a.rateDegPerS > 0 && a.posDeg >= *a.target) || (a.rateDegPerS < 0 && a.posDeg <= *a.target)
		if reached || math.Abs(a.posDeg-*a.target) < stopEpsilonDeg {
			a.posDeg = *a.target
			a.target = nil
			a.rateDegPerS = 0
		}
	}
}

// chaseRate returns the signed rate that drives axis toward target at
// the mount's top configured slew speed.
func (b *BackEnd) chaseRate(axis int, target float64) float64 {
	top := b.snap.SlewSpeeds[len(b.snap.SlewSpeeds)-1]
	if top <= 0 {
		top = 4
	}
	if target < b.axes[axis].posDeg {
		return -top
	}
	if target > b.axes[axis].posDeg {
		return top
	}
	return 0
}

// degreesToSteps inverts position.stepsToDegrees for the given mount
// family, the pure arithmetic half of the wire protocol simbackend
// plays both ends of.
func degreesToSteps(degrees float64, axis int, snap *config.Snapshot) float64 {
	if snap.MountFamily == config.Simulator {
		return degrees * snap.FactorStep[axis]
	}
	if snap.FactorStep[axis] == 0 {
		return 0
	}
	radians := degrees * math.Pi / 180
	return radians / snap.FactorStep[axis]
}
