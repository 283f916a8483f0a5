// Package tracking implements the Tracking Engine (C6): per-axis rate
// composition from the base drive rate, custom gearing, guide-rate pulses,
// and MoveAxis overrides, plus the pulse-guide and tracking-mode state
// machines of §4.5.
package tracking

import (
	"errors"
	"sync"
	"time"

	"github.com/darkdragonsastro/mountcore/internal/config"
	"github.com/darkdragonsastro/mountcore/internal/mounterrors"
)

// ErrUseGoToForPulse is returned by PulseGuide for the Dec axis when
// dec_pulse_to_goto is configured: the caller should issue a short GoTo
// instead of asking the tracking engine for a rate modulation.
var ErrUseGoToForPulse = errors.New("tracking: dec_pulse_to_goto set, issue a GoTo instead")

// Mode is the tracking-rate source, following the state machine of §4.5:
// Off -> one of the drive modes when tracking is enabled; AltAz mounts
// force AltAz regardless of the configured tracking_rate.
type Mode int

const (
	Off Mode = iota
	Sidereal
	Lunar
	Solar
	King
	AltAz
)

func (m Mode) String() string {
	switch m {
	case Sidereal:
		return "Sidereal"
	case Lunar:
		return "Lunar"
	case Solar:
		return "Solar"
	case King:
		return "King"
	case AltAz:
		return "AltAz"
	default:
		return "Off"
	}
}

// Base drive rates, in arcseconds of RA advance per second of real time.
// King approximates the empirical rate some GEM firmwares use to bias out
// mean atmospheric refraction drift; it sits fractionally below sidereal.
const (
	siderealArcsecPerSec = 15.041
	lunarArcsecPerSec    = 14.685
	solarArcsecPerSec    = 15.0
	kingArcsecPerSec     = 15.037
)

func baseRateDegPerSec(mode Mode) float64 {
	var arcsecPerSec float64
	switch mode {
	case Sidereal:
		arcsecPerSec = siderealArcsecPerSec
	case Lunar:
		arcsecPerSec = lunarArcsecPerSec
	case Solar:
		arcsecPerSec = solarArcsecPerSec
	case King:
		arcsecPerSec = kingArcsecPerSec
	default:
		return 0
	}
	return arcsecPerSec / 3600.0
}

const axisPrimary = 0
const axisSecondary = 1

// pulseState tracks one axis's in-flight pulse-guide.
type pulseState struct {
	active    bool
	rateDelta float64 // deg/s, already signed by direction
}

// Engine composes the commanded mount rate for both axes from tracking
// mode, guide pulses, and MoveAxis overrides.
type Engine struct {
	mu sync.Mutex

	mode    Mode
	enabled bool

	customGearingPPM float64
	forceAltAz       bool    // true for AltAz-aligned mounts, per §4.5
	primaryAxisSign  float64 // ±1, per §4.5 composition rule 5

	moveAxisRate [2]float64 // deg/s; 0 means "no MoveAxis override"
	pulses       [2]pulseState

	// altAzRate holds the externally recomputed Alt/Az tracking rate
	// vector (deg/s), refreshed by the position pipeline's second timer
	// per §4.5's AltAz recompute policy.
	altAzRate [2]float64
}

// New returns an Engine with tracking off.
func New() *Engine {
	return &Engine{primaryAxisSign: 1}
}

// SetTracking enables or disables tracking. Disabling commands both axes
// back to zero rate (besides any active MoveAxis override, which is
// independent of tracking per §4.5's composition rule 4). AltAz mounts
// force AltAz tracking regardless of the mode requested.
func (e *Engine) SetTracking(on bool, mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = on
	if !on {
		e.mode = Off
		return
	}
	if e.forceAltAz {
		e.mode = AltAz
		return
	}
	e.mode = mode
}

// SetAlignmentMode records whether this mount's alignment_mode is AltAz;
// if so, every subsequent SetTracking(true, ...) is forced to AltAz mode
// regardless of the caller's requested tracking_rate, per §4.5.
func (e *Engine) SetAlignmentMode(mode config.AlignmentMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceAltAz = mode == config.AltAz
}

// SetPrimaryAxisRateSign installs the sign correction CommandedRate applies
// to the primary axis's base tracking rate, per §4.5 composition rule 5.
// Callers derive sign from coords.PrimaryAxisTrackingSign(snap); it is +1
// for every mount except a SkyWatcher Polar mount in the pier-flipped
// orientation in the southern hemisphere.
func (e *Engine) SetPrimaryAxisRateSign(sign float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.primaryAxisSign = sign
}

// Mode reports the current tracking mode (Off if tracking is disabled).
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetCustomGearing sets the ppm correction applied to the sidereal
// constant, per the `custom_gearing` configuration key.
func (e *Engine) SetCustomGearing(ppm float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customGearingPPM = ppm
}

// SetMoveAxisRate sets a sustained rate override on axis, replacing
// tracking on that axis while non-zero. Setting it back to 0 restores the
// axis's tracking contribution on the next rate cycle.
func (e *Engine) SetMoveAxisRate(axis int, rateDegPerS float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moveAxisRate[axis] = rateDegPerS
}

// SetAltAzRate installs the latest recomputed Alt/Az tracking rate
// vector, used only when Mode() == AltAz.
func (e *Engine) SetAltAzRate(rateAzDegPerS, rateAltDegPerS float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.altAzRate[axisPrimary] = rateAzDegPerS
	e.altAzRate[axisSecondary] = rateAltDegPerS
}

// CommandedRate returns the commanded mount rate (deg/s) for axis, the
// sum of base tracking rate, custom gearing, any active guide pulse, with
// MoveAxis entirely replacing the result when set.
func (e *Engine) CommandedRate(axis int, pecFactor float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.moveAxisRate[axis] != 0 {
		return e.moveAxisRate[axis]
	}

	if !e.enabled {
		return 0
	}

	var rate float64
	if e.mode == AltAz {
		rate = e.altAzRate[axis]
	} else if axis == axisPrimary {
		rate = baseRateDegPerSec(e.mode) * (1 + e.customGearingPPM/1e6)
		rate *= pecFactor
		rate *= e.primaryAxisSign
	}

	if e.pulses[axis].active {
		rate += e.pulses[axis].rateDelta
	}

	return rate
}

// PulseGuide issues a pulse-guide correction on axis for durationMs,
// per §4.5. Fails with InvalidState if a pulse is already active on the
// same axis, and with InvalidArgument if durationMs is below the
// configured minimum. Cancelling the returned function restores the
// prior rate within one rate-update cycle.
func (e *Engine) PulseGuide(axis int, direction float64, durationMs int, snap *config.Snapshot) (cancel func(), err error) {
	e.mu.Lock()
	if e.pulses[axis].active {
		e.mu.Unlock()
		return nil, mounterrors.New(mounterrors.InvalidState, "pulse-guide already active on this axis")
	}

	minPulse := snap.MinPulseMsRA
	if axis == axisSecondary {
		minPulse = snap.MinPulseMsDec
	}
	if durationMs < minPulse {
		e.mu.Unlock()
		return nil, mounterrors.New(mounterrors.InvalidArgument, "pulse duration below configured minimum")
	}

	if axis == axisSecondary && snap.DecPulseToGoto {
		// Dec pulses are issued as a short GoTo instead of a rate change
		// to protect against backlash on some mounts; the tracking
		// engine has validated direction/duration above but doesn't own
		// the Command Queue, so it hands the sentinel back to the
		// caller, which issues the GoTo itself (see DecPulseOffsetDeg).
		e.mu.Unlock()
		return nil, ErrUseGoToForPulse
	}

	done := make(chan struct{})
	var once sync.Once
	cancelFn := func() {
		once.Do(func() { close(done) })
	}

	guideRateOffset := snap.GuideRateOffsetX
	if axis == axisSecondary {
		guideRateOffset = snap.GuideRateOffsetY
	}
	rateDelta := direction * guideRateOffset * baseRateDegPerSec(Sidereal)

	e.pulses[axis] = pulseState{active: true, rateDelta: rateDelta}
	e.mu.Unlock()

	go func() {
		timer := time.NewTimer(time.Duration(durationMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-done:
		}
		e.mu.Lock()
		e.pulses[axis] = pulseState{}
		e.mu.Unlock()
	}()

	return cancelFn, nil
}

// DecPulseOffsetDeg returns the small Dec-axis offset (degrees, signed by
// direction) a dec_pulse_to_goto caller should add to the current Dec axis
// position and issue as a GoToAxisTarget, in place of the rate modulation
// PulseGuide would otherwise apply. Uses the same guide-rate-times-duration
// composition as the rejected rate-pulse would have used.
func DecPulseOffsetDeg(direction float64, durationMs int, snap *config.Snapshot) float64 {
	return direction * snap.GuideRateOffsetY * baseRateDegPerSec(Sidereal) * float64(durationMs) / 1000.0
}
