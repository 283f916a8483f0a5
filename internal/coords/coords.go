// Package coords implements the pure coordinate-frame transforms of the
// motion-control core: celestial RA/Dec, topocentric Alt/Az, HA/Dec, and
// raw mount axes, parameterised by a config.Snapshot. Every function here
// is stateless — callers own the clock and the mount state.
package coords

import (
	"math"

	"github.com/darkdragonsastro/mountcore/internal/config"
)

// SideOfPier identifies which side of a German equatorial mount the
// telescope is on; meaningless for AltAz and non-German-polar mounts.
type SideOfPier int

const (
	Unknown SideOfPier = iota
	Normal
	ThroughThePole
)

func (s SideOfPier) String() string {
	switch s {
	case Normal:
		return "Normal"
	case ThroughThePole:
		return "ThroughThePole"
	default:
		return "Unknown"
	}
}

// Axes is a two-element axis array, always [x_or_primary, y_or_secondary].
type Axes [2]float64

// axisFlip is an involution: negate, 180-minus, or identity. Every cell of
// the app<->mount table below is one of these three, which is what makes
// app_to_mount its own inverse (mount_to_app uses the identical table).
type axisFlip func(float64) float64

func identity(v float64) float64    { return v }
func negate(v float64) float64      { return -v }
func oneEightyMinus(v float64) float64 { return 180 - v }

// axisTable returns the (x, y) flip functions for a given mode/family/
// hemisphere/polar-mode combination, reproducing every cell of the
// app_to_mount / mount_to_app table. AltAz mounts pass through unchanged
// regardless of family, hemisphere, or polar mode.
func axisTable(snap *config.Snapshot) (fx, fy axisFlip) {
	switch snap.AlignmentMode {
	case config.AltAz:
		return identity, identity

	case config.GermanPolar:
		switch snap.MountFamily {
		case config.Simulator:
			if snap.SouthernHemisphere {
				return oneEightyMinus, identity
			}
			return identity, identity
		case config.SkyWatcher:
			if snap.SouthernHemisphere {
				return oneEightyMinus, identity
			}
			return identity, oneEightyMinus
		}

	case config.Polar:
		switch snap.MountFamily {
		case config.Simulator:
			if snap.SouthernHemisphere {
				return negate, identity
			}
			return identity, identity
		case config.SkyWatcher:
			if snap.PolarMode == config.PolarLeft {
				if snap.SouthernHemisphere {
					return oneEightyMinus, identity
				}
				return identity, oneEightyMinus
			}
			// PolarRight
			if snap.SouthernHemisphere {
				return negate, identity
			}
			return identity, identity
		}
	}
	return identity, identity
}

// AppToMount maps app-frame axes to the hardware's own axis convention.
func AppToMount(app Axes, snap *config.Snapshot) Axes {
	fx, fy := axisTable(snap)
	return Axes{fx(app[0]), fy(app[1])}
}

// MountToApp is AppToMount's inverse. Every table cell is an involution,
// so the same flip functions apply in both directions.
func MountToApp(mount Axes, snap *config.Snapshot) Axes {
	fx, fy := axisTable(snap)
	return Axes{fx(mount[0]), fy(mount[1])}
}

// PrimaryAxisTrackingSign returns the sign the Tracking Engine must apply
// to the primary-axis base tracking rate, per §4.5 composition rule 5.
// Of the SkyWatcher app_to_mount cells, only Polar in the pier-flipped
// (Right) orientation, southern hemisphere, maps the primary axis through
// a pure negation (-x) rather than an identity or a 180-x translation;
// driving that axis at the untouched sidereal rate would track backwards,
// so the commanded rate needs the same flip. The Simulator's Polar
// southern cell is also a pure negation; this function returns +1 for it.
func PrimaryAxisTrackingSign(snap *config.Snapshot) float64 {
	if snap.AlignmentMode == config.Polar && snap.MountFamily == config.SkyWatcher &&
		snap.PolarMode == config.PolarRight && snap.SouthernHemisphere {
		return -1
	}
	return 1
}

// --- angle normalization helpers ---

func wrap(v, lo, span float64) float64 {
	v = math.Mod(v-lo, span)
	if v < 0 {
		v += span
	}
	return v + lo
}

// wrapHours normalises an hour-angle-like value to [-12, 12).
func wrapHours(h float64) float64 { return wrap(h, -12, 24) }

// wrapDeg180 normalises to [-180, 180).
func wrapDeg180(d float64) float64 { return wrap(d, -180, 360) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// --- equatorial <-> horizontal, the trigonometric core ---

// EquatorialToHorizontal converts hour-angle/declination to altitude and
// azimuth at the snapshot's site latitude.
func EquatorialToHorizontal(haHours, decDeg, latDeg float64) (altDeg, azDeg float64) {
	haRad := haHours * 15 * math.Pi / 180
	decRad := decDeg * math.Pi / 180
	latRad := latDeg * math.Pi / 180

	sinAlt := math.Sin(decRad)*math.Sin(latRad) + math.Cos(decRad)*math.Cos(latRad)*math.Cos(haRad)
	altRad := math.Asin(clamp(sinAlt, -1, 1))

	azRad := math.Atan2(
		-math.Sin(haRad),
		math.Tan(decRad)*math.Cos(latRad)-math.Cos(haRad)*math.Sin(latRad),
	)

	return altRad * 180 / math.Pi, wrapDeg180(azRad * 180 / math.Pi)
}

// HorizontalToEquatorial converts altitude/azimuth back to hour-angle and
// declination at the given site latitude. Inverse of EquatorialToHorizontal.
func HorizontalToEquatorial(altDeg, azDeg, latDeg float64) (haHours, decDeg float64) {
	altRad := altDeg * math.Pi / 180
	azRad := azDeg * math.Pi / 180
	latRad := latDeg * math.Pi / 180

	sinDec := math.Sin(altRad)*math.Sin(latRad) + math.Cos(altRad)*math.Cos(latRad)*math.Cos(azRad)
	decRad := math.Asin(clamp(sinDec, -1, 1))

	haRad := math.Atan2(
		-math.Sin(azRad),
		math.Tan(altRad)*math.Cos(latRad)-math.Cos(azRad)*math.Sin(latRad),
	)

	return wrapHours(haRad * 180 / math.Pi / 15), decRad * 180 / math.Pi
}

// --- composite conversions (§4.3) ---

// RaDecToAxes converts a target's celestial RA/Dec to mount axes at the
// given local sidereal time, following the mode-dependent branches of the
// coordinate engine: AltAz mounts go through Alt/Az, equatorial mounts go
// through HA/Dec with the through-the-pole axis normalisation.
func RaDecToAxes(raHours, decDeg, lstHours float64, snap *config.Snapshot) Axes {
	if snap.AlignmentMode == config.AltAz {
		altDeg, azDeg := EquatorialToHorizontal(wrapHours(lstHours-raHours), decDeg, snap.LatitudeDeg)
		mount := Axes{azDeg, altDeg}
		if alt, ok := GetAlternatePosition(mount, snap); ok {
			return alt
		}
		return mount
	}

	haHours := wrapHours(lstHours - raHours)
	return haDecToAxesCore(haHours, decDeg, snap)
}

// HaDecToAxes is RaDecToAxes without the LST step: the caller already has
// an hour angle in hand.
func HaDecToAxes(haHours, decDeg float64, snap *config.Snapshot) Axes {
	return haDecToAxesCore(haHours, decDeg, snap)
}

func haDecToAxesCore(haHours, decDeg float64, snap *config.Snapshot) Axes {
	if snap.SouthernHemisphere {
		decDeg = -decDeg
	}

	haDeg := wrapDeg180(haHours * 15)

	// Through-the-pole normalisation: fold negative hour angles into the
	// [0,180) representation, flipping the secondary axis to the mount's
	// alternate-side convention.
	x := haDeg
	y := decDeg
	if x < 0 {
		x += 180
		y = 180 - y
	}

	app := Axes{x, y}
	mount := AppToMount(app, snap)

	if alt, ok := GetAlternatePosition(mount, snap); ok {
		return alt
	}
	return mount
}

// AzAltToAxes converts Alt/Az directly to mount axes; only meaningful for
// AltAz mounts (equatorial mounts have no direct Alt/Az axis mapping —
// callers should go through RaDecToAxes instead).
func AzAltToAxes(azDeg, altDeg float64, snap *config.Snapshot) Axes {
	mount := Axes{wrapDeg180(azDeg), altDeg}
	if alt, ok := GetAlternatePosition(mount, snap); ok {
		return alt
	}
	return mount
}

// AxesToAltAz inverts RaDecToAxes's horizontal branch (or, for equatorial
// mounts, derives Alt/Az from the HA/Dec implied by the raw axes).
func AxesToAltAz(mount Axes, lstHours float64, snap *config.Snapshot) (altDeg, azDeg float64) {
	if snap.AlignmentMode == config.AltAz {
		return mount[1], mount[0]
	}

	haHours, decDeg := AxesToHaDec(mount, snap)
	raHours := wrapHours(lstHours - haHours)
	_ = raHours
	return EquatorialToHorizontal(haHours, decDeg, snap.LatitudeDeg)
}

// AxesToHaDec inverts haDecToAxesCore: app axes back to hour-angle/Dec.
// A secondary axis beyond 90° is a folded (through-the-pole) pair, which
// is unfolded (x-180, 180-y) so the returned Dec stays within ±90°.
func AxesToHaDec(mount Axes, snap *config.Snapshot) (haHours, decDeg float64) {
	app := MountToApp(mount, snap)
	haDeg, dec := app[0], app[1]
	if dec > 90 {
		haDeg -= 180
		dec = 180 - dec
	}

	if snap.SouthernHemisphere {
		dec = -dec
	}

	return wrapHours(haDeg / 15), dec
}

// AxesToRaDec inverts RaDecToAxes at the given local sidereal time.
func AxesToRaDec(mount Axes, lstHours float64, snap *config.Snapshot) (raHours, decDeg float64) {
	if snap.AlignmentMode == config.AltAz {
		altDeg, azDeg := mount[1], mount[0]
		haHours, dec := HorizontalToEquatorial(altDeg, azDeg, snap.LatitudeDeg)
		return wrapHours(lstHours - haHours), dec
	}

	haHours, dec := AxesToHaDec(mount, snap)
	return wrapHours(lstHours - haHours), dec
}

// GetAlternatePosition returns the mount's alternate axis representation
// (±180 in x and y' = 180-y for equatorial mounts; ±360 in x for AltAz)
// if, and only if, it lies inside the configured hardware limits.
// ra_dec_to_axes always consults this and prefers the alternate when one
// is returned.
func GetAlternatePosition(mount Axes, snap *config.Snapshot) (Axes, bool) {
	var alt Axes
	if snap.AlignmentMode == config.AltAz {
		alt = Axes{wrapDeg180(mount[0] + 360), mount[1]}
	} else {
		alt = Axes{wrapDeg180(mount[0] + 180), 180 - mount[1]}
	}

	if IsWithinLimits(alt, snap) {
		return alt, true
	}
	return Axes{}, false
}

// IsWithinLimits reports whether mount axes lie inside the configured
// hardware travel limits.
func IsWithinLimits(mount Axes, snap *config.Snapshot) bool {
	if snap.AxisLimitXDeg > 0 && math.Abs(mount[0]) > snap.AxisLimitXDeg {
		return false
	}
	if mount[1] > snap.AxisUpperLimitYDeg || mount[1] < snap.AxisLowerLimitYDeg {
		return false
	}
	return true
}

// IsFlipRequired implements the meridian-flip decision of §4.3 from the
// target's hour angle: when |HA| exceeds hour_angle_limit_deg (a limit of
// 0 or less disables the check) and the current side is known, it
// compares the target's computed side of pier against the current one.
// The target is not converted to mount axes, so the axis travel limits
// take no part in the decision.
func IsFlipRequired(raHours, decDeg float64, currentSide SideOfPier, lstHours float64, snap *config.Snapshot) bool {
	if snap.AlignmentMode == config.AltAz {
		return false
	}

	haHours := wrapHours(lstHours - raHours)
	haDeg := haHours * 15

	if snap.HourAngleLimitDeg <= 0 || math.Abs(wrapDeg180(haDeg)) <= snap.HourAngleLimitDeg {
		return false
	}

	if currentSide == Unknown {
		return false
	}

	targetSide := SideOfPierFor(haHours, snap)
	return targetSide != currentSide
}

// SideOfPierFor determines which side of the mount a given hour angle
// puts the telescope on, per the (mode, family, hemisphere) rules.
func SideOfPierFor(haHours float64, snap *config.Snapshot) SideOfPier {
	ha := wrapDeg180(haHours * 15)
	if snap.SouthernHemisphere {
		ha = -ha
	}
	// wrapDeg180 returns [-180, 180); -180 and +180 are the same
	// anti-meridian point, so fold the excluded upper bound back in
	// rather than letting it fall on the Normal side by default.
	if ha == -180 {
		ha = 180
	}
	if ha > 0 {
		return ThroughThePole
	}
	return Normal
}
