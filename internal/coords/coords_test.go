package coords

import (
	"math"
	"testing"

	"github.com/darkdragonsastro/mountcore/internal/config"
)

func snapshotFor(t *testing.T, mode config.AlignmentMode, family config.MountFamily, lat float64, polar config.PolarMode) *config.Snapshot {
	t.Helper()
	s := config.Settings{
		MountFamily:        family,
		AlignmentMode:      mode,
		PolarMode:          polar,
		LatitudeDeg:        lat,
		StepsPerRev:        [2]float64{1000000, 1000000},
		AxisUpperLimitYDeg: 180,
		AxisLowerLimitYDeg: -180,
		AxisLimitXDeg:      360,
		HourAngleLimitDeg:  95,
		MaxSlewRateDegPerS: 4,
	}
	snap, err := config.FromSettings(s)
	if err != nil {
		t.Fatalf("config.FromSettings() error = %v", err)
	}
	return snap
}

func TestAppToMountMountToAppIsInvolution(t *testing.T) {
	combos := []struct {
		mode   config.AlignmentMode
		family config.MountFamily
		lat    float64
		polar  config.PolarMode
	}{
		{config.AltAz, config.Simulator, 34, config.PolarLeft},
		{config.AltAz, config.SkyWatcher, -33, config.PolarRight},
		{config.GermanPolar, config.Simulator, 34, config.PolarLeft},
		{config.GermanPolar, config.Simulator, -33, config.PolarLeft},
		{config.GermanPolar, config.SkyWatcher, 34, config.PolarLeft},
		{config.GermanPolar, config.SkyWatcher, -33, config.PolarLeft},
		{config.Polar, config.Simulator, 34, config.PolarLeft},
		{config.Polar, config.Simulator, -33, config.PolarLeft},
		{config.Polar, config.SkyWatcher, 34, config.PolarLeft},
		{config.Polar, config.SkyWatcher, -33, config.PolarLeft},
		{config.Polar, config.SkyWatcher, 34, config.PolarRight},
		{config.Polar, config.SkyWatcher, -33, config.PolarRight},
	}

	for _, c := range combos {
		snap := snapshotFor(t, c.mode, c.family, c.lat, c.polar)
		for x := -170.0; x < 180; x += 37 {
			for y := -80.0; y < 90; y += 41 {
				app := Axes{x, y}
				mount := AppToMount(app, snap)
				back := MountToApp(mount, snap)
				if math.Abs(back[0]-app[0]) > 1e-9 || math.Abs(back[1]-app[1]) > 1e-9 {
					t.Errorf("mode=%v family=%v lat=%v polar=%v: MountToApp(AppToMount(%v)) = %v, want %v",
						c.mode, c.family, c.lat, c.polar, app, back, app)
				}
			}
		}
	}
}

func TestEquatorialHorizontalRoundTrip(t *testing.T) {
	lat := 34.0
	for ha := -11.0; ha < 12; ha += 2.5 {
		for dec := -80.0; dec < 85; dec += 17 {
			altDeg, azDeg := EquatorialToHorizontal(ha, dec, lat)
			if altDeg < -10 {
				// below horizon by a wide margin; horizontal->equatorial
				// near the poles becomes numerically degenerate, skip.
				continue
			}
			backHa, backDec := HorizontalToEquatorial(altDeg, azDeg, lat)
			if math.Abs(backDec-dec) > 1e-6 {
				t.Errorf("dec round trip: ha=%v dec=%v -> alt=%v az=%v -> dec=%v", ha, dec, altDeg, azDeg, backDec)
			}
			diff := math.Abs(wrapHours(backHa - ha))
			if diff > 12 {
				diff = 24 - diff
			}
			if diff > 1e-6 {
				t.Errorf("ha round trip: ha=%v dec=%v -> alt=%v az=%v -> ha=%v", ha, dec, altDeg, azDeg, backHa)
			}
		}
	}
}

func TestAzAltToAxesIdentityForAltAz(t *testing.T) {
	snap := snapshotFor(t, config.AltAz, config.Simulator, 34, config.PolarLeft)
	mount := AzAltToAxes(45, 30, snap)
	if mount[0] != 45 || mount[1] != 30 {
		t.Errorf("AzAltToAxes(45,30) = %v, want [45 30] for AltAz mount", mount)
	}
}

func TestIsWithinLimits(t *testing.T) {
	snap := snapshotFor(t, config.GermanPolar, config.Simulator, 34, config.PolarLeft)
	snap.AxisLimitXDeg = 170
	snap.AxisUpperLimitYDeg = 90
	snap.AxisLowerLimitYDeg = -90

	if !IsWithinLimits(Axes{100, 45}, snap) {
		t.Errorf("expected (100,45) within limits")
	}
	if IsWithinLimits(Axes{200, 45}, snap) {
		t.Errorf("expected (200,45) outside x limit")
	}
	if IsWithinLimits(Axes{100, 95}, snap) {
		t.Errorf("expected (100,95) outside upper y limit")
	}
}

func TestIsFlipRequiredFalseWithinLimits(t *testing.T) {
	snap := snapshotFor(t, config.GermanPolar, config.SkyWatcher, 40, config.PolarLeft)
	snap.HourAngleLimitDeg = 95

	// LST=6, RA=6 -> HA=0, well within the flip window.
	if IsFlipRequired(6.0, 45, Normal, 6.0, snap) {
		t.Errorf("expected no flip required when target HA is within the flip-limit window")
	}
}

func TestIsFlipRequiredFalseWhenCurrentSideUnknown(t *testing.T) {
	snap := snapshotFor(t, config.GermanPolar, config.SkyWatcher, 40, config.PolarLeft)
	snap.HourAngleLimitDeg = 1 // force out-of-window

	if IsFlipRequired(12.0, 45, Unknown, 0.0, snap) {
		t.Errorf("expected no flip decision possible when current side is Unknown")
	}
}

func TestIsFlipRequiredAltAzAlwaysFalse(t *testing.T) {
	snap := snapshotFor(t, config.AltAz, config.Simulator, 34, config.PolarLeft)
	if IsFlipRequired(12.0, 45, Normal, 0.0, snap) {
		t.Errorf("AltAz mounts never require a meridian flip")
	}
}

// TestIsFlipRequiredAtAntiMeridian is the documented scenario: lat 40°,
// LST 0.000h, slew_ra_dec(12.000h, 45°) from side Normal lands exactly on
// HA = -12h / -180°, the anti-meridian boundary, and must still flip.
func TestIsFlipRequiredAtAntiMeridian(t *testing.T) {
	snap := snapshotFor(t, config.GermanPolar, config.SkyWatcher, 40, config.PolarLeft)
	if !IsFlipRequired(12.0, 45, Normal, 0.0, snap) {
		t.Errorf("expected a flip at the anti-meridian boundary (HA = -180deg)")
	}
}

func TestSideOfPierForAntiMeridianIsThroughThePole(t *testing.T) {
	snap := snapshotFor(t, config.GermanPolar, config.SkyWatcher, 40, config.PolarLeft)
	if got := SideOfPierFor(-12.0, snap); got != ThroughThePole {
		t.Errorf("SideOfPierFor(-12.0) = %v, want ThroughThePole", got)
	}
}

func TestPrimaryAxisTrackingSignOnlyForPolarSkyWatcherRightSouthern(t *testing.T) {
	flipped := snapshotFor(t, config.Polar, config.SkyWatcher, -33, config.PolarRight)
	if got := PrimaryAxisTrackingSign(flipped); got != -1 {
		t.Errorf("PrimaryAxisTrackingSign(Polar/SkyWatcher/Right/southern) = %v, want -1", got)
	}

	others := []struct {
		mode   config.AlignmentMode
		family config.MountFamily
		lat    float64
		polar  config.PolarMode
	}{
		{config.Polar, config.SkyWatcher, 33, config.PolarRight},   // northern: identity cell
		{config.Polar, config.SkyWatcher, -33, config.PolarLeft},   // left, not the flipped orientation
		{config.Polar, config.Simulator, -33, config.PolarRight},   // not SkyWatcher
		{config.GermanPolar, config.SkyWatcher, -33, config.PolarRight},
	}
	for _, c := range others {
		snap := snapshotFor(t, c.mode, c.family, c.lat, c.polar)
		if got := PrimaryAxisTrackingSign(snap); got != 1 {
			t.Errorf("PrimaryAxisTrackingSign(%v/%v/lat=%v/%v) = %v, want +1", c.mode, c.family, c.lat, c.polar, got)
		}
	}
}
