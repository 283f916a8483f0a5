package config

import (
	"math"
	"testing"
	"time"
)

func validSettings() Settings {
	return Settings{
		MountFamily:        SkyWatcher,
		AlignmentMode:      GermanPolar,
		LatitudeDeg:        34.0,
		LongitudeDeg:       -118.0,
		StepsPerRev:        [2]float64{9024000, 9024000},
		AxisUpperLimitYDeg: 90,
		AxisLowerLimitYDeg: -90,
		MaxSlewRateDegPerS: 4.0,
		PECBinCount:        200,
		PECBinSteps:        100,
	}
}

func TestFromSettingsValidates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"valid settings", func(s *Settings) {}, false},
		{"zero steps per rev", func(s *Settings) { s.StepsPerRev[0] = 0 }, true},
		{"negative steps per rev", func(s *Settings) { s.StepsPerRev[1] = -1 }, true},
		{"inverted y limits", func(s *Settings) { s.AxisUpperLimitYDeg, s.AxisLowerLimitYDeg = -90, 90 }, true},
		{"negative pec bin count", func(s *Settings) { s.PECBinCount = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(&s)
			_, err := FromSettings(s)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromSettings() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSouthernHemisphereFlag(t *testing.T) {
	s := validSettings()
	s.LatitudeDeg = -33.0
	snap, err := FromSettings(s)
	if err != nil {
		t.Fatalf("FromSettings() error = %v", err)
	}
	if !snap.SouthernHemisphere {
		t.Errorf("expected SouthernHemisphere = true for latitude -33")
	}
}

func TestSlewSpeedsOrderedAndScaled(t *testing.T) {
	s := validSettings()
	s.MaxSlewRateDegPerS = 4.0
	snap, err := FromSettings(s)
	if err != nil {
		t.Fatalf("FromSettings() error = %v", err)
	}

	for i := 0; i < 7; i++ {
		if snap.SlewSpeeds[i+1] <= snap.SlewSpeeds[i] {
			t.Errorf("slew speed tier %d (%g) not strictly greater than tier %d (%g)",
				i+1, snap.SlewSpeeds[i+1], i, snap.SlewSpeeds[i])
		}
	}

	top := snap.SlewSpeeds[7]
	if math.Abs(top-s.MaxSlewRateDegPerS) > 1e-9 {
		t.Errorf("top slew speed tier = %g, want %g", top, s.MaxSlewRateDegPerS)
	}
}

func TestWithLocalSiderealTime(t *testing.T) {
	s := validSettings()
	snap, err := FromSettings(s)
	if err != nil {
		t.Fatalf("FromSettings() error = %v", err)
	}
	if snap.HasLST {
		t.Errorf("base snapshot should not carry an LST")
	}

	withLST := snap.WithLocalSiderealTime(6.0)
	if !withLST.HasLST || withLST.LocalSiderealTimeHours != 6.0 {
		t.Errorf("expected derived snapshot to carry LST = 6.0, got %v (has=%v)",
			withLST.LocalSiderealTimeHours, withLST.HasLST)
	}
	if snap.HasLST {
		t.Errorf("original snapshot must remain unmodified")
	}
}

func TestLocalSiderealTimeAtIsWithinRange(t *testing.T) {
	s := validSettings()
	snap, _ := FromSettings(s)
	lst := snap.LocalSiderealTimeAt(time.Date(2026, 7, 31, 4, 0, 0, 0, time.UTC))
	if lst < 0 || lst >= 24 {
		t.Errorf("LST out of range [0,24): %v", lst)
	}
}
