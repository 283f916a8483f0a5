package predictor

import (
	"math"
	"testing"
	"time"
)

func TestGetRaDecAtZeroDelta(t *testing.T) {
	ref := time.Date(2026, 7, 31, 4, 0, 0, 0, time.UTC)
	p := New(ref, 6.0, 45.0, 0.1, -0.05)

	ra, dec := p.GetRaDecAt(ref)
	if math.Abs(ra-6.0) > 1e-9 || math.Abs(dec-45.0) > 1e-9 {
		t.Errorf("GetRaDecAt(reference) = (%v,%v), want (6,45)", ra, dec)
	}
}

func TestGetRaDecAtProjectsLinearly(t *testing.T) {
	ref := time.Date(2026, 7, 31, 4, 0, 0, 0, time.UTC)
	p := New(ref, 6.0, 45.0, 15.0, 2.0) // 15 deg/s RA, 2 deg/s Dec

	ra, dec := p.GetRaDecAt(ref.Add(2 * time.Second))
	wantRa := 6.0 + (15.0*2)/15.0
	wantDec := 45.0 + 2.0*2

	if math.Abs(ra-wantRa) > 1e-9 {
		t.Errorf("ra = %v, want %v", ra, wantRa)
	}
	if math.Abs(dec-wantDec) > 1e-9 {
		t.Errorf("dec = %v, want %v", dec, wantDec)
	}
}

func TestReseed(t *testing.T) {
	ref := time.Date(2026, 7, 31, 4, 0, 0, 0, time.UTC)
	p := New(ref, 6.0, 45.0, 1.0, 1.0)

	newRef := ref.Add(10 * time.Second)
	p.Reseed(newRef, 7.0, 50.0)

	ra, dec := p.GetRaDecAt(newRef)
	if math.Abs(ra-7.0) > 1e-9 || math.Abs(dec-50.0) > 1e-9 {
		t.Errorf("after Reseed, GetRaDecAt(newRef) = (%v,%v), want (7,50)", ra, dec)
	}
}
