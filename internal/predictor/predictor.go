// Package predictor projects a target's RA/Dec forward in time given
// constant offset rates, used by the Slew Controller's precision phase
// when chasing a moving target (sidereal object re-aimed on an AltAz
// mount, §4.4).
package predictor

import "time"

// Predictor holds a reference target and offset rates, and answers
// "where will this target be at time t" by straight-line extrapolation.
type Predictor struct {
	referenceTime time.Time
	raHours       float64
	decDeg        float64
	rateRa        float64 // deg/s; GetRaDecAt converts it to hours for RA
	rateDec       float64 // deg/s
}

// New seeds a predictor with the target's position and rates at
// referenceTime (typically "now" at Setup time, §4.7 step 6).
func New(referenceTime time.Time, raHours, decDeg, rateRaDegPerS, rateDecDegPerS float64) *Predictor {
	return &Predictor{
		referenceTime: referenceTime,
		raHours:       raHours,
		decDeg:        decDeg,
		rateRa:        rateRaDegPerS,
		rateDec:       rateDecDegPerS,
	}
}

// GetRaDecAt returns the predicted (ra_hours, dec_deg) at t.
func (p *Predictor) GetRaDecAt(t time.Time) (raHours, decDeg float64) {
	deltaS := t.Sub(p.referenceTime).Seconds()
	raDeg := p.raHours*15 + p.rateRa*deltaS
	return raDeg / 15, p.decDeg + p.rateDec*deltaS
}

// Reseed replaces the reference position/time without changing the
// configured rates, used when Completion resets the predictor (Park,
// Home) or Setup re-seeds it for a new slew.
func (p *Predictor) Reseed(referenceTime time.Time, raHours, decDeg float64) {
	p.referenceTime = referenceTime
	p.raHours = raHours
	p.decDeg = decDeg
}
