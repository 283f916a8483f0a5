// Package position implements the Mount-Position Pipeline (C9): the
// periodic step-read -> degrees -> axis -> app-frame -> Alt/Az and
// RA/Dec update loop that publishes current state to observers, plus
// the limit pipeline and the second timer that recomputes the Alt/Az
// tracking rate.
package position

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/darkdragonsastro/mountcore/internal/config"
	"github.com/darkdragonsastro/mountcore/internal/coords"
	"github.com/darkdragonsastro/mountcore/internal/eventbus"
	"github.com/darkdragonsastro/mountcore/internal/queue"
	"github.com/darkdragonsastro/mountcore/internal/tracking"
)

// tickCounter counts every Pipeline tick that actually issued a GetSteps
// request (coalesced ticks are not counted), per SPEC_FULL.md's
// diagnostics domain stack.
var tickCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mountcore_position_ticks_total",
	Help: "Total number of position-pipeline ticks that issued a GetSteps request.",
})

// AlignmentHook is the out-of-scope pointing-correction model's surface:
// sync maps app axes to corrected hardware axes, unsync is its inverse.
// A zero-value IdentityAlignment is a faithful stand-in when no
// alignment model is attached.
type AlignmentHook interface {
	Sync(axes coords.Axes) coords.Axes
	Unsync(axes coords.Axes) coords.Axes
}

// IdentityAlignment implements AlignmentHook as a no-op, for mounts with
// no pointing-correction model loaded.
type IdentityAlignment struct{}

func (IdentityAlignment) Sync(a coords.Axes) coords.Axes   { return a }
func (IdentityAlignment) Unsync(a coords.Axes) coords.Axes { return a }

// SystemTransform is the out-of-scope topocentric->equatorial-system
// transform (precession/nutation/aberration) applied to produce the
// ra_dec_xform observable; identity by default.
type SystemTransform interface {
	ToEquatorialSystem(raHours, decDeg float64) (float64, float64)
}

// IdentitySystemTransform passes RA/Dec through unchanged.
type IdentitySystemTransform struct{}

func (IdentitySystemTransform) ToEquatorialSystem(raHours, decDeg float64) (float64, float64) {
	return raHours, decDeg
}

// LimitStatus records which configured travel limits are currently
// breached: four independent booleans plus the derived at_limit (§3).
type LimitStatus struct {
	AtLimitX      bool
	AtUpperLimitY bool
	AtLowerLimitY bool
	AtLimitHA     bool
	AtLimit       bool
}

const (
	defaultTickIntervalMs      = 200
	defaultAltAzIntervalMs     = 2500
	stepsRequestCoalesceWindow = 100 * time.Millisecond
)

// Pipeline owns the periodic position-refresh loop for one mount.
type Pipeline struct {
	q         *queue.Queue
	snap      *config.Snapshot
	tracking  *tracking.Engine
	alignment AlignmentHook
	system    SystemTransform
	bus       eventbus.EventBus

	mu                 sync.RWMutex
	cond               *sync.Cond
	lastSteps          [2]float64  // raw step counts from the most recent GetSteps
	actualAxes         coords.Axes // raw, as reported by the mount
	appAxes            coords.Axes // post-unsync, post-mount_to_app
	raDec              [2]float64
	altAz              [2]float64
	raDecXform         [2]float64
	limitStatus        LimitStatus
	sideOfPier         coords.SideOfPier
	lastStepsRequestAt time.Time
	updateSeq          uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Pipeline. alignment and system may be nil, in which case
// identity stand-ins are used.
func New(q *queue.Queue, trackingEngine *tracking.Engine, snap *config.Snapshot, alignment AlignmentHook, system SystemTransform, bus eventbus.EventBus) *Pipeline {
	if alignment == nil {
		alignment = IdentityAlignment{}
	}
	if system == nil {
		system = IdentitySystemTransform{}
	}
	p := &Pipeline{
		q:         q,
		snap:      snap,
		tracking:  trackingEngine,
		alignment: alignment,
		system:    system,
		bus:       bus,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the two periodic timers: the position tick (default
// 200ms) and the Alt/Az tracking-rate recompute (default 2500ms).
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	tickInterval := time.Duration(p.snap.DisplayIntervalMs) * time.Millisecond
	if tickInterval <= 0 {
		tickInterval = defaultTickIntervalMs * time.Millisecond
	}
	altAzInterval := time.Duration(p.snap.AltAzTrackingUpdateIntervalMs) * time.Millisecond
	if altAzInterval <= 0 {
		altAzInterval = defaultAltAzIntervalMs * time.Millisecond
	}

	p.wg.Add(2)
	go p.tickLoop(runCtx, tickInterval)
	go p.altAzRateLoop(runCtx, altAzInterval)
}

// Stop cancels both timers and waits for them to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) tickLoop(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick issues (or coalesces) a GetSteps refresh. The result is handled
// asynchronously so a slow reply never stalls the ticker.
func (p *Pipeline) tick(ctx context.Context) {
	p.mu.Lock()
	if !p.lastStepsRequestAt.IsZero() && time.Since(p.lastStepsRequestAt) < stepsRequestCoalesceWindow {
		p.mu.Unlock()
		return
	}
	p.lastStepsRequestAt = time.Now()
	p.mu.Unlock()

	id := p.q.NextID()
	if err := p.q.Enqueue(&queue.Command{ID: id, Kind: queue.GetSteps}); err != nil {
		p.publish(eventbus.Warning, "GetSteps enqueue failed: "+err.Error())
		return
	}
	tickCounter.Inc()
	go p.handleStepsResult(id)
}

func (p *Pipeline) handleStepsResult(id uint64) {
	result := p.q.GetResult(id)
	if result.Err != nil {
		p.publish(eventbus.Warning, "GetSteps failed: "+result.Err.Error())
		return
	}
	steps, ok := result.Result.([2]float64)
	if !ok {
		return
	}
	p.processSteps(steps)
}

// processSteps runs the full per-tick pipeline (§4.8 steps 2-6).
func (p *Pipeline) processSteps(steps [2]float64) {
	degrees := stepsToDegrees(steps, p.snap)
	actual := coords.Axes{degrees[0], degrees[1]}

	limitStatus := computeLimitStatus(actual, p.snap)
	if limitStatus.AtLimit && p.snap.HzLimitTracking && p.tracking.Mode() != tracking.Off {
		p.tracking.SetTracking(false, tracking.Off)
		p.publish(eventbus.Warning, "limit reached, tracking disabled")
	}

	corrected := p.alignment.Unsync(actual)
	appAxes := coords.MountToApp(corrected, p.snap)

	lst := p.snap.LocalSiderealTimeAt(time.Now())
	altDeg, azDeg := coords.AxesToAltAz(corrected, lst, p.snap)
	raHours, decDeg := coords.AxesToRaDec(corrected, lst, p.snap)
	xformRaHours, xformDecDeg := p.system.ToEquatorialSystem(raHours, decDeg)

	haHours, _ := coords.AxesToHaDec(corrected, p.snap)
	side := coords.SideOfPierFor(haHours, p.snap)
	if p.snap.AlignmentMode == config.AltAz {
		side = coords.Unknown
	}

	p.mu.Lock()
	p.lastSteps = steps
	p.actualAxes = actual
	p.appAxes = appAxes
	p.altAz = [2]float64{altDeg, azDeg}
	p.raDec = [2]float64{raHours, decDeg}
	p.raDecXform = [2]float64{xformRaHours, xformDecDeg}
	p.limitStatus = limitStatus
	p.sideOfPier = side
	p.updateSeq++
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipeline) altAzRateLoop(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recomputeAltAzRate()
		}
	}
}

// recomputeAltAzRate estimates the Alt/Az rate vector needed to hold the
// current sky position fixed as Earth rotates, by forward-differencing
// EquatorialToHorizontal one second apart at the fixed current RA/Dec.
func (p *Pipeline) recomputeAltAzRate() {
	if p.snap.AlignmentMode != config.AltAz {
		return
	}

	p.mu.RLock()
	ra, dec := p.raDec[0], p.raDec[1]
	p.mu.RUnlock()

	now := time.Now()
	lst0 := p.snap.LocalSiderealTimeAt(now)
	lst1 := p.snap.LocalSiderealTimeAt(now.Add(time.Second))

	alt0, az0 := coords.EquatorialToHorizontal(lst0-ra, dec, p.snap.LatitudeDeg)
	alt1, az1 := coords.EquatorialToHorizontal(lst1-ra, dec, p.snap.LatitudeDeg)

	deltaAz := az1 - az0
	if deltaAz > 180 {
		deltaAz -= 360
	} else if deltaAz < -180 {
		deltaAz += 360
	}

	p.tracking.SetAltAzRate(deltaAz, alt1-alt0)
}

func (p *Pipeline) publish(severity eventbus.Severity, message string) {
	if p.bus == nil {
		return
	}
	eventbus.PublishRecord(p.bus, "position", "position_pipeline", severity, "tick", message)
}

// --- observer surface (also satisfies slew.PositionSource) ---

// CurrentMountAxes returns the latest raw mount-frame axes, as read from
// the mount before unsync.
func (p *Pipeline) CurrentMountAxes() coords.Axes {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.actualAxes
}

// CurrentSteps returns the raw step counts from the most recent GetSteps
// reply, used by the rate-commanding loop to index the PEC table by RA
// axis step position.
func (p *Pipeline) CurrentSteps() [2]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSteps
}

// CurrentAppAxes returns the latest app-frame axes.
func (p *Pipeline) CurrentAppAxes() coords.Axes {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.appAxes
}

// CurrentRaDec returns the latest (ra_hours, dec_deg) reading.
func (p *Pipeline) CurrentRaDec() (raHours, decDeg float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.raDec[0], p.raDec[1]
}

// CurrentRaDecXform returns the system-transformed RA/Dec observable.
func (p *Pipeline) CurrentRaDecXform() (raHours, decDeg float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.raDecXform[0], p.raDecXform[1]
}

// CurrentAltAz returns the latest (alt_deg, az_deg) reading.
func (p *Pipeline) CurrentAltAz() (altDeg, azDeg float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.altAz[0], p.altAz[1]
}

// CurrentLimitStatus returns the latest limit-pipeline result.
func (p *Pipeline) CurrentLimitStatus() LimitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limitStatus
}

// CurrentSideOfPier returns the latest derived side of pier.
func (p *Pipeline) CurrentSideOfPier() coords.SideOfPier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sideOfPier
}

// WaitForUpdate blocks until the next MountPositionUpdated signal or
// ctx is done. Re-checks ctx every 20ms, since sync.Cond has no native
// way to wake on context cancellation.
func (p *Pipeline) WaitForUpdate(ctx context.Context) error {
	p.mu.Lock()
	start := p.updateSeq
	for p.updateSeq == start {
		if ctx.Err() != nil {
			p.mu.Unlock()
			return ctx.Err()
		}
		timer := time.AfterFunc(20*time.Millisecond, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		timer.Stop()
	}
	p.mu.Unlock()
	return nil
}

// --- pure helpers ---

func stepsToDegrees(steps [2]float64, snap *config.Snapshot) [2]float64 {
	var degrees [2]float64
	for i := 0; i < 2; i++ {
		if snap.MountFamily == config.Simulator {
			if snap.FactorStep[i] != 0 {
				degrees[i] = steps[i] / snap.FactorStep[i]
			}
		} else {
			radians := steps[i] * snap.FactorStep[i]
			degrees[i] = radians * 180 / math.Pi
		}
	}
	return degrees
}

func computeLimitStatus(actual coords.Axes, snap *config.Snapshot) LimitStatus {
	var status LimitStatus
	if snap.AxisLimitXDeg > 0 && math.Abs(actual[0]) > snap.AxisLimitXDeg {
		status.AtLimitX = true
	}
	if actual[1] > snap.AxisUpperLimitYDeg {
		status.AtUpperLimitY = true
	}
	if actual[1] < snap.AxisLowerLimitYDeg {
		status.AtLowerLimitY = true
	}
	if snap.HourAngleLimitDeg > 0 {
		haHours, _ := coords.AxesToHaDec(actual, snap)
		if math.Abs(haHours*15) > snap.HourAngleLimitDeg {
			status.AtLimitHA = true
		}
	}
	status.AtLimit = status.AtLimitX || status.AtUpperLimitY || status.AtLowerLimitY || status.AtLimitHA
	return status
}
