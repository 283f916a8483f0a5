// Package mountctl implements the Mount Controller Façade (C10): the
// per-mount object that owns the Command Queue, Tracking Engine, PEC
// Engine, Slew Controller and Position Pipeline, and exposes the single
// coherent API every other component of the core talks to. Per the
// "globals -> instance" design note, nothing here is a package-level
// singleton: every field lives on Controller, so a process can run
// several independent mounts side by side.
package mountctl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/darkdragonsastro/mountcore/internal/config"
	"github.com/darkdragonsastro/mountcore/internal/coords"
	"github.com/darkdragonsastro/mountcore/internal/eventbus"
	"github.com/darkdragonsastro/mountcore/internal/mounterrors"
	"github.com/darkdragonsastro/mountcore/internal/pec"
	"github.com/darkdragonsastro/mountcore/internal/position"
	"github.com/darkdragonsastro/mountcore/internal/queue"
	"github.com/darkdragonsastro/mountcore/internal/service"
	"github.com/darkdragonsastro/mountcore/internal/slew"
	"github.com/darkdragonsastro/mountcore/internal/tracking"
)

const defaultRateIntervalMs = 200

// Controller is one mount's façade: the wiring point between the
// Command Queue (C2), Tracking Engine (C6), PEC Engine, Slew Controller
// (C8) and Position Pipeline (C9).
type Controller struct {
	*service.BaseService

	snap *config.Snapshot
	bus  eventbus.EventBus

	q        *queue.Queue
	tracking *tracking.Engine
	pec      *pec.Engine
	position *position.Pipeline
	slewCtl  *slew.Controller

	mu             sync.RWMutex
	connected      bool
	running        bool
	atPark         bool
	atHome         bool
	parkOverride   *coords.Axes
	lastError      error
	rateIntervalMs int

	rateCancel context.CancelFunc
	rateWg     sync.WaitGroup
}

// New wires a Controller named name around backend. pecEngine, alignment,
// system and bus may all be nil; New installs the package's identity/
// no-op stand-ins where a nil is given.
func New(name string, backend queue.BackEnd, snap *config.Snapshot, pecEngine *pec.Engine, alignment position.AlignmentHook, system position.SystemTransform, bus eventbus.EventBus) *Controller {
	if pecEngine == nil {
		pecEngine = pec.NewEngine()
	}

	q := queue.New(backend)
	trackingEngine := tracking.New()
	trackingEngine.SetCustomGearing(snap.CustomGearingPPM)
	trackingEngine.SetAlignmentMode(snap.AlignmentMode)
	trackingEngine.SetPrimaryAxisRateSign(coords.PrimaryAxisTrackingSign(snap))
	posPipeline := position.New(q, trackingEngine, snap, alignment, system, bus)

	c := &Controller{
		BaseService:    service.NewBaseService(name, bus),
		snap:           snap,
		bus:            bus,
		q:              q,
		tracking:       trackingEngine,
		pec:            pecEngine,
		position:       posPipeline,
		rateIntervalMs: defaultRateIntervalMs,
	}
	c.slewCtl = slew.New(q, trackingEngine, posPipeline, snap, bus, c.IsRunning)

	// §7's fatal-error policy: repeated SerialFailed on every command for
	// over 5s forces an automatic stop and publishes a MountError.
	q.OnFatal = func(err error) {
		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
		c.SetUnhealthy(err.Error())
		c.publish(eventbus.Error, err.Error())
		_ = c.Stop(context.Background())
	}

	return c
}

// Initialize validates the controller is wired to a usable snapshot and
// marks it healthy; part of the service.Service contract the
// diagnostics layer polls across every component uniformly.
func (c *Controller) Initialize(ctx context.Context) error {
	if c.snap == nil {
		c.SetUnhealthy("no configuration snapshot")
		return mounterrors.New(mounterrors.InvalidState, "mountctl: nil configuration snapshot")
	}
	c.SetHealthy("initialized")
	return nil
}

// --- lifecycle ---

// Connect opens the backend transport by starting the Command Queue.
// A mount must be connected before Start, ResyncAxes, or any async
// operation will accept work.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return mounterrors.New(mounterrors.InvalidState, "already connected")
	}
	if err := c.q.Start(ctx); err != nil {
		return err
	}
	c.connected = true
	c.publish(eventbus.Information, "connected")
	return nil
}

// Disconnect cancels any in-flight slew, stops the operational loops if
// running, and closes the Command Queue.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}

	c.slewCtl.Cancel()
	_ = c.Stop(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.q.Stop(); err != nil {
		return err
	}
	c.connected = false
	c.publish(eventbus.Information, "disconnected")
	return nil
}

// Start begins the operational loops: the Position Pipeline's two
// timers and the rate-commanding loop that drives the Tracking Engine's
// composed rate (PEC-corrected) out to the hardware.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return mounterrors.New(mounterrors.InvalidState, "not connected")
	}
	if c.running {
		return mounterrors.New(mounterrors.InvalidState, "already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.rateCancel = cancel
	c.position.Start(runCtx)
	c.rateWg.Add(1)
	go c.rateLoop(runCtx)
	c.running = true
	c.SetHealthy("running")
	c.publish(eventbus.Information, "started")
	return nil
}

// Stop halts the operational loops and commands both axes back to
// tracking-off. A mount can be reconnected without being stopped; Stop
// leaves the transport open. Satisfies service.Service's Stop(ctx).
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	cancel := c.rateCancel
	c.mu.Unlock()
	if !running {
		return nil
	}

	c.slewCtl.Cancel()
	if cancel != nil {
		cancel()
	}
	c.rateWg.Wait()
	c.position.Stop()
	c.tracking.SetTracking(false, tracking.Off)

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.SetUnhealthy("stopped")
	c.publish(eventbus.Information, "stopped")
	return nil
}

// Reset stops and restarts the operational loops, clearing the last
// recorded error. The mount remains connected throughout.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastError = nil
	c.mu.Unlock()
	return c.Start(ctx)
}

// EmergencyStop unconditionally cancels any slew, commands both axes to
// zero rate, and disables tracking, regardless of the controller's
// current running state.
func (c *Controller) EmergencyStop() {
	c.slewCtl.Cancel()
	c.tracking.SetTracking(false, tracking.Off)
	c.tracking.SetMoveAxisRate(0, 0)
	c.tracking.SetMoveAxisRate(1, 0)
	if c.IsConnected() {
		_ = c.q.Enqueue(&queue.Command{Kind: queue.MoveAxisRate, Axis: 0, Value: 0})
		_ = c.q.Enqueue(&queue.Command{Kind: queue.MoveAxisRate, Axis: 1, Value: 0})
	}
	c.SetDegraded("emergency stop")
	c.publish(eventbus.Warning, "emergency stop")
}

// ResyncAxes forcibly sets the mount's raw axis counters to home_axes,
// or to the configured (or overridden) park position if park is true.
// Only valid while the mount is connected but not running, per §4.9's
// "globals -> instance" re-sync contract.
func (c *Controller) ResyncAxes(park bool) error {
	c.mu.RLock()
	connected, running := c.connected, c.running
	c.mu.RUnlock()
	if !connected {
		return mounterrors.New(mounterrors.InvalidState, "not connected")
	}
	if running {
		return mounterrors.New(mounterrors.InvalidState, "cannot resync_axes while running")
	}

	if err := c.q.Enqueue(&queue.Command{Kind: queue.StopAxes}); err != nil {
		return err
	}

	target := coords.Axes(c.snap.HomeAxes)
	if park {
		c.mu.RLock()
		override := c.parkOverride
		c.mu.RUnlock()
		if override != nil {
			target = *override
		} else {
			target = coords.Axes(c.snap.ParkAxes)
		}
	}

	for axis := 0; axis < 2; axis++ {
		if err := c.q.Enqueue(&queue.Command{Kind: queue.SetAxisPosition, Axis: axis, Value: target[axis]}); err != nil {
			return err
		}
	}

	if park {
		c.mu.Lock()
		c.atPark = true
		c.mu.Unlock()
	}
	return nil
}

// rateLoop periodically pushes the Tracking Engine's composed rate,
// PEC-corrected from the latest RA step count, out to the hardware as
// MoveAxisRate commands. Runs for as long as ctx is live.
func (c *Controller) rateLoop(ctx context.Context) {
	defer c.rateWg.Done()

	interval := time.Duration(c.rateIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.commandRates()
		}
	}
}

func (c *Controller) commandRates() {
	steps := c.position.CurrentSteps()
	pecFactor := c.pec.FactorForStep(int64(steps[0]), c.snap)

	rateRa := c.tracking.CommandedRate(0, pecFactor)
	rateDec := c.tracking.CommandedRate(1, 1.0)

	_ = c.q.Enqueue(&queue.Command{Kind: queue.MoveAxisRate, Axis: 0, Value: rateRa})
	_ = c.q.Enqueue(&queue.Command{Kind: queue.MoveAxisRate, Axis: 1, Value: rateDec})
}

// --- getters ---

func (c *Controller) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Controller) RaDec() (raHours, decDeg float64) { return c.position.CurrentRaDec() }

func (c *Controller) AltAz() (altDeg, azDeg float64) { return c.position.CurrentAltAz() }

func (c *Controller) SideOfPier() coords.SideOfPier { return c.position.CurrentSideOfPier() }

func (c *Controller) IsSlewing() bool { return c.slewCtl.IsSlewing() }

func (c *Controller) SlewState() slew.Type { return c.slewCtl.ActiveType() }

func (c *Controller) AtPark() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.atPark
}

func (c *Controller) AtHome() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.atHome
}

func (c *Controller) Tracking() (bool, tracking.Mode) {
	mode := c.tracking.Mode()
	return mode != tracking.Off, mode
}

func (c *Controller) LimitStatus() position.LimitStatus { return c.position.CurrentLimitStatus() }

// LastError returns the controller's own most recently recorded fatal
// error, falling back to the Slew Controller's last operation error.
func (c *Controller) LastError() error {
	c.mu.RLock()
	err := c.lastError
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return c.slewCtl.LastError()
}

// --- setters with side effects ---

// SetTracking enables or disables tracking at mode.
func (c *Controller) SetTracking(on bool, mode tracking.Mode) {
	c.tracking.SetTracking(on, mode)
}

// SetRateMovePrimary cancels any in-flight slew or pulse-guide before
// applying a sustained rate override to the primary axis, per the
// MoveAxis contract: a manual rate command always wins over whatever
// the mount was doing before it.
func (c *Controller) SetRateMovePrimary(rateDegPerS float64) {
	c.slewCtl.Cancel()
	c.tracking.SetMoveAxisRate(0, rateDegPerS)
}

// SetRateMoveSecondary is SetRateMovePrimary for the secondary axis.
func (c *Controller) SetRateMoveSecondary(rateDegPerS float64) {
	c.slewCtl.Cancel()
	c.tracking.SetMoveAxisRate(1, rateDegPerS)
}

// SetParkPosition overrides the snapshot's configured park_axes for
// this running instance; subsequent slew_to_park and resync_axes(park)
// calls target it instead.
func (c *Controller) SetParkPosition(axes coords.Axes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parkOverride = &axes
}

// --- async operations ---

// SlewRaDec drives the mount to (raHours, decDeg), tracking the target
// afterward at mode. rateRaDegPerS/rateDecDegPerS seed the Predictor for
// a moving target (pass 0,0 for a fixed catalogue object).
func (c *Controller) SlewRaDec(ctx context.Context, raHours, decDeg, rateRaDegPerS, rateDecDegPerS float64, mode tracking.Mode) (*slew.Result, error) {
	result, err := c.slewCtl.ExecuteSlew(ctx, slew.Operation{
		Type:                  slew.RaDec,
		TargetRaHours:         raHours,
		TargetDecDeg:          decDeg,
		RateRaDegPerS:         rateRaDegPerS,
		RateDecDegPerS:        rateDecDegPerS,
		TrackingAfterSlew:     true,
		TrackingModeAfterSlew: mode,
	})
	if err == nil && result.CanProceed {
		c.mu.Lock()
		c.atPark, c.atHome = false, false
		c.mu.Unlock()
	}
	return result, err
}

// SlewAltAz drives the mount to a fixed Alt/Az target.
func (c *Controller) SlewAltAz(ctx context.Context, azDeg, altDeg float64) (*slew.Result, error) {
	result, err := c.slewCtl.ExecuteSlew(ctx, slew.Operation{
		Type:         slew.AltAz,
		TargetAzDeg:  azDeg,
		TargetAltDeg: altDeg,
	})
	if err == nil && result.CanProceed {
		c.mu.Lock()
		c.atPark, c.atHome = false, false
		c.mu.Unlock()
	}
	return result, err
}

// SlewToPark drives the mount to its configured (or overridden) park
// position and disables tracking on completion.
func (c *Controller) SlewToPark(ctx context.Context) (*slew.Result, error) {
	c.mu.RLock()
	override := c.parkOverride
	c.mu.RUnlock()

	result, err := c.slewCtl.ExecuteSlew(ctx, slew.Operation{Type: slew.Park, ParkAxesOverride: override})
	if err == nil && result.CanProceed {
		go c.markOnCompletion(&c.atPark)
	}
	return result, err
}

// FindHome drives the mount to its configured home position.
func (c *Controller) FindHome(ctx context.Context) (*slew.Result, error) {
	result, err := c.slewCtl.ExecuteSlew(ctx, slew.Operation{Type: slew.Home})
	if err == nil && result.CanProceed {
		go c.markOnCompletion(&c.atHome)
	}
	return result, err
}

// markOnCompletion waits for the active slew to settle and, if it
// finished without error, sets *flag. Runs in its own goroutine since
// ExecuteSlew returns as soon as Setup succeeds.
func (c *Controller) markOnCompletion(flag *bool) {
	_ = c.slewCtl.WaitForCompletion(context.Background())
	if c.slewCtl.LastError() != nil {
		return
	}
	c.mu.Lock()
	*flag = true
	c.mu.Unlock()
}

// AbortSlew cancels any in-flight slew and blocks until the controller
// has settled back to Idle.
func (c *Controller) AbortSlew() {
	c.slewCtl.Cancel()
}

// WaitForSlewCompletion blocks until no slew is in flight.
func (c *Controller) WaitForSlewCompletion(ctx context.Context) error {
	return c.slewCtl.WaitForCompletion(ctx)
}

// SyncRaDec tells the mount it is currently pointing at (raHours,
// decDeg) without moving: it re-stamps the raw axis counters to the
// axes that position implies at the current LST, the simplest faithful
// sync when no external alignment/pointing model (AlignmentHook) is
// attached.
func (c *Controller) SyncRaDec(raHours, decDeg float64) error {
	lst := c.snap.LocalSiderealTimeAt(time.Now())
	target := coords.RaDecToAxes(raHours, decDeg, lst, c.snap)
	return c.setAxisPosition(target)
}

// SyncAltAz is SyncRaDec for a fixed Alt/Az target.
func (c *Controller) SyncAltAz(azDeg, altDeg float64) error {
	target := coords.AzAltToAxes(azDeg, altDeg, c.snap)
	return c.setAxisPosition(target)
}

func (c *Controller) setAxisPosition(target coords.Axes) error {
	for axis := 0; axis < 2; axis++ {
		if err := c.q.Enqueue(&queue.Command{Kind: queue.SetAxisPosition, Axis: axis, Value: target[axis]}); err != nil {
			return err
		}
	}
	return nil
}

// PulseGuide issues a ST4-style guide correction on axis (0 = RA/
// primary, 1 = Dec/secondary) for durationMs, in direction (+1/-1). When
// dec_pulse_to_goto is configured, a Dec-axis pulse is issued as a short
// GoTo instead of a rate modulation, per §4.5.
func (c *Controller) PulseGuide(axis int, direction float64, durationMs int) (cancel func(), err error) {
	cancel, err = c.tracking.PulseGuide(axis, direction, durationMs, c.snap)
	if errors.Is(err, tracking.ErrUseGoToForPulse) {
		return c.pulseGuideAsGoTo(direction, durationMs)
	}
	return cancel, err
}

// pulseGuideAsGoTo computes the Dec-axis offset a rate-based pulse of this
// direction/duration would have produced and issues it as a GoToAxisTarget
// against the mount's current Dec axis reading instead.
func (c *Controller) pulseGuideAsGoTo(direction float64, durationMs int) (cancel func(), err error) {
	offsetDeg := tracking.DecPulseOffsetDeg(direction, durationMs, c.snap)
	current := c.position.CurrentMountAxes()
	target := current[1] + offsetDeg
	if err := c.q.Enqueue(&queue.Command{Kind: queue.GoToAxisTarget, Axis: 1, Value: target}); err != nil {
		return nil, err
	}
	return func() {}, nil
}

func (c *Controller) publish(severity eventbus.Severity, message string) {
	if c.bus == nil {
		return
	}
	eventbus.PublishRecord(c.bus, "mountctl", "mount_controller", severity, "mountctl", message)
}
