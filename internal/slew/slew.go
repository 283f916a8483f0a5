// Package slew implements the Slew Controller (C8): a three-phase
// (Setup, Movement, Completion) cancellable state machine enforcing
// at-most-one in-flight slew, with predictive re-targeting during long
// slews so an Alt/Az mount can keep chasing a moving sidereal target.
package slew

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
	"github.com/darkdragonsastro/mountcore/internal/mounterrors"
	"github.com/darkdragonsastro/mountcore/internal/predictor"
	"github.com/darkdragonsastro/mountcore/internal/queue"
	"github.com/darkdragonsastro/mountcore/internal/tracking"
)

// slewDurationHistogram records wall-clock Movement+Completion time per
// slew type, per SPEC_FULL.md's diagnostics domain stack.
var slewDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mountcore_slew_duration_seconds",
	Help:    "Wall-clock duration of a slew's Movement+Completion phases.",
	Buckets: prometheus.DefBuckets,
}, []string{"type"})

// State is the controller's own 5-state machine.
type State int

const (
	Idle State = iota
	Setup
	Moving
	Completing
	Cancelling
)

func (s State) String() string {
	switch s {
	case Setup:
		return "Setup"
	case Moving:
		return "Moving"
	case Completing:
		return "Completing"
	case Cancelling:
		return "Cancelling"
	default:
		return "Idle"
	}
}

// Type tags what kind of operation is in flight, published as the
// observable "slew_state" (distinct from the controller's own State).
type Type int

const (
	NoSlew Type = iota
	RaDec
	AltAz
	Park
	Home
	Handpad
	MoveAxis
	Settle
)

func (t Type) String() string {
	switch t {
	case RaDec:
		return "RaDec"
	case AltAz:
		return "AltAz"
	case Park:
		return "Park"
	case Home:
		return "Home"
	case Handpad:
		return "Handpad"
	case MoveAxis:
		return "MoveAxis"
	case Settle:
		return "Settle"
	default:
		return "None"
	}
}

// goToTypes are the operations driven by the two-pass coarse+precision
// movement loop; MoveAxis and Settle are rate-driven and carry no
// discrete target, so Movement is a no-op for them.
func (t Type) isGoTo() bool {
	switch t {
	case RaDec, AltAz, Park, Home, Handpad:
		return true
	default:
		return false
	}
}

// Operation describes one requested slew.
type Operation struct {
	Type Type

	TargetRaHours float64
	TargetDecDeg  float64
	TargetAzDeg   float64
	TargetAltDeg  float64

	// RateRaDegPerS/RateDecDegPerS seed the Predictor for a moving target
	// (e.g. a sidereal RaDec slew tracked by an Alt/Az mount).
	RateRaDegPerS  float64
	RateDecDegPerS float64

	TrackingAfterSlew     bool
	TrackingModeAfterSlew tracking.Mode

	// ParkAxesOverride, if set, replaces the snapshot's park_axes as the
	// target for a Park-type operation (the park_position setter).
	ParkAxesOverride *coords.Axes
}

// Result is returned once the Setup phase resolves; Movement continues
// in the background regardless of CanProceed being true.
type Result struct {
	CanProceed   bool
	ErrorMessage string
}

// PositionSource is the narrow view the Slew Controller needs of the
// Position Pipeline (C9): the latest raw mount axes and a way to block
// until a fresh reading lands.
type PositionSource interface {
	CurrentMountAxes() coords.Axes
	WaitForUpdate(ctx context.Context) error
}

const (
	setupBudget           = 950 * time.Millisecond
	defaultCancelMs       = 5000
	cancelPollMs          = 100 * time.Millisecond
	positionWaitPeriod    = 5 * time.Second
	precisionIterDeadline = 3 * time.Second
	dampingX              = 0.25
	dampingY              = 0.10
)

// Controller is the per-mount Slew Controller.
type Controller struct {
	q        *queue.Queue
	tracking *tracking.Engine
	position PositionSource
	snap     *config.Snapshot
	bus      eventbus.EventBus
	isRunning func() bool

	sem chan struct{} // capacity-1 operation lock

	mu          sync.Mutex
	state       State
	active      Type
	pred        *predictor.Predictor
	cancelFunc  context.CancelFunc
	wg          sync.WaitGroup
	lastError   error
	wasTracking bool
	wasMode     tracking.Mode

	// initialRa/initialDec record the position at the start of the most
	// recent Setup phase, for diagnostics.
	initialRa  float64
	initialDec float64

	CancelTimeoutMs int
}

// New returns a Controller bound to a running Queue, the shared Tracking
// Engine, and the Position Pipeline's read surface.
func New(q *queue.Queue, trackingEngine *tracking.Engine, position PositionSource, snap *config.Snapshot, bus eventbus.EventBus, isRunning func() bool) *Controller {
	return &Controller{
		q:               q,
		tracking:        trackingEngine,
		position:        position,
		snap:            snap,
		bus:             bus,
		isRunning:       isRunning,
		sem:             make(chan struct{}, 1),
		CancelTimeoutMs: defaultCancelMs,
	}
}

// State reports the controller's current 5-state-machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsSlewing reports whether a slew-type operation is currently published.
func (c *Controller) IsSlewing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != NoSlew
}

// ActiveType returns the published slew_state.
func (c *Controller) ActiveType() Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LastError returns the error from the most recently failed operation,
// if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// ExecuteSlew runs Setup synchronously (bounded to 950ms) and, if it
// succeeds, launches Movement+Completion in the background. The
// returned Result reflects only the Setup phase.
func (c *Controller) ExecuteSlew(ctx context.Context, op Operation) (*Result, error) {
	if err := c.acquireLock(ctx); err != nil {
		return &Result{CanProceed: false, ErrorMessage: err.Error()}, err
	}
	defer func() { <-c.sem }()

	// Step 1: cancel any in-flight slew and await its termination before
	// Setup begins.
	c.cancelAndJoin()

	setupErrCh := make(chan error, 1)
	go func() { setupErrCh <- c.runSetup(ctx, op) }()

	select {
	case err := <-setupErrCh:
		if err != nil {
			c.transitionTo(Idle, NoSlew)
			c.setLastError(err)
			return &Result{CanProceed: false, ErrorMessage: err.Error()}, err
		}
	case <-time.After(setupBudget):
		err := mounterrors.New(mounterrors.Timeout, "setup exceeded 950ms")
		c.transitionTo(Idle, NoSlew)
		c.setLastError(err)
		return &Result{CanProceed: false, ErrorMessage: err.Error()}, err
	}

	c.transitionTo(Moving, op.Type)

	movementCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runMovementAndCompletion(movementCtx, op)

	return &Result{CanProceed: true}, nil
}

// Cancel requests termination of any in-flight slew and waits for it to
// settle into Idle.
func (c *Controller) Cancel() {
	c.cancelAndJoin()
}

// WaitForCompletion blocks until no slew is in flight.
func (c *Controller) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return mounterrors.Wrap(mounterrors.Timeout, "wait_for_completion cancelled", ctx.Err())
	}
}

func (c *Controller) cancelAndJoin() {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Controller) acquireLock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return mounterrors.Wrap(mounterrors.Timeout, "operation lock not acquired", ctx.Err())
	}
}

func (c *Controller) transitionTo(state State, active Type) {
	c.mu.Lock()
	c.state = state
	c.active = active
	c.mu.Unlock()
	c.publish("slew_state=" + active.String())
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

func (c *Controller) publish(message string) {
	if c.bus == nil {
		return
	}
	eventbus.PublishRecord(c.bus, "slew", "slew_controller", eventbus.Information, "slew", message)
}

// runSetup performs the Setup contract (§4.7 steps 2-7); step 1 already
// ran in ExecuteSlew before the lock was held across Setup's own
// deadline.
func (c *Controller) runSetup(ctx context.Context, op Operation) error {
	c.mu.Lock()
	c.state = Setup
	c.mu.Unlock()

	if c.isRunning != nil && !c.isRunning() {
		return mounterrors.New(mounterrors.InvalidState, "mount is not running")
	}

	if err := c.ensureAxesStopped(ctx); err != nil {
		return err
	}

	currentMount := c.position.CurrentMountAxes()
	lst := c.snap.LocalSiderealTimeAt(time.Now())
	initialRa, initialDec := coords.AxesToRaDec(currentMount, lst, c.snap)

	c.mu.Lock()
	c.wasTracking = c.tracking.Mode() != tracking.Off
	c.wasMode = c.tracking.Mode()
	c.initialRa = initialRa
	c.initialDec = initialDec
	c.mu.Unlock()

	c.tracking.SetTracking(false, tracking.Off)

	if op.Type == RaDec {
		c.mu.Lock()
		c.pred = predictor.New(time.Now(), op.TargetRaHours, op.TargetDecDeg, op.RateRaDegPerS, op.RateDecDegPerS)
		c.mu.Unlock()
	}

	return nil
}

// ensureAxesStopped asks both axes whether they are stopped and, if
// either is not or a query fails, issues one stop. The axes are not
// queried again after that stop, and no separate force-stop follows.
func (c *Controller) ensureAxesStopped(ctx context.Context) error {
	stoppedX, errX := c.isAxisFullStop(ctx, 0)
	stoppedY, errY := c.isAxisFullStop(ctx, 1)
	if errX == nil && errY == nil && stoppedX && stoppedY {
		return nil
	}

	if err := c.stopAxes(ctx); err != nil {
		return mounterrors.Wrap(mounterrors.MountError, "force-stop failed during setup", err)
	}
	return nil
}

// runMovementAndCompletion runs Movement then Completion, handling
// cancellation and hardware errors uniformly, and always leaves the
// controller back in Idle with slew_state = None.
func (c *Controller) runMovementAndCompletion(ctx context.Context, op Operation) {
	defer c.wg.Done()
	started := time.Now()
	defer func() {
		slewDurationHistogram.WithLabelValues(op.Type.String()).Observe(time.Since(started).Seconds())
	}()

	err := c.runMovement(ctx, op)
	if err != nil {
		c.abortOnError(ctx, err)
		return
	}

	if ctx.Err() != nil {
		c.runCancellation(op)
		return
	}

	c.mu.Lock()
	c.state = Completing
	c.mu.Unlock()

	c.runCompletion(ctx, op)

	c.transitionTo(Idle, NoSlew)
	if op.Type != Park {
		c.tracking.SetTracking(op.TrackingAfterSlew, op.TrackingModeAfterSlew)
	}
}

func (c *Controller) abortOnError(ctx context.Context, err error) {
	_ = c.stopAxes(context.Background())
	c.setLastError(err)
	c.transitionTo(Idle, NoSlew)
	c.tracking.SetTracking(false, tracking.Off)
	c.publish("slew aborted: " + err.Error())
}

// runCancellation issues a stop, waits up to CancelTimeoutMs for the
// axes to report stopped, issues a second stop if they have not, and
// always returns to Idle.
func (c *Controller) runCancellation(op Operation) {
	c.mu.Lock()
	c.state = Cancelling
	c.mu.Unlock()

	_ = c.stopAxes(context.Background())

	deadline := time.Now().Add(time.Duration(c.CancelTimeoutMs) * time.Millisecond)
	stopped := false
	for time.Now().Before(deadline) {
		stoppedX, _ := c.isAxisFullStop(context.Background(), 0)
		stoppedY, _ := c.isAxisFullStop(context.Background(), 1)
		if stoppedX && stoppedY {
			stopped = true
			break
		}
		time.Sleep(cancelPollMs)
	}
	if !stopped {
		_ = c.stopAxes(context.Background())
	}

	c.transitionTo(Idle, NoSlew)
}

// runMovement dispatches the two-pass coarse+precision movement for
// GoTo-shaped operations; MoveAxis/Settle are rate-driven elsewhere and
// have nothing for Movement to do.
func (c *Controller) runMovement(ctx context.Context, op Operation) error {
	if !op.Type.isGoTo() {
		return nil
	}

	coarseDeadline, precisionIters := c.movementParams()

	target := c.targetAxesAt(op, time.Now())
	current := c.position.CurrentMountAxes()

	speedHigh := c.snap.SlewSpeeds[len(c.snap.SlewSpeeds)-1]
	if speedHigh <= 0 {
		speedHigh = 1
	}
	dtX := math.Abs(current[0]-target[0]) / speedHigh
	dtY := math.Abs(current[1]-target[1]) / speedHigh
	dt := math.Max(dtX, dtY)

	target = c.targetAxesAt(op, time.Now().Add(time.Duration(dt*float64(time.Second))))

	if err := c.goToAxisTarget(target); err != nil {
		return err
	}
	if err := c.pollAxesStopped(ctx, coarseDeadline); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	lastIterWallclock := time.Second
	for i := 0; i < precisionIters; i++ {
		if ctx.Err() != nil {
			return nil
		}

		iterStart := time.Now()
		waitCtx, waitCancel := context.WithTimeout(ctx, positionWaitPeriod)
		err := c.position.WaitForUpdate(waitCtx)
		waitCancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return mounterrors.Wrap(mounterrors.Timeout, "precision phase: no position update within 5s", err)
		}

		reaimAt := time.Now().Add(lastIterWallclock + lastIterWallclock/10)
		target = c.targetAxesAt(op, reaimAt)
		current = c.position.CurrentMountAxes()

		deltaX := target[0] - current[0]
		deltaY := target[1] - current[1]
		if math.Abs(deltaX) < c.snap.GotoPrecisionDeg && math.Abs(deltaY) < c.snap.GotoPrecisionDeg {
			return nil
		}

		damped := coords.Axes{target[0] + dampingX*deltaX, target[1] + dampingY*deltaY}
		if err := c.goToAxisTarget(damped); err != nil {
			return err
		}
		_ = c.pollAxesStopped(ctx, precisionIterDeadline)

		lastIterWallclock = time.Since(iterStart)
	}

	return nil
}

// runCompletion implements the slew-type-specific Completion contract.
func (c *Controller) runCompletion(ctx context.Context, op Operation) {
	switch op.Type {
	case RaDec:
		if c.snap.AlignmentMode == config.AltAz {
			c.tracking.SetTracking(true, tracking.AltAz)
			interval := time.Duration(c.snap.AltAzTrackingUpdateIntervalMs) * time.Millisecond
			settleFactor := 2
			if c.snap.FactorStep[0] <= 5 && c.snap.FactorStep[0] > 0 {
				settleFactor = 4
			}
			select {
			case <-time.After(time.Duration(settleFactor) * interval):
			case <-ctx.Done():
			}
		}
	case Park:
		c.mu.Lock()
		if c.pred != nil {
			c.pred.Reseed(time.Now(), op.TargetRaHours, op.TargetDecDeg)
		}
		c.mu.Unlock()
	case Home:
		c.mu.Lock()
		if c.pred != nil {
			c.pred.Reseed(time.Now(), op.TargetRaHours, op.TargetDecDeg)
		}
		c.mu.Unlock()
	case Handpad:
		current := c.position.CurrentMountAxes()
		lst := c.snap.LocalSiderealTimeAt(time.Now())
		ra, dec := coords.AxesToRaDec(current, lst, c.snap)
		c.mu.Lock()
		if c.pred != nil {
			c.pred.Reseed(time.Now(), ra, dec)
		}
		c.mu.Unlock()
	case AltAz, MoveAxis, Settle:
		// no completion work
	}
}

func (c *Controller) movementParams() (coarseDeadline time.Duration, precisionIters int) {
	if c.snap.MountFamily == config.Simulator {
		return 120 * time.Second, 10
	}
	return 240 * time.Second, 5
}

// targetAxesAt computes the mount-axis target for op as of instant t,
// re-mapping moving targets (RaDec on an Alt/Az mount) through the
// Predictor so the end-of-slew coordinate accounts for Earth rotation.
func (c *Controller) targetAxesAt(op Operation, t time.Time) coords.Axes {
	lst := c.snap.LocalSiderealTimeAt(t)

	switch op.Type {
	case RaDec:
		raHours, decDeg := op.TargetRaHours, op.TargetDecDeg
		c.mu.Lock()
		pred := c.pred
		c.mu.Unlock()
		if pred != nil {
			raHours, decDeg = pred.GetRaDecAt(t)
		}
		return coords.RaDecToAxes(raHours, decDeg, lst, c.snap)
	case AltAz, Settle:
		return coords.AzAltToAxes(op.TargetAzDeg, op.TargetAltDeg, c.snap)
	case Park:
		if op.ParkAxesOverride != nil {
			return *op.ParkAxesOverride
		}
		return coords.Axes(c.snap.ParkAxes)
	case Home:
		return coords.Axes(c.snap.HomeAxes)
	case Handpad:
		return c.position.CurrentMountAxes()
	default:
		return c.position.CurrentMountAxes()
	}
}

// --- hardware command helpers, routed through the Command Queue ---

func (c *Controller) goToAxisTarget(target coords.Axes) error {
	for axis := 0; axis < 2; axis++ {
		if err := c.q.Enqueue(&queue.Command{Kind: queue.GoToAxisTarget, Axis: axis, Value: target[axis]}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) stopAxes(ctx context.Context) error {
	id := c.q.NextID()
	if err := c.q.Enqueue(&queue.Command{ID: id, Kind: queue.StopAxes}); err != nil {
		return err
	}
	result := c.q.GetResult(id)
	return result.Err
}

func (c *Controller) isAxisFullStop(ctx context.Context, axis int) (bool, error) {
	id := c.q.NextID()
	if err := c.q.Enqueue(&queue.Command{ID: id, Kind: queue.IsAxisFullStop, Axis: axis}); err != nil {
		return false, err
	}
	result := c.q.GetResult(id)
	if result.Err != nil {
		return false, result.Err
	}
	stopped, _ := result.Result.(bool)
	return stopped, nil
}

func (c *Controller) pollAxesStopped(ctx context.Context, deadline time.Duration) error {
	cutoff := time.Now().Add(deadline)
	for {
		if ctx.Err() != nil {
			return nil
		}
		stoppedX, errX := c.isAxisFullStop(ctx, 0)
		stoppedY, errY := c.isAxisFullStop(ctx, 1)
		if errX == nil && errY == nil && stoppedX && stoppedY {
			return nil
		}
		if time.Now().After(cutoff) {
			return mounterrors.New(mounterrors.Timeout, "axes did not report stopped before the movement deadline")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
