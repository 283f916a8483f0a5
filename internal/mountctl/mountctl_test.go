package mountctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/darkdragonsastro/mountcore/internal/config"
	"github.com/darkdragonsastro/mountcore/internal/coords"
	"github.com/darkdragonsastro/mountcore/internal/queue"
	"github.com/darkdragonsastro/mountcore/internal/tracking"
)

// fakeBackend simulates near-instantaneous execution of every command
// kind the façade can issue, tracking state a test can assert against.
type fakeBackend struct {
	mu        sync.Mutex
	axes      coords.Axes
	steps     [2]float64
	rateCalls int
}

func (b *fakeBackend) Execute(ctx context.Context, cmd *queue.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch cmd.Kind {
	case queue.GoToAxisTarget, queue.SetAxisPosition:
		b.axes[cmd.Axis] = cmd.Value
	case queue.IsAxisFullStop:
		cmd.Result = true
	case queue.GetSteps:
		cmd.Result = b.steps
	case queue.MoveAxisRate:
		b.rateCalls++
	case queue.StopAxes:
	}
	return nil
}

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	snap, err := config.FromSettings(config.Settings{
		MountFamily:                   config.Simulator,
		AlignmentMode:                 config.GermanPolar,
		LatitudeDeg:                   34,
		StepsPerRev:                   [2]float64{1000000, 1000000},
		FactorStep:                    [2]float64{1000, 1000},
		AxisUpperLimitYDeg:            90,
		AxisLowerLimitYDeg:            -90,
		MaxSlewRateDegPerS:            4,
		GotoPrecisionDeg:              0.01,
		DisplayIntervalMs:             20,
		AltAzTrackingUpdateIntervalMs: 50,
		HomeAxes:                      [2]float64{0, 90},
		ParkAxes:                      [2]float64{180, 0},
		GuideRateOffsetX:              0.5,
		GuideRateOffsetY:              0.5,
		MinPulseMsRA:                  50,
		MinPulseMsDec:                 50,
	})
	if err != nil {
		t.Fatalf("config.FromSettings() error = %v", err)
	}
	return snap
}

func newTestController(t *testing.T) (*Controller, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	c := New("mountctl-test", backend, testSnapshot(t), nil, nil, nil, nil)
	c.rateIntervalMs = 10
	t.Cleanup(func() { c.Disconnect() })
	return c, backend
}

func TestConnectStartLifecycle(t *testing.T) {
	c, _ := newTestController(t)

	if c.IsConnected() || c.IsRunning() {
		t.Fatal("new controller should be neither connected nor running")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected IsConnected() = true after Connect()")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("expected IsRunning() = true after Start()")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.IsRunning() {
		t.Fatal("expected IsRunning() = false after Stop()")
	}
	if !c.IsConnected() {
		t.Fatal("Stop() must not disconnect")
	}
}

func TestStartRequiresConnected(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start() to fail before Connect()")
	}
}

func TestResyncAxesRejectedWhileRunning(t *testing.T) {
	c, _ := newTestController(t)
	c.Connect(context.Background())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	if err := c.ResyncAxes(false); err == nil {
		t.Fatal("expected ResyncAxes to fail while running")
	}
}

func TestResyncAxesSetsHomeOrPark(t *testing.T) {
	c, backend := newTestController(t)
	c.Connect(context.Background())

	if err := c.ResyncAxes(false); err != nil {
		t.Fatalf("ResyncAxes(false) error = %v", err)
	}
	// Allow the queue's single worker to drain the enqueued commands.
	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	axes := backend.axes
	backend.mu.Unlock()
	if axes[0] != 0 || axes[1] != 90 {
		t.Errorf("axes after resync(home) = %v, want [0 90]", axes)
	}

	if err := c.ResyncAxes(true); err != nil {
		t.Fatalf("ResyncAxes(true) error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	axes = backend.axes
	backend.mu.Unlock()
	if axes[0] != 180 || axes[1] != 0 {
		t.Errorf("axes after resync(park) = %v, want [180 0]", axes)
	}
	if !c.AtPark() {
		t.Error("expected AtPark() = true after resync(park=true)")
	}
}

func TestSetParkPositionOverridesSnapshot(t *testing.T) {
	c, backend := newTestController(t)
	c.Connect(context.Background())
	c.SetParkPosition(coords.Axes{10, 20})

	if err := c.ResyncAxes(true); err != nil {
		t.Fatalf("ResyncAxes(true) error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	axes := backend.axes
	backend.mu.Unlock()
	if axes[0] != 10 || axes[1] != 20 {
		t.Errorf("axes after overridden resync(park) = %v, want [10 20]", axes)
	}
}

func TestEmergencyStopZerosRatesAndCancelsTracking(t *testing.T) {
	c, _ := newTestController(t)
	c.Connect(context.Background())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	c.SetTracking(true, tracking.Sidereal)
	c.EmergencyStop()

	if on, _ := c.Tracking(); on {
		t.Error("expected tracking disabled after EmergencyStop()")
	}
}

func TestSlewToParkSucceedsAndEventuallyMarksAtPark(t *testing.T) {
	c, _ := newTestController(t)
	c.Connect(context.Background())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	result, err := c.SlewToPark(context.Background())
	if err != nil {
		t.Fatalf("SlewToPark() error = %v", err)
	}
	if !result.CanProceed {
		t.Fatalf("expected Setup to succeed, got %+v", result)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForSlewCompletion(waitCtx); err != nil {
		t.Fatalf("WaitForSlewCompletion() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !c.AtPark() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.AtPark() {
		t.Error("expected AtPark() = true shortly after SlewToPark() completes")
	}
}

func TestRateMovePrimaryCancelsInFlightSlew(t *testing.T) {
	c, _ := newTestController(t)
	c.Connect(context.Background())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	result, err := c.SlewRaDec(context.Background(), 5, 20, 0, 0, tracking.Sidereal)
	if err != nil || !result.CanProceed {
		t.Fatalf("SlewRaDec() = %+v, %v", result, err)
	}

	c.SetRateMovePrimary(1.5)

	if c.IsSlewing() {
		t.Error("expected IsSlewing() = false after SetRateMovePrimary cancels the slew")
	}
}

func TestPulseGuideDelegatesToTrackingEngine(t *testing.T) {
	c, _ := newTestController(t)
	c.Connect(context.Background())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	cancel, err := c.PulseGuide(0, 1, 200)
	if err != nil {
		t.Fatalf("PulseGuide() error = %v", err)
	}
	cancel()
}

func TestSyncRaDecSetsAxisPosition(t *testing.T) {
	c, backend := newTestController(t)
	c.Connect(context.Background())

	if err := c.SyncRaDec(5, 20); err != nil {
		t.Fatalf("SyncRaDec() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	changed := backend.axes != coords.Axes{}
	backend.mu.Unlock()
	if !changed {
		t.Error("expected SyncRaDec to command a nonzero axis position")
	}
}
