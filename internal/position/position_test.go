package position

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/darkdragonsastro/mountcore/internal/config"
	"github.com/darkdragonsastro/mountcore/internal/coords"
	"github.com/darkdragonsastro/mountcore/internal/queue"
	"github.com/darkdragonsastro/mountcore/internal/tracking"
)

// stepsBackend answers GetSteps with a fixed, settable reading.
type stepsBackend struct {
	mu    sync.Mutex
	steps [2]float64
}

func (b *stepsBackend) Execute(ctx context.Context, cmd *queue.Command) error {
	if cmd.Kind == queue.GetSteps {
		b.mu.Lock()
		cmd.Result = b.steps
		b.mu.Unlock()
	}
	return nil
}

func (b *stepsBackend) setSteps(x, y float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = [2]float64{x, y}
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
		AxisLimitXDeg:                 200,
		HzLimitTracking:               true,
		DisplayIntervalMs:             20,
		AltAzTrackingUpdateIntervalMs: 50,
	})
	if err != nil {
		t.Fatalf("config.FromSettings() error = %v", err)
	}
	return snap
}

func TestTickPublishesPositionAfterGetSteps(t *testing.T) {
	backend := &stepsBackend{}
	backend.setSteps(45000, 20000) // 45 deg, 20 deg at factor_step=1000

	q := queue.New(backend)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("queue.Start() error = %v", err)
	}
	defer q.Stop()

	snap := testSnapshot(t)
	p := New(q, tracking.New(), snap, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := p.WaitForUpdate(waitCtx); err != nil {
		t.Fatalf("WaitForUpdate() error = %v", err)
	}

	axes := p.CurrentMountAxes()
	if axes[0] != 45 || axes[1] != 20 {
		t.Errorf("CurrentMountAxes() = %v, want [45 20]", axes)
	}
}

func TestLimitBreachDisablesTrackingWhenEnforced(t *testing.T) {
	backend := &stepsBackend{}
	backend.setSteps(250000, 20000) // 250 deg > axis_limit_x_deg=200

	q := queue.New(backend)
	q.Start(context.Background())
	defer q.Stop()

	snap := testSnapshot(t)
	trackingEngine := tracking.New()
	trackingEngine.SetTracking(true, tracking.Sidereal)

	p := New(q, trackingEngine, snap, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	p.WaitForUpdate(waitCtx)

	if trackingEngine.Mode() != tracking.Off {
		t.Errorf("tracking mode = %v, want Off after a limit breach with hz_limit_tracking set", trackingEngine.Mode())
	}
	if !p.CurrentLimitStatus().AtLimit {
		t.Errorf("expected AtLimit = true")
	}
}

func TestComputeLimitStatusDistinguishesUpperAndLowerY(t *testing.T) {
	snap := testSnapshot(t)

	upper := computeLimitStatus(coords.Axes{0, 95}, snap)
	if !upper.AtUpperLimitY || upper.AtLowerLimitY {
		t.Errorf("computeLimitStatus(upper breach) = %+v, want AtUpperLimitY only", upper)
	}

	lower := computeLimitStatus(coords.Axes{0, -95}, snap)
	if !lower.AtLowerLimitY || lower.AtUpperLimitY {
		t.Errorf("computeLimitStatus(lower breach) = %+v, want AtLowerLimitY only", lower)
	}

	clear := computeLimitStatus(coords.Axes{0, 0}, snap)
	if clear.AtUpperLimitY || clear.AtLowerLimitY || clear.AtLimit {
		t.Errorf("computeLimitStatus(within limits) = %+v, want no limit flags set", clear)
	}
}

func TestWaitForUpdateRespectsContextCancellation(t *testing.T) {
	backend := &stepsBackend{}
	q := queue.New(backend)
	q.Start(context.Background())
	defer q.Stop()

	// No Start(): nothing will ever tick, so WaitForUpdate must return
	// once its context is cancelled rather than block forever.
	p := New(q, tracking.New(), testSnapshot(t), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.WaitForUpdate(ctx)
	if err == nil {
		t.Fatal("expected WaitForUpdate to return an error on context timeout")
	}
}

func TestStepsToDegreesSimulatorDivides(t *testing.T) {
	snap := testSnapshot(t)
	degrees := stepsToDegrees([2]float64{90000, -15000}, snap)
	if degrees[0] != 90 || degrees[1] != -15 {
		t.Errorf("stepsToDegrees() = %v, want [90 -15]", degrees)
	}
}

func TestStepsToDegreesSkyWatcherConvertsRadians(t *testing.T) {
	snap, err := config.FromSettings(config.Settings{
		MountFamily:        config.SkyWatcher,
		AlignmentMode:      config.GermanPolar,
		StepsPerRev:        [2]float64{1000000, 1000000},
		FactorStep:         [2]float64{math.Pi / 2, math.Pi},
		AxisUpperLimitYDeg: 90,
		AxisLowerLimitYDeg: -90,
	})
	if err != nil {
		t.Fatalf("config.FromSettings() error = %v", err)
	}

	degrees := stepsToDegrees([2]float64{1, 1}, snap)
	if math.Abs(degrees[0]-90) > 1e-9 || math.Abs(degrees[1]-180) > 1e-9 {
		t.Errorf("stepsToDegrees() = %v, want [90 180]", degrees)
	}
}
