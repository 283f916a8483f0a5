package slew

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

// fakeBackend simulates near-instantaneous GoTo/IsAxisFullStop behavior:
// any GoToAxisTarget immediately updates a shared position, and
// IsAxisFullStop always reports true.
type fakeBackend struct {
	mu    sync.Mutex
	axes  coords.Axes
	fail  bool
}

func (b *fakeBackend) Execute(ctx context.Context, cmd *queue.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return nil
	}

	switch cmd.Kind {
	case queue.GoToAxisTarget:
		b.axes[cmd.Axis] = cmd.Value
	case queue.IsAxisFullStop:
		cmd.Result = true
	case queue.StopAxes:
	}
	return nil
}

func (b *fakeBackend) currentAxes() coords.Axes {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.axes
}

// fakePosition reads straight through to the fakeBackend's axes and
// resolves WaitForUpdate immediately, simulating a fast position pipeline.
type fakePosition struct {
	backend *fakeBackend
}

func (p *fakePosition) CurrentMountAxes() coords.Axes { return p.backend.currentAxes() }

func (p *fakePosition) WaitForUpdate(ctx context.Context) error {
	select {
	case <-time.After(time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	snap, err := config.FromSettings(config.Settings{
		MountFamily:                   config.Simulator,
		AlignmentMode:                 config.GermanPolar,
		StepsPerRev:                   [2]float64{1000000, 1000000},
		AxisUpperLimitYDeg:            90,
		AxisLowerLimitYDeg:            -90,
		MaxSlewRateDegPerS:            4,
		GotoPrecisionDeg:              0.01,
		AltAzTrackingUpdateIntervalMs: 100,
	})
	if err != nil {
		t.Fatalf("config.FromSettings() error = %v", err)
	}
	return snap
}

func newTestController(t *testing.T) (*Controller, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{axes: coords.Axes{0, 0}}
	q := queue.New(backend)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("queue.Start() error = %v", err)
	}
	t.Cleanup(func() { q.Stop() })

	trackingEngine := tracking.New()
	position := &fakePosition{backend: backend}
	snap := testSnapshot(t)

	c := New(q, trackingEngine, position, snap, nil, func() bool { return true })
	return c, backend
}

func TestExecuteSlewParkSucceedsAndReturnsToIdle(t *testing.T) {
	c, _ := newTestController(t)

	result, err := c.ExecuteSlew(context.Background(), Operation{Type: Park})
	if err != nil {
		t.Fatalf("ExecuteSlew() error = %v", err)
	}
	if !result.CanProceed {
		t.Fatalf("expected Setup to succeed, got %+v", result)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForCompletion(waitCtx); err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}

	if c.State() != Idle {
		t.Errorf("State() = %v, want Idle", c.State())
	}
	if c.IsSlewing() {
		t.Errorf("IsSlewing() = true after completion, want false")
	}
}

func TestExecuteSlewFailsWhenNotRunning(t *testing.T) {
	backend := &fakeBackend{axes: coords.Axes{0, 0}}
	q := queue.New(backend)
	q.Start(context.Background())
	defer q.Stop()

	c := New(q, tracking.New(), &fakePosition{backend: backend}, testSnapshot(t), nil, func() bool { return false })

	result, err := c.ExecuteSlew(context.Background(), Operation{Type: Park})
	if err == nil {
		t.Fatal("expected ExecuteSlew to fail when isRunning() is false")
	}
	if result.CanProceed {
		t.Errorf("expected CanProceed = false, got true")
	}
}

func TestNewSlewPreemptsAndCancelsThePrior(t *testing.T) {
	c, _ := newTestController(t)

	result1, err := c.ExecuteSlew(context.Background(), Operation{Type: Home})
	if err != nil || !result1.CanProceed {
		t.Fatalf("first ExecuteSlew() = %+v, %v", result1, err)
	}

	result2, err := c.ExecuteSlew(context.Background(), Operation{Type: Park})
	if err != nil || !result2.CanProceed {
		t.Fatalf("second ExecuteSlew() = %+v, %v", result2, err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForCompletion(waitCtx); err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}
	if c.State() != Idle {
		t.Errorf("State() = %v, want Idle after the second slew settles", c.State())
	}
}

func TestCancelReturnsControllerToIdle(t *testing.T) {
	c, _ := newTestController(t)

	result, err := c.ExecuteSlew(context.Background(), Operation{
		Type:          RaDec,
		TargetRaHours: 5,
		TargetDecDeg:  20,
	})
	if err != nil || !result.CanProceed {
		t.Fatalf("ExecuteSlew() = %+v, %v", result, err)
	}

	c.Cancel()

	if c.State() != Idle {
		t.Errorf("State() = %v, want Idle after Cancel()", c.State())
	}
	if c.IsSlewing() {
		t.Errorf("IsSlewing() = true after Cancel(), want false")
	}
}
