// Package queue implements the Command Queue (C2): a back-end-independent
// single-producer/single-consumer pipeline that serializes all hardware
// I/O, correlates replies by id, and bounds the result table's growth.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/darkdragonsastro/mountcore/internal/mounterrors"
)

// Package-level metrics, per SPEC_FULL.md's diagnostics domain stack.
// Every Queue instance reports through the same collectors; a process
// running several mounts sees the last writer's depth, which is an
// accepted limitation of an unlabeled gauge rather than a per-mount
// registry (see DESIGN.md).
var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mountcore_queue_depth",
		Help: "Number of commands currently pending execution in the Command Queue.",
	})
	queueEvictionsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mountcore_queue_evictions_total",
		Help: "Total number of result-table entries evicted for exceeding the age threshold.",
	})
)

// CommandKind tags a Command's payload variant (§3, §9 "Dynamic result
// values" — each kind carries its own well-typed result in cmd.Result).
type CommandKind int

const (
	GoToAxisTarget CommandKind = iota
	GetPositionsDegrees
	SetAxisPosition
	MoveAxisRate
	IsAxisFullStop
	GetSteps
	GetControllerVoltage
	GetMotorCardVersion
	StopAxes
)

// Command is one entry in the queue. An id of 0 means fire-and-forget; a
// positive id means the caller expects to retrieve a result.
type Command struct {
	ID         uint64
	CreatedUTC time.Time
	Kind       CommandKind
	Axis       int
	Value      float64

	Successful bool
	Err        error
	Result     any
}

// BackEnd is the narrow capability the queue calls into — the only
// component that actually touches the transport. Breaks the cyclic
// reference between queue and controller described in the design notes:
// the queue never re-enters itself from inside a command.
type BackEnd interface {
	Execute(ctx context.Context, cmd *Command) error
}

const (
	resultTableEvictThreshold = 40
	resultTableEvictAge       = 180 * time.Second
	getResultTimeout          = 40 * time.Second
	getResultPollInterval     = time.Millisecond
	fatalFailureWindow        = 5 * time.Second
)

// Queue is the per-back-end command pipeline.
type Queue struct {
	backend BackEnd
	nextID  uint64 // atomic

	mu      sync.Mutex
	results map[uint64]*Command
	cond    *sync.Cond

	pending chan *Command

	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	evictRate *rate.Limiter

	consecutiveSerialFailures int
	firstFailureAt            time.Time

	// OnFatal is invoked, per §7's fatal-error policy, for each
	// SerialFailed command that completes once an unbroken run of
	// SerialFailed results has lasted more than 5s; it is not limited to
	// one call per Start/Stop cycle. May be nil.
	OnFatal func(err error)
}

// New returns a Queue bound to backend. Start must be called before
// Enqueue accepts work.
func New(backend BackEnd) *Queue {
	return &Queue{
		backend:   backend,
		results:   make(map[uint64]*Command),
		pending:   make(chan *Command, 256),
		evictRate: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// NextID returns the next monotonically increasing command id.
func (q *Queue) NextID() uint64 {
	return atomic.AddUint64(&q.nextID, 1)
}

// Start spins up the dedicated worker goroutine.
func (q *Queue) Start(ctx context.Context) error {
	if q.running.Load() {
		return mounterrors.New(mounterrors.InvalidState, "queue already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running.Store(true)
	q.mu.Lock()
	q.cond = sync.NewCond(&q.mu)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(workerCtx)
	return nil
}

// Stop flags cancellation, joins the worker, and drops the result table.
// Any outstanding GetResult returns QueueFailed on its next poll.
func (q *Queue) Stop() error {
	if !q.running.Load() {
		return nil
	}
	q.running.Store(false)
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	q.results = make(map[uint64]*Command)
	if q.cond != nil {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	return nil
}

// Enqueue submits cmd for execution. Never blocks: returns QueueFailed if
// the queue is stopped or its buffer is momentarily full.
func (q *Queue) Enqueue(cmd *Command) error {
	if !q.running.Load() {
		return mounterrors.New(mounterrors.QueueFailed, "queue is not running")
	}
	if cmd.CreatedUTC.IsZero() {
		cmd.CreatedUTC = time.Now().UTC()
	}

	q.evictIfNeeded()

	select {
	case q.pending <- cmd:
		queueDepthGauge.Set(float64(len(q.pending)))
		return nil
	default:
		return mounterrors.New(mounterrors.QueueFailed, "queue buffer full")
	}
}

// GetResult blocks the calling goroutine up to 40s waiting for cmd's
// completion, identified by id. On timeout it returns a command marked
// unsuccessful with a QueueFailed error; it never panics.
func (q *Queue) GetResult(id uint64) *Command {
	deadline := time.Now().Add(getResultTimeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if result, ok := q.results[id]; ok {
			delete(q.results, id)
			return result
		}
		if !q.running.Load() {
			return &Command{ID: id, Successful: false, Err: mounterrors.New(mounterrors.QueueFailed, "queue stopped")}
		}
		if time.Now().After(deadline) {
			return &Command{ID: id, Successful: false, Err: mounterrors.New(mounterrors.QueueFailed, "get_result timed out after 40s")}
		}
		q.waitWithTimeout(getResultPollInterval)
	}
}

// waitWithTimeout wakes on cond.Broadcast or after d, whichever comes
// first. Must be called with q.mu held; re-acquires it on return.
func (q *Queue) waitWithTimeout(d time.Duration) {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	go func() {
		<-woke
	}()
	q.cond.Wait()
	close(woke)
}

func (q *Queue) evictIfNeeded() {
	q.mu.Lock()
	size := len(q.results)
	q.mu.Unlock()

	if size < resultTableEvictThreshold {
		return
	}
	if !q.evictRate.Allow() {
		return
	}

	cutoff := time.Now().Add(-resultTableEvictAge)
	q.mu.Lock()
	for id, cmd := range q.results {
		if cmd.CreatedUTC.Before(cutoff) {
			delete(q.results, id)
			queueEvictionsCounter.Inc()
		}
	}
	q.mu.Unlock()
}

// run is the single dedicated worker: it executes commands strictly in
// FIFO order and is the only code that touches the transport.
func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-q.pending:
			if !ok {
				return
			}
			queueDepthGauge.Set(float64(len(q.pending)))
			q.execute(ctx, cmd)
		}
	}
}

func (q *Queue) execute(ctx context.Context, cmd *Command) {
	err := q.backend.Execute(ctx, cmd)
	cmd.Successful = err == nil
	cmd.Err = err

	q.trackFatalFailures(err)

	if cmd.ID == 0 {
		return
	}

	q.mu.Lock()
	q.results[cmd.ID] = cmd
	if q.cond != nil {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

func (q *Queue) trackFatalFailures(err error) {
	kind, ok := mounterrors.KindOf(err)
	if !ok || kind != mounterrors.SerialFailed {
		q.consecutiveSerialFailures = 0
		q.firstFailureAt = time.Time{}
		return
	}

	q.consecutiveSerialFailures++
	if q.firstFailureAt.IsZero() {
		q.firstFailureAt = time.Now()
		return
	}

	if time.Since(q.firstFailureAt) > fatalFailureWindow && q.OnFatal != nil {
		q.OnFatal(mounterrors.New(mounterrors.MountError, "repeated SerialFailed for over 5s"))
	}
}

// ErrNotRunning is returned by operations attempted before Start.
var ErrNotRunning = errors.New("queue: not running")
