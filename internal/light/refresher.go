package light

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zwave-go-home/internal/zwave"
)

// DefaultRefreshDelay is the quiet period after the last notification before
// a value is re-read.
const DefaultRefreshDelay = 2 * time.Second

const refreshTimeout = 10 * time.Second

// RefreshState is the state of a Refresher.
type RefreshState int

const (
	Idle RefreshState = iota
	TimerPending
	Refreshing
)

func (s RefreshState) String() string {
	switch s {
	case Idle:
		return "idle"
	case TimerPending:
		return "timer_pending"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock schedules on the runtime timers.
var SystemClock Clock = systemClock{}

// ValueRefresher requests a re-read of a value. Implemented by zwave.Transport.
type ValueRefresher interface {
	RefreshValue(ctx context.Context, id zwave.ValueID) error
}

// Refresher coalesces bursts of change notifications for one value into a
// single deferred refresh. The notification that arrives while the refresh is
// in flight is taken as its result and handed to onResult.
type Refresher struct {
	id        zwave.ValueID
	transport ValueRefresher
	clock     Clock
	delay     time.Duration
	onResult  func(zwave.ValueChanged)
	logger    *slog.Logger

	mu     sync.Mutex
	state  RefreshState
	timer  Timer
	gen    uint64 // bumped whenever the pending timer is replaced or dropped
	closed bool
}

// NewRefresher creates a refresher for id. onResult runs without the lock held.
func NewRefresher(id zwave.ValueID, transport ValueRefresher, clock Clock, delay time.Duration, onResult func(zwave.ValueChanged), logger *slog.Logger) *Refresher {
	if clock == nil {
		clock = SystemClock
	}
	if delay <= 0 {
		delay = DefaultRefreshDelay
	}
	return &Refresher{
		id:        id,
		transport: transport,
		clock:     clock,
		delay:     delay,
		onResult:  onResult,
		logger:    logger.With("value", id.String()),
	}
}

// State returns the current state.
func (r *Refresher) State() RefreshState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Notify feeds a value-changed notification into the state machine.
// Notifications for other values are ignored.
func (r *Refresher) Notify(n zwave.ValueChanged) {
	if n.ID != r.id {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.state == Refreshing {
		r.state = Idle
		r.mu.Unlock()
		if r.onResult != nil {
			r.onResult(n)
		}
		return
	}

	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.state = TimerPending
	r.timer = r.clock.AfterFunc(r.delay, func() { r.fire(gen) })
	r.mu.Unlock()
}

func (r *Refresher) fire(gen uint64) {
	r.mu.Lock()
	if r.closed || gen != r.gen || r.state != TimerPending {
		r.mu.Unlock()
		return
	}
	r.state = Refreshing
	r.timer = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := r.transport.RefreshValue(ctx, r.id); err != nil {
		r.logger.Warn("refresh failed", "err", err)
		r.mu.Lock()
		if r.state == Refreshing && gen == r.gen {
			r.state = Idle
		}
		r.mu.Unlock()
	}
}

// Close cancels any pending timer. Later notifications and timer fires are no-ops.
func (r *Refresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = Idle
}
