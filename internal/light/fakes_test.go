package light

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zwave-go-home/internal/zwave"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// manualClock fires timers only when Advance moves past their deadline.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, running due timers in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at < c.timers[j].at })
		var next *manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				next = t
				break
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

func (c *manualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type refreshCall struct {
	id zwave.ValueID
	at time.Duration
}

// fakeTransport records writes and refreshes.
type fakeTransport struct {
	mu         sync.Mutex
	clock      *manualClock
	levels     []uint8
	payloads   []string
	refreshes  []refreshCall
	levelErr   error
	colorErr   error
	refreshErr error
}

var errRejected = errors.New("rejected by controller")

func (f *fakeTransport) SetDimmerLevel(_ context.Context, _ zwave.ValueID, level uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.levelErr != nil {
		return f.levelErr
	}
	f.levels = append(f.levels, level)
	return nil
}

func (f *fakeTransport) SetColorPayload(_ context.Context, _ zwave.ValueID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.colorErr != nil {
		return f.colorErr
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeTransport) RefreshValue(_ context.Context, id zwave.ValueID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var at time.Duration
	if f.clock != nil {
		at = f.clock.Now()
	}
	f.refreshes = append(f.refreshes, refreshCall{id: id, at: at})
	return f.refreshErr
}

func (f *fakeTransport) OnValueChanged(func(zwave.ValueChanged)) func() { return func() {} }

func (f *fakeTransport) Nodes(context.Context) ([]zwave.Node, error) { return nil, nil }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshes)
}
