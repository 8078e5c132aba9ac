package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/logging"
)

// Dispenser coalesces triggers into at most one run per window. The first
// Trigger arms a timer; triggers before it fires join the same run. A
// trigger that arrives while a run is in progress schedules one more run
// after it.
type Dispenser struct {
	window time.Duration
	run    func(ctx context.Context) error
	log    logrus.FieldLogger

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	again   bool
	closed  bool
	runs    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispenserOption configures a Dispenser.
type DispenserOption func(*Dispenser)

// WithDispenserLogger sets the dispenser logger.
func WithDispenserLogger(l logrus.FieldLogger) DispenserOption {
	return func(d *Dispenser) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispenser returns a dispenser that calls run at most once per window.
func NewDispenser(window time.Duration, run func(ctx context.Context) error, opts ...DispenserOption) *Dispenser {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispenser{window: window, run: run, log: logging.Discard(), ctx: ctx, cancel: cancel}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger requests a run. It never blocks.
func (d *Dispenser) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.running {
		d.again = true
		return
	}
	d.arm()
}

// arm starts the window timer unless one is pending. Callers hold mu.
func (d *Dispenser) arm() {
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Dispenser) fire() {
	d.mu.Lock()
	d.timer = nil
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.runs++
	d.wg.Add(1)
	d.mu.Unlock()

	err := d.run(d.ctx)
	if err != nil {
		d.log.WithError(err).Warn("dispensed run failed")
	}

	d.mu.Lock()
	d.running = false
	if d.again && !d.closed {
		d.again = false
		d.arm()
	}
	d.mu.Unlock()
	d.wg.Done()
}

// Runs returns how many runs have started.
func (d *Dispenser) Runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

// Close cancels any pending run, cancels the context of a run in progress
// and waits for it to return. Close is idempotent.
func (d *Dispenser) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
