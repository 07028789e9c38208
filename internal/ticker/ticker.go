package ticker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradesim/tradesim-api/internal/orders"
	"github.com/tradesim/tradesim-api/internal/simulator"
)

// Ticker owns the single background worker that advances instrument
// prices and re-evaluates pending orders on a fixed cadence. It holds no
// domain data of its own, only the worker lifecycle and the set of
// instruments to advance.
type Ticker struct {
	sim  *simulator.Simulator
	proc *orders.Processor

	// stateMu serialises Start/Stop against each other. The worker never
	// takes it, so Stop can join the worker while holding it.
	stateMu sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// interval is atomic so SetInterval works while the worker runs.
	// intervalCh nudges an in-flight wait to re-arm with the new value.
	interval   atomic.Int64 // nanoseconds
	intervalCh chan struct{}

	instMu      sync.Mutex
	instruments map[string]struct{}

	tickCount atomic.Int64
}

// New creates a stopped Ticker with the given cadence.
func New(sim *simulator.Simulator, proc *orders.Processor, interval time.Duration) *Ticker {
	t := &Ticker{
		sim:         sim,
		proc:        proc,
		instruments: make(map[string]struct{}),
		intervalCh:  make(chan struct{}, 1),
	}
	t.interval.Store(int64(interval))
	return t
}

// AddInstrument includes a FIGI in each cycle's advance. Tracking is
// decoupled from simulator registration, so an instrument can exist
// without being auto-ticked.
func (t *Ticker) AddInstrument(figi string) {
	t.instMu.Lock()
	t.instruments[figi] = struct{}{}
	t.instMu.Unlock()
}

// RemoveInstrument stops advancing a FIGI.
func (t *Ticker) RemoveInstrument(figi string) {
	t.instMu.Lock()
	delete(t.instruments, figi)
	t.instMu.Unlock()
}

// Start launches the worker goroutine. Calling Start on a running ticker
// is a no-op.
func (t *Ticker) Start() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if t.running {
		return
	}
	t.stopCh = make(chan struct{})
	t.running = true
	t.wg.Add(1)
	go t.run(t.stopCh)

	log.Info().
		Dur("interval", time.Duration(t.interval.Load())).
		Msg("background ticker started")
}

// Stop signals the worker to exit and waits for it to finish. Calling
// Stop on a stopped or never-started ticker is a no-op.
func (t *Ticker) Stop() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if !t.running {
		return
	}
	close(t.stopCh)
	t.wg.Wait()
	t.running = false

	log.Info().Int64("ticks", t.tickCount.Load()).Msg("background ticker stopped")
}

// Close stops the ticker. It exists so a deferred Close guarantees the
// worker goroutine is joined before the owner goes away.
func (t *Ticker) Close() error {
	t.Stop()
	return nil
}

// SetInterval changes the cadence. A running worker abandons its current
// wait and re-arms with the new interval immediately.
func (t *Ticker) SetInterval(d time.Duration) {
	t.interval.Store(int64(d))
	select {
	case t.intervalCh <- struct{}{}:
	default:
	}
}

// IsRunning reports whether the worker goroutine is active.
func (t *Ticker) IsRunning() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.running
}

// TickCount returns the number of completed cycles: 0 before the first
// Start, strictly increasing while running.
func (t *Ticker) TickCount() int64 {
	return t.tickCount.Load()
}

// run is the worker loop. The timed wait selects on stopCh and
// intervalCh so Stop and SetInterval take effect immediately rather than
// after the current interval expires.
func (t *Ticker) run(stopCh chan struct{}) {
	defer t.wg.Done()

	for {
		timer := time.NewTimer(time.Duration(t.interval.Load()))
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-t.intervalCh:
			timer.Stop()
			continue
		case <-timer.C:
		}

		t.cycle()
		t.tickCount.Add(1)
	}
}

// cycle advances the tracked instruments and reprocesses pending orders.
// A panic inside one cycle is contained and logged; the loop continues on
// the next interval.
func (t *Ticker) cycle() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("tick cycle failed")
		}
	}()

	t.instMu.Lock()
	figis := make([]string, 0, len(t.instruments))
	for figi := range t.instruments {
		figis = append(figis, figi)
	}
	t.instMu.Unlock()

	t.sim.TickAll(figis)

	if filled := t.proc.ReprocessPending(); filled > 0 {
		log.Debug().Int("filled", filled).Msg("pending orders filled on tick")
	}
}
