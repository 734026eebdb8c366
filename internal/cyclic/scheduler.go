// Package cyclic implements the Cyclic Scheduler: the worker that holds the
// set of designated frames to transmit repeatedly at a fixed period and
// sweeps them onto the transport at low jitter. Grounded on
// original_source/pycan/drivers/basedriver.py's add_cyclic_message /
// stop_cyclic_message state machine, restructured around the teacher's
// goroutine-plus-context.Context cancellation idiom in place of Python's
// threading.Event, and using monotonic time throughout rather than the
// original's wall-clock time().
package cyclic

import (
	"context"
	"sync"
	"time"

	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/metrics"
)

// DefaultDivisor is the oversampling factor (N) the sweep interval divides
// the fastest active period by: sleep fastest_period/N, then sweep all due
// entries. A coarse timer-wheel replacement suitable for tens of entries at
// periods >= 10ms; divide-by-N bounds worst-case slip to period/N.
const DefaultDivisor = 3

// minSweepInterval floors the sweep interval so a very fast cyclic entry
// cannot spin the worker.
const minSweepInterval = 100 * time.Microsecond

// Sender is the capability the scheduler needs from a transport back-end.
// transport.Adapter satisfies it structurally.
type Sender interface {
	Send(fr canframe.Frame) bool
}

// Entry is a snapshot of one cyclic registration, returned by List.
type Entry struct {
	Key     any
	Frame   canframe.Frame
	Period  time.Duration
	NextRun time.Time
	Active  bool
}

type entry struct {
	frame   canframe.Frame
	period  time.Duration
	nextRun time.Time
	active  bool
}

// Scheduler holds the active cyclic set and sweeps it on its own goroutine.
// All mutating operations are serialized by mu, matching the facade's
// msg_lock.
type Scheduler struct {
	mu            sync.Mutex
	entries       map[any]*entry
	order         []any
	fastestPeriod time.Duration
	divisor       int

	sender Sender

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a scheduler sweeping sender on its own goroutine. divisor <= 0
// uses DefaultDivisor.
func New(parent context.Context, sender Sender, divisor int) *Scheduler {
	if divisor <= 0 {
		divisor = DefaultDivisor
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		entries: make(map[any]*entry),
		divisor: divisor,
		sender:  sender,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// AddCyclic registers frame to be sent every period. key nil uses
// frame.ID. Insert or replace: replacing an existing key keeps its position
// in sweep order and resets next_run to period from now. This reset is
// deliberately different from UpdateCyclic, which changes the frame payload
// in place without shifting next_run.
func (s *Scheduler) AddCyclic(frame canframe.Frame, period time.Duration, key any) bool {
	if key == nil {
		key = frame.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[key]
	if !exists {
		e = &entry{}
		s.entries[key] = e
		s.order = append(s.order, key)
	}
	e.frame = frame
	e.period = period
	e.nextRun = time.Now().Add(period)
	e.active = true
	s.updateFastestLocked(period)
	metrics.SetCyclicActive(s.countActiveLocked())
	return true
}

// UpdateCyclic replaces the frame payload of an existing entry without
// touching its key, period, or next_run. Fails if key is absent.
func (s *Scheduler) UpdateCyclic(frame canframe.Frame, key any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[key]
	if !exists {
		return false
	}
	e.frame = frame
	return true
}

// StopCyclic deactivates key: it stays observable via List but is skipped
// by the sweep. This is the rewrite's resolution of spec Open Question (a):
// stop removes the entry from the active set (and so frees its
// contribution to fastest_period) rather than leaving it scheduled.
func (s *Scheduler) StopCyclic(key any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[key]
	if !exists {
		return false
	}
	e.active = false
	s.recomputeFastestLocked()
	metrics.SetCyclicActive(s.countActiveLocked())
	return true
}

// List returns a snapshot of every registered entry, active or not, in
// insertion order.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.order))
	for _, key := range s.order {
		e := s.entries[key]
		out = append(out, Entry{
			Key:     key,
			Frame:   e.frame,
			Period:  e.period,
			NextRun: e.nextRun,
			Active:  e.active,
		})
	}
	return out
}

func (s *Scheduler) updateFastestLocked(period time.Duration) {
	if s.fastestPeriod == 0 || period < s.fastestPeriod {
		s.fastestPeriod = period
	}
}

func (s *Scheduler) recomputeFastestLocked() {
	var fastest time.Duration
	for _, e := range s.entries {
		if !e.active {
			continue
		}
		if fastest == 0 || e.period < fastest {
			fastest = e.period
		}
	}
	s.fastestPeriod = fastest
}

func (s *Scheduler) countActiveLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.active {
			n++
		}
	}
	return n
}

func (s *Scheduler) sweepInterval() time.Duration {
	s.mu.Lock()
	fastest := s.fastestPeriod
	s.mu.Unlock()
	if fastest <= 0 {
		return 10 * time.Millisecond
	}
	interval := fastest / time.Duration(s.divisor)
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return interval
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		interval := s.sweepInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		start := time.Now()
		s.sweep()
		metrics.ObserveCyclicSweep(time.Since(start).Seconds())
	}
}

// sweep fires every active, due entry in insertion order. Within one entry,
// emissions are totally ordered and monotone in time; across entries, only
// sweep-insertion order is guaranteed, matching the facade's ordering
// contract.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	now := time.Now()
	type due struct {
		key   any
		frame canframe.Frame
	}
	var fires []due
	for _, key := range s.order {
		e := s.entries[key]
		if !e.active || now.Before(e.nextRun) {
			continue
		}
		fires = append(fires, due{key: key, frame: e.frame})
		e.nextRun = now.Add(e.period)
	}
	s.mu.Unlock()

	for _, f := range fires {
		if s.sender.Send(f.frame) {
			metrics.IncCyclicFire()
		}
	}
}

// Shutdown stops the sweep worker and waits for it to exit.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
