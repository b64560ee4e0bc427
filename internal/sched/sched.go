// Package sched provides a fixed-capacity pool of timer slots for
// delayed and periodic callbacks, plus deadline wrappers for bounding
// blocking calls. The pool is sized like the realtime-signal range the
// facility traditionally maps onto; exhaustion is a hard error, never a
// silent overwrite of an active timer.
package sched

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tetherops/tether/internal/logging"
)

var log = logging.L("sched")

// DefaultSlots matches the number of distinct realtime signals on Linux.
const DefaultSlots = 32

var (
	// ErrNoSlots is returned by Add when every timer slot is armed.
	ErrNoSlots = errors.New("sched: no free timer slots")

	// ErrBadHandle is returned by Remove for an invalid or stale handle.
	ErrBadHandle = errors.New("sched: bad timer handle")

	// ErrTimeout is returned by Timeout and IOTimeout when the deadline
	// fires before the wrapped call completes.
	ErrTimeout = errors.New("sched: deadline exceeded")
)

// Handle identifies an armed timer slot. Handles are generation-checked:
// once a slot is freed and rearmed, old handles to it become invalid.
type Handle struct {
	index int
	gen   uint64
}

type slot struct {
	timer    *time.Timer
	interval time.Duration
	gen      uint64
	active   bool
}

// Scheduler multiplexes delayed and periodic callbacks over a fixed set
// of timer slots. Create instances with New; there is no package-level
// singleton, so tests and independent sessions get isolated pools.
type Scheduler struct {
	mu    sync.Mutex
	slots []slot
	gen   uint64
}

// New creates a scheduler with n timer slots. n < 1 falls back to
// DefaultSlots.
func New(n int) *Scheduler {
	if n < 1 {
		n = DefaultSlots
	}
	return &Scheduler{slots: make([]slot, n)}
}

// Add arms a timer that invokes cb after delay, and then every interval
// if interval is nonzero. A one-shot timer frees its slot after firing.
// Returns ErrNoSlots when every slot is armed.
func (s *Scheduler) Add(cb func(), delay, interval time.Duration) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if s.slots[i].active {
			continue
		}
		s.gen++
		gen := s.gen
		index := i
		s.slots[i] = slot{
			interval: interval,
			gen:      gen,
			active:   true,
		}
		s.slots[i].timer = time.AfterFunc(delay, func() {
			s.fire(index, gen, cb)
		})
		return Handle{index: index, gen: gen}, nil
	}
	log.Warn("timer slot pool exhausted", "slots", len(s.slots))
	return Handle{}, ErrNoSlots
}

// Repeat arms a periodic timer whose first firing is one interval away.
func (s *Scheduler) Repeat(cb func(), interval time.Duration) (Handle, error) {
	return s.Add(cb, interval, interval)
}

// fire runs in the timer goroutine. It refires periodic slots and frees
// one-shot slots before invoking the callback outside the lock.
func (s *Scheduler) fire(index int, gen uint64, cb func()) {
	s.mu.Lock()
	sl := &s.slots[index]
	if !sl.active || sl.gen != gen {
		// Removed (or removed and rearmed) after the timer fired but
		// before we got the lock. The new owner's callback is not ours
		// to run.
		s.mu.Unlock()
		return
	}
	if sl.interval > 0 {
		sl.timer.Reset(sl.interval)
	} else {
		s.slots[index] = slot{}
	}
	s.mu.Unlock()

	cb()
}

// Remove disarms the timer in the slot named by h and frees the slot.
// Returns ErrBadHandle if the handle is invalid, already removed, or
// refers to a slot that has since been rearmed.
func (s *Scheduler) Remove(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.index < 0 || h.index >= len(s.slots) {
		return ErrBadHandle
	}
	sl := &s.slots[h.index]
	if !sl.active || sl.gen != h.gen {
		return ErrBadHandle
	}
	sl.timer.Stop()
	s.slots[h.index] = slot{}
	return nil
}

// Stop disarms and frees every slot.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].active {
			s.slots[i].timer.Stop()
			s.slots[i] = slot{}
		}
	}
}

// Active reports the number of currently armed slots.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.slots {
		if s.slots[i].active {
			n++
		}
	}
	return n
}

// Sleep suspends the caller for the full duration without consuming a
// timer slot. Timer callbacks firing meanwhile do not shorten the sleep.
func (s *Scheduler) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Timeout runs fn with a context that is cancelled when the deadline
// timer fires. If fn fails because the deadline fired, ErrTimeout is
// returned; otherwise fn's own result is. The timer slot is released on
// every exit path, so a completed Timeout leaves the pool at full
// capacity. fn must honor context cancellation for the deadline to take
// effect.
func (s *Scheduler) Timeout(fn func(ctx context.Context) error, d time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Bool
	h, err := s.Add(func() {
		fired.Store(true)
		cancel()
	}, d, 0)
	if err != nil {
		return err
	}
	defer func() {
		// ErrBadHandle here just means the one-shot already fired and
		// freed its own slot.
		_ = s.Remove(h)
	}()

	err = fn(ctx)
	if err != nil && fired.Load() {
		return ErrTimeout
	}
	return err
}

// IOTimeout wraps a blocking I/O call that may be interrupted. The
// interrupt hook runs from the timer callback and must unblock the
// pending call (for file streams, poking the read deadline). Each time
// fn returns an interruption-class error the timed-out flag is checked:
// unset means a spurious wakeup and the call is retried, set means the
// deadline fired and ErrTimeout is returned. Any other error from fn is
// returned as-is.
func (s *Scheduler) IOTimeout(fn func() error, interrupt func(), d time.Duration) error {
	var timedOut atomic.Bool
	h, err := s.Add(func() {
		timedOut.Store(true)
		if interrupt != nil {
			interrupt()
		}
	}, d, 0)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Remove(h)
	}()

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if interrupted(err) {
			if timedOut.Load() {
				return ErrTimeout
			}
			continue
		}
		return err
	}
}

// interrupted reports whether err is a transient interruption of a
// blocking call rather than a real failure.
func interrupted(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EAGAIN)
}
