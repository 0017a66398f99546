package sched

import (
	"sync"
	"time"
)

// Signal is a scheduling event delivered to the queue manager. The manager
// reacts identically regardless of which platform event produced the signal.
type Signal int

const (
	// SignalTick fires on the batch interval and requests an opportunistic
	// flush.
	SignalTick Signal = iota
	// SignalSuspend means the producer is going to background (the page-hidden
	// analog); a best-effort flush should run now.
	SignalSuspend
	// SignalTerminate means the process is going away; one last
	// fire-and-forget flush may run, then the consumer must stop.
	SignalTerminate
)

func (s Signal) String() string {
	switch s {
	case SignalTick:
		return "tick"
	case SignalSuspend:
		return "suspend"
	case SignalTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Scheduler produces the signal stream consumed by the queue manager.
type Scheduler interface {
	Signals() <-chan Signal
	Stop()
}

// TimerScheduler emits SignalTick on a fixed interval and forwards externally
// injected suspend/terminate signals onto the same stream.
type TimerScheduler struct {
	ch       chan Signal
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTimerScheduler starts a scheduler ticking at the given interval.
func NewTimerScheduler(interval time.Duration) *TimerScheduler {
	s := &TimerScheduler{
		ch:   make(chan Signal, 16),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.tickLoop(interval)
	return s
}

func (s *TimerScheduler) tickLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deliver(SignalTick)
		case <-s.done:
			return
		}
	}
}

// Notify injects a platform event (OS signal, operator request) into the
// stream. Delivery is non-blocking; a saturated consumer drops the signal
// rather than stalling the caller.
func (s *TimerScheduler) Notify(sig Signal) {
	s.deliver(sig)
}

func (s *TimerScheduler) deliver(sig Signal) {
	select {
	case <-s.done:
	case s.ch <- sig:
	default:
	}
}

// Signals returns the signal stream.
func (s *TimerScheduler) Signals() <-chan Signal { return s.ch }

// Stop halts the ticker and closes the stream.
func (s *TimerScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.ch)
	})
}

// ManualScheduler delivers only explicitly fired signals. It exists for tests
// and for embedding courier without a timer.
type ManualScheduler struct {
	ch       chan Signal
	stopOnce sync.Once
}

// NewManualScheduler creates a scheduler with a small delivery buffer.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{ch: make(chan Signal, 16)}
}

// Fire delivers one signal synchronously, blocking until the consumer takes it.
func (s *ManualScheduler) Fire(sig Signal) { s.ch <- sig }

// Signals returns the signal stream.
func (s *ManualScheduler) Signals() <-chan Signal { return s.ch }

// Stop closes the stream.
func (s *ManualScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.ch) })
}
