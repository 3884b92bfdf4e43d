package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a manually advanced Clock. Advance moves the virtual time forward
// and runs every timer and ticker that comes due, in deadline order, on the
// calling goroutine.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*mockTimer
	tickers []*mockTicker
}

// NewMock returns a Mock starting at a fixed, arbitrary instant.
func NewMock() *Mock {
	return &Mock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clock: m, deadline: m.now.Add(d), fn: f, active: true}
	m.timers = append(m.timers, t)
	return t
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTicker{clock: m, interval: d, next: m.now.Add(d), ch: make(chan time.Time, 64), active: true}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock by d, firing due timers and tickers in order.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		fn := m.nextDue(target)
		if fn == nil {
			break
		}
		fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// nextDue pops the earliest timer or ticker tick due at or before target,
// advances now to its deadline, and returns the work to run outside the lock.
func (m *Mock) nextDue(target time.Time) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})

	var dueTimer *mockTimer
	for _, t := range m.timers {
		if t.active && !t.deadline.After(target) {
			dueTimer = t
			break
		}
	}

	var dueTicker *mockTicker
	for _, t := range m.tickers {
		if t.active && !t.next.After(target) {
			if dueTicker == nil || t.next.Before(dueTicker.next) {
				dueTicker = t
			}
		}
	}

	if dueTimer == nil && dueTicker == nil {
		return nil
	}

	if dueTicker != nil && (dueTimer == nil || dueTicker.next.Before(dueTimer.deadline)) {
		m.now = dueTicker.next
		at := dueTicker.next
		dueTicker.next = dueTicker.next.Add(dueTicker.interval)
		ch := dueTicker.ch
		return func() {
			select {
			case ch <- at:
			default:
			}
		}
	}

	m.now = dueTimer.deadline
	dueTimer.active = false
	fn := dueTimer.fn
	return fn
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	fn       func()
	active   bool
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.deadline = t.clock.now.Add(d)
	t.active = true
	return was
}

type mockTicker struct {
	clock    *Mock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	active   bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.active = false
}
