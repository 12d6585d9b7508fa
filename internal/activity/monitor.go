// Package activity expires a session after a window without user interaction.
package activity

import (
	"sync"
	"time"
)

// DefaultWindow is the inactivity window after which session text is purged.
const DefaultWindow = 600 * time.Second

type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
)

// Timer is the subset of *time.Timer the monitor needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through
// RealAfterFunc; tests inject a manual scheduler.
type AfterFunc func(d time.Duration, f func()) Timer

func RealAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Monitor keeps a single rearmable timer. Every Touch cancels the pending
// expiry and schedules a new one; timers never stack.
type Monitor struct {
	window    time.Duration
	afterFunc AfterFunc
	onExpire  func()
	now       func() time.Time

	mu           sync.Mutex
	timer        Timer
	gen          uint64
	state        State
	lastActivity time.Time
	stopped      bool
}

func NewMonitor(window time.Duration, onExpire func()) *Monitor {
	return NewMonitorWithScheduler(window, onExpire, RealAfterFunc)
}

func NewMonitorWithScheduler(window time.Duration, onExpire func(), afterFunc AfterFunc) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if afterFunc == nil {
		afterFunc = RealAfterFunc
	}
	return &Monitor{
		window:    window,
		afterFunc: afterFunc,
		onExpire:  onExpire,
		now:       time.Now,
		state:     StateActive,
	}
}

// Touch records an interaction and restarts the countdown from zero.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.state = StateActive
	m.lastActivity = m.now().UTC()
	m.timer = m.afterFunc(m.window, func() { m.fire(gen) })
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	// A Touch may have raced the timer; only the latest arm may expire.
	if m.stopped || gen != m.gen || m.state == StateExpired {
		m.mu.Unlock()
		return
	}
	m.state = StateExpired
	m.timer = nil
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Stop cancels any pending expiry. The monitor ignores later touches.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *Monitor) Window() time.Duration { return m.window }
