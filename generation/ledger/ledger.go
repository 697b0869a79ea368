package ledger

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a pipeline step.
type Status string

const (
	StatusPending Status = "pending"
	StatusLoading Status = "loading"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// DefaultTickInterval 步骤计时推送间隔
const DefaultTickInterval = 100 * time.Millisecond

// Step is a point-in-time view of one pipeline step.
type Step struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Time    string        `json:"time,omitempty"` // seconds, two decimals
	Elapsed time.Duration `json:"-"`
}

type stepState struct {
	name    string
	status  Status
	start   time.Time
	elapsed time.Duration
	started bool
	stop    chan struct{} // loading 计时器；nil 表示未运行
}

// Ledger tracks the current generation id and per-step status and timing.
// A generation id captured by a continuation is stale once Begin has been
// called again; IsCurrent is the only check continuations need.
type Ledger struct {
	mu    sync.Mutex
	id    uint64
	steps []*stepState

	now  func() time.Time
	tick time.Duration

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTickInterval sets how often loading steps notify subscribers
func WithTickInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.tick = d
		}
	}
}

// New creates an empty ledger
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:  time.Now,
		tick: DefaultTickInterval,
		subs: make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin starts a new generation and returns its id. All earlier ids become stale.
func (l *Ledger) Begin() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id++
	return l.id
}

// Current returns the live generation id (0 before the first Begin)
func (l *Ledger) Current() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// IsCurrent reports whether id is still the live generation
func (l *Ledger) IsCurrent(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return id != 0 && id == l.id
}

// Reset stops all timers and installs a fresh list of pending steps
func (l *Ledger) Reset(names ...string) {
	l.mu.Lock()
	l.stopAllLocked()
	l.steps = make([]*stepState, len(names))
	for i, n := range names {
		l.steps[i] = &stepState{name: n, status: StatusPending}
	}
	l.mu.Unlock()
	l.notify()
}

// Clear stops all timers and removes every step
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.stopAllLocked()
	l.steps = nil
	l.mu.Unlock()
	l.notify()
}

// StopTimers stops every running step timer. Loading steps keep their status
// but their elapsed time is frozen.
func (l *Ledger) StopTimers() {
	l.mu.Lock()
	now := l.now()
	for _, s := range l.steps {
		if s.stop != nil {
			s.elapsed = now.Sub(s.start)
			l.stopLocked(s)
		}
	}
	l.mu.Unlock()
}

// SetStep records a status transition for the step at index.
//
// loading starts (or restarts) the step timer; done and error stop it and
// freeze elapsed time; pending resets the step.
func (l *Ledger) SetStep(index int, status Status) error {
	l.mu.Lock()
	if index < 0 || index >= len(l.steps) {
		l.mu.Unlock()
		return fmt.Errorf("step index %d out of range [0,%d)", index, len(l.steps))
	}
	s := l.steps[index]
	now := l.now()

	switch status {
	case StatusLoading:
		l.stopLocked(s)
		s.start = now
		s.elapsed = 0
		s.started = true
		s.stop = make(chan struct{})
		go l.runTimer(s.stop)
	case StatusDone, StatusError:
		if s.stop != nil {
			s.elapsed = now.Sub(s.start)
			l.stopLocked(s)
		}
	case StatusPending:
		l.stopLocked(s)
		s.elapsed = 0
		s.started = false
	default:
		l.mu.Unlock()
		return fmt.Errorf("unknown step status %q", status)
	}
	s.status = status
	l.mu.Unlock()

	l.notify()
	return nil
}

// Steps returns a snapshot; loading steps report live elapsed time
func (l *Ledger) Steps() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.steps) == 0 {
		return nil
	}
	now := l.now()
	out := make([]Step, len(l.steps))
	for i, s := range l.steps {
		elapsed := s.elapsed
		if s.stop != nil {
			elapsed = now.Sub(s.start)
		}
		out[i] = Step{Name: s.name, Status: s.status, Elapsed: elapsed}
		if s.started {
			out[i].Time = FormatSeconds(elapsed)
		}
	}
	return out
}

// LoadingIndexes returns the indexes of steps currently loading
func (l *Ledger) LoadingIndexes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var idx []int
	for i, s := range l.steps {
		if s.status == StatusLoading {
			idx = append(idx, i)
		}
	}
	return idx
}

// Subscribe returns a channel that receives a signal on every step change and
// every timer tick. Signals coalesce; a slow reader sees the latest state on
// its next Steps call.
func (l *Ledger) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
		})
	}
}

func (l *Ledger) notify() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *Ledger) runTimer(stop <-chan struct{}) {
	t := time.NewTicker(l.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.notify()
		}
	}
}

func (l *Ledger) stopLocked(s *stepState) {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (l *Ledger) stopAllLocked() {
	for _, s := range l.steps {
		l.stopLocked(s)
	}
}

// FormatSeconds renders d as seconds with two decimals
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2f", d.Seconds())
}
