package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Callbacks run synchronously on the
// goroutine calling Advance, in due-time order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64
	timers map[int64]*fakeTimer
}

type fakeTimer struct {
	id       int64
	clock    *Fake
	due      time.Time
	interval time.Duration
	fn       func()
}

// NewFake returns a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, timers: make(map[int64]*fakeTimer)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Every(interval time.Duration, tick func()) Timer {
	return f.schedule(interval, interval, tick)
}

func (f *Fake) AfterFunc(delay time.Duration, fn func()) Timer {
	return f.schedule(delay, 0, fn)
}

func (f *Fake) schedule(delay, interval time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	timer := &fakeTimer{
		id:       f.nextID,
		clock:    f,
		due:      f.now.Add(delay),
		interval: interval,
		fn:       fn,
	}
	f.timers[timer.id] = timer
	return timer
}

func (t *fakeTimer) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	delete(t.clock.timers, t.id)
}

// Advance moves the clock forward, firing every callback that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.earliestDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.due
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			delete(f.timers, next.id)
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}

func (f *Fake) earliestDueLocked(limit time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(f.timers))
	for _, timer := range f.timers {
		if !timer.due.After(limit) {
			due = append(due, timer)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

// PeriodicTimers reports how many periodic timers are currently armed.
func (f *Fake) PeriodicTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, timer := range f.timers {
		if timer.interval > 0 {
			count++
		}
	}
	return count
}
