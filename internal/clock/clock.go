package clock

import (
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents future invocations. A callback that already started may still finish.
	Stop()
}

// Clock abstracts time so schedulers can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Every invokes tick on its own goroutine once per interval until stopped.
	Every(interval time.Duration, tick func()) Timer
	// AfterFunc invokes fn once after delay unless stopped.
	AfterFunc(delay time.Duration, fn func()) Timer
}

// System returns the wall clock implementation.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Every(interval time.Duration, tick func()) Timer {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				tick()
			}
		}
	}()
	return &systemTicker{ticker: ticker, done: done}
}

func (systemClock) AfterFunc(delay time.Duration, fn func()) Timer {
	return oneShot{timer: time.AfterFunc(delay, fn)}
}

type oneShot struct {
	timer *time.Timer
}

func (o oneShot) Stop() {
	o.timer.Stop()
}

type systemTicker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *systemTicker) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}
