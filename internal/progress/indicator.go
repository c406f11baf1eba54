// Package progress runs a periodic "still working" signal while a remote
// generation is in flight.
package progress

import (
	"sync"
	"time"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = 3 * time.Second

// Tick receives the time elapsed since the indicator started and the
// number of ticks so far.
type Tick func(elapsed time.Duration, n int)

// Indicator calls a Tick on its own ticker until stopped.
type Indicator struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Start launches an indicator. tick runs on the indicator's goroutine.
func Start(interval time.Duration, tick Tick) *Indicator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ind := &Indicator{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go ind.run(interval, tick)
	return ind
}

func (i *Indicator) run(interval time.Duration, tick Tick) {
	defer close(i.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	started := time.Now()
	n := 0
	for {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
			// Stop may race with the ticker; a closed stop channel wins.
			select {
			case <-i.stop:
				return
			default:
			}
			n++
			tick(time.Since(started), n)
		}
	}
}

// Stop halts the indicator and waits for its goroutine to exit. Once Stop
// returns, tick is never called again. Stop is safe to call repeatedly.
func (i *Indicator) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
	<-i.done
}

// Done is closed when the indicator goroutine has exited.
func (i *Indicator) Done() <-chan struct{} {
	return i.done
}
