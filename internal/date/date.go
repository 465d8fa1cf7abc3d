// Package date caches the HTTP Date header value so responses do not
// format the current time on every write.
package date

import (
	"sync"
	"sync/atomic"
	"time"
)

// Format is the HTTP date layout (RFC 7231 IMF-fixdate).
const Format = "Mon, 02 Jan 2006 15:04:05 GMT"

var (
	current  atomic.Pointer[string]
	running  atomic.Bool
	mu       sync.Mutex
	refs     int
	stopTick chan struct{}
)

// Start begins refreshing the cached value twice a second. Calls nest:
// the ticker stops when every returned stop function has run.
func Start() (stop func()) {
	mu.Lock()
	defer mu.Unlock()
	update(time.Now())
	refs++
	if refs == 1 {
		running.Store(true)
		stopTick = make(chan struct{})
		go tick(stopTick)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			refs--
			if refs == 0 {
				running.Store(false)
				close(stopTick)
			}
		})
	}
}

func tick(done chan struct{}) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			update(now)
		case <-done:
			return
		}
	}
}

func update(now time.Time) {
	s := now.UTC().Format(Format)
	current.Store(&s)
}

// Current returns the cached date, formatting it directly when no ticker
// is running.
func Current() string {
	if running.Load() {
		if p := current.Load(); p != nil {
			return *p
		}
	}
	return time.Now().UTC().Format(Format)
}
