package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle bounds how often a log line keyed by some identifier is emitted.
//
// Each key gets its own token bucket: Burst lines immediately, then one line
// per Every. Suppressed lines are counted and reported on the next allowed call
// so operators still see the volume.
type Throttle struct {
	every time.Duration
	burst int

	mu   sync.Mutex
	keys map[string]*throttleKey
}

type throttleKey struct {
	lim        *rate.Limiter
	suppressed int
}

// maxThrottleKeys caps memory when keys are unbounded (e.g. error strings).
const maxThrottleKeys = 1024

func NewThrottle(every time.Duration, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, keys: map[string]*throttleKey{}}
}

// Allow reports whether a line for key may be written now, and how many lines
// for that key were suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil || t.every <= 0 {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.keys[key]
	if k == nil {
		if len(t.keys) >= maxThrottleKeys {
			t.keys = map[string]*throttleKey{}
		}
		k = &throttleKey{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.keys[key] = k
	}
	if !k.lim.Allow() {
		k.suppressed++
		return false, 0
	}
	n := k.suppressed
	k.suppressed = 0
	return true, n
}

// Reset forgets all keys. Used when the set of keys becomes stale (config reload).
func (t *Throttle) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.keys = map[string]*throttleKey{}
	t.mu.Unlock()
}
