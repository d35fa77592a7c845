package mqtt

import (
	"log"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle forwards setpoints to next, dropping those that arrive faster than
// the per-motor rate. Each motor has its own token bucket.
type Throttle struct {
	limit rate.Limit
	burst int
	next  func(Setpoint)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  map[string]int
}

// NewThrottle allows perSecond setpoints per motor with the given burst. A
// perSecond of zero disables throttling.
func NewThrottle(perSecond float64, burst int, next func(Setpoint)) *Throttle {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limit:    limit,
		burst:    burst,
		next:     next,
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]int),
	}
}

// Handle forwards sp unless its motor is over the rate.
func (t *Throttle) Handle(sp Setpoint) {
	t.mu.Lock()
	l, ok := t.limiters[sp.Motor]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[sp.Motor] = l
	}
	allowed := l.Allow()
	if !allowed {
		t.dropped[sp.Motor]++
		if n := t.dropped[sp.Motor]; n == 1 || n%100 == 0 {
			log.Printf("mqtt: setpoints for %s over rate, dropped %d", sp.Motor, n)
		}
	}
	t.mu.Unlock()

	if allowed {
		t.next(sp)
	}
}

// Dropped returns how many setpoints for motor were dropped.
func (t *Throttle) Dropped(motor string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped[motor]
}
