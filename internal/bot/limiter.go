package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CommandLimiter applies a token bucket per user to incoming commands.
type CommandLimiter struct {
	limiters sync.Map // map[int64]*userLimiter
	rate     rate.Limit
	burst    int
}

type userLimiter struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

// NewCommandLimiter allows perSecond commands per user with bursts of
// burst.
func NewCommandLimiter(perSecond float64, burst int) *CommandLimiter {
	return &CommandLimiter{
		rate:  rate.Limit(perSecond),
		burst: burst,
	}
}

func (l *CommandLimiter) get(uid int64) *userLimiter {
	if ul, ok := l.limiters.Load(uid); ok {
		return ul.(*userLimiter)
	}
	ul, _ := l.limiters.LoadOrStore(uid, &userLimiter{limiter: rate.NewLimiter(l.rate, l.burst)})
	return ul.(*userLimiter)
}

// Allow reports whether uid may run another command now.
func (l *CommandLimiter) Allow(uid int64) bool {
	ul := l.get(uid)
	ul.mu.Lock()
	ul.lastSeen = time.Now()
	ul.mu.Unlock()
	return ul.limiter.Allow()
}

// Prune forgets users idle for longer than maxIdle and returns how many
// were removed.
func (l *CommandLimiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	l.limiters.Range(func(key, value any) bool {
		ul := value.(*userLimiter)
		ul.mu.Lock()
		idle := ul.lastSeen.Before(cutoff)
		ul.mu.Unlock()
		if idle {
			l.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
