package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

const idleTTL = 10 * time.Minute

// Limiter ограничивает частоту вебхуков по секрету проекта.
// Состояние процессное: лимитеры по ключу с вытеснением простаивающих.
// При нескольких экземплярах сервиса лимит действует на каждый отдельно
type Limiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	entries   map[string]*entry
	lastSweep time.Time
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// New создает лимитер. rps = 0 отключает ограничение
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		entries:   make(map[string]*entry),
		lastSweep: time.Now(),
	}
}

func (l *Limiter) Allow(key string) bool {
	if l == nil || l.rps == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > idleTTL {
		for k, e := range l.entries {
			if now.Sub(e.seen) > idleTTL {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.lim.Allow()
}

func (l *Limiter) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(chi.URLParam(r, "credential")) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}
