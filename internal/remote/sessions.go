package remote

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SessionLimiter bounds the number of concurrent ssh sessions opened to each
// host. sshd refuses new sessions past MaxStartups, so each host gets its own
// weighted semaphore. Executors and copiers of one run share a limiter.
type SessionLimiter struct {
	max   int64
	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

func NewSessionLimiter(max int64) *SessionLimiter {
	if max <= 0 {
		max = defaultMaxSessions
	}
	return &SessionLimiter{
		max:   max,
		hosts: make(map[string]*semaphore.Weighted),
	}
}

func (l *SessionLimiter) get(host string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(l.max)
		l.hosts[host] = sem
	}
	return sem
}

// acquire takes one session slot on every distinct remote endpoint, in the
// order given, and returns the release func.
func (l *SessionLimiter) acquire(ctx context.Context, endpoints ...Endpoint) (func(), error) {
	var held []*semaphore.Weighted
	release := func() {
		for _, sem := range held {
			sem.Release(1)
		}
	}

	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		if ep.IsLocal() {
			continue
		}
		if _, dup := seen[ep.Host]; dup {
			continue
		}
		seen[ep.Host] = struct{}{}

		sem := l.get(ep.Host)
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, err
		}
		held = append(held, sem)
	}
	return release, nil
}
