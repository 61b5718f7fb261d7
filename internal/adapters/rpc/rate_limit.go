package rpc

import (
	"fmt"
	"sync"
	"time"

	"seedkeeper/go-keystore/internal/platform/ratelimiter"
	"seedkeeper/go-keystore/pkg/models"
)

func newRequestLimiter(cfg Config) *ratelimiter.MapLimiter {
	return ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
}

// admitRequest charges one request to the connection's bucket.
func (s *Server) admitRequest(c *connState, now time.Time) *rpcError {
	ok, wait := s.limiter.Allow(c.id, now)
	if ok {
		return nil
	}
	s.metrics.RequestRateLimited()
	return kindError(models.KindRateLimited, fmt.Sprintf("request rate exceeded, retry in %s", wait.Round(time.Millisecond)))
}

// connLimiter caps concurrently served connections.
type connLimiter struct {
	max int

	mu     sync.Mutex
	active int
}

func newConnLimiter(limit int) *connLimiter {
	if limit <= 0 {
		return nil
	}
	return &connLimiter{max: limit}
}

func (l *connLimiter) acquire() (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return nil, false
	}
	l.active++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.active > 0 {
				l.active--
			}
		})
	}, true
}
