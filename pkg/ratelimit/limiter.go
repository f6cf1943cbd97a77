// Package ratelimit enforces per-connection and global ingress limits with
// token buckets on three axes (per-minute, per-hour, burst), per-message-type
// overrides, penalty windows and a violation-based close policy.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/metrics"
	"github.com/agentdeck/agentdeck/pkg/models"
)

// Decision is the outcome of one ingress check.
type Decision struct {
	// Allowed is true when the message may be processed.
	Allowed bool

	// RetryAfter is how long the client should wait before retrying.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// CloseConnection is set when the connection has exceeded the violation
	// budget and must be closed with a policy-violation code.
	CloseConnection bool
}

// typeCounter is a per-type limiter plus the sweep bookkeeping.
type typeCounter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// connState holds all limiter state for one connection. Only the owning
// connection's read loop calls Allow, so per-field locking is not needed;
// the map itself is guarded by Limiter.mu.
type connState struct {
	population models.Population

	minute *rate.Limiter
	hour   *rate.Limiter
	burst  *rate.Limiter

	perType map[models.MessageType]*typeCounter

	penaltyUntil time.Time
	violations   []time.Time
}

// Limiter is the server-wide rate limiter. One instance per server.
type Limiter struct {
	cfg    *config.RateLimitConfig
	global *rate.Limiter

	mu    sync.Mutex
	conns map[string]*connState
}

// New creates a rate limiter from configuration.
func New(cfg *config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), cfg.GlobalPerSecond),
		conns:  make(map[string]*connState),
	}
}

// Allow checks one inbound message against every axis. Order matters: the
// penalty window is checked first so penalised clients never consume tokens,
// then global, burst, minute, hour and the per-type override.
func (l *Limiter) Allow(connID string, pop models.Population, msgType models.MessageType) Decision {
	now := time.Now()

	l.mu.Lock()
	st, ok := l.conns[connID]
	if !ok {
		st = l.newConnState(pop)
		l.conns[connID] = st
	}

	if now.Before(st.penaltyUntil) {
		d := Decision{RetryAfter: st.penaltyUntil.Sub(now)}
		l.mu.Unlock()
		return d
	}

	if !l.global.Allow() {
		// Global pressure is not the client's fault: reject without
		// counting a violation against the connection.
		l.mu.Unlock()
		return Decision{RetryAfter: time.Second}
	}

	if d, ok := l.check(st, st.burst, now); !ok {
		dec := l.violate(st, pop, now, d)
		l.mu.Unlock()
		return dec
	}
	if d, ok := l.check(st, st.minute, now); !ok {
		dec := l.violate(st, pop, now, d)
		l.mu.Unlock()
		return dec
	}
	if d, ok := l.check(st, st.hour, now); !ok {
		dec := l.violate(st, pop, now, d)
		l.mu.Unlock()
		return dec
	}

	if budget, has := l.cfg.PerType[string(msgType)]; has {
		tc, exists := st.perType[msgType]
		if !exists {
			tc = &typeCounter{
				limiter: rate.NewLimiter(rate.Limit(float64(budget)/60.0), budget),
			}
			st.perType[msgType] = tc
		}
		tc.lastSeen = now
		if d, ok := l.check(st, tc.limiter, now); !ok {
			dec := l.violate(st, pop, now, d)
			l.mu.Unlock()
			return dec
		}
	}

	l.mu.Unlock()
	return Decision{Allowed: true}
}

// check consumes a token or reports the wait until one is available.
func (l *Limiter) check(_ *connState, lim *rate.Limiter, now time.Time) (time.Duration, bool) {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, false
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// violate records a violation, applies the penalty window and decides
// whether the connection must be closed. Caller holds l.mu.
func (l *Limiter) violate(st *connState, pop models.Population, now time.Time, wait time.Duration) Decision {
	metrics.RateLimitViolations.WithLabelValues(string(pop)).Inc()

	st.penaltyUntil = now.Add(l.cfg.PenaltyWindow)

	// Prune violations outside the rolling window, then append.
	cutoff := now.Add(-l.cfg.ViolationWindow)
	kept := st.violations[:0]
	for _, t := range st.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.violations = append(kept, now)

	d := Decision{RetryAfter: maxDuration(wait, l.cfg.PenaltyWindow)}
	if len(st.violations) >= l.cfg.MaxViolations {
		d.CloseConnection = true
	}
	return d
}

// Remove drops all limiter state for a disconnected connection.
func (l *Limiter) Remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
}

// RunCleanup sweeps expired per-type counters until ctx is cancelled.
func (l *Limiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep removes per-type counters idle for longer than the cleanup interval.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int
	for _, st := range l.conns {
		for msgType, tc := range st.perType {
			if now.Sub(tc.lastSeen) > l.cfg.CleanupInterval {
				delete(st.perType, msgType)
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Debug("Rate limiter sweep removed expired type counters", "count", removed)
	}
}

func (l *Limiter) newConnState(pop models.Population) *connState {
	cfg := l.cfg
	return &connState{
		population: pop,
		minute:     rate.NewLimiter(rate.Limit(float64(cfg.MessagesPerMinute)/60.0), cfg.MessagesPerMinute),
		hour:       rate.NewLimiter(rate.Limit(float64(cfg.MessagesPerHour)/3600.0), cfg.MessagesPerHour),
		burst:      rate.NewLimiter(rate.Every(cfg.BurstWindow/time.Duration(cfg.BurstSize)), cfg.BurstSize),
		perType:    make(map[models.MessageType]*typeCounter),
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
