package authapi

import (
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"
)

// maxTrackedKeys bounds the failure log. Reaching it sweeps stale keys and,
// if that is not enough, evicts arbitrary keys down to the low-water mark so
// the next sweep is many writes away.
const maxTrackedKeys = 100_000

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// failureLog keeps recent login failures per key in memory. Each process
// throttles on its own view, which is enough to blunt online guessing.
type failureLog struct {
	mu        sync.Mutex
	byKey     map[string][]time.Time
	retention time.Duration
	limit     int
}

func newFailureLog(retention time.Duration) *failureLog {
	return &failureLog{byKey: make(map[string][]time.Time), retention: retention, limit: maxTrackedKeys}
}

func (f *failureLog) record(key string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, tracked := f.byKey[key]; !tracked && len(f.byKey) >= f.limit {
		f.sweepLocked(now)
		f.evictLocked(f.limit - max(1, f.limit/10))
	}
	f.byKey[key] = append(f.pruneLocked(key, now), now)
}

// recent returns the failures still inside the retention window, oldest first.
func (f *failureLog) recent(key string, now time.Time) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pruneLocked(key, now))
}

func (f *failureLog) reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byKey, key)
}

func (f *failureLog) pruneLocked(key string, now time.Time) []time.Time {
	events := f.byKey[key]
	cut := now.Add(-f.retention)
	i := 0
	for i < len(events) && !events[i].After(cut) {
		i++
	}
	events = events[i:]
	if len(events) == 0 {
		delete(f.byKey, key)
		return nil
	}
	f.byKey[key] = events
	return events
}

func (f *failureLog) sweepLocked(now time.Time) {
	for k := range f.byKey {
		f.pruneLocked(k, now)
	}
}

// evictLocked drops keys in map order until at most keep remain.
func (f *failureLog) evictLocked(keep int) {
	for k := range f.byKey {
		if len(f.byKey) <= keep {
			return
		}
		delete(f.byKey, k)
	}
}

// evaluateWindowThrottle blocks once max failures fall inside window and
// reports how long until the oldest of them ages out.
func evaluateWindowThrottle(now time.Time, failures []time.Time, maxFailures int, window time.Duration) (bool, time.Duration) {
	if maxFailures <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	in := make([]time.Time, 0, len(failures))
	for _, t := range failures {
		if t.After(cut) {
			in = append(in, t)
		}
	}
	if len(in) < maxFailures {
		return false, 0
	}
	slices.SortFunc(in, func(a, b time.Time) int { return a.Compare(b) })
	// The block lifts when len(in)-maxFailures+1 failures have aged out.
	pivot := in[len(in)-maxFailures]
	return true, pivot.Add(window).Sub(now)
}

// evaluateProgressiveLockout applies the first tier whose threshold is met.
// Lockouts run from the most recent failure. Tiers are ordered most severe first.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, t := range failures[1:] {
		if t.After(latest) {
			latest = t
		}
	}
	for _, tier := range tiers {
		if len(failures) < tier.Threshold {
			continue
		}
		until := latest.Add(tier.Duration)
		if until.After(now) {
			return true, until.Sub(now)
		}
	}
	return false, 0
}

// within keeps failures no older than window before the latest one.
func within(failures []time.Time, window time.Duration) []time.Time {
	if len(failures) == 0 {
		return nil
	}
	latest := failures[len(failures)-1]
	cut := latest.Add(-window)
	out := failures[:0:0]
	for _, t := range failures {
		if t.After(cut) {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) checkLoginIPThrottle(ip net.IP, now time.Time) (bool, time.Duration) {
	if ip == nil {
		return false, 0
	}
	return evaluateWindowThrottle(now, h.failures.recent(ipKey(ip), now), h.cfg.LoginIPMax, h.cfg.LoginIPWindow)
}

func (h *Handler) checkLoginUserThrottle(username string, now time.Time) (bool, time.Duration) {
	if username == "" {
		return false, 0
	}
	failures := within(h.failures.recent(userKey(username), now), h.cfg.LoginUserWindow)
	return evaluateProgressiveLockout(now, failures, h.cfg.lockoutTiers())
}

func (h *Handler) recordLoginFailure(ip net.IP, username string, now time.Time) {
	if ip != nil {
		h.failures.record(ipKey(ip), now)
	}
	if username != "" {
		h.failures.record(userKey(username), now)
	}
}

func ipKey(ip net.IP) string        { return "ip:" + ip.String() }
func userKey(username string) string { return "user:" + username }

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
