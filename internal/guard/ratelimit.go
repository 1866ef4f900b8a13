package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rule is one entry of the rate limit table. An empty Method matches every
// method. A Path ending in "/*" matches the whole subtree.
type Rule struct {
	Name   string
	Method string
	Path   string
	Limit  int
	Window time.Duration
}

// DefaultRules returns the production rate limit table. More specific rules
// come first.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "login", Method: "POST", Path: "/api/auth/login", Limit: 5, Window: 15 * time.Minute},
		{Name: "register", Method: "POST", Path: "/api/auth/register", Limit: 3, Window: time.Hour},
		{Name: "resend_verification", Method: "POST", Path: "/api/auth/resend-verification", Limit: 3, Window: time.Hour},
		{Name: "forgot_password", Method: "POST", Path: "/api/auth/forgot-password", Limit: 3, Window: time.Hour},
		{Name: "reset_password", Method: "POST", Path: "/api/auth/reset-password", Limit: 5, Window: 15 * time.Minute},
		{Name: "create_post", Method: "POST", Path: "/api/posts", Limit: 10, Window: time.Minute},
		{Name: "api", Path: "/api/*", Limit: 100, Window: time.Minute},
	}
}

// MatchRule returns the first rule that applies to the request.
func MatchRule(rules []Rule, method, path string) (Rule, bool) {
	path = cleanPath(path)
	for _, rule := range rules {
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		if tree, ok := strings.CutSuffix(rule.Path, "/*"); ok {
			if underTree(path, tree) {
				return rule, true
			}
			continue
		}
		if path == rule.Path {
			return rule, true
		}
	}
	return Rule{}, false
}

// NormalizePath replaces numeric and UUID segments with ":id" so that every
// resource of one endpoint shares a counter.
func NormalizePath(path string) string {
	segments := strings.Split(cleanPath(path), "/")
	for i, segment := range segments {
		if isIDSegment(segment) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func isIDSegment(segment string) bool {
	if segment == "" {
		return false
	}
	numeric := true
	for _, r := range segment {
		if r < '0' || r > '9' {
			numeric = false
			break
		}
	}
	if numeric {
		return true
	}
	if len(segment) != 36 {
		return false
	}
	_, err := uuid.Parse(segment)
	return err == nil
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window resets, never below one
// second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// Limiter counts requests per key within a rule's window. Implementations
// never block waiting for capacity.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local fixed window limiter.
type MemoryLimiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window)}
}

const sweepInterval = time.Minute

func (l *MemoryLimiter) Allow(_ context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}

	id := rule.Name + "|" + key
	w, ok := l.windows[id]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		l.windows[id] = w
	}
	w.count++

	remaining := rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}, nil
}

// sweep drops expired windows. The caller holds l.mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	for id, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, id)
		}
	}
	l.lastSweep = now
}
