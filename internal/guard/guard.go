// Package guard is the per-request gate in front of every route: rate
// limiting, session decoding and page access classification.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/authz"
	"github.com/memberboard/apiserver/internal/metrics"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

// SessionVerifier decodes session tokens.
type SessionVerifier interface {
	Verify(token string) (types.Session, error)
}

// IdentityReader loads the current stored state of an identity.
type IdentityReader interface {
	FindIdentityByID(ctx context.Context, id uuid.UUID) (types.Identity, error)
}

// Options are the collaborators of a Guard. Sessions is required. A nil
// Limiter disables rate limiting and a nil Identities disables the admin
// role re-check.
type Options struct {
	Sessions   SessionVerifier
	Identities IdentityReader
	Limiter    Limiter
	Rules      []Rule
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// AdminRoleRecheck re-reads the role from storage on admin pages instead
	// of trusting the role snapshot in the token.
	AdminRoleRecheck bool
}

type Guard struct {
	sessions   SessionVerifier
	identities IdentityReader
	limiter    Limiter
	rules      []Rule
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
	recheck    bool
}

func New(opts Options) *Guard {
	g := &Guard{
		sessions:   opts.Sessions,
		identities: opts.Identities,
		limiter:    opts.Limiter,
		rules:      opts.Rules,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		recheck:    opts.AdminRoleRecheck && opts.Identities != nil,
	}
	if g.rules == nil {
		g.rules = DefaultRules()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Middleware applies the guard to every request passing through next.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		path := cleanPath(r.URL.Path)
		api := isAPI(path)

		if !api {
			setSecurityHeaders(w.Header())
		}
		if !g.checkRateLimit(w, r, path, api) {
			return
		}

		var session *types.Session
		if token := auth.TokenFromRequest(r); token != "" {
			if s, err := g.sessions.Verify(token); err == nil {
				session = &s
			}
		}

		class := Classify(path)
		switch class {
		case ClassAuthOnly:
			if session != nil {
				g.redirect(w, r, class, "/")
				return
			}
		case ClassProtected:
			if session == nil {
				g.redirectToLogin(w, r, class)
				return
			}
		case ClassAdminOnly:
			if session == nil {
				g.redirectToLogin(w, r, class)
				return
			}
			role, err := g.currentRole(ctx, session)
			if errors.Is(err, store.ErrNotFound) {
				g.redirectToLogin(w, r, class)
				return
			}
			if err != nil {
				g.logger.ErrorContext(ctx, "admin role check failed",
					"module", "guard",
					"operation", "role_recheck",
					"outcome", "failure",
					"path", path,
					"error", err,
				)
				g.metrics.GuardDecision(class.String(), "error")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !authz.IsAdmin(role) {
				g.redirect(w, r, class, "/")
				return
			}
			session.Role = role
		}

		if session != nil {
			ctx = auth.WithSession(ctx, *session)
		}
		g.metrics.GuardDecision(class.String(), "allow")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// checkRateLimit reports whether the request may proceed. A limiter failure
// lets the request through; rate limiting is not an access decision.
func (g *Guard) checkRateLimit(w http.ResponseWriter, r *http.Request, path string, api bool) bool {
	if g.limiter == nil {
		return true
	}
	rule, ok := MatchRule(g.rules, r.Method, path)
	if !ok {
		return true
	}

	now := g.now()
	key := clientIP(r) + "|" + r.Method + "|" + NormalizePath(path)
	decision, err := g.limiter.Allow(r.Context(), key, rule, now)
	if err != nil {
		g.logger.WarnContext(r.Context(), "rate limiter unavailable",
			"module", "guard",
			"operation", "rate_limit",
			"outcome", "fail_open",
			"rule", rule.Name,
			"error", err,
		)
		return true
	}

	if !decision.Allowed {
		g.metrics.RateLimited(rule.Name)
		g.logger.InfoContext(r.Context(), "rate limit exceeded",
			"module", "guard",
			"operation", "rate_limit",
			"outcome", "rejected",
			"rule", rule.Name,
			"key", key,
		)
		writeRateLimited(w, decision, now)
		return false
	}
	if api {
		setRateLimitHeaders(w.Header(), decision)
	}
	return true
}

func (g *Guard) currentRole(ctx context.Context, session *types.Session) (types.Role, error) {
	if !g.recheck {
		return session.Role, nil
	}
	identity, err := g.identities.FindIdentityByID(ctx, session.IdentityID)
	if err != nil {
		return "", err
	}
	return identity.Role, nil
}

func (g *Guard) redirectToLogin(w http.ResponseWriter, r *http.Request, class Class) {
	callback := r.URL.Path
	if r.URL.RawQuery != "" {
		callback += "?" + r.URL.RawQuery
	}
	g.redirect(w, r, class, "/login?callbackUrl="+url.QueryEscape(callback))
}

func (g *Guard) redirect(w http.ResponseWriter, r *http.Request, class Class, target string) {
	g.metrics.GuardDecision(class.String(), "redirect")
	g.logger.DebugContext(r.Context(), "guard redirect",
		"module", "guard",
		"operation", "classify",
		"outcome", "redirect",
		"class", class.String(),
		"path", r.URL.Path,
		"target", target,
	)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// clientIP expects chi's RealIP middleware to have run, which replaces
// RemoteAddr with the forwarded address when one is present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
