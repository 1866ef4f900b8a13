package guard

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Permissions-Policy":      "camera=(), microphone=(), geolocation=()",
	"Content-Security-Policy": "default-src 'self'; img-src 'self' data: https:; frame-ancestors 'none'",
}

func setSecurityHeaders(h http.Header) {
	for key, value := range securityHeaders {
		h.Set(key, value)
	}
}

func setRateLimitHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeRateLimited(w http.ResponseWriter, d Decision, now time.Time) {
	retryAfter := int64((d.RetryAfter(now) + time.Second - 1) / time.Second)

	h := w.Header()
	setRateLimitHeaders(h, d)
	h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`+"\n", retryAfter)
}
