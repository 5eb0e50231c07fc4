package middleware

import (
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/colorgate/internal/ratelimit"
)

// Quota reports the caller's admission window on every response through the
// X-RateLimit-* headers. Enforcement happens at admission, so the headers
// are computed when the response is written and include the current request.
type Quota struct {
	limiter ratelimit.Limiter
}

func NewQuota(l ratelimit.Limiter) *Quota {
	return &Quota{limiter: l}
}

func (q *Quota) Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := GetClientID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		qw := &quotaWriter{ResponseWriter: w, set: func(h http.Header) {
			st := q.limiter.Status(r.Context(), clientID.String())
			h.Set("X-RateLimit-Limit", strconv.Itoa(st.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
			if !st.Reset.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(st.Reset.Unix(), 10))
			}
		}}
		next.ServeHTTP(qw, r)
		qw.flushHeaders()
	})
}

type quotaWriter struct {
	http.ResponseWriter
	set  func(http.Header)
	done bool
}

func (w *quotaWriter) flushHeaders() {
	if w.done {
		return
	}
	w.done = true
	w.set(w.Header())
}

func (w *quotaWriter) WriteHeader(code int) {
	w.flushHeaders()
	w.ResponseWriter.WriteHeader(code)
}

func (w *quotaWriter) Write(b []byte) (int, error) {
	w.flushHeaders()
	return w.ResponseWriter.Write(b)
}
