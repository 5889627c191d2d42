package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Timeout bounds each request with a deadline. Handlers see the deadline
// through the request context; if one overruns without having written a
// response, the client gets a 504 and the slow handler is left to notice
// its cancelled context on its own.
func Timeout(limit time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), limit)
			defer cancel()

			tracked := &trackedWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(tracked, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if tracked.wrote.Load() {
					return
				}
				slog.Warn("request deadline exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"limit", limit)
				http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
			}
		})
	}
}

// trackedWriter records whether the handler has started the response, so
// the timeout path never writes a second status line.
type trackedWriter struct {
	http.ResponseWriter
	wrote atomic.Bool
}

func (t *trackedWriter) WriteHeader(code int) {
	t.wrote.Store(true)
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackedWriter) Write(b []byte) (int, error) {
	t.wrote.Store(true)
	return t.ResponseWriter.Write(b)
}
