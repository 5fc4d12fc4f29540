// internal/middleware/logging.go

// Package middleware carries HTTP instrumentation for the host's peer
// endpoint.
package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestLogger logs method, path, remote and duration of each request to the
// peer endpoint. The response writer is passed through untouched so websocket
// upgrades keep their http.Hijacker.
func RequestLogger(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Info("peer endpoint request")
		})
	}
}
