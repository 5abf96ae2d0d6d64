// Package rpc carries the HTTP plumbing shared by the scheduler and
// backend control planes: request logging, JSON encoding helpers, and
// the client used for node-to-node calls.
package rpc

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

type contextKey string

const requestLoggerKey contextKey = "rpc.request.logger"

// slowRequestThreshold flags control-plane calls that take longer than
// any placement or table push should. Task requests block on inference
// and stay under it because model SLAs are millisecond-scale.
const slowRequestThreshold = 2 * time.Second

// statusRecorder captures the reply status and size for the completion
// log line. First write wins, matching net/http's own behavior.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Flush passes through so task replies can stream.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so websocket subscribers can upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("rpc: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// WithRequestLogging wraps next so every request carries a per-request
// logger in its context and leaves a completion line. Server errors log
// at error level, client errors and slow requests at warn, the rest at
// debug so steady-state keep-alive traffic stays quiet.
func WithRequestLogging(logger *slog.Logger, next http.Handler) http.Handler {
	var requestIDs atomic.Uint64
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logger.With(
			"req_id", requestIDs.Add(1),
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		ctx := context.WithValue(r.Context(), requestLoggerKey, reqLogger)
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelDebug
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest || elapsed > slowRequestThreshold:
			level = slog.LevelWarn
		}
		reqLogger.Log(r.Context(), level, "request complete",
			"status", status,
			"duration", elapsed,
			"bytes", rec.bytes,
		)
	})
}

// LoggerFromContext returns the per-request logger installed by
// WithRequestLogging, or fallback when the context has none.
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(requestLoggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return fallback
}
