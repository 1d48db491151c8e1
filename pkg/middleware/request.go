package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/permsync/permsync/pkg/observability"
)

// RequestIDHeader carries the request id on requests and responses
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an id, honoring one supplied by the
// caller, and places it in the request context and response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), requestID)))
	})
}

// Actor copies the acting principal from the named header into the
// request context so handlers and audit records can attribute changes.
func Actor(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor := r.Header.Get(header); actor != "" {
				r = r.WithContext(observability.WithActor(r.Context(), actor))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for access logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// AccessLog logs one line per request with method, path, status, and
// duration. It recovers panics from downstream handlers and turns them
// into 500 responses.
func AccessLog(log *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if recovered := recover(); recovered != nil {
					log.WithFields(map[string]interface{}{
						"method": r.Method,
						"path":   r.URL.Path,
						"panic":  recovered,
					}).Error("handler panicked")
					http.Error(recorder, "internal server error", http.StatusInternalServerError)
					return
				}
				fields := map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      recorder.status,
					"duration_ms": time.Since(start).Milliseconds(),
				}
				if requestID := observability.GetRequestID(r.Context()); requestID != "" {
					fields["request_id"] = requestID
				}
				if actor := observability.GetActor(r.Context()); actor != "" {
					fields["actor"] = actor
				}
				log.WithFields(fields).Info("request handled")
			}()

			next.ServeHTTP(recorder, r)
		})
	}
}
