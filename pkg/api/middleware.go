package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/plaenen/walletd/pkg/idempotency"
)

// IdempotencyHeader is the required header on every mutating endpoint.
const IdempotencyHeader = "x-idempotency-key"

// idempotencyTimeout bounds calls to the idempotency store.
const idempotencyTimeout = time.Second

// idempotencyMiddleware enforces the request idempotency protocol:
// claim the key before running the handler, cache the response when the
// command completed (2xx), release the lock on everything else —
// validation errors, server errors, panics — so the client can retry
// with the same key. Cached responses are returned verbatim regardless
// of the new request's body, annotated with _cached and _idempotencyKey.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: "missing required header " + IdempotencyHeader,
			})
			return
		}

		checkCtx, cancel := context.WithTimeout(r.Context(), idempotencyTimeout)
		outcome, cached, err := s.idemStore.CheckAndLock(checkCtx, key)
		cancel()
		if err != nil {
			s.logger.Error("idempotency check failed", "key", key, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error: "idempotency store unavailable",
			})
			return
		}

		switch outcome {
		case idempotency.OutcomeInProgress:
			writeJSON(w, http.StatusConflict, errorResponse{
				Error: "a request with this idempotency key is already in progress",
			})
			return

		case idempotency.OutcomeCompleted:
			s.writeCached(w, key, cached)
			return
		}

		// OutcomeNew: this worker owns the key.
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.release(key)
				panic(p)
			}
		}()

		next.ServeHTTP(rec, r)

		if rec.status < http.StatusOK || rec.status >= http.StatusMultipleChoices {
			// The command never completed, whether a 4xx protocol error
			// or a 5xx transient one: free the key so the client may
			// retry. Domain failures (insufficient funds, failed saga)
			// are 201 bodies with success:false and stay cacheable.
			s.release(key)
			return
		}

		completeCtx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
		defer cancel()
		if err := s.idemStore.Complete(completeCtx, key, rec.body.Bytes()); err != nil {
			s.logger.Error("failed to complete idempotency key", "key", key, "error", err)
		}
	})
}

// writeCached replays a stored response with the idempotency
// annotations injected. Only completed commands are ever stored, and
// every mutating endpoint responds 201 on completion, so the replay
// status is 201.
func (s *Server) writeCached(w http.ResponseWriter, key string, cached []byte) {
	var body map[string]any
	if err := json.Unmarshal(cached, &body); err != nil {
		// Stored responses are always JSON objects; anything else is
		// returned untouched.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(cached)
		return
	}

	body["_cached"] = true
	body["_idempotencyKey"] = key
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
	defer cancel()
	if err := s.idemStore.Release(ctx, key); err != nil {
		s.logger.Error("failed to release idempotency key", "key", key, "error", err)
	}
}

// responseRecorder tees the response so the middleware can cache the
// body after the handler runs.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// requestLogger logs every request with its status and duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))
		})
	}
}
