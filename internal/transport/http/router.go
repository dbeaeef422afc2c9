// SPDX-License-Identifier: Apache-2.0

// Package httptransport exposes the run lifecycle over HTTP: submission,
// status, artifact listing, cancellation, and a live per-run event stream.
package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/metrics"
	"github.com/pinmatch/pinmatch/internal/transport/middleware"
)

type createRunRequest struct {
	Query string `json:"query"`
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- SUBMIT RUN ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.SubmitRateLimit(deps.SubmitRatePerMinute, logger))

		r.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			reqBody, err := decodeCreateRunRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			runID, err := deps.Runs.CreateRun(r.Context(), reqBody.Query)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrEmptyQuery):
					http.Error(w, "query is required", http.StatusBadRequest)
				case errors.Is(err, domain.ErrQueueFull):
					if w.Header().Get("Retry-After") == "" {
						w.Header().Set("Retry-After", "1")
					}
					http.Error(w, "run queue is full", http.StatusTooManyRequests)
				default:
					logger.Error("create run failed", "error", err)
					http.Error(w, "failed to create run", http.StatusInternalServerError)
				}
				return
			}

			logger.Info("run accepted via API", "run_id", runID)

			writeJSON(w, http.StatusAccepted, map[string]string{
				"run_id": runID.String(),
			})
		})
	})

	// ---------------- GET RUN ----------------

	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid run ID", http.StatusBadRequest)
			return
		}

		run, err := deps.Runs.GetRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				logger.Warn("run not found", "run_id", runID)
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}

			logger.Error("get run failed", "run_id", runID, "error", err)
			http.Error(w, "failed to get run", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, run)
	})

	// ---------------- LIST ARTIFACTS ----------------

	r.Get("/runs/{id}/artifacts", func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid run ID", http.StatusBadRequest)
			return
		}

		if _, err := deps.Runs.GetRun(r.Context(), runID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				logger.Warn("run not found", "run_id", runID)
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}

			logger.Error("get run failed", "run_id", runID, "error", err)
			http.Error(w, "failed to list artifacts", http.StatusInternalServerError)
			return
		}

		artifacts, err := deps.Artifacts.ListArtifacts(r.Context(), runID)
		if err != nil {
			logger.Error("list artifacts failed", "run_id", runID, "error", err)
			http.Error(w, "failed to list artifacts", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			RunID     string            `json:"run_id"`
			Artifacts []domain.Artifact `json:"artifacts"`
		}{
			RunID:     runID.String(),
			Artifacts: artifacts,
		})
	})

	// ---------------- CANCEL RUN ----------------

	r.Post("/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid run ID", http.StatusBadRequest)
			return
		}

		if err := deps.Runs.RequestCancel(r.Context(), runID); err != nil {
			if errors.Is(err, domain.ErrRunNotFound) {
				logger.Warn("run not found", "run_id", runID)
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}

			logger.Error("cancel run failed", "run_id", runID, "error", err)
			http.Error(w, "failed to cancel run", http.StatusInternalServerError)
			return
		}

		logger.Info("run cancellation requested via API", "run_id", runID)

		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": runID.String(),
			"status": "cancel_requested",
		})
	})

	// ---------------- STREAM EVENTS (SSE) ----------------

	r.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid run ID", http.StatusBadRequest)
			return
		}

		if _, err := deps.Runs.GetRun(r.Context(), runID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}
			logger.Error("sse get run failed", "run_id", runID, "error", err)
			http.Error(w, "failed to stream events", http.StatusInternalServerError)
			return
		}

		if deps.Streams == nil {
			logger.Error("sse event stream is not configured")
			http.Error(w, "failed to stream events", http.StatusInternalServerError)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		conn, err := deps.Streams.Attach(r.Context(), runID)
		if err != nil {
			logger.Error("sse attach failed", "run_id", runID, "error", err)
			http.Error(w, "failed to stream events", http.StatusInternalServerError)
			return
		}
		defer deps.Streams.Detach(runID, conn)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// The stream carries events published after this point; snapshots of
		// earlier progress come from GET /runs/{id}.
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-conn.Events():
				if !open {
					return
				}

				payload, err := json.Marshal(ev)
				if err != nil {
					logger.Error("sse encode failed", "run_id", runID, "error", err)
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeCreateRunRequest(r *http.Request) (createRunRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return createRunRequest{}, errors.New("request body is required")
	}

	var req createRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return createRunRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return createRunRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.Query = strings.TrimSpace(req.Query)
	return req, nil
}

func valueOrDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
