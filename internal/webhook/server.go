// Copyright 2025 The Orbitd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook receives GitHub pull_request deliveries, authenticates
// them and hands them to the orchestrator. It also serves the small
// operator API the dashboard uses (list, retry, delete, logs).
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitd/orbitd/internal/cluster"
	"github.com/orbitd/orbitd/internal/metrics"
	"github.com/orbitd/orbitd/internal/orchestrator"
	"github.com/orbitd/orbitd/internal/record"
)

const maxPayloadBytes = 1 << 20

// EventHandler consumes translated webhook events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev orchestrator.Event) error
}

// Commander exposes the operator commands the API forwards.
type Commander interface {
	Retry(ctx context.Context, recordID string) (*record.PreviewEnvironment, error)
	Delete(ctx context.Context, recordID string) error
	Logs(ctx context.Context, recordID string, opts cluster.LogOptions) (io.ReadCloser, error)
}

// MetricsSource produces the aggregated environment view.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]metrics.EnvironmentMetrics, error)
}

// Server is the HTTP front of the daemon.
type Server struct {
	addr    string
	port    int
	secret  string
	events  EventHandler
	cmds    Commander
	metrics MetricsSource
	log     *zap.Logger

	limiter *RateLimiter
	server  *http.Server

	// dispatchCtx outlives individual requests; webhook deliveries are
	// acknowledged immediately and processed on it.
	dispatchCtx context.Context
	inflight    sync.WaitGroup
}

// NewServer wires the HTTP front to its collaborators.
func NewServer(addr string, port int, secret string, events EventHandler, cmds Commander, metricsSource MetricsSource, log *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		port:    port,
		secret:  secret,
		events:  events,
		cmds:    cmds,
		metrics: metricsSource,
		log:     log,
		limiter: NewRateLimiter(10, time.Second),
	}
}

// Start serves until ctx is canceled, then drains in-flight dispatches
// and shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.dispatchCtx = ctx
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.addr, s.port),
		Handler: s.routes(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("webhook server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.inflight.Wait()
		return err
	case err := <-errChan:
		return err
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/environments", s.handleList)
	mux.HandleFunc("POST /api/v1/environments/{id}/retry", s.handleRetry)
	mux.HandleFunc("DELETE /api/v1/environments/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/v1/environments/{id}/logs", s.handleLogs)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleWebhook authenticates the delivery and acknowledges it with 202
// before the deployment work runs. GitHub times deliveries out after ten
// seconds; a readiness poll takes minutes.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !ValidSignature(payload, r.Header.Get("X-Hub-Signature-256"), s.secret) {
		s.log.Info("rejected webhook with invalid signature",
			zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if eventType := r.Header.Get("X-GitHub-Event"); eventType != "pull_request" {
		s.log.Debug("ignoring event type", zap.String("event", eventType))
		w.WriteHeader(http.StatusOK)
		return
	}

	var event PullRequestEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow(event.Repository.FullName) {
		s.log.Info("rate limit exceeded", zap.String("repository", event.Repository.FullName))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	ev, ok := translate(event)
	if !ok {
		s.log.Debug("ignoring pull request action", zap.String("action", event.Action))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.events.HandleEvent(s.dispatchCtx, ev); err != nil {
			s.log.Error("webhook event processing failed",
				zap.String("key", ev.Key()),
				zap.String("action", string(ev.Action)),
				zap.Error(err))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// translate maps the GitHub payload to an orchestrator event. The second
// return is false for actions the daemon does not react to.
func translate(event PullRequestEvent) (orchestrator.Event, bool) {
	var action orchestrator.Action
	switch strings.ToLower(event.Action) {
	case "opened":
		action = orchestrator.ActionOpened
	case "reopened":
		action = orchestrator.ActionReopened
	case "synchronize":
		action = orchestrator.ActionSynchronize
	case "closed":
		action = orchestrator.ActionClosed
	default:
		return orchestrator.Event{}, false
	}

	return orchestrator.Event{
		Action:     action,
		Repository: event.Repository.FullName,
		Number:     event.Number,
		HeadRef:    event.PullRequest.Head.Ref,
		HeadSHA:    event.PullRequest.Head.SHA,
	}, true
}

// environmentResponse is the API shape of one environment row. The
// storage model carries no JSON tags on purpose.
type environmentResponse struct {
	ID               string `json:"id"`
	Project          string `json:"project"`
	PullRequest      int    `json:"pull_request"`
	Namespace        string `json:"namespace"`
	Branch           string `json:"branch"`
	CommitSHA        string `json:"commit_sha"`
	Status           string `json:"status"`
	PublicURL        string `json:"public_url,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	AgeDays          int    `json:"age_days"`
	CPUMillicores    int64  `json:"cpu_millicores"`
	MemoryMiB        int64  `json:"memory_mib"`
	MetricsAvailable bool   `json:"metrics_available"`
	ExceedsQuota     bool   `json:"exceeds_quota"`
}

func toResponse(row metrics.EnvironmentMetrics) environmentResponse {
	return environmentResponse{
		ID:               row.Record.ID,
		Project:          row.Record.ProjectID,
		PullRequest:      row.Record.PullRequestID,
		Namespace:        row.Record.Namespace,
		Branch:           row.Record.Branch,
		CommitSHA:        row.Record.CommitSHA,
		Status:           string(row.Record.Status),
		PublicURL:        row.Record.PublicURL,
		LastError:        row.Record.LastError,
		AgeDays:          row.AgeDays,
		CPUMillicores:    row.Usage.CPUMillicores,
		MemoryMiB:        row.Usage.MemoryMiB,
		MetricsAvailable: row.MetricsAvailable,
		ExceedsQuota:     row.ExceedsQuota,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		s.log.Error("environment snapshot failed", zap.Error(err))
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	out := make([]environmentResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, toResponse(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := s.cmds.Retry(r.Context(), id)
	switch {
	case errors.Is(err, record.ErrNotFound):
		http.Error(w, "environment not found", http.StatusNotFound)
		return
	case errors.Is(err, orchestrator.ErrEnvironmentDeleting):
		http.Error(w, "environment is being deleted", http.StatusConflict)
		return
	case err != nil:
		s.log.Error("retry failed", zap.String("record_id", id), zap.Error(err))
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toResponse(metrics.EnvironmentMetrics{Record: *rec}))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.cmds.Delete(r.Context(), id); err != nil {
		s.log.Error("delete failed", zap.String("record_id", id), zap.Error(err))
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	opts := cluster.LogOptions{
		Container:  r.URL.Query().Get("container"),
		Follow:     r.URL.Query().Get("follow") == "true",
		Timestamps: r.URL.Query().Get("timestamps") == "true",
	}
	if tail := r.URL.Query().Get("tail"); tail != "" {
		n, err := strconv.ParseInt(tail, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid tail", http.StatusBadRequest)
			return
		}
		opts.TailLines = n
	}

	stream, err := s.cmds.Logs(r.Context(), id, opts)
	switch {
	case errors.Is(err, record.ErrNotFound):
		http.Error(w, "environment not found", http.StatusNotFound)
		return
	case errors.Is(err, cluster.ErrNoRunningPod):
		http.Error(w, "no pod available", http.StatusConflict)
		return
	case err != nil:
		s.log.Error("log stream failed", zap.String("record_id", id), zap.Error(err))
		http.Error(w, "log stream failed", http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok && opts.Follow {
		// Flush as lines arrive so follow mode streams.
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				f.Flush()
			}
			if err != nil {
				return
			}
		}
	}
	io.Copy(w, stream)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
