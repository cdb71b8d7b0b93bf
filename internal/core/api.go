package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/internal/lock"
	"github.com/3cpo-dev/fleetfs/internal/orchestrator"
	"github.com/3cpo-dev/fleetfs/internal/scheduler"
	"github.com/3cpo-dev/fleetfs/internal/store"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

// Mounter is satisfied by telemetry.MonitoringServer and http.ServeMux.
type Mounter interface {
	Handle(pattern string, h http.Handler)
}

func (n *Node) mountAPI(m Mounter) {
	m.Handle("POST /v0/tasks", http.HandlerFunc(n.handleSubmit))
	m.Handle("GET /v0/tasks", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, n.Orchestrator.List())
	}))
	m.Handle("GET /v0/tasks/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := n.Orchestrator.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}))
	m.Handle("GET /v0/tasks/{id}/history", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		evs, err := n.Store.TaskHistory(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, evs)
	}))
	m.Handle("DELETE /v0/tasks/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := n.Orchestrator.Clear(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	m.Handle("GET /v0/workers", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, n.Workers())
	}))
	m.Handle("PUT /v0/policy", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.PolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := n.SetPolicy(req.Policy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, api.PolicyRequest{Policy: p.String()})
	}))
	m.Handle("GET /v0/files", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		files, err := n.Store.ListFiles(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
	}))
	m.Handle("PUT /v0/files/{name}/permissions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.ShareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
			http.Error(w, "user required", http.StatusBadRequest)
			return
		}
		if err := n.Share(r.Context(), req.Owner, r.PathValue("name"), req.User, req.Write); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	m.Handle("POST /v0/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
			http.Error(w, "user required", http.StatusBadRequest)
			return
		}
		if err := n.Login(r.Context(), req.User); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	m.Handle("DELETE /v0/sessions/{user}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := n.Logout(r.Context(), r.PathValue("user")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	m.Handle("POST /v0/reconcile", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reports, err := n.Reconcile(r.Context())
		if err != nil && reports == nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	}))
}

// handleSubmit queues a task. READ, UPLOAD and requests with ?wait=true are
// served synchronously; READ answers with the plaintext. Content crosses the
// API inline: server paths are never taken from a request, so DOWNLOAD is
// not offered here.
func (n *Node) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sr api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&sr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sr.LocalPath != "" {
		writeError(w, fmt.Errorf("%w: local_path is not accepted over HTTP", orchestrator.ErrInvalidOperation))
		return
	}
	switch op, _ := api.ParseOperation(sr.Operation); op {
	case api.OpDownload:
		writeError(w, fmt.Errorf("%w: DOWNLOAD is not served over HTTP, use READ", orchestrator.ErrInvalidOperation))
		return
	case api.OpUpload:
		n.handleUpload(w, r, sr)
		return
	}
	var buf bytes.Buffer
	req, err := orchestrator.ParseRequest(sr, &buf)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Kind() == api.OpRead {
		v, err := n.Do(r.Context(), req)
		if err != nil {
			writeTaskError(w, v, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Task-Id", v.ID)
		_, _ = w.Write(buf.Bytes())
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		v, err := n.Do(r.Context(), req)
		if err != nil {
			writeTaskError(w, v, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
		return
	}
	id, err := n.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.SubmitResponse{TaskID: id})
}

// handleUpload spools the inline content under the data directory and runs
// the upload to completion so the spool file outlives the task.
func (n *Node) handleUpload(w http.ResponseWriter, r *http.Request, sr api.SubmitRequest) {
	path, err := n.spool(sr.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("spool file left behind")
		}
	}()
	sr.LocalPath = path
	req, err := orchestrator.ParseRequest(sr, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := n.Do(r.Context(), req)
	if err != nil {
		writeTaskError(w, v, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (n *Node) spool(content string) (string, error) {
	dir := filepath.Join(n.cfg.DataDir, "spool")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("spool dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("spool: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("spool: %w", err)
	}
	return f.Name(), nil
}

func writeTaskError(w http.ResponseWriter, v api.TaskView, err error) {
	if v.ID == "" {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownTask), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidTransition), errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, lock.ErrLockUnavailable):
		return http.StatusLocked
	case errors.Is(err, scheduler.ErrNoWorkersAvailable), errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("api request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
