package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/api/status", r.handleStatus)
	mux.HandleFunc("/api/namespaces", r.handleNamespaces)
	mux.HandleFunc("/api/tasks", r.handleTasks)
	mux.HandleFunc("/api/tasks/", r.handleTaskRuns)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Now       time.Time `json:"now"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
	})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	status, err := r.service.Status(req.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (r *Runtime) handleNamespaces(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	namespaces, err := r.service.ListNamespaces(req.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_namespaces_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": namespaces})
}

func (r *Runtime) handleTasks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	owner := strings.TrimSpace(req.URL.Query().Get("owner"))
	tasks, err := r.service.ListTasks(req.Context(), owner)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_tasks_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (r *Runtime) handleTaskRuns(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/api/tasks/")
	taskID, suffix, found := strings.Cut(rest, "/")
	if !found || suffix != "runs" || strings.TrimSpace(taskID) == "" {
		writeAPIError(w, http.StatusNotFound, "not_found", "expected /api/tasks/{id}/runs")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	runs, err := r.service.ListTaskRuns(req.Context(), taskID, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_runs_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}
