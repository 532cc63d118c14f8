// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package resourceserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mobiletoly/go-overcache/internal/auth"
	"github.com/mobiletoly/go-overcache/remote"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every error reply
type ErrorResponse = remote.ErrorBody

// HTTPHandlers serves the resource API
type HTTPHandlers struct {
	service       *ResourceService
	authenticator Authenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of resource handlers
func NewHTTPHandlers(service *ResourceService, authenticator Authenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register adds the API routes to mux:
//
//	GET    /health
//	GET    /{resource}       list (page, page_size, sort, expand, field=value filters)
//	POST   /{resource}       create (Idempotency-Key header honoured)
//	GET    /{resource}/{id}  get (expand)
//	PATCH  /{resource}/{id}  merge update
//	DELETE /{resource}/{id}  delete
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /{resource}", h.HandleList)
	mux.HandleFunc("POST /{resource}", h.HandleCreate)
	mux.HandleFunc("GET /{resource}/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /{resource}/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /{resource}/{id}", h.HandleDelete)
}

// Handler returns a mux with the API routes
func (h *HTTPHandlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// HandleHealth reports whether the backend is reachable
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "unhealthy", "backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	q, err := remote.ParseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	page, err := h.service.List(r.Context(), userID, r.PathValue("resource"), q)
	if err != nil {
		h.writeServiceError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *HTTPHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var expand []string
	if s := r.URL.Query().Get("expand"); s != "" {
		for _, name := range strings.Split(s, ",") {
			if name = strings.TrimSpace(name); name != "" {
				expand = append(expand, name)
			}
		}
	}
	item, err := h.service.Get(r.Context(), userID, r.PathValue("resource"), r.PathValue("id"), expand)
	if err != nil {
		h.writeServiceError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *HTTPHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	item, ok := h.decodeObject(w, r)
	if !ok {
		return
	}
	stored, created, err := h.service.Create(r.Context(), userID, r.PathValue("resource"), item,
		r.Header.Get(remote.HeaderIdempotencyKey))
	if err != nil {
		h.writeServiceError(w, "create", err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		deviceID, _ := auth.GetDeviceID(r.Context())
		h.logger.Debug("Create replayed", "user", userID, "device", deviceID, "resource", r.PathValue("resource"))
	}
	writeJSON(w, status, stored)
}

func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	patch, ok := h.decodeObject(w, r)
	if !ok {
		return
	}
	item, err := h.service.Update(r.Context(), userID, r.PathValue("resource"), r.PathValue("id"), patch)
	if err != nil {
		h.writeServiceError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), userID, r.PathValue("resource"), r.PathValue("id")); err != nil {
		h.writeServiceError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	return userID, true
}

func (h *HTTPHandlers) decodeObject(w http.ResponseWriter, r *http.Request) (Item, bool) {
	var item Item
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&item); err != nil || item == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
		return nil, false
	}
	return item, true
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, op string, err error) {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrUnknownResource):
		writeError(w, http.StatusNotFound, "unknown_resource", err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", verr.Error())
	default:
		h.logger.Error("Failed to process request", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, op+"_failed", "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	slog.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
