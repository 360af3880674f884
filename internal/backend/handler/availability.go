package handler

import (
	"net/http"

	"rentsync/internal/backend/service"
	httputil "rentsync/pkg/http"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
	"rentsync/pkg/sanitizer"

	"github.com/julienschmidt/httprouter"
)

type AvailabilityHandler struct {
	service        service.AvailabilityService
	log            *logger.Logger
	maxRequestSize int64
	inventoryGuard func(http.Handler) http.Handler
}

func NewAvailabilityHandler(service service.AvailabilityService, maxRequestSize int64, log *logger.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{
		service:        service,
		log:            log,
		maxRequestSize: maxRequestSize,
	}
}

// WithInventoryGuard wraps the inventory write route, typically with
// signature verification.
func (h *AvailabilityHandler) WithInventoryGuard(guard func(http.Handler) http.Handler) *AvailabilityHandler {
	h.inventoryGuard = guard
	return h
}

func (h *AvailabilityHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/api/v1/resources/:id/availability", h.Get)
	if h.inventoryGuard != nil {
		router.Handler(http.MethodPut, "/api/v1/resources/:id/availability", h.inventoryGuard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.SetAvailability(w, r, httprouter.ParamsFromContext(r.Context()))
		})))
	} else {
		router.PUT("/api/v1/resources/:id/availability", h.SetAvailability)
	}
	router.POST("/api/v1/resources/:id/availability/check", h.Check)
	router.POST("/api/v1/resources/:id/locks", h.AcquireLock)
	router.DELETE("/api/v1/locks/:lock_id", h.ReleaseLock)
}

func (h *AvailabilityHandler) Get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	state, err := h.service.Get(r.Context(), sanitizer.SanitizeResourceID(ps.ByName("id")))
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "Get", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteSuccess(w, state); err != nil {
		h.log.Error("failed to write success response", "handler", "Get", "operation", "WriteSuccess", "error", err)
	}
}

func (h *AvailabilityHandler) Check(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body model.DateRange
	if err := httputil.DecodeJSONBody(w, r, &body, h.maxRequestSize); err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "Check", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	result, err := h.service.Check(r.Context(), sanitizer.SanitizeResourceID(ps.ByName("id")), sanitizer.SanitizeSessionID(r.Header.Get(model.SessionHeader)), body)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "Check", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteSuccess(w, result); err != nil {
		h.log.Error("failed to write success response", "handler", "Check", "operation", "WriteSuccess", "error", err)
	}
}

func (h *AvailabilityHandler) SetAvailability(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var update model.ResourceUpdate
	if err := httputil.DecodeJSONBody(w, r, &update, h.maxRequestSize); err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "SetAvailability", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	state, err := h.service.SetAvailability(r.Context(), sanitizer.SanitizeResourceID(ps.ByName("id")), &update)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "SetAvailability", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteSuccess(w, state); err != nil {
		h.log.Error("failed to write success response", "handler", "SetAvailability", "operation", "WriteSuccess", "error", err)
	}
}

func (h *AvailabilityHandler) AcquireLock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req model.LockRequest
	if err := httputil.DecodeJSONBody(w, r, &req, h.maxRequestSize); err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "AcquireLock", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	grant, err := h.service.AcquireLock(r.Context(), sanitizer.SanitizeResourceID(ps.ByName("id")), &req)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "AcquireLock", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteCreated(w, grant); err != nil {
		h.log.Error("failed to write created response", "handler", "AcquireLock", "operation", "WriteCreated", "error", err)
	}
}

func (h *AvailabilityHandler) ReleaseLock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := h.service.ReleaseLock(r.Context(), sanitizer.SanitizeLockID(ps.ByName("lock_id"))); err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "ReleaseLock", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	httputil.WriteNoContent(w)
}
