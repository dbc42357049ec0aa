package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imovtec/twofactor/internal/auth/mfa"
	"github.com/imovtec/twofactor/internal/services"
	"github.com/imovtec/twofactor/pkg/logger"
	"github.com/imovtec/twofactor/pkg/response"
)

// TransportReloader swaps the notification transport after a settings change.
type TransportReloader interface {
	Reload(ctx context.Context) error
	Source() string
}

// AdminHandler manages per-principal enrollment, kind policies and notification settings.
type AdminHandler struct {
	svc      *services.TwoFactorService
	reloader TransportReloader
}

func NewAdminHandler(svc *services.TwoFactorService, reloader TransportReloader) *AdminHandler {
	return &AdminHandler{svc: svc, reloader: reloader}
}

type updateEnrollmentRequest struct {
	Enable  *bool  `json:"enable" validate:"required"`
	Contact string `json:"contact" validate:"omitempty,email,max=255"`
}

type kindPolicyRequest struct {
	Required *bool `json:"required" validate:"required"`
}

// PATCH /api/admin/2fa/:kind/:identity
func (h *AdminHandler) UpdateEnrollment(c *gin.Context) {
	kind, err := mfa.ParseKind(c.Param("kind"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	p, err := mfa.NewPrincipal(c.Param("identity"), kind)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	var req updateEnrollmentRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)
	if !*req.Enable {
		if err := h.svc.Disable(ctx, p); err != nil {
			writeServiceError(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"enabled": false})
		return
	}

	codes, err := h.svc.Enable(ctx, p, req.Contact)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"enabled":      true,
		"backup_codes": codes,
	})
}

// PUT /api/admin/2fa/policy/:kind
func (h *AdminHandler) SetKindPolicy(c *gin.Context) {
	kind, err := mfa.ParseKind(c.Param("kind"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	var req kindPolicyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.svc.SetKindPolicy(requestContext(c), kind, *req.Required); err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"kind": kind, "required": *req.Required})
}

// GET /api/admin/2fa/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(requestContext(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

// POST /api/admin/notifications/reload
//
// A failed reload leaves the fallback transport installed, so the endpoint
// still answers 200 and reports which transport is active.
func (h *AdminHandler) ReloadNotifications(c *gin.Context) {
	err := h.reloader.Reload(requestContext(c))
	payload := gin.H{
		"source":   h.reloader.Source(),
		"reloaded": err == nil,
	}
	if err != nil {
		logger.WithModule("admin").Warn("notification reload failed", zap.Error(err))
		payload["error"] = err.Error()
	}
	response.Success(c, http.StatusOK, payload)
}
