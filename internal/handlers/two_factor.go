package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imovtec/twofactor/internal/auth/mfa"
	"github.com/imovtec/twofactor/internal/services"
	appErrors "github.com/imovtec/twofactor/pkg/errors"
	"github.com/imovtec/twofactor/pkg/response"
	appValidator "github.com/imovtec/twofactor/pkg/validator"
)

// TwoFactorHandler exposes code issuance and verification to the login flow.
type TwoFactorHandler struct {
	svc *services.TwoFactorService
}

func NewTwoFactorHandler(svc *services.TwoFactorService) *TwoFactorHandler {
	return &TwoFactorHandler{svc: svc}
}

type principalRequest struct {
	Identity string `json:"identity" validate:"required,max=64"`
	Kind     string `json:"kind" validate:"required,max=16"`
}

func (r principalRequest) principal() (mfa.Principal, error) {
	kind, err := mfa.ParseKind(r.Kind)
	if err != nil {
		return mfa.Principal{}, err
	}
	return mfa.NewPrincipal(r.Identity, kind)
}

type sendCodeRequest struct {
	principalRequest
	Contact string `json:"contact" validate:"omitempty,email,max=255"`
}

type verifyCodeRequest struct {
	principalRequest
	Code   string `json:"code" validate:"required,otp"`
	Method string `json:"method" validate:"omitempty,oneof=email"`
}

type backupCodeRequest struct {
	principalRequest
	Code string `json:"code" validate:"required,backup_code"`
}

// bindCodeRequest is bindAndValidate for submitted codes: a malformed code
// gets the same answer as a wrong one.
func bindCodeRequest[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid JSON payload"))
		return false
	}

	err := appValidator.ValidateStruct(dest)
	if err == nil {
		return true
	}
	if ve, ok := err.(appValidator.ValidationErrors); ok {
		for _, failure := range ve {
			if failure.Field == "code" {
				response.Error(c, appErrors.ErrMFAInvalid)
				return false
			}
		}
		response.ErrorWithDetails(c, appErrors.NewBadRequest(formatValidationError(err)), ve)
		return false
	}
	response.Error(c, appErrors.NewBadRequest(formatValidationError(err)))
	return false
}

// POST /api/auth/2fa/status
func (h *TwoFactorHandler) Status(c *gin.Context) {
	var req principalRequest
	if !bindAndValidate(c, &req) {
		return
	}
	p, err := req.principal()
	if err != nil {
		writeServiceError(c, err)
		return
	}

	enabled, err := h.svc.IsEnabled(requestContext(c), p)
	if err != nil {
		response.Error(c, appErrors.ErrStorageUnavailable.WithInternal(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"enabled": enabled})
}

// POST /api/auth/2fa/send
func (h *TwoFactorHandler) Send(c *gin.Context) {
	var req sendCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}
	p, err := req.principal()
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if _, err := h.svc.IssueCode(requestContext(c), p, req.Contact, requestOrigin(c)); err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"sent":               true,
		"expiration_minutes": int(h.svc.CodeTTL().Minutes()),
	})
}

// POST /api/auth/2fa/verify
func (h *TwoFactorHandler) Verify(c *gin.Context) {
	var req verifyCodeRequest
	if !bindCodeRequest(c, &req) {
		return
	}
	p, err := req.principal()
	if err != nil {
		response.Error(c, appErrors.ErrMFAInvalid)
		return
	}

	result := h.svc.ValidateCode(requestContext(c), p, req.Code, mfa.Method(req.Method))
	if !result.Valid {
		response.Error(c, appErrors.ErrMFAInvalid)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// POST /api/auth/2fa/backup
func (h *TwoFactorHandler) RedeemBackup(c *gin.Context) {
	var req backupCodeRequest
	if !bindCodeRequest(c, &req) {
		return
	}
	p, err := req.principal()
	if err != nil {
		response.Error(c, appErrors.ErrMFAInvalid)
		return
	}

	result := h.svc.RedeemBackupCode(requestContext(c), p, req.Code)
	if !result.Valid {
		response.Error(c, appErrors.ErrMFAInvalid)
		return
	}
	response.Success(c, http.StatusOK, result)
}
