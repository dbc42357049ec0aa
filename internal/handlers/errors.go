package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/imovtec/twofactor/internal/auth/mfa"
	"github.com/imovtec/twofactor/internal/notifications"
	"github.com/imovtec/twofactor/internal/services"
	appErrors "github.com/imovtec/twofactor/pkg/errors"
	"github.com/imovtec/twofactor/pkg/response"
)

// writeServiceError maps engine and dispatcher errors onto API errors.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mfa.ErrInvalidKind):
		response.Error(c, appErrors.NewBadRequest("kind must be one of: staff, client, owner"))
	case errors.Is(err, mfa.ErrInvalidIdentity):
		response.Error(c, appErrors.NewBadRequest("identity is required"))
	case errors.Is(err, services.ErrMissingContact):
		response.Error(c, appErrors.NewBadRequest("contact is required"))
	case errors.Is(err, services.ErrContactMismatch):
		response.Error(c, appErrors.ErrForbidden.WithMessage("contact does not match the enrolled address"))
	case errors.Is(err, services.ErrStorageFailure):
		response.Error(c, appErrors.ErrStorageUnavailable.WithInternal(err))
	case errors.Is(err, notifications.ErrDeliveryFailure),
		errors.Is(err, notifications.ErrTemplateNotFound),
		errors.Is(err, notifications.ErrConfigurationMissing):
		response.Error(c, appErrors.ErrDeliveryFailed.WithInternal(err))
	default:
		response.Error(c, err)
	}
}
