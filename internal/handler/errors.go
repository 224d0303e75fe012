package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// failService maps service errors to response codes. Unknown errors are
// logged by the caller and reported as internal.
func failService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAssessmentNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAssessmentNotFound)
	case errors.Is(err, service.ErrInvalidEntryToken):
		response.Fail(c, http.StatusForbidden, response.ErrInvalidEntryToken)
	case errors.Is(err, service.ErrIPNotAllowed):
		response.Fail(c, http.StatusForbidden, response.ErrNetworkNotAllowed)
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
	case errors.Is(err, service.ErrNotSessionOwner):
		response.Fail(c, http.StatusForbidden, response.ErrNotSessionOwner)
	case errors.Is(err, service.ErrSessionClosed):
		response.Fail(c, http.StatusConflict, response.ErrSessionClosed)
	case errors.Is(err, service.ErrPreflightRequired):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotStarted)
	case errors.Is(err, service.ErrSessionAlreadyActive):
		response.Fail(c, http.StatusConflict, response.ErrSessionInUse)
	case errors.Is(err, service.ErrOutOfScope):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	case errors.Is(err, service.ErrServiceUnavailable):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrUnavailable)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// isClientError reports whether err is an expected outcome that needs
// no error log.
func isClientError(err error) bool {
	for _, known := range []error{
		service.ErrAssessmentNotFound, service.ErrInvalidEntryToken, service.ErrIPNotAllowed,
		service.ErrSessionNotFound, service.ErrNotSessionOwner, service.ErrSessionClosed,
		service.ErrPreflightRequired, service.ErrSessionAlreadyActive, service.ErrOutOfScope,
		service.ErrServiceUnavailable,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
