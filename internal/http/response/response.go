package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/casafex/planvista-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAPIError unwraps a typed API error for its status and code; plain
// errors fall back to 500.
func RespondAPIError(c *gin.Context, err error) {
	RespondAPIErrorOr(c, err, http.StatusInternalServerError, "internal_error")
}

// RespondAPIErrorOr is RespondAPIError with a caller-chosen fallback for
// errors that carry no status of their own.
func RespondAPIErrorOr(c *gin.Context, err error, fallbackStatus int, fallbackCode string) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		status := ae.Status
		if status == 0 {
			status = fallbackStatus
		}
		RespondError(c, status, ae.Code, ae.Err)
		return
	}
	RespondError(c, fallbackStatus, fallbackCode, err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
