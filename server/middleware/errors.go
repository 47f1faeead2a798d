package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/palm-detector/server/models"
)

var statusByKind = map[models.ErrorKind]int{
	models.KindMissingCredential: http.StatusUnauthorized,
	models.KindInvalidCredential: http.StatusUnauthorized,
	models.KindForbidden:         http.StatusForbidden,
	models.KindInvalidImage:      http.StatusBadRequest,
	models.KindInferenceFailure:  http.StatusBadGateway,
	models.KindNotFound:          http.StatusNotFound,
	models.KindStorageFailure:    http.StatusInternalServerError,
	models.KindRateLimited:       http.StatusTooManyRequests,
	models.KindRequestTooLarge:   http.StatusRequestEntityTooLarge,
	models.KindBadRequest:        http.StatusBadRequest,
}

// StatusFor maps an error to its HTTP status. Errors without a kind are 500.
func StatusFor(err error) int {
	if status, ok := statusByKind[models.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorBody builds the error envelope. Causes are never exposed.
func ErrorBody(err error) *models.APIErrorResponse {
	var e *models.Error
	if errors.As(err, &e) {
		return &models.APIErrorResponse{Error: &models.APIError{Code: string(e.Kind), Message: e.Message}}
	}
	return &models.APIErrorResponse{Error: &models.APIError{Code: "INTERNAL", Message: "internal server error"}}
}

func AbortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusFor(err), ErrorBody(err))
}
