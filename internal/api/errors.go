package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mediguard-intake/internal/domain"
)

var statusByCode = map[string]int{
	domain.ErrInvalidInput:      http.StatusBadRequest,
	domain.ErrValidation:        http.StatusUnprocessableEntity,
	domain.ErrExtractionFailed:  http.StatusUnprocessableEntity,
	domain.ErrPredictionFailed:  http.StatusBadGateway,
	domain.ErrExternalAPI:       http.StatusBadGateway,
	domain.ErrInvalidState:      http.StatusConflict,
	domain.ErrOperationInFlight: http.StatusConflict,
	domain.ErrNotFound:          http.StatusNotFound,
	domain.ErrUnauthorized:      http.StatusUnauthorized,
	domain.ErrDatabaseError:     http.StatusInternalServerError,
	domain.ErrInternalServer:    http.StatusInternalServerError,
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	if status, ok := statusByCode[domain.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// errorBody renders err for clients. Internal errors are not echoed.
func errorBody(err error) *domain.IntakeError {
	var ie *domain.IntakeError
	if errors.As(err, &ie) {
		return ie
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return domain.NewIntakeError(domain.ErrValidation, ve.Message, ve.Field)
	}
	return domain.NewIntakeError(domain.ErrInternalServer, "internal server error", "")
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": errorBody(err)})
}
