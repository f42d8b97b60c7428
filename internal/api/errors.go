package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"searchdock/internal/engine"
	"searchdock/internal/orchestrator"
	"searchdock/internal/results"
	"searchdock/internal/task"
)

const (
	codeValidation     = "VALIDATION_ERROR"
	codeNotFound       = "TASK_NOT_FOUND"
	codeRateLimited    = "RATE_LIMITED"
	codeInternal       = "INTERNAL_ERROR"
	codeAuthentication = "AUTHENTICATION_ERROR"
	codeAuthorization  = "AUTHORIZATION_ERROR"
)

// Authentication happens in front of this service. These errors keep the
// distinction when a gateway reports them through the API.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not allowed")
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an error to the HTTP status and the machine readable code.
func classify(err error) (int, string) {
	switch {
	case orchestrator.IsValidation(err),
		errors.Is(err, task.ErrTerminalState),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrInvalidType),
		errors.Is(err, results.ErrInvalidPage),
		errors.Is(err, results.ErrInvalidTaskID):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, results.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, codeAuthentication
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, codeAuthorization
	}
	switch code := engine.CodeOf(err); code {
	case engine.CodeServiceUnavailable, engine.CodeBinaryNotFound:
		return http.StatusServiceUnavailable, string(code)
	case engine.CodeTimeout:
		return http.StatusGatewayTimeout, string(code)
	case engine.CodeParseError, engine.CodeEngineError:
		return http.StatusInternalServerError, string(code)
	}
	return http.StatusInternalServerError, codeInternal
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	evt := log.Warn()
	if status >= statusErrorThreshold {
		evt = log.Error()
	}
	evt.Err(err).Str("code", code).Str("path", c.FullPath()).Msg("request failed")
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg, Code: codeValidation})
}
