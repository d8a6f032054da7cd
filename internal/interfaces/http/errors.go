package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/campus-approvals/internal/domain/grading"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
	"github.com/garyjia/campus-approvals/internal/domain/workflow"
)

// Reason codes produced by the HTTP layer itself
const (
	ReasonUnauthenticated     = "UNAUTHENTICATED"
	ReasonIdentityUnavailable = "IDENTITY_UNAVAILABLE"
	ReasonInvalidRequest      = "INVALID_REQUEST"
	ReasonUnknownScale        = "UNKNOWN_SCALE"
	ReasonInvalidMarks        = "INVALID_MARKS"
)

var errorStatuses = []struct {
	err    error
	status int
	reason string
}{
	{workflow.ErrDuplicateSubmission, http.StatusConflict, workflow.ReasonDuplicateSubmission},
	{workflow.ErrRoleMismatch, http.StatusForbidden, workflow.ReasonRoleMismatch},
	{workflow.ErrScopeMismatch, http.StatusForbidden, workflow.ReasonScopeMismatch},
	{workflow.ErrTerminalState, http.StatusConflict, workflow.ReasonTerminalState},
	{workflow.ErrStaleState, http.StatusConflict, workflow.ReasonStaleState},
	{workflow.ErrNotFound, http.StatusNotFound, workflow.ReasonNotFound},
	{workflow.ErrStorage, http.StatusInternalServerError, workflow.ReasonStorage},
	{workflow.ErrInvalidDefinition, http.StatusBadRequest, workflow.ReasonInvalidDefinition},
	{workflow.ErrInvalidDecision, http.StatusBadRequest, workflow.ReasonInvalidDecision},
	{workflow.ErrInvalidSubject, http.StatusBadRequest, workflow.ReasonInvalidSubject},
	{workflow.ErrInvalidTransition, http.StatusConflict, workflow.ReasonInvalidTransition},
	{grading.ErrUnknownScale, http.StatusNotFound, ReasonUnknownScale},
	{grading.ErrInvalidMarks, http.StatusBadRequest, ReasonInvalidMarks},
	{identity.ErrUnauthenticated, http.StatusUnauthorized, ReasonUnauthenticated},
}

// statusFor maps a domain error to an HTTP status and reason code
func statusFor(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.reason
		}
	}
	return http.StatusInternalServerError, workflow.ReasonInternal
}

// respondError writes err as a failed Response. Internal errors are logged and not echoed.
func (h *Handlers) respondError(c *gin.Context, op string, err error) {
	status, reason := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "operation", op, "reason", reason, "error", err)
		message = http.StatusText(status)
	}
	abortWithError(c, status, reason, message)
}

func abortWithError(c *gin.Context, status int, reason, message string) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   message,
		Reason:  reason,
	})
}
