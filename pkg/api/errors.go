package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/store"
)

// respondError maps an error to an HTTP response. Unexpected errors are
// logged and hidden behind a generic message.
func (s *Server) respondError(c *gin.Context, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Unexpected handler error", "error", err,
			"method", c.Request.Method, "path", c.Request.URL.Path)
	}
	c.JSON(status, body)
}

// mapError translates store and fault errors into status plus body.
func mapError(err error) (int, gin.H) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, gin.H{"error": validErr.Error()}
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, gin.H{"error": "resource not found"}
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return http.StatusConflict, gin.H{"error": "resource already exists"}
	}
	if f, ok := fault.As(err); ok {
		return faultStatus(f.Kind()), faultBody(f)
	}
	return http.StatusInternalServerError, gin.H{"error": "internal server error"}
}

func faultStatus(kind fault.Kind) int {
	switch kind {
	case fault.KindBadRequest:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindAuth:
		return http.StatusBadGateway
	case fault.KindIllegalTransition:
		return http.StatusConflict
	case fault.KindVcsRequired:
		return http.StatusPreconditionFailed
	case fault.KindPathOutOfScope, fault.KindMultiHunkUnsupported:
		return http.StatusUnprocessableEntity
	case fault.KindRateLimited, fault.KindOverloaded,
		fault.KindUpstreamTransient, fault.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func faultBody(f *fault.Fault) gin.H {
	body := gin.H{
		"error": f.Error(),
		"kind":  string(f.Kind()),
	}
	if f.Kind() == fault.KindVcsRequired {
		body["hint"] = "the analysis path must be inside a git work tree; " +
			"pass base_ref to diff against an explicit commit"
	}
	return body
}
