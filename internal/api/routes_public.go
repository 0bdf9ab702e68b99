package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seerlink-project/seerlink/internal/connector"
	"github.com/seerlink-project/seerlink/internal/protocol"
	"github.com/seerlink-project/seerlink/internal/script"
)

// Version is reported by the ping endpoint.
const Version = "1.0.0"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "seerlink",
		"version": Version,
	})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, connector.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrMalformedPacket):
		return http.StatusBadRequest
	case errors.Is(err, connector.ErrNoCaptchaPending):
		return http.StatusConflict
	case errors.Is(err, script.ErrScriptNotFound):
		return http.StatusNotFound
	case errors.Is(err, script.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": what + " is disabled"})
}
