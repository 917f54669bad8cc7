package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/sparkyard/internal/fault"
	"gorm.io/gorm"
)

// httpStatus maps a fault reason to an HTTP status code.
func httpStatus(err error) int {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound
	}
	switch fault.ReasonOf(err) {
	case fault.QueueFull:
		return http.StatusTooManyRequests
	case fault.NoCapacity:
		return http.StatusServiceUnavailable
	case fault.InvalidState:
		return http.StatusConflict
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.EngineUnreachable:
		return http.StatusBadGateway
	case fault.Cancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a fault as the gateway's error payload: reason, entity,
// state, and whether the caller may safely retry.
func writeError(c *gin.Context, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		c.JSON(httpStatus(err), gin.H{
			"error":      fe.Error(),
			"reason":     string(fe.Reason),
			"entity_id":  fe.EntityID,
			"state":      fe.State,
			"retry_safe": fe.RetrySafe,
		})
		return
	}
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}
