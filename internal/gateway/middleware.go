package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request with an id, honoring one supplied by the
// caller so ids correlate across the auth layer and the gateway.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// workspaceID extracts the authenticated workspace identity. Empty means the
// auth collaborator did not forward one and the request is rejected.
func workspaceID(c *gin.Context) string {
	return c.GetHeader(WorkspaceHeader)
}
