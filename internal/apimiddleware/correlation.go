// Package apimiddleware holds the controller's gin middleware: correlation-id propagation,
// grounded on the teacher's internal/v1/middleware/correlation.go (renamed from "middleware"
// to avoid colliding with the many unrelated "middleware" packages vendored transitively).
package apimiddleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/otcontroller/signaling/internal/logging"
)

// HeaderXCorrelationID is the header carrying the request's correlation id, generated if absent.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request (and its response) with a correlation id. It is stamped
// into c.Request's context, where logging.Info/Warn/Error find it when called with
// c.Request.Context(), and into gin's own key/value store under the plain string key for c.Get.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
