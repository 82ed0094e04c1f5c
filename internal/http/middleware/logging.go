// README: Request logging middleware on slog.
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/logging"
)

// Logging emits one line per request and puts a request-scoped logger on the
// request context.
func Logging(logger *slog.Logger) gin.HandlerFunc {
	base := logging.OrDefault(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), base))
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []slog.Attr{}
		if uid := CallerUID(c); uid != "" {
			attrs = append(attrs, slog.String("caller_uid", uid))
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, slog.String("trip_id", id))
		}
		logging.LogHTTPRequest(base, c.Request.Method, path, c.Writer.Status(),
			float64(time.Since(start).Microseconds())/1000, attrs...)
	}
}
