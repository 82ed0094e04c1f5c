// README: Recovery middleware; a panicking handler becomes a logged 500.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/logging"
)

func Recovery(logger *slog.Logger) gin.HandlerFunc {
	log := logging.OrDefault(logger)
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logging.LogError(log, "handler panic", fmt.Errorf("%v", r),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
