// README: Recovery middleware; logs the panic and answers with a generic 500.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

func Recovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler", "path", c.FullPath(), "panic", rec)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "internal error"})
			}
		}()
		c.Next()
	}
}
