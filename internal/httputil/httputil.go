package httputil

import "github.com/gin-gonic/gin"

// RespondError прерывает цепочку обработчиков и отвечает {"error": msg}.
func RespondError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
