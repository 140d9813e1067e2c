package auth

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes регистрирует маршруты /auth. authRequired защищает logout-all и me.
func SetupRoutes(r *gin.RouterGroup, h *Handler, authRequired gin.HandlerFunc) {
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	r.POST("/refresh", h.Refresh)
	r.POST("/logout", h.Logout)
	r.POST("/logout-all", authRequired, h.LogoutAll)
	r.GET("/me", authRequired, h.Me)
}
