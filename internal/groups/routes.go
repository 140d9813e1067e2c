package groups

import "github.com/gin-gonic/gin"

// SetupRoutes регистрирует маршруты /groups; все требуют авторизации.
func SetupRoutes(r *gin.RouterGroup, h *Handler) {
	r.POST("", h.Create)
	r.GET("", h.List)
	r.POST("/tasks", h.Tasks)
	r.POST("/tasks/cancel", h.CancelTasks)
	r.GET("/:id", h.Get)
	r.PUT("/:id", h.Rename)
	r.DELETE("/:id", h.Delete)
}
