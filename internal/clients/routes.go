package clients

import "github.com/gin-gonic/gin"

// SetupRoutes регистрирует маршруты /clients; все требуют авторизации.
func SetupRoutes(r *gin.RouterGroup, h *Handler) {
	r.POST("/login", h.Login)
	r.POST("/relogin", h.Relogin)

	r.GET("/operations", h.List)
	r.GET("/operations/:id", h.Get)
	r.PUT("/operations/:id", h.Update)
	r.DELETE("/operations/:id", h.Delete)

	r.GET("/status/:id", h.Status)
	r.POST("/follow/:id", h.Follow)

	r.POST("/auto-reply/preview", h.PreviewAutoReply)
	r.POST("/auto-reply/:id", h.StartAutoReply)
	r.PUT("/auto-reply/:id", h.EditAutoReply)
	r.DELETE("/auto-reply/:id", h.StopAutoReply)

	r.POST("/tasks", h.Tasks)
}
