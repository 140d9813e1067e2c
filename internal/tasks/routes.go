package tasks

import (
	"instabot_go/models"

	"github.com/gin-gonic/gin"
)

// SetupRoutes регистрирует маршруты /tasks. Отчёт скрипта проверяется токеном задачи,
// остальные маршруты требуют authRequired.
func SetupRoutes(r *gin.RouterGroup, h *Handler, authRequired gin.HandlerFunc) {
	r.PUT("/:id/progress", h.Progress)

	auth := r.Group("", authRequired)
	for _, action := range models.ActionTypes {
		auth.POST("/"+string(action)+"/:client_id", h.Start(action))
	}
	auth.POST("/:id/pause", h.Pause)
	auth.POST("/:id/resume", h.Resume)
	auth.POST("/:id/stop", h.Stop)
	auth.GET("", h.List)
	auth.GET("/:id", h.Get)
	auth.GET("/:id/log", h.Log)
}
