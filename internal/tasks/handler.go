package tasks

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"instabot_go/internal/httputil"
	"instabot_go/internal/middleware"
	"instabot_go/models"
	"instabot_go/pkg/script"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	svc *Service
	log logrus.FieldLogger
}

func NewHandler(svc *Service, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Start возвращает обработчик запуска действия action для клиента из пути.
func (h *Handler) Start(action models.ActionType) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			httputil.RespondError(c, http.StatusBadRequest, err.Error())
			return
		}
		p, err := script.Decode(action, raw)
		if err != nil {
			h.fail(c, err)
			return
		}
		t, err := h.svc.Start(c.Request.Context(), middleware.UserID(c), c.Param("client_id"), action, p)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

func (h *Handler) Pause(c *gin.Context)  { h.command(c, h.svc.Pause) }
func (h *Handler) Resume(c *gin.Context) { h.command(c, h.svc.Resume) }
func (h *Handler) Stop(c *gin.Context)   { h.command(c, h.svc.Stop) }

func (h *Handler) command(c *gin.Context, fn func(ctx context.Context, userID, taskID string) (*models.Task, error)) {
	t, err := fn(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Progress принимает отчёт скрипта. Авторизуется он токеном задачи в заголовке.
func (h *Handler) Progress(c *gin.Context) {
	var r Report
	if err := c.ShouldBindJSON(&r); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.svc.Report(c.Request.Context(), c.Param("id"), c.GetHeader(script.TokenHeader), r)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": t.ID, "status": t.Status})
}

func (h *Handler) List(c *gin.Context) {
	page, ok := Page(c)
	if !ok {
		return
	}
	list, err := h.svc.List(middleware.UserID(c), c.Query("client_id"), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []models.Task{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) Get(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) Log(c *gin.Context) {
	out, err := h.svc.Log(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.String(http.StatusOK, out)
}

// Page читает ?page=, по умолчанию 1. При ошибке ответ уже отправлен.
func Page(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("page", "1")
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid page")
		return 0, false
	}
	return page, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	if status, msg, ok := Status(err); ok {
		httputil.RespondError(c, status, msg)
		return
	}
	h.log.Errorf("[TASK ERROR] %v", err)
	httputil.RespondError(c, http.StatusInternalServerError, "Internal error")
}

// Status сопоставляет ошибки задач с HTTP-кодом. ok=false для неизвестных ошибок.
func Status(err error) (int, string, bool) {
	switch {
	case errors.Is(err, script.ErrInvalidParams):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, "Invalid task token", true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "Forbidden", true
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Not found", true
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, err.Error(), true
	case errors.Is(err, ErrNoProcess):
		return http.StatusConflict, "Task has no process", true
	case errors.Is(err, ErrContainer):
		return http.StatusBadGateway, err.Error(), true
	}
	return 0, "", false
}
