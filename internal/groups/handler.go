package groups

import (
	"errors"
	"net/http"
	"strconv"

	"instabot_go/internal/httputil"
	"instabot_go/internal/middleware"
	"instabot_go/internal/tasks"
	"instabot_go/models"

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

type nameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) Create(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	g, err := h.svc.Create(c.Request.Context(), middleware.UserID(c), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (h *Handler) List(c *gin.Context) {
	page, ok := tasks.Page(c)
	if !ok {
		return
	}
	list, err := h.svc.List(middleware.UserID(c), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []models.Group{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) Get(c *gin.Context) {
	g, err := h.svc.Get(middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) Rename(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	g, err := h.svc.Rename(middleware.UserID(c), c.Param("id"), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Tasks обрабатывает POST /groups/tasks?output=true|false.
// output=true (по умолчанию) отдаёт синхронный вывод по каждому клиенту,
// иначе 202 и фоновые задачи со случайной паузой между запусками.
func (h *Handler) Tasks(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	output, err := strconv.ParseBool(c.DefaultQuery("output", "true"))
	if err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid output flag")
		return
	}
	userID := middleware.UserID(c)
	if output {
		results, err := h.svc.CallAll(c.Request.Context(), userID, req)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
		return
	}
	d, err := h.svc.Schedule(userID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

// CancelTasks отменяет отложенные фоновые запуски пользователя.
func (h *Handler) CancelTasks(c *gin.Context) {
	n := h.svc.CancelScheduled(middleware.UserID(c))
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidName):
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.RespondError(c, http.StatusNotFound, "Group not found")
	case errors.Is(err, ErrForbidden):
		httputil.RespondError(c, http.StatusForbidden, "Forbidden")
	case errors.Is(err, ErrConflict):
		httputil.RespondError(c, http.StatusConflict, "Group already exists")
	case errors.Is(err, ErrContainer):
		httputil.RespondError(c, http.StatusBadGateway, err.Error())
	default:
		if status, msg, ok := tasks.Status(err); ok {
			httputil.RespondError(c, status, msg)
			return
		}
		h.log.Errorf("[GROUP ERROR] %v", err)
		httputil.RespondError(c, http.StatusInternalServerError, "Internal error")
	}
}
