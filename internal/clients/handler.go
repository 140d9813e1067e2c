package clients

import (
	"errors"
	"net/http"
	"strconv"

	"instabot_go/internal/httputil"
	"instabot_go/internal/middleware"
	"instabot_go/internal/tasks"
	"instabot_go/pkg/instagram"
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

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.svc.Login(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) Relogin(c *gin.Context) {
	var req ReloginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.svc.Relogin(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) List(c *gin.Context) {
	page, ok := tasks.Page(c)
	if !ok {
		return
	}
	list, err := h.svc.List(c.Request.Context(), middleware.UserID(c), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) Get(c *gin.Context) {
	view, err := h.svc.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.svc.Update(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Status(c *gin.Context) {
	status, err := h.svc.Status(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) Follow(c *gin.Context) {
	var p script.FollowParams
	if err := c.ShouldBindJSON(&p); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.svc.Follow(c.Request.Context(), middleware.UserID(c), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) StartAutoReply(c *gin.Context) {
	var p script.AutoReplyParams
	if err := c.ShouldBindJSON(&p); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.svc.StartAutoReply(c.Request.Context(), middleware.UserID(c), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) EditAutoReply(c *gin.Context) {
	var p script.AutoReplyParams
	if err := c.ShouldBindJSON(&p); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.svc.EditAutoReply(c.Request.Context(), middleware.UserID(c), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) StopAutoReply(c *gin.Context) {
	if err := h.svc.StopAutoReply(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PreviewAutoReply(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	messages, err := Preview(req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Tasks обрабатывает POST /clients/tasks?output=true|false.
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
	if output {
		results, err := h.svc.Call(c.Request.Context(), middleware.UserID(c), req)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
		return
	}
	launched, err := h.svc.Launch(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, launched)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrGroupNotFound):
		httputil.RespondError(c, http.StatusNotFound, "Group not found")
	case errors.Is(err, ErrConflict):
		httputil.RespondError(c, http.StatusConflict, "Client already exists")
	case errors.Is(err, ErrBusy):
		httputil.RespondError(c, http.StatusConflict, "Client is busy")
	case errors.Is(err, ErrAutoReplyRunning):
		httputil.RespondError(c, http.StatusConflict, "Auto-reply is already running")
	case errors.Is(err, ErrAutoReplyNotRunning):
		httputil.RespondError(c, http.StatusNotFound, "Auto-reply is not running")
	case errors.Is(err, ErrInvalidProxy):
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, instagram.ErrProxyUnavailable):
		httputil.RespondError(c, http.StatusBadRequest, "Proxy unavailable")
	case errors.Is(err, instagram.ErrLoginFailed):
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, tasks.ErrNotFound):
		httputil.RespondError(c, http.StatusNotFound, "Client not found")
	default:
		if status, msg, ok := tasks.Status(err); ok {
			httputil.RespondError(c, status, msg)
			return
		}
		h.log.Errorf("[CLIENT ERROR] %v", err)
		httputil.RespondError(c, http.StatusInternalServerError, "Internal error")
	}
}
