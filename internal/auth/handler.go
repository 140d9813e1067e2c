package auth

import (
	"errors"
	"net/http"
	"time"

	"instabot_go/internal/httputil"
	"instabot_go/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const refreshCookie = "refresh_token"

type Handler struct {
	svc          *Service
	accessTTL    time.Duration
	refreshTTL   time.Duration
	cookieSecure bool
	log          logrus.FieldLogger
}

// HandlerConfig — сроки жизни cookie и флаг Secure.
type HandlerConfig struct {
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	CookieSecure bool
}

func NewHandler(svc *Service, cfg HandlerConfig, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, accessTTL: cfg.AccessTTL, refreshTTL: cfg.RefreshTTL, cookieSecure: cfg.CookieSecure, log: log}
}

type registerRequest struct {
	Username string `json:"username" binding:"required,max=128"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.svc.Register(req.Username, req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// Login принимает JSON или форму OAuth2 (username, password).
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := h.svc.Login(req.Username, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.setCookies(c, pair)
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshToken берёт токен из cookie, а если её нет, то из тела запроса.
func refreshToken(c *gin.Context) string {
	if v, err := c.Cookie(refreshCookie); err == nil && v != "" {
		return v
	}
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	return req.RefreshToken
}

func (h *Handler) Refresh(c *gin.Context) {
	pair, err := h.svc.Refresh(refreshToken(c))
	if err != nil {
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrInvalidToken) {
			h.clearCookies(c)
		}
		h.fail(c, err)
		return
	}
	h.setCookies(c, pair)
	c.JSON(http.StatusOK, pair)
}

func (h *Handler) Logout(c *gin.Context) {
	err := h.svc.Logout(refreshToken(c))
	h.clearCookies(c)
	if err != nil && !errors.Is(err, ErrInvalidToken) {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *Handler) LogoutAll(c *gin.Context) {
	if err := h.svc.LogoutAll(middleware.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}
	h.clearCookies(c)
	c.JSON(http.StatusOK, gin.H{"message": "All sessions closed"})
}

func (h *Handler) Me(c *gin.Context) {
	u, err := h.svc.Me(middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) setCookies(c *gin.Context, pair *TokenPair) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.AccessCookie, pair.AccessToken, int(h.accessTTL.Seconds()), "/", "", h.cookieSecure, true)
	c.SetCookie(refreshCookie, pair.RefreshToken, int(h.refreshTTL.Seconds()), "/", "", h.cookieSecure, true)
}

func (h *Handler) clearCookies(c *gin.Context) {
	c.SetCookie(middleware.AccessCookie, "", -1, "/", "", h.cookieSecure, true)
	c.SetCookie(refreshCookie, "", -1, "/", "", h.cookieSecure, true)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUserExists):
		httputil.RespondError(c, http.StatusConflict, "User already exists")
	case errors.Is(err, ErrInvalidCredentials):
		httputil.RespondError(c, http.StatusUnauthorized, "Incorrect username or password")
	case errors.Is(err, ErrTokenExpired):
		httputil.RespondError(c, http.StatusUnauthorized, "Token expired")
	case errors.Is(err, ErrInvalidToken):
		httputil.RespondError(c, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, ErrUserNotFound):
		httputil.RespondError(c, http.StatusNotFound, "User not found")
	default:
		h.log.Errorf("[AUTH ERROR] %v", err)
		httputil.RespondError(c, http.StatusInternalServerError, "Internal error")
	}
}
