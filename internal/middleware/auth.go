package middleware

import (
	"net/http"
	"strings"

	"instabot_go/internal/httputil"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey = "user_id"
	// AccessCookie — cookie, в которой браузер хранит access-токен.
	AccessCookie = "access_token"
)

// TokenParser проверяет access-токен и возвращает id пользователя.
type TokenParser interface {
	Parse(token string) (string, error)
}

// AuthRequired пропускает запрос, если в заголовке Authorization: Bearer
// или в cookie access_token лежит валидный токен. id пользователя кладётся в контекст.
func AuthRequired(p TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			token, _ = c.Cookie(AccessCookie)
		}
		if token == "" {
			httputil.RespondError(c, http.StatusUnauthorized, "Invalid token")
			return
		}
		userID, err := p.Parse(token)
		if err != nil {
			httputil.RespondError(c, http.StatusUnauthorized, "Invalid token")
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID возвращает id пользователя, выставленный AuthRequired.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func bearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
