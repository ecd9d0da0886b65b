package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
)

// 鉴权后写入 gin.Context 的键
const (
	ContextCompanyID = "company_id"
	ContextUserID    = "user_id"
	ContextRole      = "role"
	ContextJTI       = "jti"
	ContextExpiresAt = "token_exp"
)

// DefaultCookieName 会话 Cookie 名
const DefaultCookieName = "auth-token"

// TokenParser 校验会话 token
type TokenParser interface {
	ParseToken(ctx context.Context, raw string) (*services.Claims, error)
}

// BearerOrCookie 优先读取 Authorization: Bearer，其次读取会话 Cookie
func BearerOrCookie(c *gin.Context, cookieName string) string {
	if ah := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if token := strings.TrimSpace(ah[len("Bearer "):]); token != "" {
			return token
		}
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if v, err := c.Cookie(cookieName); err == nil {
		return strings.TrimSpace(v)
	}
	return ""
}

// AuthMiddleware 校验会话并注入租户与用户信息，所有 /api 查询都按 company_id 限定
func AuthMiddleware(parser TokenParser, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerOrCookie(c, cookieName)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing session token",
				"code":    http.StatusUnauthorized,
			})
			return
		}
		claims, err := parser.ParseToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid or expired session",
				"code":    http.StatusUnauthorized,
			})
			return
		}

		c.Set(ContextCompanyID, claims.CompanyID)
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, claims.Role)
		c.Set(ContextJTI, claims.ID)
		if claims.ExpiresAt != nil {
			c.Set(ContextExpiresAt, claims.ExpiresAt.Time)
		}
		c.Next()
	}
}

// CompanyID 当前租户
func CompanyID(c *gin.Context) string { return c.GetString(ContextCompanyID) }

// UserID 当前用户
func UserID(c *gin.Context) string { return c.GetString(ContextUserID) }

// SessionID 当前会话 jti 及过期时间，用于注销
func SessionID(c *gin.Context) (string, time.Time) {
	return c.GetString(ContextJTI), c.GetTime(ContextExpiresAt)
}

// RequireRolesAny 至少具备其中一个角色
func RequireRolesAny(required ...string) gin.HandlerFunc {
	reqSet := make(map[string]struct{}, len(required))
	for _, r := range required {
		reqSet[r] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := reqSet[c.GetString(ContextRole)]; ok {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
			"code":    http.StatusForbidden,
		})
	}
}
