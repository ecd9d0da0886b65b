package handlers

import (
	"net/http"

	"flowstream/internal/config"
	"flowstream/internal/middleware"
	"flowstream/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuthHandler 注册、登录、注销
type AuthHandler struct {
	auth     *services.AuthService
	activity *services.ActivityService
	session  config.SessionConfig
	logger   *logrus.Logger
}

func NewAuthHandler(auth *services.AuthService, activity *services.ActivityService, session config.SessionConfig, logger *logrus.Logger) *AuthHandler {
	if session.CookieName == "" {
		session.CookieName = middleware.DefaultCookieName
	}
	return &AuthHandler{auth: auth, activity: activity, session: session, logger: logger}
}

func (h *AuthHandler) setCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.session.CookieName, token, maxAge, "/", h.session.Domain, h.session.Secure, true)
}

// Register 创建公司与 owner 账号，并写入会话 Cookie
// @Router /api/auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req services.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if h.activity != nil {
		h.activity.Record(c.Request.Context(), sess.Company.ID, sess.User.ID, services.ActivityUserRegistered, gin.H{"email": sess.User.Email})
	}
	h.setCookie(c, sess.Token, int(h.auth.TTL().Seconds()))
	c.JSON(http.StatusCreated, sess)
}

// Login 邮箱密码登录
// @Router /api/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if !bindJSON(c, &req) {
		return
	}
	sess, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.setCookie(c, sess.Token, int(h.auth.TTL().Seconds()))
	c.JSON(http.StatusOK, sess)
}

// Logout 吊销当前 token 并清除 Cookie
// @Router /api/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	jti, exp := middleware.SessionID(c)
	if err := h.auth.Logout(c.Request.Context(), jti, exp); err != nil {
		h.logger.WithField("user_id", middleware.UserID(c)).WithError(err).Warn("failed to revoke session")
	}
	h.setCookie(c, "", -1)
	c.JSON(http.StatusOK, SuccessResponse{Message: "logged out"})
}

// Me 当前用户
// @Router /api/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.auth.Me(c.Request.Context(), middleware.CompanyID(c), middleware.UserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "company": user.Company})
}

// RegisterAuthRoutes public 不需要登录，protected 已挂载 AuthMiddleware
func RegisterAuthRoutes(public, protected *gin.RouterGroup, handler *AuthHandler) {
	auth := public.Group("/auth")
	{
		auth.POST("/register", handler.Register)
		auth.POST("/login", handler.Login)
	}
	me := protected.Group("/auth")
	{
		me.POST("/logout", handler.Logout)
		me.GET("/me", handler.Me)
	}
}
