package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowstream/internal/cache"
	"flowstream/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultSessionTTL 登录态有效期
const DefaultSessionTTL = 7 * 24 * time.Hour

// RegisterRequest 注册公司与所有者账号
type RegisterRequest struct {
	CompanyName string `json:"company_name" validate:"required,max=200"`
	Name        string `json:"name" validate:"required,max=200"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
}

// LoginRequest 登录
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Claims 会话 token 载荷，jti 用于注销
type Claims struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Session 登录结果
type Session struct {
	Token     string          `json:"-"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      *models.User    `json:"user"`
	Company   *models.Company `json:"company"`
}

// AuthService 注册、登录、会话签发与校验
type AuthService struct {
	db          *gorm.DB
	secret      []byte
	ttl         time.Duration
	revocations cache.RevocationStore
	validate    *validator.Validate
	logger      *logrus.Logger
	now         func() time.Time
}

// NewAuthService revocations 为空时注销只清除 Cookie
func NewAuthService(db *gorm.DB, secret string, ttl time.Duration, revocations cache.RevocationStore, logger *logrus.Logger) *AuthService {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &AuthService{
		db:          db,
		secret:      []byte(secret),
		ttl:         ttl,
		revocations: revocations,
		validate:    NewValidator(),
		logger:      logger,
		now:         time.Now,
	}
}

// TTL 会话有效期
func (s *AuthService) TTL() time.Duration { return s.ttl }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register 在一个事务里创建公司和 owner 用户
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	req.Email = normalizeEmail(req.Email)
	req.CompanyName = strings.TrimSpace(req.CompanyName)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, FromValidator(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	company := &models.Company{Name: req.CompanyName}
	user := &models.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
		Role:         models.RoleOwner,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("email = ?", req.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		if err := tx.Create(company).Error; err != nil {
			return err
		}
		user.CompanyID = company.ID
		return tx.Create(user).Error
	})
	if errors.Is(err, ErrEmailTaken) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"company_id": company.ID,
		"user_id":    user.ID,
	}).Info("company registered")
	return s.newSession(user, company)
}

// Login 邮箱密码登录
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return nil, FromValidator(err)
	}

	var user models.User
	err := s.db.WithContext(ctx).Preload("Company").Where("email = ?", req.Email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		s.logger.WithField("user_id", user.ID).WithError(err).Warn("failed to update last login")
	}
	user.LastLoginAt = &now
	return s.newSession(&user, user.Company)
}

func (s *AuthService) newSession(user *models.User, company *models.Company) (*Session, error) {
	token, expiresAt, err := s.IssueToken(user)
	if err != nil {
		return nil, err
	}
	u := *user
	u.Company = nil
	return &Session{Token: token, ExpiresAt: expiresAt, User: &u, Company: company}, nil
}

// IssueToken 签发 HS256 会话 token
func (s *AuthService) IssueToken(user *models.User) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		UserID:    user.ID,
		CompanyID: user.CompanyID,
		Email:     user.Email,
		Role:      user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseToken 校验签名、过期时间和吊销状态
func (s *AuthService) ParseToken(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.CompanyID == "" || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if s.revocations != nil && claims.ID != "" {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.logger.WithError(err).Warn("revocation check failed")
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

// Logout 吊销 token 直到其原本的过期时间
func (s *AuthService) Logout(ctx context.Context, jti string, expiresAt time.Time) error {
	if s.revocations == nil || jti == "" {
		return nil
	}
	if err := s.revocations.MarkRevoked(ctx, jti, expiresAt); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// Me 当前用户及其公司
func (s *AuthService) Me(ctx context.Context, companyID, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Company").
		Where("id = ? AND company_id = ?", userID, companyID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// UserByEmail 按邮箱查找用户，供运维命令签发 token
func (s *AuthService) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Company").
		Where("email = ?", normalizeEmail(email)).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}
