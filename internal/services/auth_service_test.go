package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowstream/internal/cache"
	"flowstream/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthService(t *testing.T) (*AuthService, *cache.MemoryRevocationStore) {
	t.Helper()
	store := cache.NewMemoryRevocationStore()
	return NewAuthService(newTestDB(t), "test-jwt-secret", 0, store, quietLogger()), store
}

func TestAuthService_RegisterAndLogin(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	sess, err := svc.Register(ctx, RegisterRequest{
		CompanyName: "Acme",
		Name:        "Ada",
		Email:       " Ada@Acme.io ",
		Password:    "correct-horse",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, "ada@acme.io", sess.User.Email)
	assert.Equal(t, models.RoleOwner, sess.User.Role)
	assert.Equal(t, "Acme", sess.Company.Name)
	assert.Equal(t, sess.Company.ID, sess.User.CompanyID)
	assert.NotEqual(t, "correct-horse", sess.User.PasswordHash)

	claims, err := svc.ParseToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, claims.UserID)
	assert.Equal(t, sess.Company.ID, claims.CompanyID)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), claims.ExpiresAt.Time, time.Minute)

	login, err := svc.Login(ctx, LoginRequest{Email: "ADA@acme.io", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, login.User.ID)
	require.NotNil(t, login.Company)
	assert.Equal(t, "Acme", login.Company.Name)
	assert.NotNil(t, login.User.LastLoginAt)

	_, err = svc.Login(ctx, LoginRequest{Email: "ada@acme.io", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, LoginRequest{Email: "nobody@acme.io", Password: "whatever1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_RegisterValidation(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{CompanyName: "Acme", Name: "Ada", Email: "not-an-email", Password: "short"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "password")
	assert.Contains(t, verr.Fields["password"], "8")

	_, err = svc.Register(ctx, RegisterRequest{Email: "a@b.io", Password: "long-enough"})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "company_name")
	assert.Contains(t, verr.Fields, "name")
}

func TestAuthService_RegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	req := RegisterRequest{CompanyName: "Acme", Name: "Ada", Email: "ada@acme.io", Password: "correct-horse"}
	_, err := svc.Register(ctx, req)
	require.NoError(t, err)

	req.CompanyName = "Other"
	_, err = svc.Register(ctx, req)
	assert.ErrorIs(t, err, ErrEmailTaken)

	var companies int64
	require.NoError(t, svc.db.Model(&models.Company{}).Count(&companies).Error)
	assert.Equal(t, int64(1), companies, "failed registration leaves no company behind")
}

func TestAuthService_LogoutRevokesToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	sess, err := svc.Register(ctx, RegisterRequest{CompanyName: "Acme", Name: "Ada", Email: "ada@acme.io", Password: "correct-horse"})
	require.NoError(t, err)

	claims, err := svc.ParseToken(ctx, sess.Token)
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx, claims.ID, claims.ExpiresAt.Time))

	_, err = svc.ParseToken(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_ParseTokenRejects(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	user := &models.User{BaseModel: models.BaseModel{ID: "u1"}, CompanyID: "c1", Email: "a@b.io", Role: models.RoleMember}

	_, err := svc.ParseToken(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewAuthService(nil, "another-secret", 0, nil, quietLogger())
	foreign, _, err := other.IssueToken(user)
	require.NoError(t, err)
	_, err = svc.ParseToken(ctx, foreign)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong signature")

	svc.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }
	expired, _, err := svc.IssueToken(user)
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.ParseToken(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1", CompanyID: "c1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ParseToken(ctx, unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken, "alg none")
}

func TestAuthService_Me(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	sess, err := svc.Register(ctx, RegisterRequest{CompanyName: "Acme", Name: "Ada", Email: "ada@acme.io", Password: "correct-horse"})
	require.NoError(t, err)

	me, err := svc.Me(ctx, sess.Company.ID, sess.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", me.Name)
	require.NotNil(t, me.Company)
	assert.Equal(t, "Acme", me.Company.Name)

	_, err = svc.Me(ctx, "other-company", sess.User.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthService_UserByEmail(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	sess, err := svc.Register(ctx, RegisterRequest{CompanyName: "Acme", Name: "Ada", Email: "ada@acme.io", Password: "correct-horse"})
	require.NoError(t, err)

	user, err := svc.UserByEmail(ctx, " ADA@acme.io")
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, user.ID)
	require.NotNil(t, user.Company)
	assert.Equal(t, "Acme", user.Company.Name)

	_, err = svc.UserByEmail(ctx, "ghost@acme.io")
	assert.ErrorIs(t, err, ErrNotFound)
}
