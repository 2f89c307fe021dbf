package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockUserRepository implements UserRepository for testing.
type mockUserRepository struct {
	users         map[string]*User
	byUsername    map[string]*User
	lastLoginTime map[string]time.Time
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{
		users:         make(map[string]*User),
		byUsername:    make(map[string]*User),
		lastLoginTime: make(map[string]time.Time),
	}
}

func (r *mockUserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (r *mockUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	if u, ok := r.byUsername[username]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (r *mockUserRepository) Create(ctx context.Context, user *User) error {
	r.users[user.ID] = user
	r.byUsername[user.Username] = user
	return nil
}

func (r *mockUserRepository) UpdateLastLogin(ctx context.Context, userID string, loginTime time.Time) error {
	r.lastLoginTime[userID] = loginTime
	if u, ok := r.users[userID]; ok {
		u.LastLogin = &loginTime
	}
	return nil
}

func setupTestAuthService(t *testing.T) (*Service, *mockUserRepository, *InMemoryAuditLogger) {
	t.Helper()

	jwtService, err := NewJWTService(JWTConfig{
		Secret:        []byte("test-secret"),
		TokenDuration: 1 * time.Hour,
		Issuer:        "test",
	})
	require.NoError(t, err)

	userRepo := newMockUserRepository()
	auditLogger := NewInMemoryAuditLogger(100)

	passwordService := NewDefaultPasswordService()
	passwordService.SetBcryptCost(4)

	svc, err := NewService(Config{
		JWTService:      jwtService,
		PasswordService: passwordService,
		UserRepository:  userRepo,
		AuditLogger:     auditLogger,
	})
	require.NoError(t, err)

	return svc, userRepo, auditLogger
}

func createTestUser(t *testing.T, userRepo *mockUserRepository, ps *PasswordService, id, username, password string, role Role) *User {
	t.Helper()

	hash, err := ps.HashPassword(password)
	require.NoError(t, err)

	user := &User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    time.Now(),
	}

	err = userRepo.Create(context.Background(), user)
	require.NoError(t, err)

	return user
}

func TestService_Login(t *testing.T) {
	svc, userRepo, auditLogger := setupTestAuthService(t)

	createTestUser(t, userRepo, svc.PasswordService(), "user-1", "testuser", "securePass123", RoleAdmin)

	t.Run("successful login", func(t *testing.T) {
		auditLogger.Clear()

		result, err := svc.Login(context.Background(), LoginInput{
			Username:  "testuser",
			Password:  "securePass123",
			IP:        "192.168.1.1",
			UserAgent: "TestBrowser/1.0",
		})

		require.NoError(t, err)
		assert.NotEmpty(t, result.Token)
		assert.NotNil(t, result.User)
		assert.Equal(t, "testuser", result.User.Username)
		assert.True(t, result.ExpiresAt.After(time.Now()))

		events := auditLogger.GetEventsByType(AuditLoginSuccess)
		assert.Len(t, events, 1)
		assert.Equal(t, "192.168.1.1", events[0].IP)
	})

	t.Run("invalid username", func(t *testing.T) {
		auditLogger.Clear()

		_, err := svc.Login(context.Background(), LoginInput{
			Username:  "nonexistent",
			Password:  "anyPassword",
			IP:        "192.168.1.1",
			UserAgent: "TestBrowser/1.0",
		})

		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		events := auditLogger.GetEventsByType(AuditLoginFailure)
		assert.Len(t, events, 1)
	})

	t.Run("invalid password", func(t *testing.T) {
		auditLogger.Clear()

		_, err := svc.Login(context.Background(), LoginInput{
			Username:  "testuser",
			Password:  "wrongPassword",
			IP:        "192.168.1.1",
			UserAgent: "TestBrowser/1.0",
		})

		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		events := auditLogger.GetEventsByType(AuditLoginFailure)
		assert.Len(t, events, 1)
	})

	t.Run("inactive user cannot login", func(t *testing.T) {
		inactiveUser := createTestUser(t, userRepo, svc.PasswordService(), "user-inactive", "inactive", "securePass123", RoleUser)
		inactiveUser.Active = false

		auditLogger.Clear()

		_, err := svc.Login(context.Background(), LoginInput{
			Username:  "inactive",
			Password:  "securePass123",
			IP:        "192.168.1.1",
			UserAgent: "TestBrowser/1.0",
		})

		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		events := auditLogger.GetEventsByType(AuditLoginFailure)
		assert.Len(t, events, 1)
	})
}

func TestService_ChangePassword(t *testing.T) {
	svc, userRepo, auditLogger := setupTestAuthService(t)

	createTestUser(t, userRepo, svc.PasswordService(), "user-1", "testuser", "oldPassword123", RoleAdmin)

	t.Run("successful password change", func(t *testing.T) {
		auditLogger.Clear()

		err := svc.ChangePassword(context.Background(), ChangePasswordInput{
			UserID:          "user-1",
			CurrentPassword: "oldPassword123",
			NewPassword:     "newSecurePass456",
			IP:              "192.168.1.1",
			UserAgent:       "TestBrowser/1.0",
		})
		require.NoError(t, err)

		events := auditLogger.GetEventsByType(AuditPasswordChange)
		assert.Len(t, events, 1)
	})

	t.Run("wrong current password", func(t *testing.T) {
		auditLogger.Clear()

		err := svc.ChangePassword(context.Background(), ChangePasswordInput{
			UserID:          "user-1",
			CurrentPassword: "wrongPassword",
			NewPassword:     "anotherNewPass789",
			IP:              "192.168.1.1",
			UserAgent:       "TestBrowser/1.0",
		})
		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrPasswordMismatch)

		events := auditLogger.GetEventsByType(AuditPasswordFailure)
		assert.Len(t, events, 1)
	})
}

func TestNewService_Validation(t *testing.T) {
	jwtService, _ := NewJWTService(JWTConfig{Secret: []byte("test-secret")})

	t.Run("requires JWT service", func(t *testing.T) {
		_, err := NewService(Config{
			UserRepository: newMockUserRepository(),
		})
		assert.Error(t, err)
	})

	t.Run("requires user repository", func(t *testing.T) {
		_, err := NewService(Config{
			JWTService: jwtService,
		})
		assert.Error(t, err)
	})

	t.Run("creates default password service if not provided", func(t *testing.T) {
		svc, err := NewService(Config{
			JWTService:     jwtService,
			UserRepository: newMockUserRepository(),
		})
		require.NoError(t, err)
		assert.NotNil(t, svc.PasswordService())
	})
}
