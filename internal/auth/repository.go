package auth

import (
	"context"
	"errors"
	"time"

	"backend/internal/store"
)

// StoreUserRepository implements UserRepository against the entity
// store (internal/store), replacing the generated-client repository
// the teacher used for its own user table.
type StoreUserRepository struct {
	db *store.Store
}

// NewStoreUserRepository creates a user repository backed by db.
func NewStoreUserRepository(db *store.Store) *StoreUserRepository {
	return &StoreUserRepository{db: db}
}

// GetByID retrieves a user by ID.
func (r *StoreUserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := r.db.GetUser(ctx, id)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return storeUserToUser(u), nil
}

// GetByUsername retrieves a user by username.
func (r *StoreUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, errors.New("username cannot be empty")
	}
	u, err := r.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return storeUserToUser(u), nil
}

// Create creates a new user.
func (r *StoreUserRepository) Create(ctx context.Context, u *User) error {
	if u == nil || u.ID == "" || u.Username == "" || u.PasswordHash == "" {
		return errors.New("user id, username and password hash are required")
	}
	return r.db.CreateUser(ctx, &store.User{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         store.Role(u.Role),
		CreatedAt:    u.CreatedAt,
		LastLoginAt:  u.LastLogin,
	})
}

// UpdateLastLogin updates the user's last login timestamp.
func (r *StoreUserRepository) UpdateLastLogin(ctx context.Context, userID string, loginTime time.Time) error {
	return r.db.TouchLastLogin(ctx, userID, loginTime)
}

func storeUserToUser(u *store.User) *User {
	return &User{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         Role(u.Role),
		Active:       true,
		LastLogin:    u.LastLoginAt,
		CreatedAt:    u.CreatedAt,
	}
}
