package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// UserService provides user lookup and credential verification.
type UserService interface {
	// Authenticate verifies credentials and returns the user on success.
	Authenticate(ctx context.Context, username, password string) (*User, error)

	// GetByUsername finds an active user by username.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// AdminsForTenant lists the active admin-role users of one tenant.
	AdminsForTenant(ctx context.Context, tenantID int) ([]User, error)

	// Create inserts a user with a bcrypt password hash.
	Create(ctx context.Context, tenantID *int, username, email, password, role string) (*User, error)
}

type userService struct {
	pool *pgxpool.Pool
}

func NewUserService(pool *pgxpool.Pool) UserService {
	return &userService{pool: pool}
}

func (s *userService) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials for %q", username)
	}
	return u, nil
}

func (s *userService) GetByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, username, email, password_hash, role, is_active, created_at
		FROM users
		WHERE username = $1 AND is_active = true
	`, username).Scan(&u.ID, &u.TenantID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %q not found", username)
		}
		return nil, fmt.Errorf("failed to fetch user %q: %w", username, err)
	}
	return u, nil
}

func (s *userService) AdminsForTenant(ctx context.Context, tenantID int) ([]User, error) {
	scope, err := RequireReadScope(ctx)
	if err != nil {
		return nil, err
	}
	if !scope.Unfiltered() && scope.TenantID != tenantID {
		return nil, fmt.Errorf("tenant %d not visible under scope: %w", tenantID, ErrTenantIsolation)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, username, email, password_hash, role, is_active, created_at
		FROM users
		WHERE tenant_id = $1 AND role = $2 AND is_active = true
		ORDER BY id
	`, tenantID, RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to query admins for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *userService) Create(ctx context.Context, tenantID *int, username, email, password, role string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &User{TenantID: tenantID, Username: username, Email: email, Role: role, IsActive: true}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (tenant_id, username, email, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id, password_hash, created_at
	`, tenantID, username, email, string(hash), role).Scan(&u.ID, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	return u, nil
}
