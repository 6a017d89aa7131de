package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

type AdminUser struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Permission string

const (
	PermissionAPIKeyWrite  Permission = "apikey:write"
	PermissionAPIKeyDelete Permission = "apikey:delete"
	PermissionJobCancel    Permission = "job:cancel"
	PermissionUsageRead    Permission = "usage:read"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionAPIKeyWrite,
		PermissionAPIKeyDelete,
		PermissionJobCancel,
		PermissionUsageRead,
	},
	RoleOperator: {
		PermissionJobCancel,
		PermissionUsageRead,
	},
	RoleViewer: {
		PermissionUsageRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	return slices.Contains(rolePermissions[role], permission)
}

type AdminUserRepository interface {
	GetByUsername(ctx context.Context, username string) (*AdminUser, error)
	Create(ctx context.Context, user *AdminUser) error
}

type Authenticator struct {
	repo AdminUserRepository
}

func NewAuthenticator(repo AdminUserRepository) *Authenticator {
	return &Authenticator{repo: repo}
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*AdminUser, error) {
	user, err := a.repo.GetByUsername(ctx, username)
	if err != nil {
		return nil, ErrUserNotFound
	}

	if !user.Enabled {
		return nil, ErrUnauthorized
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}

	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

const userContextKey contextKey = "admin_user"

func WithUser(ctx context.Context, user *AdminUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (*AdminUser, bool) {
	user, ok := ctx.Value(userContextKey).(*AdminUser)
	return user, ok
}

type RBACMiddleware struct {
	auth *Authenticator
}

func NewRBACMiddleware(auth *Authenticator) *RBACMiddleware {
	return &RBACMiddleware{auth: auth}
}

func (m *RBACMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="tunegate admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := m.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := WithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *RBACMiddleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if !HasPermission(user.Role, permission) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Protect wraps next with basic auth and a permission check.
func (m *RBACMiddleware) Protect(permission Permission, next http.HandlerFunc) http.Handler {
	return m.RequireAuth(m.RequirePermission(permission)(next))
}

type PostgresAdminUserRepository struct {
	db *sql.DB
}

func NewPostgresAdminUserRepository(db *sql.DB) *PostgresAdminUserRepository {
	return &PostgresAdminUserRepository{db: db}
}

func (r *PostgresAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	query := `
		SELECT id, username, password_hash, role, enabled, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`

	var user AdminUser
	var role string
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&role,
		&user.Enabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	user.Role = Role(role)
	return &user, nil
}

// Create inserts user, or replaces the password and role of an existing
// user with the same name.
func (r *PostgresAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	query := `
		INSERT INTO admin_users (id, username, password_hash, role, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (username) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
		    role = EXCLUDED.role,
		    enabled = EXCLUDED.enabled,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		string(user.Role),
		user.Enabled,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	return nil
}

// InMemoryAdminUserRepository holds operators configured at startup.
type InMemoryAdminUserRepository struct {
	mu    sync.RWMutex
	users map[string]*AdminUser
}

func NewInMemoryAdminUserRepository() *InMemoryAdminUserRepository {
	return &InMemoryAdminUserRepository{
		users: make(map[string]*AdminUser),
	}
}

func (r *InMemoryAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (r *InMemoryAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.Username] = user
	return nil
}
