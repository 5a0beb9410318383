package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// TokenKind distinguishes access and refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// UserService manages local API users and their bearer tokens. Passwords are
// bcrypt-hashed; tokens are stored only as SHA-256 digests so a leaked table
// yields nothing replayable.
type UserService struct {
	client *database.Client
}

// NewUserService creates a new UserService
func NewUserService(client *database.Client) *UserService {
	if client == nil {
		panic("NewUserService: client must not be nil")
	}
	return &UserService{client: client}
}

// CreateUser registers a local user with a bcrypt-hashed password
func (s *UserService) CreateUser(ctx context.Context, username, password string, role models.Role) (*models.User, error) {
	if username == "" {
		return nil, NewValidationError("username", "required")
	}
	if len(password) < 8 {
		return nil, NewValidationError("password", "must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.client.DB().ExecContext(ctx, s.client.Rebind(
		`INSERT INTO users (id, username, password_hash, role, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	if err != nil {
		// Unique violation on username is the only constraint on this table
		return nil, ErrAlreadyExists
	}
	return user, nil
}

// CountUsers returns the number of registered users. Zero means first-run
// setup has not happened yet.
func (s *UserService) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.client.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// Authenticate verifies a username/password pair. Unknown users and wrong
// passwords produce the same ErrInvalidCredentials.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.getByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// SaveToken stores a token digest with its expiry
func (s *UserService) SaveToken(ctx context.Context, token, userID string, kind TokenKind, expiresAt time.Time) error {
	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`INSERT INTO auth_tokens (token_hash, user_id, kind, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		hashToken(token), userID, kind, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// LookupToken resolves a presented token to its user. Expired and unknown
// tokens both return ErrInvalidCredentials.
func (s *UserService) LookupToken(ctx context.Context, token string, kind TokenKind) (*models.User, error) {
	row := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`SELECT u.id, u.username, u.password_hash, u.role, u.created_at, t.expires_at
		 FROM auth_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token_hash = ? AND t.kind = ?`),
		hashToken(token), kind)

	var user models.User
	var expiresAt time.Time
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role,
		&user.CreatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// RevokeToken removes one token
func (s *UserService) RevokeToken(ctx context.Context, token string) error {
	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`DELETE FROM auth_tokens WHERE token_hash = ?`), hashToken(token))
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// PruneExpiredTokens removes tokens past their expiry
func (s *UserService) PruneExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`DELETE FROM auth_tokens WHERE expires_at < ?`), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune tokens: %w", err)
	}
	return res.RowsAffected()
}

// GetUserByUsername returns a user by username, or ErrNotFound.
func (s *UserService) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getByUsername(ctx, username)
}

func (s *UserService) getByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`),
		username)

	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
