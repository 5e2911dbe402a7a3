// Package auth provides authentication and authorization for the hub.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/waypost-im/waypost/config"
	"github.com/waypost-im/waypost/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller attached to user-facing requests.
type Identity struct {
	UserID   string
	Username string
	Role     string // "admin" or "user"
	OrgID    string
}

// Service handles authentication operations for both users and workers.
type Service struct {
	store               store.Store
	jwtSecret           []byte
	jwtExpiry           time.Duration
	workerToken         string // shared bearer for the worker-facing API
	workerTokenSecret   string // HMAC secret for time-limited worker tokens
	workerTokenLifetime time.Duration
	initialAdmin        *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:               s,
		jwtSecret:           []byte(cfg.JWTSecret),
		jwtExpiry:           cfg.JWTExpiry.Duration,
		workerToken:         cfg.WorkerToken,
		workerTokenSecret:   cfg.WorkerTokenSecret,
		workerTokenLifetime: cfg.WorkerTokenLifetime.Duration,
		initialAdmin:        cfg.InitialAdmin,
	}
}

// WorkerTokenLifetime returns the lifetime for generated worker tokens.
func (s *Service) WorkerTokenLifetime() time.Duration {
	return s.workerTokenLifetime
}

// ValidateWorkerToken checks the shared bearer token presented by a worker.
func (s *Service) ValidateWorkerToken(token string) bool {
	return hmac.Equal([]byte(s.workerToken), []byte(token))
}

// GenerateWorkerToken creates a time-limited HMAC token for a worker.
// Token format: {workerID}:{timestamp}:{hmac-sha256(workerID+timestamp, secret)}
func (s *Service) GenerateWorkerToken(workerID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.workerTokenSecret))
	mac.Write([]byte(workerID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return workerID + ":" + ts + ":" + sig
}

// ValidateTimeLimitedToken verifies an HMAC worker token and returns the worker ID.
func (s *Service) ValidateTimeLimitedToken(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}

	workerID, tsStr, sig := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, []byte(s.workerTokenSecret))
	mac.Write([]byte(workerID + ":" + tsStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", errors.New("invalid token signature")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}

	age := time.Since(time.Unix(ts, 0))
	if age > s.workerTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", errors.New("token from the future")
	}

	return workerID, nil
}

// Bootstrap creates the initial admin user if configured and not yet present.
func (s *Service) Bootstrap(ctx context.Context) error {
	// Single-tenant deployments run everything under the default org.
	err := s.store.CreateOrganization(ctx, &store.Organization{
		ID:        "default",
		Name:      "Default",
		Plan:      "free",
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("ensure default organization: %w", err)
	}

	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUser(ctx, "default", admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		OrgID:        "default",
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, "default", username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password, role string) (*store.User, error) {
	existing, err := s.store.GetUser(ctx, "default", username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		OrgID:        "default",
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// ValidateToken validates a user bearer token and returns an Identity. The
// identity carries the user's current role, not the role at issue time.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		OrgID:    user.OrgID,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
