// Package auth authenticates node operators with JWT bearer tokens or a
// bcrypt-hashed API key.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrWeakSecret       = errors.New("jwt secret must be at least 32 bytes")
)

// MinSecretLength is the shortest accepted JWT signing secret.
const MinSecretLength = 32

// APIKeyOperator is the operator identity attached to API key requests.
const APIKeyOperator = "api-key"

// Claims are the operator claims carried by a token.
type Claims struct {
	OperatorID string    `json:"operator_id"`
	NodeID     string    `json:"node_id,omitempty"`
	Exp        time.Time `json:"exp"`
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
	// APIKeyHash is the bcrypt hash of the operator API key. Empty disables
	// API key authentication.
	APIKeyHash string
	// NodeID is stamped into issued tokens as the issuer.
	NodeID string
}

// Service issues and validates operator credentials.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	apiKeyHash  []byte
	nodeID      string
	logger      *slog.Logger
}

// NewService creates an authentication service.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.JWTSecret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	s := &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: expiry,
		nodeID:      cfg.NodeID,
		logger:      logger.With("component", "auth"),
	}
	if cfg.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.APIKeyHash)); err != nil {
			return nil, fmt.Errorf("parsing operator API key hash: %w", err)
		}
		s.apiKeyHash = []byte(cfg.APIKeyHash)
	}
	return s, nil
}

// APIKeyEnabled reports whether an operator API key is configured.
func (s *Service) APIKeyEnabled() bool {
	return len(s.apiKeyHash) > 0
}

// GenerateToken creates a signed token for an operator.
func (s *Service) GenerateToken(operatorID string) (string, error) {
	if operatorID == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": operatorID,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenExpiry).Unix(),
		"nbf": now.Unix(),
	}
	if s.nodeID != "" {
		claims["iss"] = s.nodeID
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks a token's signature and expiry and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrInvalidToken
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	sub, err := mapClaims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrMissingClaims
	}
	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrMissingClaims
	}
	iss, _ := mapClaims.GetIssuer()

	return &Claims{OperatorID: sub, NodeID: iss, Exp: exp.Time}, nil
}

// ValidateAPIKey compares a presented key with the configured hash.
func (s *Service) ValidateAPIKey(key string) error {
	if key == "" || len(s.apiKeyHash) == 0 {
		return ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)); err != nil {
		s.logger.Debug("API key mismatch")
		return ErrInvalidAPIKey
	}
	return nil
}

// GenerateAPIKey returns a new random operator API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return "syn_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash to configure as OPERATOR_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}
	return string(h), nil
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
