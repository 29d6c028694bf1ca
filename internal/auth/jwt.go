package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/commhub/communication-server/internal/config"
)

// JWTManager manages JWT tokens
type JWTManager struct {
	config *config.JWTConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
	}
}

// Claims represents JWT claims issued by the accounts service
type Claims struct {
	jwt.RegisteredClaims
	UserID         int64  `json:"user_id"`
	Username       string `json:"username,omitempty"`
	IsAdmin        bool   `json:"is_admin"`
	ClientID       int64  `json:"client_id,omitempty"`
	ClientUsername string `json:"client_username,omitempty"`
	// Tenant overrides ClientID and ClientUsername when set.
	Tenant string `json:"tenant,omitempty"`
}

// TenantName returns the tenant the caller belongs to, or "" when the token
// names none.
func (c *Claims) TenantName() string {
	if t := strings.TrimSpace(c.Tenant); t != "" {
		return t
	}
	if c.ClientID > 0 {
		return strconv.FormatInt(c.ClientID, 10)
	}
	return strings.TrimSpace(c.ClientUsername)
}

// Identity is the caller a token is minted for.
type Identity struct {
	UserID         int64
	Username       string
	IsAdmin        bool
	ClientID       int64
	ClientUsername string
	Tenant         string
}

// GenerateToken signs an access token for id.
func (m *JWTManager) GenerateToken(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.New().String(),
		},
		UserID:         id.UserID,
		Username:       id.Username,
		IsAdmin:        id.IsAdmin,
		ClientID:       id.ClientID,
		ClientUsername: id.ClientUsername,
		Tenant:         id.Tenant,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	if m.config.Secret == "" {
		return nil, fmt.Errorf("jwt secret not configured")
	}

	var opts []jwt.ParserOption
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, opts...)

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
