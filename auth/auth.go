// Package auth validates admin tokens and store secrets at the storelink
// boundary. Sessions and logins live in the admin console; this package only
// checks what the console hands out.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidSecret = errors.New("invalid store secret")
)

// Argon2id parameters: time=1, memory=64MB, threads=4, keyLen=32
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// Config holds authentication configuration.
type Config struct {
	// JWT signing key shared with the admin console
	TokenKey []byte
	// Token expiration for tokens issued by this process (default 12 hours)
	TokenExpiry time.Duration
	// Issuer stamped on issued tokens
	Issuer string
}

// Auth handles token and secret checks.
type Auth struct {
	config Config
}

// New creates a new Auth instance.
func New(cfg Config) *Auth {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 12 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "storelink"
	}
	return &Auth{config: cfg}
}

// Claims represents admin JWT claims.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken issues an admin token for subject.
func (a *Auth) GenerateToken(subject, role string, ttl time.Duration) (string, time.Time, error) {
	if len(a.config.TokenKey) == 0 {
		return "", time.Time{}, errors.New("token key is not configured")
	}
	if ttl <= 0 {
		ttl = a.config.TokenExpiry
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.config.TokenKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.config.TokenKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// HashSecret hashes a store secret using Argon2id.
// The encoding is $argon2id$salt$hash with unpadded base64 parts.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifySecret checks secret against an encoded Argon2id hash in constant time.
func VerifySecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	// "", "argon2id", salt, hash
	if len(parts) != 4 || parts[0] != "" || parts[1] != "argon2id" {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(hash) == 0 {
		return false
	}

	computed := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}
