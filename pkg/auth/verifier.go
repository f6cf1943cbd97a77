// Package auth verifies bearer tokens and mints refreshed access tokens.
// Token issuance (OAuth, magic links) lives elsewhere; this package only
// holds the RS256 key material needed to validate and rotate tokens.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/pkg/config"
)

// rsaKeyBits is the RSA key size for generated dev keys.
const rsaKeyBits = 2048

// tokenUse values distinguish access tokens from refresh tokens.
const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// Principal is the authenticated identity carried by a session.
type Principal struct {
	UserID string
	Email  string
	Role   string

	// ExpiresAt is the access token expiry; the refresh manager watches it.
	ExpiresAt time.Time
}

// Claims are the custom JWT claims on agentdeck tokens.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"uid"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`

	// Use is "access" or "refresh".
	Use string `json:"use"`
}

// Verifier validates access tokens and exchanges refresh tokens.
type Verifier struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	accessTTL  time.Duration
}

// NewVerifier builds a Verifier from configuration. With key paths set it
// loads PEM files; otherwise it generates an ephemeral pair, which
// invalidates all outstanding tokens on restart (dev mode only).
func NewVerifier(cfg *config.AuthConfig) (*Verifier, error) {
	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		privBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("auth: reading private key file: %w", err)
		}
		pubBytes, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("auth: reading public key file: %w", err)
		}
		return newVerifierFromPEM(privBytes, pubBytes, cfg.Issuer, cfg.AccessTokenTTL)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}
	return &Verifier{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
	}, nil
}

func newVerifierFromPEM(privatePEM, publicPEM []byte, issuer string, accessTTL time.Duration) (*Verifier, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}
	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &Verifier{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		accessTTL:  accessTTL,
	}, nil
}

// Validate verifies signature, expiry and token use, returning the Principal.
// Callers distinguish expiry from tampering with errors.Is(err, ErrExpired).
func (v *Verifier) Validate(tokenString string) (*Principal, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Use != useAccess {
		return nil, ErrInvalidToken
	}
	return principalFromClaims(claims), nil
}

// Refresh exchanges a valid refresh token for a new access token.
// Returns the signed token and its lifetime in seconds.
func (v *Verifier) Refresh(refreshToken string) (string, int64, error) {
	claims, err := v.parse(refreshToken)
	if err != nil {
		return "", 0, err
	}
	if claims.Use != useRefresh {
		return "", 0, ErrInvalidToken
	}

	access, err := v.mint(claims.UserID, claims.Email, claims.Role, useAccess, v.accessTTL)
	if err != nil {
		return "", 0, err
	}
	return access, int64(v.accessTTL.Seconds()), nil
}

// MintAccessToken signs an access token for the given identity.
// Used by the dev seeder and by tests; production tokens come from the
// external auth service sharing the same key pair.
func (v *Verifier) MintAccessToken(userID, email, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = v.accessTTL
	}
	return v.mint(userID, email, role, useAccess, ttl)
}

// MintRefreshToken signs a refresh token for the given identity.
func (v *Verifier) MintRefreshToken(userID, email, role string, ttl time.Duration) (string, error) {
	return v.mint(userID, email, role, useRefresh, ttl)
}

func (v *Verifier) mint(userID, email, role, use string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID: userID,
		Email:  email,
		Role:   role,
		Use:    use,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(v.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

func (v *Verifier) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything other than RS256; prevents alg:none and
			// HMAC key-confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func principalFromClaims(claims *Claims) *Principal {
	return &Principal{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}
