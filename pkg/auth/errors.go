package auth

import "errors"

// Sentinel errors for token verification.
var (
	// ErrInvalidToken covers malformed, tampered or wrong-use tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrExpired marks tokens whose exp claim has passed.
	ErrExpired = errors.New("auth: token expired")
)
