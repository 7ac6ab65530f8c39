package session

import "errors"

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrAdminExists         = errors.New("admin already exists")
	ErrEmailTaken          = errors.New("email already taken")
	ErrNotFound            = errors.New("not found")
	ErrWeakPassword        = errors.New("password does not meet policy")
	ErrInvalidInput        = errors.New("invalid input")
)
