package auth

import "errors"

// Error taxonomy. Authentication and session errors mean "re-login";
// ErrPermissionDenied means authenticated but forbidden; ErrValidation is
// caller-correctable; ErrPersistence is the only class a caller may retry.
var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrAccountLocked      = errors.New("account is temporarily locked due to failed login attempts")
	ErrAccountInactive    = errors.New("user account is inactive")
	ErrSessionNotFound    = errors.New("session not found or expired")
	ErrSessionExpired     = errors.New("session has expired")
	ErrSessionIdle        = errors.New("session timeout due to inactivity")
	ErrInvalidToken       = errors.New("invalid token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrPersistence        = errors.New("persistence unavailable")
)
