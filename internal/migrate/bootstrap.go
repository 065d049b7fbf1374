package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carevault.org/internal/auth"
)

// AdminSeed describes the initial administrator account created on first run.
type AdminSeed struct {
	Username string
	Email    string
	Password string
	FullName string
}

// EnsureAdmin creates the bootstrap administrator if no account with the
// given username exists. Idempotent; a later run is a no-op.
func EnsureAdmin(ctx context.Context, store auth.Store, seed AdminSeed) error {
	if seed.Username == "" || seed.Email == "" {
		return errors.New("admin username and email are required")
	}
	if err := auth.ValidatePasswordStrength(seed.Password); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}

	users := store.Users(ctx)
	if _, err := users.FindByUsername(ctx, seed.Username); err == nil {
		return nil
	} else if !errors.Is(err, auth.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	admin := &auth.User{
		ID:                uuid.NewString(),
		Username:          seed.Username,
		Email:             seed.Email,
		PasswordHash:      hash,
		FullName:          seed.FullName,
		Role:              auth.RoleAdmin,
		Department:        "Administration",
		Active:            true,
		Verified:          true,
		PasswordChangedAt: &now,
		CreatedAt:         now,
	}
	return users.Create(ctx, admin)
}
