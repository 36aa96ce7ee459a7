// internal/app/system/seeding/seeding.go
package seeding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/authutil"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// AdminSeed describes the admin account created on first start.
// An empty LoginID disables seeding.
type AdminSeed struct {
	LoginID  string
	Password string
	FullName string
	Email    string
}

// SeedAll seeds default data if not already present.
func SeedAll(ctx context.Context, db *mongo.Database, admin AdminSeed, logger *zap.Logger) error {
	if _, err := SeedAdmin(ctx, userstore.New(db), admin, logger); err != nil {
		return err
	}
	return nil
}

// SeedAdmin creates the configured admin when no active admin exists.
// It reports whether an account was created.
func SeedAdmin(ctx context.Context, users *userstore.Store, seed AdminSeed, logger *zap.Logger) (bool, error) {
	if strings.TrimSpace(seed.LoginID) == "" {
		logger.Debug("admin seed not configured")
		return false, nil
	}

	n, err := users.CountActiveAdmins(ctx)
	if err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	// The login id may belong to a disabled or non-admin account.
	taken, err := users.ExistsByLoginID(ctx, seed.LoginID)
	if err != nil {
		return false, fmt.Errorf("check seed login id: %w", err)
	}
	if taken {
		logger.Warn("admin seed skipped: login id already in use",
			zap.String("login_id", seed.LoginID))
		return false, nil
	}

	if err := authutil.ValidatePassword(seed.Password); err != nil {
		return false, fmt.Errorf("seed admin password: %w", err)
	}
	hash, err := authutil.HashPassword(seed.Password)
	if err != nil {
		return false, fmt.Errorf("hash seed admin password: %w", err)
	}

	name := seed.FullName
	if strings.TrimSpace(name) == "" {
		name = "Administrator"
	}

	u, err := users.Create(ctx, userstore.CreateInput{
		FullName:     name,
		LoginID:      seed.LoginID,
		Email:        seed.Email,
		AuthMethod:   models.AuthPassword,
		Role:         models.RoleAdmin,
		PasswordHash: &hash,
	})
	if err != nil {
		if errors.Is(err, userstore.ErrDuplicateLoginID) {
			logger.Warn("admin seed skipped: login id already in use",
				zap.String("login_id", seed.LoginID))
			return false, nil
		}
		return false, fmt.Errorf("create seed admin: %w", err)
	}

	logger.Info("seeded admin account",
		zap.String("user_id", u.ID.Hex()),
		zap.String("login_id", u.LoginID))
	return true, nil
}
