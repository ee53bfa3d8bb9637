package bootstrap

import (
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/utils"
)

// InitializeSystemData seeds the identity providers and, when
// FENCE_ADMIN_PASSWORD is set, an initial admin account.
func InitializeSystemData(db *sql.DB, logger *zap.SugaredLogger) error {
	for _, idp := range []struct{ name, description string }{
		{constants.IdPFence, "local password login"},
		{constants.IdPRAS, "NIH Researcher Auth Service"},
	} {
		_, err := db.Exec(
			`INSERT INTO identity_providers (name, description) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			idp.name, idp.description,
		)
		if err != nil {
			return fmt.Errorf("failed to seed identity provider %s: %w", idp.name, err)
		}
	}

	adminPassword := os.Getenv("FENCE_ADMIN_PASSWORD")
	if adminPassword == "" {
		return nil
	}

	adminUsername := os.Getenv("FENCE_ADMIN_USERNAME")
	if adminUsername == "" {
		adminUsername = "admin"
	}

	var exists bool
	err := db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(username) = LOWER($1))`, adminUsername,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check admin user: %w", err)
	}
	if exists {
		return nil
	}

	hash, err := auth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO users (id, username, password_hash, is_admin, active, idp_name) VALUES ($1, $2, $3, TRUE, TRUE, $4)`,
		utils.GenerateID(), adminUsername, hash, constants.IdPFence,
	)
	if err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}

	logger.Infow("seeded initial admin user", "username", adminUsername)
	return nil
}
