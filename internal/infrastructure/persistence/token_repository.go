package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/utils"
)

// TokenRepository tracks issued refresh tokens, the revocation blacklist,
// and refresh tokens from upstream identity providers.
type TokenRepository struct {
	db *sql.DB
}

func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// InsertRefreshToken records an issued refresh JWT by jti.
func (r *TokenRepository) InsertRefreshToken(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	query := fmt.Sprintf("INSERT INTO %s (jti, user_id, expires_at) VALUES ($1, $2, $3)",
		constants.TableUserRefreshToken)
	_, err := r.db.ExecContext(ctx, query, jti, userID, expiresAt)
	return err
}

// GetRefreshToken fetches an issued refresh token record by jti.
func (r *TokenRepository) GetRefreshToken(ctx context.Context, jti string) (*models.RefreshTokenRecord, error) {
	query := fmt.Sprintf("SELECT jti, user_id, expires_at FROM %s WHERE jti = $1 LIMIT 1",
		constants.TableUserRefreshToken)

	var rec models.RefreshTokenRecord
	err := r.db.QueryRowContext(ctx, query, jti).Scan(&rec.JTI, &rec.UserID, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRefreshToken removes an issued refresh token record.
func (r *TokenRepository) DeleteRefreshToken(ctx context.Context, jti string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE jti = $1", constants.TableUserRefreshToken)
	_, err := r.db.ExecContext(ctx, query, jti)
	return err
}

// Blacklist marks a refresh token jti as revoked until it expires anyway.
func (r *TokenRepository) Blacklist(ctx context.Context, jti string, expiresAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`,
		constants.TableBlacklistedToken)
	_, err := r.db.ExecContext(ctx, query, jti, expiresAt)
	return err
}

// IsBlacklisted reports whether the jti has been revoked.
func (r *TokenRepository) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE jti = $1)", constants.TableBlacklistedToken)
	err := r.db.QueryRowContext(ctx, query, jti).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// PruneExpired clears blacklist and refresh token rows whose expiry passed.
func (r *TokenRepository) PruneExpired(ctx context.Context) error {
	now := time.Now()
	for _, table := range []string{constants.TableBlacklistedToken, constants.TableUserRefreshToken} {
		query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1", table)
		if _, err := r.db.ExecContext(ctx, query, now); err != nil {
			return err
		}
	}
	return nil
}

// StoreUpstreamRefreshToken replaces the user's stored refresh token for a
// provider. A user keeps at most one upstream token at a time.
func (r *TokenRepository) StoreUpstreamRefreshToken(ctx context.Context, userID, refreshToken string, expiresAt time.Time) error {
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", constants.TableUpstreamRefreshToken)
	if _, err := r.db.ExecContext(ctx, deleteQuery, userID); err != nil {
		return err
	}

	insertQuery := fmt.Sprintf("INSERT INTO %s (id, user_id, refresh_token, expires_at) VALUES ($1, $2, $3, $4)",
		constants.TableUpstreamRefreshToken)
	_, err := r.db.ExecContext(ctx, insertQuery, utils.GenerateID(), userID, refreshToken, expiresAt)
	return err
}

// GetUpstreamRefreshToken returns the user's stored upstream refresh token,
// or nil when none is stored.
func (r *TokenRepository) GetUpstreamRefreshToken(ctx context.Context, userID string) (*models.UpstreamRefreshToken, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, refresh_token, expires_at FROM %s
		WHERE user_id = $1
		ORDER BY expires_at DESC LIMIT 1`,
		constants.TableUpstreamRefreshToken)

	var t models.UpstreamRefreshToken
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&t.ID, &t.UserID, &t.RefreshToken, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteUpstreamRefreshTokens removes all upstream tokens for a user.
func (r *TokenRepository) DeleteUpstreamRefreshTokens(ctx context.Context, userID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", constants.TableUpstreamRefreshToken)
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}
