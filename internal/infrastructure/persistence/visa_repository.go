package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/utils"
)

// VisaRepository stores the GA4GH visas fence holds per user.
type VisaRepository struct {
	db *sql.DB
}

func NewVisaRepository(db *sql.DB) *VisaRepository {
	return &VisaRepository{db: db}
}

// ListByUser returns a user's stored visas.
func (r *VisaRepository) ListByUser(ctx context.Context, userID string) ([]*models.GA4GHVisa, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, encoded, source, type, asserted, expires
		FROM %s WHERE user_id = $1 ORDER BY asserted`,
		constants.TableGA4GHVisa)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	visas := make([]*models.GA4GHVisa, 0)
	for rows.Next() {
		var v models.GA4GHVisa
		if err := rows.Scan(&v.ID, &v.UserID, &v.Encoded, &v.Source, &v.Type, &v.Asserted, &v.Expires); err != nil {
			return nil, err
		}
		visas = append(visas, &v)
	}
	return visas, rows.Err()
}

// ReplaceForUser atomically swaps the user's stored visas for a new set.
// The visa update job always replaces wholesale: a fetch that yields no
// valid visas clears the user's access.
func (r *VisaRepository) ReplaceForUser(ctx context.Context, userID string, visas []*models.GA4GHVisa) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", constants.TableGA4GHVisa)
	if _, err := tx.ExecContext(ctx, deleteQuery, userID); err != nil {
		return err
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, encoded, source, type, asserted, expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		constants.TableGA4GHVisa)
	for _, v := range visas {
		id := v.ID
		if id == "" {
			id = utils.GenerateID()
		}
		if _, err := tx.ExecContext(ctx, insertQuery, id, userID, v.Encoded, v.Source, v.Type, v.Asserted, v.Expires); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteForUser removes all visas stored for a user.
func (r *VisaRepository) DeleteForUser(ctx context.Context, userID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", constants.TableGA4GHVisa)
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}
