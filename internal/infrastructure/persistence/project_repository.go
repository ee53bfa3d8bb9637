package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/utils"
)

type ProjectRepository struct {
	db *sql.DB
}

func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// GetByName fetches a project by its unique name.
func (r *ProjectRepository) GetByName(ctx context.Context, name string) (*models.Project, error) {
	query := fmt.Sprintf("SELECT id, name, auth_id FROM %s WHERE name = $1 LIMIT 1", constants.TableProject)

	var p models.Project
	err := r.db.QueryRowContext(ctx, query, name).Scan(&p.ID, &p.Name, &p.AuthID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByAuthID fetches a project by its external auth identifier.
func (r *ProjectRepository) GetByAuthID(ctx context.Context, authID string) (*models.Project, error) {
	query := fmt.Sprintf("SELECT id, name, auth_id FROM %s WHERE auth_id = $1 LIMIT 1", constants.TableProject)

	var p models.Project
	err := r.db.QueryRowContext(ctx, query, authID).Scan(&p.ID, &p.Name, &p.AuthID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new project.
func (r *ProjectRepository) Create(ctx context.Context, p *models.Project) error {
	query := fmt.Sprintf("INSERT INTO %s (id, name, auth_id) VALUES ($1, $2, $3)", constants.TableProject)
	_, err := r.db.ExecContext(ctx, query, p.ID, p.Name, p.AuthID)
	return err
}

// Delete removes a project by name.
func (r *ProjectRepository) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE name = $1", constants.TableProject)
	_, err := r.db.ExecContext(ctx, query, name)
	return err
}

// List returns all projects.
func (r *ProjectRepository) List(ctx context.Context) ([]*models.Project, error) {
	query := fmt.Sprintf("SELECT id, name, auth_id FROM %s ORDER BY name", constants.TableProject)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]*models.Project, 0)
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.AuthID); err != nil {
			return nil, err
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// UpsertAccess grants privileges to a user on a project, replacing any
// existing grant. Privileges are stored comma separated.
func (r *ProjectRepository) UpsertAccess(ctx context.Context, userID, projectID string, privileges []string, provider string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, project_id, privileges, provider)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, project_id)
		DO UPDATE SET privileges = EXCLUDED.privileges, provider = EXCLUDED.provider`,
		constants.TableAccessPrivilege)

	_, err := r.db.ExecContext(ctx, query,
		utils.GenerateID(), userID, projectID, strings.Join(privileges, ","), provider)
	return err
}

// RemoveAccess revokes a user's privileges on a project.
func (r *ProjectRepository) RemoveAccess(ctx context.Context, userID, projectID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND project_id = $2", constants.TableAccessPrivilege)
	_, err := r.db.ExecContext(ctx, query, userID, projectID)
	return err
}

// RemoveAccessByProvider clears every access grant a provider has asserted
// for a user. The visa sync uses this before re-asserting visa access.
func (r *ProjectRepository) RemoveAccessByProvider(ctx context.Context, userID, provider string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND provider = $2", constants.TableAccessPrivilege)
	_, err := r.db.ExecContext(ctx, query, userID, provider)
	return err
}

// UserProjectAccess is one project a user can reach, with privileges.
type UserProjectAccess struct {
	ProjectName string
	AuthID      string
	Privileges  []string
}

// ListAccessByUser returns the user's project access with project details.
func (r *ProjectRepository) ListAccessByUser(ctx context.Context, userID string) ([]UserProjectAccess, error) {
	query := fmt.Sprintf(`
		SELECT p.name, p.auth_id, a.privileges
		FROM %s a
		JOIN %s p ON p.id = a.project_id
		WHERE a.user_id = $1
		ORDER BY p.name`,
		constants.TableAccessPrivilege, constants.TableProject)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	access := make([]UserProjectAccess, 0)
	for rows.Next() {
		var a UserProjectAccess
		var privs string
		if err := rows.Scan(&a.ProjectName, &a.AuthID, &privs); err != nil {
			return nil, err
		}
		if privs != "" {
			a.Privileges = strings.Split(privs, ",")
		}
		access = append(access, a)
	}
	return access, rows.Err()
}
