package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
)

type GroupRepository struct {
	db *sql.DB
}

func NewGroupRepository(db *sql.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// GetByName fetches a group by its unique name.
func (r *GroupRepository) GetByName(ctx context.Context, name string) (*models.Group, error) {
	query := fmt.Sprintf("SELECT id, name, description FROM %s WHERE name = $1 LIMIT 1", constants.TableGroup)

	var g models.Group
	err := r.db.QueryRowContext(ctx, query, name).Scan(&g.ID, &g.Name, &g.Description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts a new group.
func (r *GroupRepository) Create(ctx context.Context, g *models.Group) error {
	query := fmt.Sprintf("INSERT INTO %s (id, name, description) VALUES ($1, $2, $3)", constants.TableGroup)
	_, err := r.db.ExecContext(ctx, query, g.ID, g.Name, g.Description)
	return err
}

// Update changes a group's name and/or description.
func (r *GroupRepository) Update(ctx context.Context, groupID, name, description string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			name = COALESCE(NULLIF($1, ''), name),
			description = COALESCE(NULLIF($2, ''), description)
		WHERE id = $3`,
		constants.TableGroup)
	_, err := r.db.ExecContext(ctx, query, name, description, groupID)
	return err
}

// Delete removes a group by name; memberships cascade.
func (r *GroupRepository) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE name = $1", constants.TableGroup)
	_, err := r.db.ExecContext(ctx, query, name)
	return err
}

// List returns all groups.
func (r *GroupRepository) List(ctx context.Context) ([]*models.Group, error) {
	query := fmt.Sprintf("SELECT id, name, description FROM %s ORDER BY name", constants.TableGroup)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]*models.Group, 0)
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description); err != nil {
			return nil, err
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// AddUser adds a user to a group. Adding twice is a no-op.
func (r *GroupRepository) AddUser(ctx context.Context, userID, groupID string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, group_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		constants.TableUserGroup)
	_, err := r.db.ExecContext(ctx, query, userID, groupID)
	return err
}

// RemoveUser removes a user from a group.
func (r *GroupRepository) RemoveUser(ctx context.Context, userID, groupID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND group_id = $2", constants.TableUserGroup)
	_, err := r.db.ExecContext(ctx, query, userID, groupID)
	return err
}

// ListGroupsByUser returns all groups a user belongs to.
func (r *GroupRepository) ListGroupsByUser(ctx context.Context, userID string) ([]*models.Group, error) {
	query := fmt.Sprintf(`
		SELECT g.id, g.name, g.description
		FROM %s g
		JOIN %s ug ON ug.group_id = g.id
		WHERE ug.user_id = $1
		ORDER BY g.name`,
		constants.TableGroup, constants.TableUserGroup)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]*models.Group, 0)
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description); err != nil {
			return nil, err
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// ListUsersByGroup returns the usernames of a group's members.
func (r *GroupRepository) ListUsersByGroup(ctx context.Context, groupID string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT u.username
		FROM %s u
		JOIN %s ug ON ug.user_id = u.id
		WHERE ug.group_id = $1
		ORDER BY u.username`,
		constants.TableUser, constants.TableUserGroup)

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usernames := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		usernames = append(usernames, name)
	}
	return usernames, rows.Err()
}

// AddProject links a project to a group.
func (r *GroupRepository) AddProject(ctx context.Context, groupID, projectID string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (group_id, project_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		constants.TableGroupProject)
	_, err := r.db.ExecContext(ctx, query, groupID, projectID)
	return err
}

// RemoveProject unlinks a project from a group.
func (r *GroupRepository) RemoveProject(ctx context.Context, groupID, projectID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE group_id = $1 AND project_id = $2", constants.TableGroupProject)
	_, err := r.db.ExecContext(ctx, query, groupID, projectID)
	return err
}

// ListProjectsByGroup returns the projects linked to a group.
func (r *GroupRepository) ListProjectsByGroup(ctx context.Context, groupID string) ([]*models.Project, error) {
	query := fmt.Sprintf(`
		SELECT p.id, p.name, p.auth_id
		FROM %s p
		JOIN %s gp ON gp.project_id = p.id
		WHERE gp.group_id = $1
		ORDER BY p.name`,
		constants.TableProject, constants.TableGroupProject)

	rows, err := r.db.QueryContext(ctx, query, groupID)
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
