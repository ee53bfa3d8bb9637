package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/errors"
	"github.com/fenceauth/fence/pkg/utils"
)

// UserSummary is the admin view of a user: the row plus group names and
// project access.
type UserSummary struct {
	*models.User
	Groups   []string                         `json:"groups"`
	Projects []persistence.UserProjectAccess `json:"projects"`
}

// AdminService implements the admin CRUD surface over users, projects,
// groups, and access.
type AdminService struct {
	userRepo    *persistence.UserRepository
	projectRepo *persistence.ProjectRepository
	groupRepo   *persistence.GroupRepository
	tokenRepo   *persistence.TokenRepository
	visaRepo    *persistence.VisaRepository
	logger      *zap.SugaredLogger
}

func NewAdminService(
	userRepo *persistence.UserRepository,
	projectRepo *persistence.ProjectRepository,
	groupRepo *persistence.GroupRepository,
	tokenRepo *persistence.TokenRepository,
	visaRepo *persistence.VisaRepository,
	logger *zap.SugaredLogger,
) *AdminService {
	return &AdminService{
		userRepo:    userRepo,
		projectRepo: projectRepo,
		groupRepo:   groupRepo,
		tokenRepo:   tokenRepo,
		visaRepo:    visaRepo,
		logger:      logger,
	}
}

// getUser fetches a user by username or returns a 404 error.
func (s *AdminService) getUser(ctx context.Context, username string) (*models.User, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.NewNotFoundError("user", username)
	}
	return user, nil
}

func (s *AdminService) getProject(ctx context.Context, name string) (*models.Project, error) {
	project, err := s.projectRepo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, errors.NewNotFoundError("project", name)
	}
	return project, nil
}

func (s *AdminService) getGroup(ctx context.Context, name string) (*models.Group, error) {
	group, err := s.groupRepo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, errors.NewNotFoundError("group", name)
	}
	return group, nil
}

// GetUser returns the admin view of one user by username.
func (s *AdminService) GetUser(ctx context.Context, username string) (*UserSummary, error) {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, user)
}

// ListUsers returns the admin view of every user.
func (s *AdminService) ListUsers(ctx context.Context) ([]*UserSummary, error) {
	users, err := s.userRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*UserSummary, 0, len(users))
	for _, user := range users {
		summary, err := s.summarize(ctx, user)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *AdminService) summarize(ctx context.Context, user *models.User) (*UserSummary, error) {
	groups, err := s.groupRepo.ListGroupsByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	groupNames := make([]string, 0, len(groups))
	for _, g := range groups {
		groupNames = append(groupNames, g.Name)
	}
	projects, err := s.projectRepo.ListAccessByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &UserSummary{User: user, Groups: groupNames, Projects: projects}, nil
}

// CreateUserRequest carries the admin user-creation fields. Password is
// optional; users provisioned for upstream login have none.
type CreateUserRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number"`
	Password    string `json:"password"`
	IsAdmin     bool   `json:"is_admin"`
	IdPName     string `json:"idp_name"`
}

// CreateUser creates a user. Usernames are unique case-insensitively.
func (s *AdminService) CreateUser(ctx context.Context, req *CreateUserRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, errors.NewUserError("username", "username is required")
	}
	if req.Email != "" && !auth.IsValidEmail(req.Email) {
		return nil, errors.NewUserError("email", "invalid email address")
	}

	exists, err := s.userRepo.ExistsByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.NewConflictError("user", "username", username)
	}

	var passwordHash string
	if req.Password != "" {
		if err := auth.ValidatePasswordStrength(req.Password); err != nil {
			return nil, errors.NewUserError("password", err.Error())
		}
		passwordHash, err = auth.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
	}

	user := &models.User{
		ID:           utils.GenerateID(),
		Username:     username,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PhoneNumber:  req.PhoneNumber,
		PasswordHash: passwordHash,
		IsAdmin:      req.IsAdmin,
		Active:       true,
		IdPName:      req.IdPName,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Infow("admin created user", "username", username)
	return user, nil
}

// UpdateUserRequest carries optional admin updates; nil fields are left
// untouched.
type UpdateUserRequest struct {
	Username    *string `json:"username"`
	Email       *string `json:"email"`
	DisplayName *string `json:"display_name"`
	PhoneNumber *string `json:"phone_number"`
	IsAdmin     *bool   `json:"is_admin"`
	Active      *bool   `json:"active"`
}

// UpdateUser applies the non-nil fields of req to the named user.
func (s *AdminService) UpdateUser(ctx context.Context, username string, req *UpdateUserRequest) (*models.User, error) {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	if req.Username != nil && *req.Username != user.Username {
		newName := strings.TrimSpace(*req.Username)
		if newName == "" {
			return nil, errors.NewUserError("username", "username cannot be empty")
		}
		exists, err := s.userRepo.ExistsByUsername(ctx, newName)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errors.NewConflictError("user", "username", newName)
		}
		updates[constants.FieldUsername] = newName
	}
	if req.Email != nil {
		if *req.Email != "" && !auth.IsValidEmail(*req.Email) {
			return nil, errors.NewUserError("email", "invalid email address")
		}
		updates[constants.FieldEmail] = *req.Email
	}
	if req.DisplayName != nil {
		updates[constants.FieldDisplayName] = *req.DisplayName
	}
	if req.PhoneNumber != nil {
		updates[constants.FieldPhoneNumber] = *req.PhoneNumber
	}
	if req.IsAdmin != nil {
		updates[constants.FieldIsAdmin] = *req.IsAdmin
	}
	if req.Active != nil {
		updates[constants.FieldActive] = *req.Active
	}
	if len(updates) == 0 {
		return user, nil
	}

	if err := s.userRepo.Update(ctx, user.ID, updates); err != nil {
		return nil, err
	}
	return s.userRepo.GetByID(ctx, user.ID)
}

// DeleteUser removes a user and everything hanging off them. Stored visas,
// refresh tokens, and access rows go through FK cascade.
func (s *AdminService) DeleteUser(ctx context.Context, username string) error {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return err
	}
	if err := s.userRepo.Delete(ctx, user.ID); err != nil {
		return err
	}
	s.logger.Infow("admin deleted user", "username", username)
	return nil
}

// GetProject returns one project by name.
func (s *AdminService) GetProject(ctx context.Context, name string) (*models.Project, error) {
	return s.getProject(ctx, name)
}

// ListProjects returns all projects.
func (s *AdminService) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.projectRepo.List(ctx)
}

// CreateProject creates a project. AuthID defaults to the name.
func (s *AdminService) CreateProject(ctx context.Context, name, authID string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewUserError("name", "project name is required")
	}
	if authID == "" {
		authID = name
	}
	existing, err := s.projectRepo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.NewConflictError("project", "name", name)
	}

	project := &models.Project{
		ID:     utils.GenerateID(),
		Name:   name,
		AuthID: authID,
	}
	if err := s.projectRepo.Create(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Infow("admin created project", "name", name, "auth_id", authID)
	return project, nil
}

// DeleteProject removes a project; access rows cascade away with it.
func (s *AdminService) DeleteProject(ctx context.Context, name string) error {
	if _, err := s.getProject(ctx, name); err != nil {
		return err
	}
	return s.projectRepo.Delete(ctx, name)
}

// GrantProjectAccess gives a user privileges on named projects. Empty
// privileges default to read access.
func (s *AdminService) GrantProjectAccess(ctx context.Context, username string, projectNames, privileges []string) error {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return err
	}
	if len(privileges) == 0 {
		privileges = constants.VisaProjectPrivileges
	}
	for _, name := range projectNames {
		project, err := s.getProject(ctx, name)
		if err != nil {
			return err
		}
		if err := s.projectRepo.UpsertAccess(ctx, user.ID, project.ID, privileges, constants.IdPFence); err != nil {
			return err
		}
	}
	return nil
}

// RevokeProjectAccess removes a user's access to named projects.
func (s *AdminService) RevokeProjectAccess(ctx context.Context, username string, projectNames []string) error {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return err
	}
	for _, name := range projectNames {
		project, err := s.getProject(ctx, name)
		if err != nil {
			return err
		}
		if err := s.projectRepo.RemoveAccess(ctx, user.ID, project.ID); err != nil {
			return err
		}
	}
	return nil
}

// GroupSummary is the admin view of a group: the row plus member usernames
// and linked project names.
type GroupSummary struct {
	*models.Group
	Users    []string `json:"users"`
	Projects []string `json:"projects"`
}

// GetGroup returns one group with members and projects.
func (s *AdminService) GetGroup(ctx context.Context, name string) (*GroupSummary, error) {
	group, err := s.getGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	users, err := s.groupRepo.ListUsersByGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	projects, err := s.groupRepo.ListProjectsByGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	projectNames := make([]string, 0, len(projects))
	for _, p := range projects {
		projectNames = append(projectNames, p.Name)
	}
	return &GroupSummary{Group: group, Users: users, Projects: projectNames}, nil
}

// ListGroups returns all groups.
func (s *AdminService) ListGroups(ctx context.Context) ([]*models.Group, error) {
	return s.groupRepo.List(ctx)
}

// CreateGroup creates a group.
func (s *AdminService) CreateGroup(ctx context.Context, name, description string) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewUserError("name", "group name is required")
	}
	existing, err := s.groupRepo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.NewConflictError("group", "name", name)
	}

	group := &models.Group{
		ID:          utils.GenerateID(),
		Name:        name,
		Description: description,
	}
	if err := s.groupRepo.Create(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

// UpdateGroup renames a group or changes its description.
func (s *AdminService) UpdateGroup(ctx context.Context, name, newName, description string) (*GroupSummary, error) {
	group, err := s.getGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	if newName != "" && newName != name {
		existing, err := s.groupRepo.GetByName(ctx, newName)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errors.NewConflictError("group", "name", newName)
		}
	}
	if err := s.groupRepo.Update(ctx, group.ID, newName, description); err != nil {
		return nil, err
	}
	lookup := name
	if newName != "" {
		lookup = newName
	}
	return s.GetGroup(ctx, lookup)
}

// DeleteGroup removes a group; memberships cascade away.
func (s *AdminService) DeleteGroup(ctx context.Context, name string) error {
	if _, err := s.getGroup(ctx, name); err != nil {
		return err
	}
	return s.groupRepo.Delete(ctx, name)
}

// AddUserToGroup puts a user in a group.
func (s *AdminService) AddUserToGroup(ctx context.Context, username, groupName string) error {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return err
	}
	group, err := s.getGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return s.groupRepo.AddUser(ctx, user.ID, group.ID)
}

// RemoveUserFromGroup takes a user out of a group.
func (s *AdminService) RemoveUserFromGroup(ctx context.Context, username, groupName string) error {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return err
	}
	group, err := s.getGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return s.groupRepo.RemoveUser(ctx, user.ID, group.ID)
}

// AddProjectToGroup links a project to a group.
func (s *AdminService) AddProjectToGroup(ctx context.Context, projectName, groupName string) error {
	project, err := s.getProject(ctx, projectName)
	if err != nil {
		return err
	}
	group, err := s.getGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return s.groupRepo.AddProject(ctx, group.ID, project.ID)
}

// RemoveProjectFromGroup unlinks a project from a group.
func (s *AdminService) RemoveProjectFromGroup(ctx context.Context, projectName, groupName string) error {
	project, err := s.getProject(ctx, projectName)
	if err != nil {
		return err
	}
	group, err := s.getGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return s.groupRepo.RemoveProject(ctx, group.ID, project.ID)
}

// ListUserVisas returns the stored visas of a user, for admin inspection.
func (s *AdminService) ListUserVisas(ctx context.Context, username string) ([]*models.GA4GHVisa, error) {
	user, err := s.getUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.visaRepo.ListByUser(ctx, user.ID)
}
