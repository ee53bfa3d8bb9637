package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fenceauth/fence/internal/application/services"
	"github.com/fenceauth/fence/pkg/constants"
)

// AdminHandler serves the admin CRUD surface over users, projects, and
// groups.
type AdminHandler struct {
	adminSvc *services.AdminService
}

func NewAdminHandler(adminSvc *services.AdminService) *AdminHandler {
	return &AdminHandler{adminSvc: adminSvc}
}

// ListUsers handles GET /admin/user
func (h *AdminHandler) ListUsers(c *gin.Context) {
	HandleGetEnvelope(c, "users", func() (interface{}, error) {
		return h.adminSvc.ListUsers(c.Request.Context())
	})
}

// GetUser handles GET /admin/user/:username
func (h *AdminHandler) GetUser(c *gin.Context) {
	HandleGetEnvelope(c, "user", func() (interface{}, error) {
		return h.adminSvc.GetUser(c.Request.Context(), c.Param("username"))
	})
}

// CreateUser handles POST /admin/user
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req services.CreateUserRequest
	if !BindJSON(c, &req) {
		return
	}

	user, err := h.adminSvc.CreateUser(c.Request.Context(), &req)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{constants.FieldMessage: "user created", "user": user})
}

// UpdateUser handles PUT /admin/user/:username
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	var req services.UpdateUserRequest
	if !BindJSON(c, &req) {
		return
	}

	user, err := h.adminSvc.UpdateUser(c.Request.Context(), c.Param("username"), &req)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{constants.FieldMessage: "user updated", "user": user})
}

// DeleteUser handles DELETE /admin/user/:username
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	HandleActionEnvelope(c, "user deleted", func() error {
		return h.adminSvc.DeleteUser(c.Request.Context(), c.Param("username"))
	})
}

// GetUserGroups handles GET /admin/user/:username/groups
func (h *AdminHandler) GetUserGroups(c *gin.Context) {
	HandleGetEnvelope(c, "groups", func() (interface{}, error) {
		summary, err := h.adminSvc.GetUser(c.Request.Context(), c.Param("username"))
		if err != nil {
			return nil, err
		}
		return summary.Groups, nil
	})
}

type userGroupsRequest struct {
	Groups []string `json:"groups" binding:"required"`
}

// AddUserGroups handles PUT /admin/user/:username/groups
func (h *AdminHandler) AddUserGroups(c *gin.Context) {
	var req userGroupsRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "groups updated", func() error {
		for _, group := range req.Groups {
			if err := h.adminSvc.AddUserToGroup(c.Request.Context(), c.Param("username"), group); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveUserGroups handles DELETE /admin/user/:username/groups
func (h *AdminHandler) RemoveUserGroups(c *gin.Context) {
	var req userGroupsRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "groups removed", func() error {
		for _, group := range req.Groups {
			if err := h.adminSvc.RemoveUserFromGroup(c.Request.Context(), c.Param("username"), group); err != nil {
				return err
			}
		}
		return nil
	})
}

type userProjectsRequest struct {
	Projects   []string `json:"projects" binding:"required"`
	Privileges []string `json:"privileges"`
}

// GrantUserProjects handles PUT /admin/user/:username/projects
func (h *AdminHandler) GrantUserProjects(c *gin.Context) {
	var req userProjectsRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "project access granted", func() error {
		return h.adminSvc.GrantProjectAccess(c.Request.Context(), c.Param("username"), req.Projects, req.Privileges)
	})
}

// RevokeUserProjects handles DELETE /admin/user/:username/projects
func (h *AdminHandler) RevokeUserProjects(c *gin.Context) {
	var req userProjectsRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "project access revoked", func() error {
		return h.adminSvc.RevokeProjectAccess(c.Request.Context(), c.Param("username"), req.Projects)
	})
}

// GetUserVisas handles GET /admin/user/:username/visas
func (h *AdminHandler) GetUserVisas(c *gin.Context) {
	HandleGetEnvelope(c, "visas", func() (interface{}, error) {
		return h.adminSvc.ListUserVisas(c.Request.Context(), c.Param("username"))
	})
}

// ListProjects handles GET /admin/projects
func (h *AdminHandler) ListProjects(c *gin.Context) {
	HandleGetEnvelope(c, "projects", func() (interface{}, error) {
		return h.adminSvc.ListProjects(c.Request.Context())
	})
}

// GetProject handles GET /admin/projects/:name
func (h *AdminHandler) GetProject(c *gin.Context) {
	HandleGetEnvelope(c, "project", func() (interface{}, error) {
		return h.adminSvc.GetProject(c.Request.Context(), c.Param("name"))
	})
}

type createProjectRequest struct {
	AuthID string `json:"auth_id"`
}

// CreateProject handles POST /admin/projects/:name
func (h *AdminHandler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	// Body is optional; auth_id defaults to the project name.
	_ = c.ShouldBindJSON(&req)

	project, err := h.adminSvc.CreateProject(c.Request.Context(), c.Param("name"), req.AuthID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{constants.FieldMessage: "project created", "project": project})
}

// DeleteProject handles DELETE /admin/projects/:name
func (h *AdminHandler) DeleteProject(c *gin.Context) {
	HandleActionEnvelope(c, "project deleted", func() error {
		return h.adminSvc.DeleteProject(c.Request.Context(), c.Param("name"))
	})
}

type projectGroupsRequest struct {
	Groups []string `json:"groups" binding:"required"`
}

// AddProjectGroups handles PUT /admin/projects/:name/groups
func (h *AdminHandler) AddProjectGroups(c *gin.Context) {
	var req projectGroupsRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "project groups updated", func() error {
		for _, group := range req.Groups {
			if err := h.adminSvc.AddProjectToGroup(c.Request.Context(), c.Param("name"), group); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListGroups handles GET /admin/groups
func (h *AdminHandler) ListGroups(c *gin.Context) {
	HandleGetEnvelope(c, "groups", func() (interface{}, error) {
		return h.adminSvc.ListGroups(c.Request.Context())
	})
}

// GetGroup handles GET /admin/groups/:name
func (h *AdminHandler) GetGroup(c *gin.Context) {
	HandleGetEnvelope(c, "group", func() (interface{}, error) {
		return h.adminSvc.GetGroup(c.Request.Context(), c.Param("name"))
	})
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateGroup handles POST /admin/groups
func (h *AdminHandler) CreateGroup(c *gin.Context) {
	var req groupRequest
	if !BindJSON(c, &req) {
		return
	}

	group, err := h.adminSvc.CreateGroup(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{constants.FieldMessage: "group created", "group": group})
}

// UpdateGroup handles PUT /admin/groups/:name
func (h *AdminHandler) UpdateGroup(c *gin.Context) {
	var req groupRequest
	if !BindJSON(c, &req) {
		return
	}

	group, err := h.adminSvc.UpdateGroup(c.Request.Context(), c.Param("name"), req.Name, req.Description)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{constants.FieldMessage: "group updated", "group": group})
}

// DeleteGroup handles DELETE /admin/groups/:name
func (h *AdminHandler) DeleteGroup(c *gin.Context) {
	HandleActionEnvelope(c, "group deleted", func() error {
		return h.adminSvc.DeleteGroup(c.Request.Context(), c.Param("name"))
	})
}

// GetGroupUsers handles GET /admin/groups/:name/users
func (h *AdminHandler) GetGroupUsers(c *gin.Context) {
	HandleGetEnvelope(c, "users", func() (interface{}, error) {
		summary, err := h.adminSvc.GetGroup(c.Request.Context(), c.Param("name"))
		if err != nil {
			return nil, err
		}
		return summary.Users, nil
	})
}

// GetGroupProjects handles GET /admin/groups/:name/projects
func (h *AdminHandler) GetGroupProjects(c *gin.Context) {
	HandleGetEnvelope(c, "projects", func() (interface{}, error) {
		summary, err := h.adminSvc.GetGroup(c.Request.Context(), c.Param("name"))
		if err != nil {
			return nil, err
		}
		return summary.Projects, nil
	})
}

type groupProjectsRequest struct {
	Projects []string `json:"projects" binding:"required"`
}

// AddGroupProjects handles PUT /admin/groups/:name/projects
func (h *AdminHandler) AddGroupProjects(c *gin.Context) {
	var req groupProjectsRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "group projects updated", func() error {
		for _, project := range req.Projects {
			if err := h.adminSvc.AddProjectToGroup(c.Request.Context(), project, c.Param("name")); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveGroupProjects handles DELETE /admin/groups/:name/projects
func (h *AdminHandler) RemoveGroupProjects(c *gin.Context) {
	var req groupProjectsRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "group projects removed", func() error {
		for _, project := range req.Projects {
			if err := h.adminSvc.RemoveProjectFromGroup(c.Request.Context(), project, c.Param("name")); err != nil {
				return err
			}
		}
		return nil
	})
}
