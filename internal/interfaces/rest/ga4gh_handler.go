package rest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fenceauth/fence/internal/application/services"
	"github.com/fenceauth/fence/pkg/errors"
)

// drsAccessTokenTTLSeconds is advertised in the access response.
const drsAccessTokenTTLSeconds = 3600

// GA4GHHandler serves the DRS access endpoint with passport-based
// authorization.
type GA4GHHandler struct {
	passports *services.PassportService
	authSvc   *services.AuthService
	issuerURL string
}

func NewGA4GHHandler(passports *services.PassportService, authSvc *services.AuthService, issuerURL string) *GA4GHHandler {
	return &GA4GHHandler{passports: passports, authSvc: authSvc, issuerURL: issuerURL}
}

type drsAccessRequest struct {
	Passports []string `json:"passports"`
}

// Access handles POST and GET of
// /ga4gh/drs/v1/objects/:object_id/access/:access_id.
// POST carries passports in the body; GET falls back to a bearer passport.
func (h *GA4GHHandler) Access(c *gin.Context) {
	objectID := c.Param("object_id")
	accessID := c.Param("access_id")
	if accessID == "" {
		RespondAppError(c, errors.NewUserError("access_id", "access ID is required"))
		return
	}

	passports := h.collectPassports(c)
	if len(passports) == 0 {
		RespondAppError(c, errors.NewUnauthorizedError("no passports provided"))
		return
	}

	userID, err := h.authorize(c, passports)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	token, err := h.authSvc.IssueDataAccessToken(c.Request.Context(), userID)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	url := fmt.Sprintf("%s/data/download/%s?access_id=%s",
		strings.TrimRight(h.issuerURL, "/"), objectID, accessID)
	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"headers":    gin.H{"Authorization": "Bearer " + token},
		"expires_in": drsAccessTokenTTLSeconds,
	})
}

func (h *GA4GHHandler) collectPassports(c *gin.Context) []string {
	if c.Request.Method == http.MethodPost {
		var req drsAccessRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			return req.Passports
		}
		return nil
	}

	// GET: accept a single passport as a bearer credential.
	header := c.GetHeader("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return []string{parts[1]}
	}
	return nil
}

// authorize resolves passports to users and returns the first one holding
// read access on any project.
func (h *GA4GHHandler) authorize(c *gin.Context, passports []string) (string, error) {
	var lastErr error
	for _, passport := range passports {
		userIDs, err := h.passports.UsersFromPassport(c.Request.Context(), passport)
		if err != nil {
			lastErr = err
			continue
		}
		for _, userID := range userIDs {
			access, err := h.authSvc.UserProjects(c.Request.Context(), userID)
			if err != nil {
				return "", err
			}
			for _, a := range access {
				for _, priv := range a.Privileges {
					if priv == "read" || priv == "read-storage" {
						return userID, nil
					}
				}
			}
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", errors.NewForbiddenError("access", "requested object")
}
