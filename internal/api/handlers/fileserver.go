// Handlers for the /fileserver/v1/* admin routes and the user-facing
// /files route of spec.md §6. Grounded on the same teacher CRUD-handler
// shape as lab.go.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	builderfs "github.com/lsst-sqre/nublado-controller/internal/builder/fileserver"
	svcfs "github.com/lsst-sqre/nublado-controller/internal/service/fileserver"
)

// FileServerHandler serves every /fileserver/v1/* route plus /files.
type FileServerHandler struct {
	manager  *svcfs.Manager
	hostCfg  builderfs.Config
	logger   *zap.Logger
}

func NewFileServerHandler(manager *svcfs.Manager, hostCfg builderfs.Config, logger *zap.Logger) *FileServerHandler {
	return &FileServerHandler{manager: manager, hostCfg: hostCfg, logger: logger}
}

// ListUsers handles GET /fileserver/v1/users.
func (h *FileServerHandler) ListUsers(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.List())
}

// GetStatus handles GET /fileserver/v1/users/{username}.
func (h *FileServerHandler) GetStatus(c *gin.Context) {
	username := c.Param("username")
	state, err := h.manager.Status(username)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// DeleteUser handles DELETE /fileserver/v1/users/{username}.
func (h *FileServerHandler) DeleteUser(c *gin.Context) {
	username := c.Param("username")
	if err := h.manager.Delete(c.Request.Context(), username); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UserStatus handles GET /fileserver/v1/user-status: the caller's own
// file-server status, username taken from the auth header.
func (h *FileServerHandler) UserStatus(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "missing authenticated user"})
		return
	}
	state, err := h.manager.Status(user.Username)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Files handles GET /files: ensures the caller's file server exists,
// creating it on demand, then returns an HTML page pointing the
// browser at the ingress host (§6 "return HTML pointer").
func (h *FileServerHandler) Files(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "missing authenticated user"})
		return
	}
	if err := h.manager.Create(c.Request.Context(), user.Username); err != nil {
		writeError(c, err)
		return
	}

	host := builderfs.Host(h.hostCfg, user.Username)
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, fmt.Sprintf(
		`<html><head><meta http-equiv="refresh" content="0; url=https://%s/"></head><body><a href="https://%s/">Your file server</a></body></html>`,
		host, host))
}
