// Handlers for the /spawner/v1/* routes of spec.md §6: lab listing,
// state, create, delete, event stream, the caller's own status, the
// image menu, prepull status, and the HTML spawner form. Grounded on
// the teacher's internal/api/handlers/workspace.go (CRUD handler shape,
// c.ShouldBindJSON, c.JSON(status, gin.H{...})) and
// internal/aiops/handler/gin.go's streamChat (SSE header set plus
// Writer.Flush() loop).
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/apierror"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
	svcimage "github.com/lsst-sqre/nublado-controller/internal/service/image"
	svclab "github.com/lsst-sqre/nublado-controller/internal/service/lab"
)

// LabHandler serves every /spawner/v1/* route.
type LabHandler struct {
	manager *svclab.Manager
	catalog *svcimage.Catalog
	logger  *zap.Logger
}

func NewLabHandler(manager *svclab.Manager, catalog *svcimage.Catalog, logger *zap.Logger) *LabHandler {
	return &LabHandler{manager: manager, catalog: catalog, logger: logger}
}

func currentUser(c *gin.Context) (lab.UserInfo, bool) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return lab.UserInfo{}, false
	}
	u, ok := v.(lab.UserInfo)
	return u, ok
}

func bearerToken(c *gin.Context) string {
	return c.GetHeader(headerToken)
}

// ListLabs handles GET /spawner/v1/labs.
func (h *LabHandler) ListLabs(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.List())
}

// GetLabState handles GET /spawner/v1/labs/{username}.
func (h *LabHandler) GetLabState(c *gin.Context) {
	username := c.Param("username")
	state, err := h.manager.GetLabState(c.Request.Context(), username)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// CreateLab handles POST /spawner/v1/labs/{username}/create.
func (h *LabHandler) CreateLab(c *gin.Context) {
	username := c.Param("username")
	user, ok := currentUser(c)
	if !ok || user.Username != username {
		writeError(c, apierror.PermissionDenied("username does not match authenticated user"))
		return
	}

	var spec lab.LabSpecification
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeError(c, &apierror.ClientError{Kind: "invalid_lab_specification", Status: http.StatusBadRequest, Message: err.Error()})
		return
	}

	if _, err := h.manager.Spawn(c.Request.Context(), user, spec, bearerToken(c)); err != nil {
		writeError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/spawner/v1/labs/%s", username))
	c.Status(http.StatusCreated)
}

// DeleteLab handles DELETE /spawner/v1/labs/{username}.
func (h *LabHandler) DeleteLab(c *gin.Context) {
	username := c.Param("username")
	if _, err := h.manager.Delete(c.Request.Context(), username); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Events handles GET /spawner/v1/labs/{username}/events: the SSE
// stream of spawn/delete progress, formatted per §6 as
// "event: <type>\ndata: <json>\n\n" and closed once a terminal event
// (complete or failed) is pushed.
func (h *LabHandler) Events(c *gin.Context) {
	username := c.Param("username")
	queue, err := h.manager.Events(username)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch := queue.Subscribe()
	ctx := c.Request.Context()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(evt.Type), evt)
			c.Writer.Flush()
			if evt.Type.Terminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// UserStatus handles GET /spawner/v1/user-status: the caller's own lab
// state, username taken from the auth header rather than the path.
func (h *LabHandler) UserStatus(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		writeError(c, apierror.InvalidToken("missing authenticated user"))
		return
	}
	state, err := h.manager.GetLabState(c.Request.Context(), user.Username)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Images handles GET /spawner/v1/images.
func (h *LabHandler) Images(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Images())
}

// Prepulls handles GET /spawner/v1/prepulls: per-node missing-image
// status, the same data the prepuller loop consumes to decide work.
func (h *LabHandler) Prepulls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"images":  h.catalog.MenuImages(),
		"missing": h.catalog.MissingImagesByNode(),
	})
}

// LabForm handles GET /spawner/v1/lab-form/{username}: a minimal HTML
// spawner form listing the cached menu and full dropdown. The HTML is
// built with fmt.Sprintf and written with c.String; no template engine
// is used.
func (h *LabHandler) LabForm(c *gin.Context) {
	menus := h.catalog.MenuImages()
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, renderLabForm(c.Param("username"), menus))
}

func renderLabForm(username string, menus svcimage.Menus) string {
	html := fmt.Sprintf("<html><body><h1>Spawner options for %s</h1><form method=\"post\" action=\"/spawner/v1/labs/%s/create\"><select name=\"image\">", username, username)
	for _, e := range menus.Menu {
		html += fmt.Sprintf("<option value=%q>%s</option>", e.Reference, e.DisplayName)
	}
	html += "</select><hr/><select name=\"image_dropdown\">"
	for _, e := range menus.Dropdown {
		html += fmt.Sprintf("<option value=%q>%s</option>", e.Reference, e.DisplayName)
	}
	html += "</select></form></body></html>"
	return html
}
