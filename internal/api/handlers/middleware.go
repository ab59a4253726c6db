// Package handlers implements the gin HTTP handlers of spec.md §6: the
// lab, file-server, and prepull/image routes, plus the two auth
// middlewares those routes split into ("user-initiated" routes
// matching X-Auth-Request-User against the bearer token's owner, and
// "admin" routes trusting only the controller's own service token).
// Grounded on the teacher's internal/api/handlers/auth.go
// AuthMiddleware (header parsing, c.Set/c.Abort idiom) and
// internal/aiops/handler/gin.go (JSON bind, SSE streaming via
// c.Writer.Flush()).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/apierror"
	"github.com/lsst-sqre/nublado-controller/internal/identity"
)

const (
	headerUser  = "X-Auth-Request-User"
	headerToken = "X-Auth-Request-Token"

	contextUserKey = "nublado_user"
)

// UserAuth builds the middleware that guards every "user-initiated"
// route of §6: it requires both headers, resolves the token against
// the identity service, and rejects the request with 403 unless the
// resolved username matches the X-Auth-Request-User header exactly.
func UserAuth(client identity.Client, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetHeader(headerUser)
		token := c.GetHeader(headerToken)
		if username == "" || token == "" {
			writeError(c, apierror.InvalidToken("missing auth headers"))
			c.Abort()
			return
		}

		user, err := client.UserForToken(c.Request.Context(), token)
		if err != nil {
			if pe, ok := err.(*identity.ParseError); ok {
				logger.Error("identity service returned unparseable response", zap.Int("status", pe.Status))
				writeError(c, apierror.New(apierror.KindUpstreamError, http.StatusBadGateway, pe.Error()))
				c.Abort()
				return
			}
			writeError(c, apierror.InvalidToken(err.Error()))
			c.Abort()
			return
		}
		if user.Username != username {
			writeError(c, apierror.PermissionDenied("token does not belong to "+username))
			c.Abort()
			return
		}

		c.Set(contextUserKey, *user)
		c.Next()
	}
}

// AdminAuth guards every admin route of §6: it trusts only the
// controller's own service token, compared against the configured
// adminToken.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			writeError(c, apierror.FeatureNotConfigured("admin routes"))
			c.Abort()
			return
		}
		if c.GetHeader(headerToken) != adminToken {
			writeError(c, apierror.PermissionDenied("invalid admin token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError maps an error from the service layer onto an HTTP
// response per §7's client-error/Kubernetes-error/timeout taxonomy.
func writeError(c *gin.Context, err error) {
	switch e := err.(type) {
	case *apierror.ClientError:
		body := gin.H{"error": e.Message, "kind": e.Kind}
		if e.Path != "" {
			body["path"] = e.Path
		}
		c.JSON(e.Status, body)
	case *apierror.NotFoundError:
		c.JSON(http.StatusNotFound, gin.H{"error": e.Error(), "kind": apierror.KindNotFound})
	case *apierror.KubernetesError:
		status := http.StatusInternalServerError
		if e.Retriable {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": e.Error(), "kind": apierror.KindInternal})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "kind": apierror.KindInternal})
	}
}
