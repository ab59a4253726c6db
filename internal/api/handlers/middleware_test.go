package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/api/handlers"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
	"github.com/lsst-sqre/nublado-controller/internal/identity"
)

type fakeIdentityClient struct {
	user *lab.UserInfo
	err  error
}

func (f *fakeIdentityClient) UserForToken(ctx context.Context, token string) (*lab.UserInfo, error) {
	return f.user, f.err
}

func newTestRouter(t *testing.T, client identity.Client, adminToken string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	logger := zap.NewNop()

	router.GET("/user-only", handlers.UserAuth(client, logger), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/admin-only", handlers.AdminAuth(adminToken), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestUserAuthMissingHeaders(t *testing.T) {
	router := newTestRouter(t, &fakeIdentityClient{}, "admin-token")

	req := httptest.NewRequest(http.MethodGet, "/user-only", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUserAuthUsernameMismatch(t *testing.T) {
	client := &fakeIdentityClient{user: &lab.UserInfo{Username: "rachel"}}
	router := newTestRouter(t, client, "admin-token")

	req := httptest.NewRequest(http.MethodGet, "/user-only", nil)
	req.Header.Set("X-Auth-Request-User", "notrachel")
	req.Header.Set("X-Auth-Request-Token", "sometoken")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUserAuthSuccess(t *testing.T) {
	client := &fakeIdentityClient{user: &lab.UserInfo{Username: "rachel"}}
	router := newTestRouter(t, client, "admin-token")

	req := httptest.NewRequest(http.MethodGet, "/user-only", nil)
	req.Header.Set("X-Auth-Request-User", "rachel")
	req.Header.Set("X-Auth-Request-Token", "sometoken")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserAuthUpstreamParseError(t *testing.T) {
	client := &fakeIdentityClient{err: &identity.ParseError{Status: 502, Body: "not json"}}
	router := newTestRouter(t, client, "admin-token")

	req := httptest.NewRequest(http.MethodGet, "/user-only", nil)
	req.Header.Set("X-Auth-Request-User", "rachel")
	req.Header.Set("X-Auth-Request-Token", "sometoken")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAdminAuthNotConfigured(t *testing.T) {
	router := newTestRouter(t, &fakeIdentityClient{}, "")

	req := httptest.NewRequest(http.MethodGet, "/admin-only", nil)
	req.Header.Set("X-Auth-Request-Token", "anything")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAdminAuthWrongToken(t *testing.T) {
	router := newTestRouter(t, &fakeIdentityClient{}, "admin-token")

	req := httptest.NewRequest(http.MethodGet, "/admin-only", nil)
	req.Header.Set("X-Auth-Request-Token", "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminAuthSuccess(t *testing.T) {
	router := newTestRouter(t, &fakeIdentityClient{}, "admin-token")

	req := httptest.NewRequest(http.MethodGet, "/admin-only", nil)
	req.Header.Set("X-Auth-Request-Token", "admin-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
