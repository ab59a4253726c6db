// Package identity is the client contract for the external identity
// service spec.md §1 delegates authentication and user/quota lookup
// to: the core only consumes {UserInfo, quota}. Grounded on the
// teacher's OAuth client idiom (internal/auth/repository/oauth.go) and
// token-claims shape (internal/auth/jwt.go), adapted from
// "exchange an OAuth code" to "resolve a bearer token to a user
// record" — the one call this controller actually needs from an
// identity provider.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
)

// Client resolves a bearer token to the UserInfo (and optional quota)
// it belongs to. §7: "Upstream parse errors from the identity service:
// surfaced as 5xx with the raw text captured for the alert sink."
type Client interface {
	UserForToken(ctx context.Context, token string) (*lab.UserInfo, error)
}

// HTTPClient is a Client backed by an HTTP identity service exposing
// `GET /auth/api/v1/user-info` with the bearer token forwarded in the
// Authorization header, matching the shape Gafaelfawr-style identity
// services in the RSP stack expose.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type userInfoResponse struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	Groups   []struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	} `json:"groups"`
	Quota *struct {
		Notebook struct {
			CPU    float64 `json:"cpu"`
			Memory float64 `json:"memory"` // GiB, per the identity service's wire format
		} `json:"notebook"`
		API map[string]int `json:"api"`
	} `json:"quota"`
}

// ParseError is returned when the identity service answers with a
// non-200 status or a body that cannot be decoded; Body carries the
// raw response text for the alert sink (§7).
type ParseError struct {
	Status int
	Body   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("identity: unparseable response (status %d): %s", e.Status, e.Body)
}

// UserForToken resolves token against the identity service.
func (c *HTTPClient) UserForToken(ctx context.Context, token string) (*lab.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/api/v1/user-info", nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read identity response: %w", err)
	}
	var body userInfoResponse
	if resp.StatusCode != http.StatusOK || json.Unmarshal(raw, &body) != nil {
		return nil, &ParseError{Status: resp.StatusCode, Body: string(raw)}
	}

	info := &lab.UserInfo{
		Username:    body.Username,
		DisplayName: body.Name,
		UID:         body.UID,
		GID:         body.GID,
	}
	for _, g := range body.Groups {
		info.Groups = append(info.Groups, lab.Group{Name: g.Name, GID: g.ID})
	}
	if body.Quota != nil {
		info.Quota = &lab.Quota{
			CPU:         body.Quota.Notebook.CPU,
			MemoryBytes: int64(body.Quota.Notebook.Memory * 1024 * 1024 * 1024),
		}
		if n, ok := body.Quota.API["default"]; ok {
			info.Quota.APICallQuota = n
		}
	}
	return info, nil
}
