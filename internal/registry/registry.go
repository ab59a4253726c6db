// Package registry adapts a Docker Registry v2-compatible remote (the
// image catalog's "source adapter", §4.2) into the tag-listing and
// manifest-digest lookups the catalog refresh loop consumes. Modeled
// on the teacher's
// internal/repository/aiops/ollama.go: a small struct wrapping a
// *http.Client and base URL, with bearer-token handling layered on
// top via an optional go-redis memoization cache (§5's "per-host
// bearer-token memoization").
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/tokencache"
)

// Source lists the tags a remote registry currently holds for a
// repository and resolves a tag to the manifest digest the registry
// currently serves it under. The image catalog calls ListTags once per
// refresh, then ManifestDigest once per tag, so that images indexed by
// digest (e.g. a user-supplied "…@sha256:abcd" reference) can be found.
type Source interface {
	ListTags(ctx context.Context, repository string) ([]string, error)
	ManifestDigest(ctx context.Context, repository, tag string) (string, error)
}

// Client is a Source backed by the Docker Registry HTTP API v2
// `GET /v2/<name>/tags/list` endpoint, including its `Link: rel="next"`
// pagination header.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *tokencache.Cache
	username   string
	password   string
	logger     *zap.Logger

	// MaxPages bounds pagination defensively; a registry that keeps
	// returning the same `next` link forever (§8 scenario 6) is
	// broken out of once this many pages have been fetched.
	MaxPages int
}

// NewClient builds a registry Client for baseURL (e.g.
// "https://registry.example.com"). username/password may be empty for
// an anonymous registry; tokens, if non-nil, memoizes bearer tokens
// per host so repeated refreshes don't re-authenticate every time.
func NewClient(baseURL string, username, password string, tokens *tokencache.Cache, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		username:   username,
		password:   password,
		logger:     logger,
		MaxPages:   1000,
	}
}

type tagsListResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags fetches every tag for repository, following `Link:
// rel="next"` pagination. A registry that returns a duplicate next
// link is broken out of: the loop logs an error and returns the union
// of unique tags observed so far rather than hanging (§8 scenario 6).
func (c *Client) ListTags(ctx context.Context, repository string) ([]string, error) {
	seen := make(map[string]bool)
	seenLinks := make(map[string]bool)

	path := fmt.Sprintf("/v2/%s/tags/list?n=100", repository)
	for page := 0; path != "" && page < c.MaxPages; page++ {
		if seenLinks[path] {
			c.logger.Error("registry pagination loop detected, breaking out",
				zap.String("repository", repository),
				zap.String("link", path),
				zap.Int("unique_tags_so_far", len(seen)))
			break
		}
		seenLinks[path] = true

		tags, next, err := c.fetchPage(ctx, path)
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			seen[t] = true
		}
		path = next
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, path string) ([]string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build registry request: %w", err)
	}
	if err := c.authenticate(ctx, req); err != nil {
		return nil, "", fmt.Errorf("authenticate to registry: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("registry returned status %d for %s", resp.StatusCode, path)
	}

	var body tagsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", fmt.Errorf("decode tags list: %w", err)
	}

	return body.Tags, nextPageFromLink(resp.Header.Get("Link")), nil
}

// manifestAccept is the Accept header needed to get a registry to
// report the manifest digest for both single-arch and multi-arch
// (manifest-list/OCI index) tags.
const manifestAccept = "application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.oci.image.index.v1+json, " +
	"application/json;q=0.5"

// ManifestDigest resolves tag to the digest the registry currently
// serves it under via a HEAD request against the manifest endpoint,
// reading the Docker-Content-Digest response header.
func (c *Client) ManifestDigest(ctx context.Context, repository, tag string) (string, error) {
	path := fmt.Sprintf("/v2/%s/manifests/%s", repository, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", manifestAccept)
	if err := c.authenticate(ctx, req); err != nil {
		return "", fmt.Errorf("authenticate to registry: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("manifest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry returned status %d for %s", resp.StatusCode, path)
	}
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("registry response for %s carried no Docker-Content-Digest header", path)
	}
	return digest, nil
}

// nextPageFromLink parses a `Link: </v2/.../tags/list?...>; rel="next"`
// header into its path-plus-query form, or "" if no next link exists.
func nextPageFromLink(link string) string {
	if link == "" {
		return ""
	}
	parts := strings.SplitN(link, ";", 2)
	if len(parts) != 2 || !strings.Contains(parts[1], `rel="next"`) {
		return ""
	}
	url := strings.TrimSpace(parts[0])
	url = strings.TrimPrefix(url, "<")
	url = strings.TrimSuffix(url, ">")
	return url
}

// authenticate attaches a bearer token to req, requesting one from the
// registry's /v2/token endpoint and memoizing it in c.tokens
// if configured, per host, until it expires.
func (c *Client) authenticate(ctx context.Context, req *http.Request) error {
	if c.username == "" {
		return nil
	}
	host := req.URL.Host
	if c.tokens != nil {
		if tok, ok := c.tokens.Get(host); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
			return nil
		}
	}

	token, ttl, err := c.fetchBearerToken(ctx, host)
	if err != nil {
		return err
	}
	if c.tokens != nil && ttl > 0 {
		c.tokens.Set(host, token, ttl)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// fetchBearerToken performs Docker's v2 token handshake against the
// registry's own /v2/token endpoint using HTTP basic auth with the
// configured registry username and password.
func (c *Client) fetchBearerToken(ctx context.Context, host string) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+host+"/v2/token", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return token, ttl, nil
}
