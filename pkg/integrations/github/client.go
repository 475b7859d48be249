package github

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/integrations"
)

// DefaultBaseURL is the public GitHub API root.
const DefaultBaseURL = "https://api.github.com"

// Client provides access to the GitHub releases API.
// It handles HTTP requests with caching, automatic retries, and optional authentication.
type Client struct {
	*integrations.Client
	baseURL string
}

// NewClient creates a GitHub API client with optional authentication.
// Pass an empty string for token to use unauthenticated requests (lower rate limits).
func NewClient(backend cache.Cache, token string, cacheTTL time.Duration) *Client {
	return NewClientWithBaseURL(backend, token, cacheTTL, DefaultBaseURL)
}

// NewClientWithBaseURL creates a client against another API root, such as
// a GitHub Enterprise host or a test server.
func NewClientWithBaseURL(backend cache.Cache, token string, cacheTTL time.Duration, baseURL string) *Client {
	headers := map[string]string{"Accept": "application/vnd.github.v3+json"}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &Client{
		Client:  integrations.NewClient(backend, "github", cacheTTL, headers),
		baseURL: baseURL,
	}
}

// LatestRelease returns the latest published release of a repository.
// If refresh is true, cached data is bypassed.
func (c *Client) LatestRelease(ctx context.Context, owner, repo string, refresh bool) (*Release, error) {
	key := "release:" + owner + "/" + repo

	var rel Release
	err := c.Cached(ctx, key, refresh, &rel, func() error {
		return c.fetchRelease(ctx, owner, repo, &rel)
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// LatestTag returns the tag name of the latest release.
func (c *Client) LatestTag(ctx context.Context, owner, repo string) (string, error) {
	rel, err := c.LatestRelease(ctx, owner, repo, false)
	if err != nil {
		return "", err
	}
	if rel.TagName == "" {
		return "", fmt.Errorf("github repo %s/%s: latest release has no tag", owner, repo)
	}
	return rel.TagName, nil
}

func (c *Client) fetchRelease(ctx context.Context, owner, repo string, rel *Release) error {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.baseURL, owner, repo)
	if err := c.Get(ctx, url, rel); err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			return fmt.Errorf("%w: github release %s/%s", err, owner, repo)
		}
		return err
	}
	return nil
}
