package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/matzehuels/webpm/pkg/channel"
	"github.com/matzehuels/webpm/pkg/integrations"
)

// BuildConfig holds the build options of a backend (command line options
// passed to its build).
type BuildConfig struct {
	Build map[string]string `json:"build"`
}

// Client is the handle of an installed backend. It is what gets bound in
// the scope for a backend library.
type Client struct {
	Name          string      `json:"name"`
	Version       string      `json:"version"`
	VersionNumber int64       `json:"versionNumber"`
	APIKey        string      `json:"apiKey"`
	URLBase       string      `json:"urlBase"`
	URLW3Lab      string      `json:"urlW3Lab"`
	ExportPath    []string    `json:"exportPath"`
	PartitionID   string      `json:"partitionId"`
	Config        BuildConfig `json:"config"`

	http *integrations.Client
	data *channel.Channel
}

// decodeClient builds a client from the bundle returned by the install
// endpoint. Fields missing from the bundle are taken from the install
// response.
func decodeClient(inst Installed, http *integrations.Client, data *channel.Channel) (*Client, error) {
	c := &Client{}
	if strings.TrimSpace(inst.ClientBundle) != "" {
		if err := json.Unmarshal([]byte(inst.ClientBundle), c); err != nil {
			return nil, fmt.Errorf("decode client bundle of %s#%s: %w", inst.Name, inst.Version, err)
		}
	}
	if c.Name == "" {
		c.Name = inst.Name
	}
	if c.Version == "" {
		c.Version = inst.Version
	}
	if len(c.ExportPath) == 0 && inst.ExportedClientSymbol != "" {
		c.ExportPath = []string{inst.ExportedClientSymbol}
	}
	c.http, c.data = http, data
	return c, nil
}

// URL returns the URL of an end-point of the backend.
func (c *Client) URL(endpoint string) string {
	return strings.TrimSuffix(c.URLBase, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}

// Fetch performs a GET on an end-point. The caller closes the body.
func (c *Client) Fetch(ctx context.Context, endpoint string, headers map[string]string) (io.ReadCloser, error) {
	body, _, err := c.http.Open(ctx, c.URL(endpoint), headers)
	return body, err
}

// FetchJSON performs a GET on an end-point and decodes the JSON response
// into v.
func (c *Client) FetchJSON(ctx context.Context, endpoint string, v any) error {
	return c.http.Get(ctx, c.URL(endpoint), v)
}

// FetchText performs a GET on an end-point and returns the response body.
func (c *Client) FetchText(ctx context.Context, endpoint string) (string, error) {
	return c.http.GetText(ctx, c.URL(endpoint))
}

// Post sends in as JSON to an end-point and decodes the response into out.
func (c *Client) Post(ctx context.Context, endpoint string, in, out any) error {
	return c.http.PostJSON(ctx, c.URL(endpoint), nil, in, out)
}

// Data yields the messages of the development server data channel, or
// nothing when the client has no channel.
func (c *Client) Data(ctx context.Context) <-chan channel.ContextMessage {
	if c.data == nil {
		out := make(chan channel.ContextMessage)
		close(out)
		return out
	}
	return c.data.Subscribe(ctx)
}

// Member exposes the descriptive fields of the client to member aliases.
func (c *Client) Member(name string) (any, bool) {
	switch name {
	case "name":
		return c.Name, true
	case "version":
		return c.Version, true
	case "versionNumber":
		return c.VersionNumber, true
	case "apiKey":
		return c.APIKey, true
	case "urlBase":
		return c.URLBase, true
	case "urlW3Lab":
		return c.URLW3Lab, true
	case "partitionId":
		return c.PartitionID, true
	case "exportPath":
		return c.ExportPath, true
	case "config":
		return map[string]any{"build": c.Config.Build}, true
	}
	return nil, false
}
