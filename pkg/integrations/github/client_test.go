package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/integrations"
)

func TestClient_LatestTag(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repos/pyodide/pyodide/releases/latest":
			calls++
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("missing auth header")
			}
			json.NewEncoder(w).Encode(Release{TagName: "0.26.1", PublishedAt: time.Now()})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := testClient(t, server.URL, "tok")

	for range 2 {
		tag, err := c.LatestTag(context.Background(), "pyodide", "pyodide")
		if err != nil {
			t.Fatalf("LatestTag() error: %v", err)
		}
		if tag != "0.26.1" {
			t.Errorf("LatestTag() = %q", tag)
		}
	}
	if calls != 1 {
		t.Errorf("expected the second lookup to hit the cache, got %d requests", calls)
	}
}

func TestClient_LatestRelease_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := testClient(t, server.URL, "")
	_, err := c.LatestRelease(context.Background(), "owner", "none", true)
	if !errors.Is(err, integrations.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_LatestTag_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"untagged"}`))
	}))
	defer server.Close()

	c := testClient(t, server.URL, "")
	if _, err := c.LatestTag(context.Background(), "o", "r"); err == nil {
		t.Error("LatestTag() should fail on a release without tag")
	}
}

func testClient(t *testing.T, serverURL, token string) *Client {
	t.Helper()
	c, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewClientWithBaseURL(c, token, time.Hour, serverURL)
}
