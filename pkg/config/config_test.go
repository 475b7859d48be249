package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matzehuels/webpm/pkg/errors"
)

func boolPtr(b bool) *bool { return &b }

func TestComputeOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin *Origin
		want   string
	}{
		{"nil", nil, ""},
		{"empty", &Origin{}, "http://localhost:8080"},
		{"port only", &Origin{Port: 2000}, "http://localhost:2000"},
		{"hostname", &Origin{Hostname: "w3nest.org"}, "https://w3nest.org"},
		{"hostname insecure", &Origin{Hostname: "w3nest.org", Secure: boolPtr(false)}, "http://w3nest.org"},
		{"hostname with port", &Origin{Hostname: "w3nest.org", Port: 443}, "https://w3nest.org:443"},
		{"secure localhost", &Origin{Secure: boolPtr(true)}, "https://localhost:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeOrigin(tt.origin); got != tt.want {
				t.Errorf("ComputeOrigin() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewBackend(t *testing.T) {
	b := NewBackend("", "http://localhost:8080", Paths{
		LoadingGraph: "/lg",
		Resource:     "/res",
	})
	if b.URLLoadingGraph != "http://localhost:8080/lg" || b.URLResource != "http://localhost:8080/res" {
		t.Errorf("unexpected URLs: %+v", b)
	}
	if b.URLPypi != DefaultPypiURL {
		t.Errorf("URLPypi = %q", b.URLPypi)
	}
	if got := b.PyodideIndexURL("0.26.1"); got != "https://cdn.jsdelivr.net/pyodide/v0.26.1/full" {
		t.Errorf("PyodideIndexURL() = %q", got)
	}

	local := NewBackend("", "http://localhost:2000", DefaultPaths())
	if got := local.PyodideIndexURL("0.26.1"); got != "http://localhost:2000/python/pyodide/0.26.1" {
		t.Errorf("PyodideIndexURL() = %q", got)
	}
	if got := local.UninstallURL("p1"); got != "http://localhost:2000/admin/system/backends/p1/uninstall" {
		t.Errorf("UninstallURL() = %q", got)
	}
}

func TestResourceURL(t *testing.T) {
	b := NewBackend("", "http://h", Paths{Resource: "/res"})
	if got := b.ResourceURL("YQ==/1.0.0/a.js"); got != "http://h/res/YQ==/1.0.0/a.js" {
		t.Errorf("ResourceURL() = %q", got)
	}
	if got := b.ResourceURL("http://h/res/x.js"); got != "http://h/res/x.js" {
		t.Errorf("ResourceURL() = %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Cache.Backend != CacheFile || cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Pool.StretchTo != DefaultStretchTo() {
		t.Errorf("StretchTo = %d", cfg.Pool.StretchTo)
	}
	if got := cfg.BackendURLs().URLLoadingGraph; got != "http://localhost:8080"+DefaultPathLoadingGraph {
		t.Errorf("URLLoadingGraph = %q", got)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webpm.yaml")
	content := `
backend:
  origin:
    hostname: cdn.example.org
pool:
  startAt: 1
  stretchTo: 4
pinned:
  rxjs: 7.5.6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WEBPM_CACHE_BACKEND", "none")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Cache.Backend != CacheNone {
		t.Errorf("env override ignored: %q", cfg.Cache.Backend)
	}
	if cfg.Pool.StartAt != 1 || cfg.Pool.StretchTo != 4 {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Pinned["rxjs"] != "7.5.6" {
		t.Errorf("pinned = %v", cfg.Pinned)
	}
	if got := cfg.BackendURLs().Origin; got != "https://cdn.example.org" {
		t.Errorf("Origin = %q", got)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webpm.toml")
	content := "[backend]\nurl = \"http://localhost:2000\"\n[cache]\nbackend = \"none\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.BackendURLs().URLResource; got != "http://localhost:2000"+DefaultPathResource {
		t.Errorf("URLResource = %q", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Cache:    CacheConfig{Backend: CacheFile},
			Channels: ChannelsConfig{Transport: TransportWebsocket},
			Pool:     PoolConfig{StartAt: 0, StretchTo: 2},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		isErr  bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, true},
		{"redis without addr", func(c *Config) { c.Cache.Backend = CacheRedis }, true},
		{"redis with addr", func(c *Config) { c.Cache.Backend = CacheRedis; c.Cache.RedisAddr = "localhost:6379" }, false},
		{"bad transport", func(c *Config) { c.Channels.Transport = "carrier-pigeon" }, true},
		{"start above stretch", func(c *Config) { c.Pool.StartAt = 3 }, true},
		{"bad url", func(c *Config) { c.Backend.URL = "ftp://x" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.isErr {
				t.Fatalf("Validate() error = %v", err)
			}
			if err != nil && errors.GetCode(err) == "" {
				t.Errorf("Validate() should return a coded error: %v", err)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("Load() error = %v, want INVALID_CONFIG", err)
	}
}
