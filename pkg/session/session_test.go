package session

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matzehuels/webpm/pkg/config"
)

func sampleCookie() Cookie {
	return Cookie{
		Type:      TypeLocal,
		WSDataURL: "ws-data",
		WSLogsURL: "ws-logs",
		Port:      2000,
		Origin:    "http://localhost:2000",
		WebPM:     config.DefaultPaths(),
	}
}

func TestCookieRoundTrip(t *testing.T) {
	c := sampleCookie()
	raw, err := c.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseCookieHeader("theme=dark; " + CookieName + "=" + raw + "; other=1")
	if err != nil {
		t.Fatalf("ParseCookieHeader() error: %v", err)
	}
	if *got != c {
		t.Errorf("round trip = %+v, want %+v", got, c)
	}
	if !got.IsLocal() {
		t.Error("IsLocal() = false")
	}
}

func TestDecodeCookieStripsQuotes(t *testing.T) {
	raw := url.QueryEscape(`"{"type":"remote","port":0,"origin":"https://w3nest.org"}"`)
	c, err := DecodeCookie(raw)
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != TypeRemote || c.IsLocal() {
		t.Errorf("unexpected cookie %+v", c)
	}
}

func TestParseCookieHeaderErrors(t *testing.T) {
	if _, err := ParseCookieHeader("a=1; b=2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing cookie error = %v", err)
	}
	if _, err := ParseCookieHeader(CookieName + "=%22not-json%22"); err == nil {
		t.Error("malformed cookie should fail")
	}
	if _, err := DecodeCookie("x"); err == nil {
		t.Error("short cookie should fail")
	}
}

func TestChannelURLs(t *testing.T) {
	c := sampleCookie()
	if got := c.DataChannelURL(); got != "ws://localhost:2000/ws-data" {
		t.Errorf("DataChannelURL() = %q", got)
	}
	if got := c.LogsChannelURL(); got != "ws://localhost:2000/ws-logs" {
		t.Errorf("LogsChannelURL() = %q", got)
	}
	if got := c.Backend().URLBackendInstall; got != "http://localhost:2000"+config.DefaultPathBackendInstall {
		t.Errorf("URLBackendInstall = %q", got)
	}
}

func TestSources(t *testing.T) {
	ctx := context.Background()
	c := sampleCookie()
	raw, _ := c.Encode()

	env := EnvSource{Key: "WEBPM_SESSION", Lookup: func(k string) (string, bool) {
		if k == "WEBPM_SESSION" {
			return raw, true
		}
		return "", false
	}}
	got, err := env.Local(ctx)
	if err != nil || got.Port != 2000 {
		t.Fatalf("EnvSource.Local() = %+v, %v", got, err)
	}

	empty := EnvSource{Key: "X", Lookup: func(string) (string, bool) { return "", false }}
	chain := Chain{empty, Static{}, Static{Cookie: &c}}
	got, err = chain.Local(ctx)
	if err != nil || got != &c {
		t.Errorf("Chain.Local() = %v, %v", got, err)
	}

	if _, err := (Chain{empty}).Local(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty chain error = %v", err)
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cli := NewCLIStore(store)

	if _, err := cli.Local(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Local() without session = %v", err)
	}

	if err := cli.SaveSession(ctx, sampleCookie(), time.Hour); err != nil {
		t.Fatal(err)
	}
	got, err := cli.Local(ctx)
	if err != nil || got.WSDataURL != "ws-data" {
		t.Fatalf("Local() = %+v, %v", got, err)
	}

	if err := store.Set(ctx, New("old", sampleCookie(), -time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := store.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "old.json")); !os.IsNotExist(err) {
		t.Error("Cleanup() should remove expired sessions")
	}

	if err := cli.DeleteSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.GetSession(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() after delete = %v, want ErrNotFound", err)
	}
}

func TestExpiredSession(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cli := NewCLIStore(store)
	if err := cli.SaveSession(ctx, sampleCookie(), -time.Second); err != nil {
		t.Fatal(err)
	}

	if _, err := cli.Local(ctx); !errors.Is(err, ErrExpired) {
		t.Errorf("Local() = %v, want ErrExpired", err)
	}
	// The expired file is gone after the first read.
	if _, err := cli.Local(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Local() = %v, want ErrNotFound", err)
	}

	if err := cli.SaveSession(ctx, sampleCookie(), -time.Second); err != nil {
		t.Fatal(err)
	}
	c := sampleCookie()
	got, err := Chain{cli, Static{Cookie: &c}}.Local(ctx)
	if err != nil || got != &c {
		t.Errorf("Chain should skip the expired session: %v, %v", got, err)
	}
	if err := cli.SaveSession(ctx, sampleCookie(), -time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := (Chain{Static{}, cli}).Local(ctx); !errors.Is(err, ErrExpired) {
		t.Errorf("Chain.Local() = %v, want ErrExpired", err)
	}
}
