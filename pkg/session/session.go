// Package session reads the session of the local development server.
//
// The server identifies itself with a "w3nest" cookie. Its value is a
// URL-encoded, quoted JSON document ([Cookie]) giving the origin, the
// websocket channels and the webpm end-point paths. Backend installs
// require a session of type "local".
//
// Sessions are stored with an expiration by a [Store]:
//
//	store, err := session.NewFileStore("")  // ~/.config/webpm/sessions/
//	cli := session.NewCLIStore(store)
//	cookie, err := cli.Local(ctx)
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/matzehuels/webpm/pkg/config"
)

// CookieName is the name of the cookie set by the development server.
const CookieName = "w3nest"

// Session types.
const (
	TypeLocal  = "local"
	TypeRemote = "remote"
)

// Sentinel errors for session operations.
var (
	// ErrNotFound is returned when no session is available.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a session has exceeded its TTL.
	ErrExpired = errors.New("expired")
)

// DefaultTTL is the default session duration.
const DefaultTTL = 24 * time.Hour

// Cookie is the payload of the w3nest cookie.
type Cookie struct {
	Type      string       `json:"type"`
	WSDataURL string       `json:"wsDataUrl"`
	WSLogsURL string       `json:"wsLogsUrl"`
	Port      int          `json:"port"`
	Origin    string       `json:"origin"`
	WebPM     config.Paths `json:"webpm"`
}

// IsLocal reports whether the cookie was set by a local server.
func (c *Cookie) IsLocal() bool { return c != nil && c.Type == TypeLocal }

// DataChannelURL returns ws://localhost:<port>/<wsDataUrl>.
func (c *Cookie) DataChannelURL() string {
	return wsURL(c.Port, c.WSDataURL)
}

// LogsChannelURL returns ws://localhost:<port>/<wsLogsUrl>.
func (c *Cookie) LogsChannelURL() string {
	return wsURL(c.Port, c.WSLogsURL)
}

func wsURL(port int, path string) string {
	return "ws://localhost:" + strconv.Itoa(port) + "/" + strings.TrimPrefix(path, "/")
}

// Backend returns the backend configuration advertised by the cookie.
func (c *Cookie) Backend() config.Backend {
	return config.NewBackend("", strings.TrimSuffix(c.Origin, "/"), c.WebPM)
}

// Encode renders the cookie value: the JSON document wrapped in quotes
// and URL-encoded.
func (c *Cookie) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(`"` + string(data) + `"`), nil
}

var cookieRe = regexp.MustCompile(`(^| )` + CookieName + `=([^;]+)`)

// ParseCookieHeader extracts the w3nest cookie from a Cookie header value
// ("a=1; w3nest=..."). It returns ErrNotFound when the cookie is absent.
func ParseCookieHeader(header string) (*Cookie, error) {
	m := cookieRe.FindStringSubmatch(header)
	if m == nil {
		return nil, ErrNotFound
	}
	return DecodeCookie(m[2])
}

// DecodeCookie decodes a raw cookie value.
func DecodeCookie(raw string) (*Cookie, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s cookie: %w", CookieName, err)
	}
	if len(decoded) < 2 {
		return nil, fmt.Errorf("decode %s cookie: value too short", CookieName)
	}
	var c Cookie
	if err := json.Unmarshal([]byte(decoded[1:len(decoded)-1]), &c); err != nil {
		return nil, fmt.Errorf("decode %s cookie: %w", CookieName, err)
	}
	return &c, nil
}

// Session stores a cookie with an expiration.
type Session struct {
	ID        string    `json:"id"`
	Cookie    Cookie    `json:"cookie"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a session for a cookie.
func New(id string, c Cookie, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{ID: id, Cookie: c, ExpiresAt: now.Add(ttl), CreatedAt: now}
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Store is the interface for session storage backends.
type Store interface {
	// Get retrieves a session by ID. It fails with ErrNotFound when there
	// is none and ErrExpired when it has expired.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Set stores a session.
	Set(ctx context.Context, session *Session) error

	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error

	// Cleanup removes expired sessions.
	Cleanup(ctx context.Context) error
}

// Source provides the cookie of the current local session.
type Source interface {
	Local(ctx context.Context) (*Cookie, error)
}

// Static is a Source returning a fixed cookie; nil means no session.
type Static struct{ Cookie *Cookie }

// Local implements Source.
func (s Static) Local(context.Context) (*Cookie, error) {
	if s.Cookie == nil {
		return nil, ErrNotFound
	}
	return s.Cookie, nil
}

// EnvSource reads the cookie from an environment-like lookup, either a
// raw cookie value or a full Cookie header.
type EnvSource struct {
	Lookup func(string) (string, bool)
	Key    string
}

// Local implements Source.
func (s EnvSource) Local(context.Context) (*Cookie, error) {
	raw, ok := s.Lookup(s.Key)
	if !ok || raw == "" {
		return nil, ErrNotFound
	}
	if strings.Contains(raw, CookieName+"=") {
		return ParseCookieHeader(raw)
	}
	return DecodeCookie(raw)
}

// Chain returns the first cookie found among sources. Sources without a
// session, or with an expired one, are skipped; ErrExpired is reported
// when nothing else is found.
type Chain []Source

// Local implements Source.
func (c Chain) Local(ctx context.Context) (*Cookie, error) {
	missing := ErrNotFound
	for _, s := range c {
		cookie, err := s.Local(ctx)
		switch {
		case err == nil:
			return cookie, nil
		case errors.Is(err, ErrExpired):
			missing = ErrExpired
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return nil, missing
}
