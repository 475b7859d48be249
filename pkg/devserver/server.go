package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matzehuels/webpm/pkg/channel"
	"github.com/matzehuels/webpm/pkg/config"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/session"
)

// Topics of the data and logs channels, also their websocket paths.
const (
	DataTopic = "ws-data"
	LogsTopic = "ws-logs"
)

// Options configure a Server.
type Options struct {
	Index *Index
	// Addr is the listen address of Start; "127.0.0.1:0" when empty.
	Addr string
	// Hub carries the channel messages to the websocket clients; a new
	// one is created when nil.
	Hub *channel.Hub
	// Publisher also receives every channel message when set, for
	// instance a channel.RedisPublisher.
	Publisher channel.Publisher
	// Token grants access to private packages with an
	// "Authorization: Bearer <token>" header. Private packages are never
	// served without one.
	Token  string
	Logger *log.Logger
}

// Server is the local development server.
type Server struct {
	idx      *Index
	addr     string
	hub      *channel.Hub
	pub      channel.Publisher
	token    string
	paths    config.Paths
	logger   *log.Logger
	router   chi.Router
	backends partitions

	mu     sync.Mutex
	srv    *http.Server
	origin string
	port   int
}

// New creates a server. Call Start to listen, or mount Handler.
func New(opts Options) *Server {
	s := &Server{
		idx:    opts.Index,
		addr:   opts.Addr,
		hub:    opts.Hub,
		token:  opts.Token,
		logger: opts.Logger,
	}
	if s.idx == nil {
		s.idx, _ = NewIndex()
	}
	if s.addr == "" {
		s.addr = "127.0.0.1:0"
	}
	if s.hub == nil {
		s.hub = channel.NewHub()
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	s.pub = s.hub
	if opts.Publisher != nil {
		s.pub = channel.Fanout{s.hub, opts.Publisher}
	}
	s.paths = config.DefaultPaths()
	// Python packages come from the public indexes.
	s.paths.Pypi, s.paths.Pyodide = "", ""
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.setCookie)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Post(s.paths.LoadingGraph, s.handleLoadingGraph)
	r.Get(s.paths.Resource+"/*", s.handleResource)
	r.Post(s.paths.BackendInstall, s.handleInstallBackends)
	r.Delete(strings.ReplaceAll(s.paths.BackendUninstall, config.PartitionPlaceholder, "{partition}"), s.handleUninstallBackends)
	r.HandleFunc("/backends/{partition}/{name}", s.handleBackend)
	r.HandleFunc("/backends/{partition}/{name}/*", s.handleBackend)
	r.Get("/admin/system/backends/partitions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"partitions": s.backends.list()})
	})
	r.Handle("/"+DataTopic, channel.ServeHub(s.hub, DataTopic))
	r.Handle("/"+LogsTopic, channel.ServeHub(s.hub, LogsTopic))
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the hub the channel messages are published on.
func (s *Server) Hub() *channel.Hub { return s.hub }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.port = port
	s.origin = fmt.Sprintf("http://localhost:%d", port)
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "err", err)
		}
	}()
	s.logger.Info("development server listening", "origin", s.Origin(), "packages", len(s.idx.Packages))
	return nil
}

// Shutdown stops the server and every started backend.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, partition := range s.backends.list() {
		s.backends.drop(partition)
	}
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Origin returns "http://localhost:<port>" once started.
func (s *Server) Origin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// SetOrigin overrides the origin advertised by the cookie, for servers
// mounted with Handler.
func (s *Server) SetOrigin(origin string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origin, s.port = strings.TrimSuffix(origin, "/"), port
}

// Cookie returns the session advertised to clients.
func (s *Server) Cookie() session.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Cookie{
		Type:      session.TypeLocal,
		WSDataURL: DataTopic,
		WSLogsURL: LogsTopic,
		Port:      s.port,
		Origin:    s.origin,
		WebPM:     s.paths,
	}
}

// Backend returns the backend configuration of the server.
func (s *Server) Backend() config.Backend {
	c := s.Cookie()
	return c.Backend()
}

// BackendURL returns the base URL of a backend started for a partition.
func (s *Server) BackendURL(partition, name string) string {
	return fmt.Sprintf("%s/backends/%s/%s", s.Origin(), partition, name)
}

func (s *Server) setCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := s.Cookie()
		if value, err := c.Encode(); err == nil {
			http.SetCookie(w, &http.Cookie{Name: session.CookieName, Value: value, Path: "/"})
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) handleLoadingGraph(w http.ResponseWriter, r *http.Request) {
	var body QueryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, &werrors.LoadingGraphError{Detail: "malformed query body: " + err.Error()})
		return
	}
	g, err := s.idx.Resolve(body)
	if err != nil {
		s.logger.Warn("resolution failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Debug("resolved", "libraries", len(body.Libraries), "layers", len(g.Definition), "lock", len(g.Lock))
	writeJSON(w, http.StatusOK, g)
}

// handleResource serves "assetId/version/path" resources. The asset id is
// base64 and may contain slashes, so packages are matched by prefix.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	var pkg *Package
	var file string
	for _, p := range s.idx.Packages {
		prefix := p.AssetID() + "/" + p.Version + "/"
		if strings.HasPrefix(rest, prefix) {
			pkg, file = p, strings.TrimPrefix(rest, prefix)
			break
		}
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, &werrors.URLNotFound{URL: r.URL.Path})
		return
	}
	if pkg.Private && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, &werrors.Unauthorized{AssetID: pkg.AssetID(), Name: pkg.Name, URL: r.URL.Path})
		return
	}
	content, err := pkg.Read(file)
	if err != nil {
		writeError(w, http.StatusNotFound, &werrors.URLNotFound{AssetID: pkg.AssetID(), Name: pkg.Name, Version: pkg.Version, URL: r.URL.Path})
		return
	}
	if ct := mime.TypeByExtension(path.Ext(file)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	_, _ = w.Write(content)
}

func (s *Server) authorized(r *http.Request) bool {
	return s.token != "" && r.Header.Get("Authorization") == "Bearer "+s.token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an install error the way the resolution server
// reports them.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(werrors.ToServer(err))
}
