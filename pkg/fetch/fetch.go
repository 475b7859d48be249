// Package fetch downloads artifacts from the resource endpoint.
//
// A [Fetcher] deduplicates downloads by URL through the registry: an
// artifact is requested at most once per runtime, and concurrent requests
// for the same URL share the download. Progress is reported as events on
// the caller's sink, and HTTP failures map onto the typed install errors
// (401/403 to Unauthorized, 404 to URLNotFound) after the matching event
// has been emitted.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/cache"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/integrations"
	"github.com/matzehuels/webpm/pkg/observability"
	"github.com/matzehuels/webpm/pkg/registry"
)

// progressStep is the number of bytes between two SourceLoading events.
const progressStep = 32 << 10

// PatchFunc rewrites the URL of an artifact before it is fetched.
type PatchFunc func(t events.Target) string

// Options configure a Fetcher.
type Options struct {
	// ResourceURL is the base URL artifacts are served under.
	ResourceURL string
	Registry    *registry.Registry
	Client      *integrations.Client
	// PatchURL, when set, rewrites every artifact URL.
	PatchURL PatchFunc
	// Cache keeps artifact content across processes when set.
	Cache  cache.Cache
	Keyer  cache.Keyer
	TTL    time.Duration
	Logger *log.Logger
}

// Fetcher downloads artifacts.
type Fetcher struct {
	base   string
	reg    *registry.Registry
	client *integrations.Client
	patch  PatchFunc
	cache  cache.Cache
	keyer  cache.Keyer
	ttl    time.Duration
	logger *log.Logger
}

// New creates a fetcher.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		base:   strings.TrimSuffix(opts.ResourceURL, "/"),
		reg:    opts.Registry,
		client: opts.Client,
		patch:  opts.PatchURL,
		cache:  opts.Cache,
		keyer:  opts.Keyer,
		ttl:    opts.TTL,
		logger: opts.Logger,
	}
	if f.reg == nil {
		f.reg = registry.New(opts.Logger)
	}
	if f.client == nil {
		f.client = integrations.NewClient(nil, "fetch", 0, nil)
	}
	if f.cache == nil {
		f.cache = cache.NewNullCache()
	}
	if f.keyer == nil {
		f.keyer = cache.NewDefaultKeyer()
	}
	if f.logger == nil {
		f.logger = log.New(io.Discard)
	}
	return f
}

// ResourceURL returns the base URL artifacts are served under.
func (f *Fetcher) ResourceURL() string { return f.base }

// Target describes the artifact at path, a URL under the resource base or
// a path relative to it ("assetId/version/file"). The asset id and
// version are read from the path; name defaults to the file name. The
// patch function, if any, is applied.
func (f *Fetcher) Target(name, path string) events.Target {
	url := path
	if f.base != "" && !strings.HasPrefix(path, f.base) {
		url = f.base + "/" + strings.TrimPrefix(path, "/")
	}
	parts := strings.Split(strings.TrimPrefix(strings.TrimPrefix(url, f.base), "/"), "/")
	t := events.Target{Name: name, URL: url}
	if len(parts) > 0 {
		t.AssetID = parts[0]
	}
	if len(parts) > 1 {
		t.Version = parts[1]
	}
	if t.Name == "" {
		t.Name = parts[len(parts)-1]
	}
	if f.patch != nil {
		t.URL = f.patch(t)
	}
	return t
}

// Fetch returns the artifact at t.URL, downloading it unless it was
// already fetched or is being fetched. Callers joining a shared download
// receive a SourceLoaded event once it completes.
func (f *Fetcher) Fetch(ctx context.Context, t events.Target, sink events.Sink) (*registry.Artifact, error) {
	sink = events.OrDiscard(sink)
	ran := false
	a, err := f.reg.Scripts.Do(ctx, t.URL, func(ctx context.Context) (*registry.Artifact, error) {
		ran = true
		return f.download(ctx, t, sink)
	})
	if err == nil && !ran {
		sink.Emit(events.SourceLoaded(t))
	}
	return a, err
}

func (f *Fetcher) download(ctx context.Context, t events.Target, sink events.Sink) (*registry.Artifact, error) {
	artifact := &registry.Artifact{Name: t.Name, Version: t.Version, AssetID: t.AssetID, URL: t.URL}

	key := f.keyer.ArtifactKey(t.URL)
	if data, ok, _ := f.cache.Get(ctx, key); ok {
		observability.Cache().OnCacheHit(ctx, "artifact")
		artifact.Content = data
		sink.Emit(events.SourceLoaded(t))
		return artifact, nil
	}
	observability.Cache().OnCacheMiss(ctx, "artifact")

	sink.Emit(events.Start(t))
	start := time.Now()
	content, err := f.read(ctx, t, sink)
	observability.Install().OnFetch(ctx, t.URL, len(content), time.Since(start), err)
	if err != nil {
		return nil, f.fail(t, err, sink)
	}
	artifact.Content = content
	sink.Emit(events.SourceLoaded(t))

	if f.ttl > 0 && f.cache.Set(ctx, key, content, f.ttl) == nil {
		observability.Cache().OnCacheSet(ctx, "artifact", len(content))
	}
	return artifact, nil
}

func (f *Fetcher) read(ctx context.Context, t events.Target, sink events.Sink) ([]byte, error) {
	body, total, err := f.client.Open(ctx, t.URL, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	chunk := make([]byte, progressStep)
	for {
		n, err := body.Read(chunk)
		buf.Write(chunk[:n])
		if n > 0 {
			sink.Emit(events.SourceLoading(t, int64(buf.Len()), total))
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", integrations.ErrNetwork, err)
		}
	}
}

// Check verifies that t.URL is served, without keeping the content.
// Failures are reported like those of Fetch.
func (f *Fetcher) Check(ctx context.Context, t events.Target, sink events.Sink) error {
	body, _, err := f.client.Open(ctx, t.URL, nil)
	if err != nil {
		return f.fail(t, err, events.OrDiscard(sink))
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// fail maps an HTTP failure onto its install error, emitting the matching
// event first.
func (f *Fetcher) fail(t events.Target, err error, sink events.Sink) error {
	var se *integrations.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			sink.Emit(events.Unauthorized(t))
			return &werrors.Unauthorized{AssetID: t.AssetID, Name: t.Name, URL: t.URL}
		case http.StatusNotFound:
			sink.Emit(events.URLNotFound(t))
			return &werrors.URLNotFound{AssetID: t.AssetID, Name: t.Name, URL: t.URL, Version: t.Version}
		}
	}
	f.logger.Error("error while fetching artifact", "url", t.URL, "err", err)
	return fmt.Errorf("fetch %s: %w", t.URL, err)
}
