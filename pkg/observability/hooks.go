// Package observability provides hooks for metrics, tracing, and logging.
//
// This package enables optional instrumentation without adding hard
// dependencies on specific observability backends. Consumers register hooks
// at startup to receive events about installations, the worker pool, cache
// operations and HTTP calls.
//
// # Architecture
//
// The package uses a simple hooks pattern:
//   - Define hook interfaces for different event categories
//   - Provide no-op default implementations
//   - Allow registration of custom implementations at startup
//
// Hooks are registered by main, never by libraries, which keeps import
// graphs acyclic and library packages free of metrics frameworks.
//
// # Usage
//
// Register hooks at application startup:
//
//	func main() {
//	    observability.SetInstallHooks(&myInstallHooks{})
//	    observability.SetPoolHooks(&myPoolHooks{})
//	    // ... run application
//	}
//
// Libraries call hooks to emit events:
//
//	observability.Install().OnResolveStart(ctx, modules)
//	// ... query the loading graph ...
//	observability.Install().OnResolveComplete(ctx, modules, layers, duration, err)
package observability

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Install Hooks
// =============================================================================

// InstallHooks receives events from the installation pipeline.
type InstallHooks interface {
	// Resolution events
	OnResolveStart(ctx context.Context, modules []string)
	OnResolveComplete(ctx context.Context, modules []string, layers int, duration time.Duration, err error)

	// Layer events
	OnLayerStart(ctx context.Context, index, scripts, backends int)
	OnLayerComplete(ctx context.Context, index int, duration time.Duration, err error)

	// OnFetch records one artifact download.
	OnFetch(ctx context.Context, url string, size int, duration time.Duration, err error)
}

// =============================================================================
// Pool Hooks
// =============================================================================

// PoolHooks receives events from the worker pool.
type PoolHooks interface {
	// OnWorkerCreated records a worker whose bootstrap finished.
	OnWorkerCreated(ctx context.Context, workerID string, duration time.Duration, err error)

	// OnTaskScheduled records a task entering the pool.
	OnTaskScheduled(ctx context.Context, taskID, title string, queued int)

	// OnTaskExit records the terminal message of a task.
	OnTaskExit(ctx context.Context, taskID, workerID string, duration time.Duration, failed bool)
}

// =============================================================================
// Cache Hooks
// =============================================================================

// CacheHooks receives events from cache operations.
type CacheHooks interface {
	// OnCacheHit records a cache hit.
	OnCacheHit(ctx context.Context, keyType string)

	// OnCacheMiss records a cache miss.
	OnCacheMiss(ctx context.Context, keyType string)

	// OnCacheSet records a cache write.
	OnCacheSet(ctx context.Context, keyType string, size int)
}

// =============================================================================
// HTTP Hooks
// =============================================================================

// HTTPHooks receives events from HTTP client operations.
type HTTPHooks interface {
	// OnRequest records an outgoing HTTP request.
	OnRequest(ctx context.Context, method, host, path string)

	// OnResponse records an HTTP response.
	OnResponse(ctx context.Context, method, host, path string, statusCode int, duration time.Duration)

	// OnError records an HTTP error (network failure, timeout).
	OnError(ctx context.Context, method, host, path string, err error)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopInstallHooks is a no-op implementation of InstallHooks.
type NoopInstallHooks struct{}

func (NoopInstallHooks) OnResolveStart(context.Context, []string) {}
func (NoopInstallHooks) OnResolveComplete(context.Context, []string, int, time.Duration, error) {
}
func (NoopInstallHooks) OnLayerStart(context.Context, int, int, int)                     {}
func (NoopInstallHooks) OnLayerComplete(context.Context, int, time.Duration, error)       {}
func (NoopInstallHooks) OnFetch(context.Context, string, int, time.Duration, error)      {}

// NoopPoolHooks is a no-op implementation of PoolHooks.
type NoopPoolHooks struct{}

func (NoopPoolHooks) OnWorkerCreated(context.Context, string, time.Duration, error)    {}
func (NoopPoolHooks) OnTaskScheduled(context.Context, string, string, int)             {}
func (NoopPoolHooks) OnTaskExit(context.Context, string, string, time.Duration, bool)  {}

// NoopCacheHooks is a no-op implementation of CacheHooks.
type NoopCacheHooks struct{}

func (NoopCacheHooks) OnCacheHit(context.Context, string)      {}
func (NoopCacheHooks) OnCacheMiss(context.Context, string)     {}
func (NoopCacheHooks) OnCacheSet(context.Context, string, int) {}

// NoopHTTPHooks is a no-op implementation of HTTPHooks.
type NoopHTTPHooks struct{}

func (NoopHTTPHooks) OnRequest(context.Context, string, string, string)                      {}
func (NoopHTTPHooks) OnResponse(context.Context, string, string, string, int, time.Duration) {}
func (NoopHTTPHooks) OnError(context.Context, string, string, string, error)                 {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	installHooks InstallHooks = NoopInstallHooks{}
	poolHooks    PoolHooks    = NoopPoolHooks{}
	cacheHooks   CacheHooks   = NoopCacheHooks{}
	httpHooks    HTTPHooks    = NoopHTTPHooks{}
	hooksMu      sync.RWMutex
)

// SetInstallHooks registers custom install hooks.
// This should be called once at application startup before any installation.
func SetInstallHooks(h InstallHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		installHooks = h
	}
}

// SetPoolHooks registers custom worker pool hooks.
func SetPoolHooks(h PoolHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		poolHooks = h
	}
}

// SetCacheHooks registers custom cache hooks.
// This should be called once at application startup before any cache operations.
func SetCacheHooks(h CacheHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		cacheHooks = h
	}
}

// SetHTTPHooks registers custom HTTP hooks.
// This should be called once at application startup before any HTTP operations.
func SetHTTPHooks(h HTTPHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		httpHooks = h
	}
}

// Install returns the registered install hooks.
func Install() InstallHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return installHooks
}

// Pool returns the registered worker pool hooks.
func Pool() PoolHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return poolHooks
}

// Cache returns the registered cache hooks.
func Cache() CacheHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return cacheHooks
}

// HTTP returns the registered HTTP hooks.
func HTTP() HTTPHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return httpHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	installHooks = NoopInstallHooks{}
	poolHooks = NoopPoolHooks{}
	cacheHooks = NoopCacheHooks{}
	httpHooks = NoopHTTPHooks{}
}
