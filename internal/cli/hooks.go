package cli

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/observability"
)

// traceHooks logs every observability hook at debug level. They are
// registered by --verbose runs only.
type traceHooks struct {
	logger *log.Logger
}

func registerTraceHooks(l *log.Logger) {
	h := traceHooks{logger: l.WithPrefix("trace")}
	observability.SetInstallHooks(h)
	observability.SetPoolHooks(h)
	observability.SetCacheHooks(h)
	observability.SetHTTPHooks(h)
}

func (h traceHooks) OnResolveStart(_ context.Context, modules []string) {
	h.logger.Debug("resolve", "modules", modules)
}

func (h traceHooks) OnResolveComplete(_ context.Context, modules []string, layers int, d time.Duration, err error) {
	h.logger.Debug("resolved", "modules", len(modules), "layers", layers, "took", d.Round(time.Millisecond), "err", err)
}

func (h traceHooks) OnLayerStart(_ context.Context, index, scripts, backends int) {
	h.logger.Debug("layer", "index", index, "scripts", scripts, "backends", backends)
}

func (h traceHooks) OnLayerComplete(_ context.Context, index int, d time.Duration, err error) {
	h.logger.Debug("layer done", "index", index, "took", d.Round(time.Millisecond), "err", err)
}

func (h traceHooks) OnFetch(_ context.Context, url string, size int, d time.Duration, err error) {
	h.logger.Debug("fetch", "url", url, "bytes", size, "took", d.Round(time.Millisecond), "err", err)
}

func (h traceHooks) OnWorkerCreated(_ context.Context, workerID string, d time.Duration, err error) {
	h.logger.Debug("worker ready", "worker", workerID, "took", d.Round(time.Millisecond), "err", err)
}

func (h traceHooks) OnTaskScheduled(_ context.Context, taskID, title string, queued int) {
	h.logger.Debug("task scheduled", "task", taskID, "title", title, "queued", queued)
}

func (h traceHooks) OnTaskExit(_ context.Context, taskID, workerID string, d time.Duration, failed bool) {
	h.logger.Debug("task exit", "task", taskID, "worker", workerID, "took", d.Round(time.Millisecond), "failed", failed)
}

func (h traceHooks) OnCacheHit(_ context.Context, keyType string) {
	h.logger.Debug("cache hit", "kind", keyType)
}

func (h traceHooks) OnCacheMiss(_ context.Context, keyType string) {
	h.logger.Debug("cache miss", "kind", keyType)
}

func (h traceHooks) OnCacheSet(_ context.Context, keyType string, size int) {
	h.logger.Debug("cache set", "kind", keyType, "bytes", size)
}

func (h traceHooks) OnRequest(_ context.Context, method, host, path string) {
	h.logger.Debug("http", "method", method, "host", host, "path", path)
}

func (h traceHooks) OnResponse(_ context.Context, method, host, path string, status int, d time.Duration) {
	h.logger.Debug("http response", "method", method, "host", host, "path", path, "status", status, "took", d.Round(time.Millisecond))
}

func (h traceHooks) OnError(_ context.Context, method, host, path string, err error) {
	h.logger.Debug("http error", "method", method, "host", host, "path", path, "err", err)
}
