package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/observability"
)

func TestTraceHooks(t *testing.T) {
	var buf bytes.Buffer
	registerTraceHooks(newLogger(&buf, log.DebugLevel))
	t.Cleanup(observability.Reset)

	ctx := context.Background()
	observability.Install().OnFetch(ctx, "http://localhost/api/assets/cnhqcw==/7.8.1/rxjs.js", 1024, time.Millisecond, nil)
	observability.Cache().OnCacheHit(ctx, "graph")
	observability.Pool().OnTaskExit(ctx, "t1", "w1", time.Second, true)

	got := buf.String()
	for _, want := range []string{"fetch", "bytes=1024", "cache hit", "kind=graph", "task=t1", "failed=true"} {
		if !strings.Contains(got, want) {
			t.Errorf("trace output misses %q:\n%s", want, got)
		}
	}
}
