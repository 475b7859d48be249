package cli

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/events"
)

// newLogger creates a new logger with timestamp formatting.
// Timestamps are formatted as "HH:MM:SS.ms" (e.g., "14:32:01.45").
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// progress tracks the start time of an operation and logs completion with elapsed duration.
type progress struct {
	logger *log.Logger
	start  time.Time
}

func newProgress(l *log.Logger) *progress {
	return &progress{logger: l, start: time.Now()}
}

// done logs msg along with the elapsed time since progress was created.
// Example output: "Installed 42 libraries (1.234s)"
func (p *progress) done(msg string) {
	p.logger.Infof("%s (%s)", msg, time.Since(p.start).Round(time.Millisecond))
}

// eventLogger logs progress events. Console events keep their level;
// everything else is debug output.
func eventLogger(l *log.Logger) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		if e.Step == events.StepConsole {
			kv := []any{"component", e.Component}
			if e.WorkerID != "" {
				kv = append(kv, "worker", e.WorkerID)
			}
			switch e.Level {
			case events.LevelError:
				l.Error(e.Text, kv...)
			case events.LevelWarning:
				l.Warn(e.Text, kv...)
			default:
				l.Info(e.Text, kv...)
			}
			return
		}
		kv := []any{"step", e.Step, "status", e.Status}
		if e.TargetName != "" {
			kv = append(kv, "target", e.TargetName)
		}
		if e.Name != "" {
			kv = append(kv, "name", e.Name)
		}
		if e.Error != "" {
			kv = append(kv, "err", e.Error)
		}
		l.Debug(e.Text, kv...)
	})
}

type ctxKey int

const loggerKey ctxKey = 0

// withLogger returns a new context with the given logger attached.
func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext retrieves the logger from ctx, or log.Default() when
// none is attached.
func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
