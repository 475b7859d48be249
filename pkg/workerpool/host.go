package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/pipeline"
)

// HostOptions configure the worker side of the protocol.
type HostOptions struct {
	// Entries are the entry points the worker can run; NewEntries() when nil.
	Entries *Entries
	// NewInstaller builds the installer of the bootstrap;
	// pipeline.NewInstaller when nil. Backend, PartitionID, CrossOrigin,
	// Sessions and Events are set from the bootstrap arguments.
	NewInstaller func(pipeline.Options) *pipeline.Installer
	// Installer holds the options the bootstrap does not set.
	Installer pipeline.Options
	Logger    *log.Logger
}

type host struct {
	conn    Conn
	opts    HostOptions
	scope   *WorkerScope
	logger  *log.Logger
	install sync.Mutex

	mu    sync.Mutex
	tasks map[string]*Context
}

// Serve runs a worker on conn until the other end closes it. Every Execute
// message runs its entry point in its own goroutine; the pool guarantees
// one task at a time per worker.
func Serve(ctx context.Context, conn Conn, opts HostOptions) error {
	if opts.Entries == nil {
		opts.Entries = NewEntries()
	}
	if opts.NewInstaller == nil {
		opts.NewInstaller = pipeline.NewInstaller
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	h := &host{
		conn:   conn,
		opts:   opts,
		scope:  newWorkerScope(),
		logger: logger,
		tasks:  make(map[string]*Context),
	}
	for {
		m, err := conn.Recv()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		switch m.Type {
		case TypeExecute:
			go h.execute(ctx, m)
		case TypeMainToWorker:
			h.deliver(m)
		default:
			h.logger.Warn("unexpected message", "type", m.Type, "task", m.TaskID)
		}
	}
}

// ServeStdio runs a worker on the standard streams of the process. Logs
// must go to stderr.
func ServeStdio(ctx context.Context, opts HostOptions) error {
	return Serve(ctx, NewConn(os.Stdin, os.Stdout, nil), opts)
}

func (h *host) post(m Message) {
	if err := h.conn.Send(m); err != nil {
		h.logger.Error("failed to post message", "type", m.Type, "task", m.TaskID, "err", err)
	}
}

func (h *host) execute(ctx context.Context, m Message) {
	c := &Context{taskID: m.TaskID, workerID: m.WorkerID, host: h}
	h.mu.Lock()
	h.tasks[m.TaskID] = c
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.tasks, m.TaskID)
		h.mu.Unlock()
	}()

	h.post(Message{Type: TypeStart, TaskID: m.TaskID, WorkerID: m.WorkerID})
	fn, ok := h.opts.Entries.Lookup(m.EntryPoint)
	if !ok {
		h.exit(c, nil, fmt.Errorf("%w: %s", ErrUnknownEntryPoint, m.EntryPoint))
		return
	}
	result, err := h.run(ctx, fn, Input{
		Args:     m.Args,
		TaskID:   m.TaskID,
		WorkerID: m.WorkerID,
		Context:  c,
		Scope:    h.scope,
	})
	h.exit(c, result, err)
}

func (h *host) run(ctx context.Context, fn EntryPoint, in Input) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entry point panicked: %v", r)
		}
	}()
	return fn(ctx, in)
}

// exit posts the terminal message of a task. A result that cannot be
// serialized is reported with PostError before a failed Exit.
func (h *host) exit(c *Context, result any, err error) {
	if err != nil {
		h.logger.Debug("task failed", "task", c.taskID, "err", err)
		h.post(exitMessage(c.taskID, c.workerID, true, err.Error()))
		return
	}
	raw, merr := json.Marshal(result)
	if merr != nil {
		h.post(Message{Type: TypePostError, TaskID: c.taskID, WorkerID: c.workerID, Error: merr.Error()})
		h.post(Message{Type: TypeExit, TaskID: c.taskID, WorkerID: c.workerID, Failed: true})
		return
	}
	h.post(Message{Type: TypeExit, TaskID: c.taskID, WorkerID: c.workerID, Result: raw})
}

func (h *host) deliver(m Message) {
	h.mu.Lock()
	c, ok := h.tasks[m.TaskID]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("data for a task not running", "task", m.TaskID)
		return
	}
	c.receive(m.Payload)
}

// Context is given to a running entry point to talk to the pool.
type Context struct {
	taskID   string
	workerID string
	host     *host

	mu      sync.Mutex
	onData  func(json.RawMessage)
	pending []json.RawMessage
}

// Info posts a log line, with optional JSON serializable details.
func (c *Context) Info(text string, data any) {
	m := Message{Type: TypeLog, TaskID: c.taskID, WorkerID: c.workerID, Text: text}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			m.JSON = raw
		}
	}
	c.host.post(m)
}

// SendData posts a Data message made of fields.
func (c *Context) SendData(fields map[string]any) error {
	m := Message{Type: TypeData, TaskID: c.taskID, WorkerID: c.workerID, Fields: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			c.host.post(Message{Type: TypePostError, TaskID: c.taskID, WorkerID: c.workerID, Error: err.Error()})
			return fmt.Errorf("encode field %s: %w", k, err)
		}
		m.Fields[k] = raw
	}
	c.host.post(m)
	return nil
}

// OnData sets the handler of data sent to the task with Pool.SendData.
// Data received before the handler is set is delivered to it right away.
func (c *Context) OnData(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onData = fn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, d := range pending {
		fn(d)
	}
}

func (c *Context) receive(d json.RawMessage) {
	c.mu.Lock()
	fn := c.onData
	if fn == nil {
		c.pending = append(c.pending, d)
	}
	c.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// Emit implements events.Sink by forwarding e as CdnEvent data.
func (c *Context) Emit(e events.Event) {
	_ = c.SendData(map[string]any{"type": DataCdnEvent, "event": e})
}

// TaskID returns the id of the running task.
func (c *Context) TaskID() string { return c.taskID }

// WorkerID returns the id of the worker.
func (c *Context) WorkerID() string { return c.workerID }
