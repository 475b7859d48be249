package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/webpm/pkg/config"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/observability"
	"github.com/matzehuels/webpm/pkg/pipeline"
	"github.com/matzehuels/webpm/pkg/session"
	"github.com/matzehuels/webpm/pkg/stream"
)

var (
	// ErrUnknownWorker is returned when a task targets a worker that was
	// never created.
	ErrUnknownWorker = errors.New("provided workerId not known")

	// ErrTaskNotRunning is returned by SendData for a task that is not
	// running.
	ErrTaskNotRunning = errors.New("task not running")

	// ErrTerminated is returned once the pool is terminated.
	ErrTerminated = errors.New("pool terminated")
)

// BootstrapTitle is the title of the task installing a worker.
const BootstrapTitle = "Install environment"

// Status of a worker.
type Status string

const (
	StatusInstalling Status = "installing"
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
)

// Size bounds the number of workers.
type Size struct {
	// StartAt workers are created with the pool; Ready waits for them.
	StartAt int
	// StretchTo is the maximum number of workers.
	StretchTo int
}

// Options configure a Pool.
type Options struct {
	// Install is run in every worker before its first task.
	Install pipeline.Request
	// Backend is the configuration workers install from.
	Backend     config.Backend
	PartitionID string
	CrossOrigin string
	// Sessions provide the local session forwarded to workers for backend
	// installs; optional.
	Sessions session.Source

	// Variables are exposed to every task; values must be JSON
	// serializable.
	Variables map[string]any
	// Functions expose entry points under other names (id -> entry point).
	Functions        map[string]string
	PostInstallTasks []Task

	Size Size
	// Factory creates workers; InProcess{} when nil.
	Factory Factory
	// Events also receives the events of Pool.Events.
	Events events.Sink
	Logger *log.Logger
}

// ScheduleInput describes a task.
type ScheduleInput struct {
	Title string
	// EntryPoint is the name of a registered entry point.
	EntryPoint string
	// Args are JSON encoded before being sent to the worker.
	Args any
	// TargetWorkerID pins the task to a worker.
	TargetWorkerID string
}

// WorkerInfo describes a worker.
type WorkerInfo struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	TaskID string `json:"taskId,omitempty"`
	Tasks  int    `json:"tasks"`
}

// RunningTask describes a task being executed.
type RunningTask struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
	Title    string `json:"title"`
}

type task struct {
	id         string
	title      string
	entryPoint string
	args       json.RawMessage
	target     string
	bootstrap  bool
	messages   *stream.Replay[Message]
	queuedAt   time.Time
	startedAt  time.Time
	workerID   string
	once       sync.Once
}

// end publishes the Exit message of t and closes its stream. Only the
// first call has an effect.
func (t *task) end(m Message) bool {
	ended := false
	t.once.Do(func() {
		t.messages.Publish(m)
		t.messages.Close()
		ended = true
	})
	return ended
}

type worker struct {
	id        string
	conn      Conn
	status    Status
	current   *task
	affinity  []*task
	done      int
	createdAt time.Time
	ready     chan struct{}
}

// dispatch is an Execute message to send once the pool lock is released.
type dispatch struct {
	w *worker
	t *task
}

// Pool schedules tasks on a bounded set of workers. Workers are created
// lazily up to Size.StretchTo; each one runs one task at a time. A task
// pinned to a worker waits for that worker; other tasks go to an idle
// worker, a new worker if the pool may still grow, or a shared FIFO
// queue. It is safe for concurrent use.
type Pool struct {
	opts    Options
	factory Factory
	logger  *log.Logger
	hooks   observability.PoolHooks
	events  *events.Bus
	sink    events.Sink

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	requested  int
	workers    map[string]*worker
	order      []string
	queue      []*task
	tasks      map[string]*task
	changed    chan struct{}
	terminated bool
}

// New creates a pool and starts creating Size.StartAt workers.
func New(opts Options) *Pool {
	if opts.Size.StretchTo <= 0 {
		opts.Size.StretchTo = config.DefaultStretchTo()
	}
	opts.Size.StartAt = min(max(opts.Size.StartAt, 0), opts.Size.StretchTo)
	if opts.PartitionID == "" {
		opts.PartitionID = uuid.NewString()[:8]
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	factory := opts.Factory
	if factory == nil {
		factory = InProcess{Host: HostOptions{Logger: logger}}
	}
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:    opts,
		factory: factory,
		logger:  logger,
		hooks:   observability.Pool(),
		events:  bus,
		sink:    events.Multi(bus, opts.Events),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
		tasks:   make(map[string]*task),
		changed: make(chan struct{}),
	}
	if opts.Size.StartAt > 0 {
		go func() {
			if err := p.Reserve(ctx, opts.Size.StartAt); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("failed to reserve workers", "err", err)
			}
		}()
	}
	return p
}

// Size returns the bounds of the pool.
func (p *Pool) Size() Size { return p.opts.Size }

// PartitionID returns the backends partition shared by the workers.
func (p *Pool) PartitionID() string { return p.opts.PartitionID }

// Events returns the progress events of every worker install, tagged
// with the worker id.
func (p *Pool) Events() *events.Bus { return p.events }

func newTaskID() string { return "t" + uuid.NewString()[:8] }

// Schedule submits a task and returns its messages. The stream always
// ends with exactly one Exit message.
func (p *Pool) Schedule(ctx context.Context, in ScheduleInput) (*stream.Replay[Message], error) {
	args, err := json.Marshal(in.Args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments of %s: %w", in.Title, err)
	}
	t := &task{
		id:         newTaskID(),
		title:      in.Title,
		entryPoint: in.EntryPoint,
		args:       args,
		target:     in.TargetWorkerID,
		messages:   stream.NewReplay[Message](),
		queuedAt:   time.Now(),
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil, ErrTerminated
	}
	var d *dispatch
	if t.target != "" {
		w, ok := p.workers[t.target]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, t.target)
		}
		p.tasks[t.id] = t
		w.affinity = append(w.affinity, t)
		if w.status == StatusIdle {
			d = p.pick(w)
		}
	} else {
		p.tasks[t.id] = t
		p.queue = append(p.queue, t)
		if w := p.idleWorker(); w != nil {
			d = p.pick(w)
		} else if p.requested < p.opts.Size.StretchTo {
			p.spawn()
		} else {
			p.logger.Debug("no worker available and max worker count reached", "task", t.id)
		}
	}
	queued := len(p.queue)
	p.mu.Unlock()

	p.logger.Info(fmt.Sprintf("Schedule task %s (%s)", t.title, t.id))
	p.hooks.OnTaskScheduled(ctx, t.id, t.title, queued)
	p.send(d)
	return t.messages, nil
}

// Run schedules a task and waits for its Exit message. A failed task
// returns its Exit message and an error.
func (p *Pool) Run(ctx context.Context, in ScheduleInput) (Message, error) {
	messages, err := p.Schedule(ctx, in)
	if err != nil {
		return Message{}, err
	}
	exit, err := messages.First(ctx, Message.IsTerminal)
	if err != nil {
		return Message{}, err
	}
	if exit.Failed {
		var detail string
		_ = exit.DecodeResult(&detail)
		return exit, fmt.Errorf("task %s failed: %s", in.Title, detail)
	}
	return exit, nil
}

// SendData sends data to the entry point running a task.
func (p *Pool) SendData(taskID string, data any) error {
	p.mu.Lock()
	var w *worker
	if t, ok := p.tasks[taskID]; ok && t.workerID != "" {
		if cand := p.workers[t.workerID]; cand != nil && cand.current == t {
			w = cand
		}
	}
	p.mu.Unlock()
	if w == nil {
		p.logger.Error(fmt.Sprintf("no task #%s running", taskID))
		return fmt.Errorf("%w: %s", ErrTaskNotRunning, taskID)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	return w.conn.Send(Message{Type: TypeMainToWorker, TaskID: taskID, WorkerID: w.id, Payload: raw})
}

// Reserve creates up to n workers, never exceeding StretchTo, and waits
// until they are installed.
func (p *Pool) Reserve(ctx context.Context, n int) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrTerminated
	}
	var created []*worker
	for i := 0; i < n && p.requested < p.opts.Size.StretchTo; i++ {
		created = append(created, p.spawn())
	}
	p.mu.Unlock()

	for _, w := range created {
		select {
		case <-w.ready:
		case <-p.ctx.Done():
			return ErrTerminated
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Ready waits until StartAt workers are installed.
func (p *Pool) Ready(ctx context.Context) error {
	for {
		p.mu.Lock()
		ready := 0
		for _, w := range p.workers {
			if w.status != StatusInstalling {
				ready++
			}
		}
		changed, terminated := p.changed, p.terminated
		p.mu.Unlock()

		if ready >= p.opts.Size.StartAt {
			return nil
		}
		if terminated {
			return ErrTerminated
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Workers returns the workers in creation order.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.order))
	for _, id := range p.order {
		w := p.workers[id]
		info := WorkerInfo{ID: w.id, Status: w.status, Tasks: w.done}
		if w.current != nil {
			info.TaskID = w.current.id
		}
		out = append(out, info)
	}
	return out
}

// Running returns the tasks being executed, sorted by task id.
func (p *Pool) Running() []RunningTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []RunningTask
	for _, w := range p.workers {
		if t := w.current; t != nil && !t.bootstrap {
			out = append(out, RunningTask{TaskID: t.id, WorkerID: w.id, Title: t.title})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Terminate stops every worker. Tasks not yet finished end with a failed
// Exit message.
func (p *Pool) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	var conns []Conn
	for _, w := range p.workers {
		if w.conn != nil {
			conns = append(conns, w.conn)
		}
	}
	var open []*task
	for _, t := range p.tasks {
		open = append(open, t)
	}
	p.tasks = make(map[string]*task)
	p.queue = nil
	p.signal()
	p.mu.Unlock()

	p.cancel()
	for _, t := range open {
		p.abort(t, ErrTerminated)
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			p.logger.Debug("worker closed", "err", err)
		}
	}
	p.events.Close()
}

// signal wakes Ready callers. Callers hold p.mu.
func (p *Pool) signal() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) idleWorker() *worker {
	for _, id := range p.order {
		if w := p.workers[id]; w.status == StatusIdle {
			return w
		}
	}
	return nil
}

// spawn registers a new worker and starts creating it. Callers hold p.mu.
func (p *Pool) spawn() *worker {
	p.requested++
	w := &worker{
		id:        "w" + uuid.NewString()[:8],
		status:    StatusInstalling,
		createdAt: time.Now(),
		ready:     make(chan struct{}),
	}
	p.workers[w.id] = w
	p.order = append(p.order, w.id)
	p.logger.Debug("new worker requested", "worker", w.id, "requested", p.requested)
	go p.create(w)
	return w
}

func (p *Pool) create(w *worker) {
	conn, err := p.factory.Create(p.ctx, w.id)
	if err != nil {
		p.logger.Error("failed to create worker", "worker", w.id, "err", err)
		p.hooks.OnWorkerCreated(p.ctx, w.id, time.Since(w.createdAt), err)
		p.lost(w, err)
		return
	}

	args, err := json.Marshal(p.installArgs())
	if err != nil {
		conn.Close()
		p.lost(w, err)
		return
	}
	boot := &task{
		id:         newTaskID(),
		title:      BootstrapTitle,
		entryPoint: EntryInstall,
		args:       args,
		target:     w.id,
		bootstrap:  true,
		messages:   stream.NewReplay[Message](),
		queuedAt:   time.Now(),
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		conn.Close()
		return
	}
	w.conn = conn
	p.tasks[boot.id] = boot
	boot.workerID = w.id
	boot.startedAt = time.Now()
	w.current = boot
	p.mu.Unlock()

	go p.read(w)
	p.logger.Info(fmt.Sprintf("Schedule task %s (%s)", boot.title, boot.id), "worker", w.id)
	p.send(&dispatch{w: w, t: boot})
}

func (p *Pool) installArgs() InstallArgs {
	args := InstallArgs{
		Backend:          p.opts.Backend,
		PartitionID:      p.opts.PartitionID,
		CrossOrigin:      p.opts.CrossOrigin,
		Install:          p.opts.Install,
		Variables:        []Variable{},
		Functions:        []Function{},
		PostInstallTasks: p.opts.PostInstallTasks,
	}
	if args.PostInstallTasks == nil {
		args.PostInstallTasks = []Task{}
	}
	if p.opts.Sessions != nil {
		if cookie, err := p.opts.Sessions.Local(p.ctx); err == nil {
			args.Session = cookie
		}
	}
	for _, id := range sortedKeys(p.opts.Variables) {
		raw, err := json.Marshal(p.opts.Variables[id])
		if err != nil {
			p.logger.Warn("variable not serializable, skipped", "id", id, "err", err)
			continue
		}
		args.Variables = append(args.Variables, Variable{ID: id, Value: raw})
	}
	for _, id := range sortedKeys(p.opts.Functions) {
		args.Functions = append(args.Functions, Function{ID: id, Target: p.opts.Functions[id]})
	}
	return args
}

// pick assigns the next task of w: its own queue first, then the shared
// FIFO. Callers hold p.mu and send the returned dispatch after unlocking.
func (p *Pool) pick(w *worker) *dispatch {
	if w.status == StatusBusy {
		panic(fmt.Sprintf("workerpool: can not pick task by %s: worker already busy", w.id))
	}
	var t *task
	switch {
	case len(w.affinity) > 0:
		t, w.affinity = w.affinity[0], w.affinity[1:]
	case len(p.queue) > 0:
		t, p.queue = p.queue[0], p.queue[1:]
	default:
		return nil
	}
	w.status = StatusBusy
	w.current = t
	t.workerID = w.id
	t.startedAt = time.Now()
	p.logger.Debug("pick task", "task", t.id, "worker", w.id, "waited", time.Since(t.queuedAt))
	return &dispatch{w: w, t: t}
}

func (p *Pool) send(d *dispatch) {
	if d == nil {
		return
	}
	err := d.w.conn.Send(Message{
		Type:       TypeExecute,
		TaskID:     d.t.id,
		WorkerID:   d.w.id,
		EntryPoint: d.t.entryPoint,
		Args:       d.t.args,
	})
	if err != nil {
		p.logger.Error("failed to send task", "task", d.t.id, "worker", d.w.id, "err", err)
		p.route(d.w, exitMessage(d.t.id, d.w.id, true, err.Error()))
	}
}

// read routes the messages of a worker until its channel closes.
func (p *Pool) read(w *worker) {
	for {
		m, err := w.conn.Recv()
		if err != nil {
			p.lost(w, err)
			return
		}
		p.route(w, m)
	}
}

func (p *Pool) route(w *worker, m Message) {
	p.mu.Lock()
	t, ok := p.tasks[m.TaskID]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("message for an unknown task", "type", m.Type, "task", m.TaskID)
		return
	}

	switch m.Type {
	case TypeStart:
		p.logger.Info(fmt.Sprintf("Start task %s (%s)", t.title, t.id), "worker", w.id)
	case TypeLog:
		p.logger.Info(fmt.Sprintf("%s (%s): %s", t.title, t.id, m.Text))
	case TypeData:
		if e, ok := m.CdnEvent(); ok {
			events.Tagged(p.sink, w.id).Emit(e)
		}
	case TypePostError:
		p.logger.Error("worker failed to post a message", "task", t.id, "worker", w.id, "err", m.Error)
	}
	if m.Type != TypeExit {
		t.messages.Publish(m)
		return
	}
	if t.end(m) {
		p.exit(w, t, m)
	}
}

// exit releases w after its task ended and picks the next one.
func (p *Pool) exit(w *worker, t *task, m Message) {
	if m.Failed {
		var detail string
		_ = m.DecodeResult(&detail)
		p.logger.Warn(fmt.Sprintf("Task failed %s (%s)", t.title, t.id), "worker", w.id, "err", detail)
	} else {
		p.logger.Info(fmt.Sprintf("Task succeeded %s (%s)", t.title, t.id), "worker", w.id)
	}
	p.hooks.OnTaskExit(p.ctx, t.id, w.id, time.Since(t.startedAt), m.Failed)

	p.mu.Lock()
	delete(p.tasks, t.id)
	if w.current != t {
		p.mu.Unlock()
		return
	}
	w.current = nil
	if p.terminated {
		p.mu.Unlock()
		return
	}
	if t.bootstrap {
		var err error
		if m.Failed {
			err = errors.New("bootstrap failed")
		}
		p.hooks.OnWorkerCreated(p.ctx, w.id, time.Since(w.createdAt), err)
		p.logger.Info(fmt.Sprintf("New worker ready (%s), pick task if any", w.id))
		close(w.ready)
		p.signal()
	} else {
		w.done++
	}
	w.status = StatusIdle
	d := p.pick(w)
	p.mu.Unlock()
	p.send(d)
}

// lost removes a worker whose channel failed. Its tasks end with a failed
// Exit; queued tasks are handed to a replacement worker when the pool may
// grow, and fail when no worker is left to run them.
func (p *Pool) lost(w *worker, cause error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	if errors.Is(cause, io.EOF) {
		cause = errors.New("worker exited")
	}
	p.logger.Error("worker lost", "worker", w.id, "err", cause)

	delete(p.workers, w.id)
	for i, id := range p.order {
		if id == w.id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.requested--
	failed := append([]*task(nil), w.affinity...)
	w.affinity = nil
	if w.current != nil {
		failed = append(failed, w.current)
		w.current = nil
	}
	if w.status == StatusInstalling {
		select {
		case <-w.ready:
		default:
			close(w.ready)
		}
	}
	if len(p.workers) == 0 && len(p.queue) > 0 {
		failed = append(failed, p.queue...)
		p.queue = nil
	}
	for _, t := range failed {
		delete(p.tasks, t.id)
	}
	// Workers that never became ready are not replaced: queued tasks wait
	// for the remaining workers, or fail above once none are left.
	if w.status != StatusInstalling && len(p.queue) > 0 && p.idleWorker() == nil && p.requested < p.opts.Size.StretchTo && len(p.workers) > 0 {
		p.spawn()
	}
	p.signal()
	p.mu.Unlock()

	for _, t := range failed {
		p.abort(t, cause)
	}
}

// abort ends a task that will never run to completion.
func (p *Pool) abort(t *task, cause error) {
	if t.end(exitMessage(t.id, t.workerID, true, cause.Error())) {
		p.hooks.OnTaskExit(p.ctx, t.id, t.workerID, 0, true)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
