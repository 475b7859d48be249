// Package backend installs backends through the local development server.
//
// Backends are services started by the local server on behalf of the
// page. An [Installer] posts the backend part of a loading graph to the
// server's install end-point and follows the installation on the server's
// data and log channels, filtering the messages by a per-install
// correlation id. Download, install and start phases become progress
// events; a failure in any phase is raised once the install request
// returns. On success the server answers with one client bundle per
// backend, decoded into a [Client] and registered like any other library.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/buildinfo"
	"github.com/matzehuels/webpm/pkg/channel"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/integrations"
	"github.com/matzehuels/webpm/pkg/registry"
	"github.com/matzehuels/webpm/pkg/session"
)

// Correlation headers of the install request.
const (
	HeaderTraceAttributes = "x-trace-attributes"
	HeaderInstallID       = "x-install-id"
)

// Labels of the log channel messages forwarded as console events.
const (
	LabelStartShell   = "Label.START_BACKEND_SH"
	LabelInstallShell = "Label.INSTALL_BACKEND_SH"
)

// Phase events reported on the data channel.
const (
	EventListening = "listening"
	EventFailed    = "failed"
)

// Once the install request returned, the installer keeps reading the
// channels until every backend listens, DefaultQuiet passes without a
// message of the install, or DefaultSettle passes.
const (
	DefaultSettle = time.Second
	DefaultQuiet  = 100 * time.Millisecond
)

// InstallBody is the payload of the install request.
type InstallBody struct {
	GraphType      string                 `json:"graphType,omitempty"`
	Definition     []graph.Layer          `json:"definition"`
	Lock           []graph.Library        `json:"lock"`
	BackendsConfig map[string]BuildConfig `json:"backendsConfig"`
	PartitionID    string                 `json:"partitionId"`
}

// Installed describes one backend in the install response.
type Installed struct {
	ClientBundle         string `json:"clientBundle"`
	Name                 string `json:"name"`
	Version              string `json:"version"`
	ExportedClientSymbol string `json:"exportedClientSymbol"`
}

// InstallResponse is the response of the install request.
type InstallResponse struct {
	Backends []Installed `json:"backends"`
}

// PhaseData is the data payload of a phase message.
type PhaseData struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Event   string `json:"event"`
}

// Options configure an Installer.
type Options struct {
	Registry *registry.Registry
	// Sessions provides the local server session. Required.
	Sessions session.Source
	// Dialer opens the data and log channels; websockets when nil.
	Dialer channel.Dialer
	Client *integrations.Client
	// Settle overrides DefaultSettle.
	Settle time.Duration
	// Quiet overrides DefaultQuiet.
	Quiet  time.Duration
	Logger *log.Logger
}

// Installer installs backends.
type Installer struct {
	reg      *registry.Registry
	sessions session.Source
	dialer   channel.Dialer
	client   *integrations.Client
	settle   time.Duration
	quiet    time.Duration
	logger   *log.Logger
}

// New creates an installer.
func New(opts Options) *Installer {
	i := &Installer{
		reg:      opts.Registry,
		sessions: opts.Sessions,
		dialer:   opts.Dialer,
		client:   opts.Client,
		settle:   opts.Settle,
		quiet:    opts.Quiet,
		logger:   opts.Logger,
	}
	if i.logger == nil {
		i.logger = log.New(io.Discard)
	}
	if i.reg == nil {
		i.reg = registry.New(i.logger)
	}
	if i.sessions == nil {
		i.sessions = session.Static{}
	}
	if i.dialer == nil {
		i.dialer = channel.WebsocketDialer{}
	}
	if i.client == nil {
		i.client = integrations.NewClient(nil, "backend", 0, nil)
	}
	if i.settle <= 0 {
		i.settle = DefaultSettle
	}
	if i.quiet <= 0 {
		i.quiet = DefaultQuiet
	}
	return i
}

// Request is one backend installation.
type Request struct {
	// Graph holds the backend entries to install.
	Graph *graph.LoadingGraph
	// Configurations are the build options per backend name.
	Configurations map[string]BuildConfig
	PartitionID    string
	Scope          *registry.Scope
	Events         events.Sink
}

// Install installs the backends of req.Graph and registers their
// clients. It returns the symbols bound.
func (i *Installer) Install(ctx context.Context, req Request) (registry.SymbolTable, error) {
	sink := events.OrDiscard(req.Events)
	info := func(text string) {
		sink.Emit(events.Console(events.LevelInfo, events.ComponentBackend, text))
	}

	if req.Graph == nil || req.Graph.IsEmpty() {
		info("No backend to install")
		return registry.SymbolTable{}, nil
	}
	cookie, err := i.sessions.Local(ctx)
	if err != nil || !cookie.IsLocal() {
		info("No cookie for local backend installation found, abort installation")
		return nil, &werrors.LocalYouwolRequired{Detail: "Backends installation requires the local youwol server"}
	}
	target := cookie.Backend()
	if target.URLBackendInstall == "" {
		return nil, &werrors.LocalYouwolRequired{Detail: "the local server does not advertise a backend install end-point"}
	}

	data, err := i.open(ctx, cookie.DataChannelURL())
	if err != nil {
		return nil, fmt.Errorf("open data channel: %w", err)
	}
	logs, err := i.open(ctx, cookie.LogsChannelURL())
	if err != nil {
		return nil, fmt.Errorf("open logs channel: %w", err)
	}

	installID := fmt.Sprintf("webpm-%d", rand.IntN(1_000_000_000))
	key := fmt.Sprintf("%s-%s:%s", buildinfo.Name, buildinfo.Version, installID)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m := newMonitor(key, installID, backendNames(req.Graph), sink, info)
	go m.run(subCtx, data.Subscribe(subCtx), logs.Subscribe(subCtx))

	body := InstallBody{
		GraphType:      req.Graph.GraphType,
		Definition:     req.Graph.Definition,
		Lock:           req.Graph.Lock,
		BackendsConfig: req.Configurations,
		PartitionID:    req.PartitionID,
	}
	if body.BackendsConfig == nil {
		body.BackendsConfig = map[string]BuildConfig{}
	}
	trace, _ := json.Marshal(map[string]string{key: installID})
	headers := map[string]string{
		HeaderTraceAttributes: string(trace),
		HeaderInstallID:       installID,
	}
	i.logger.Debug("install backends", "installId", installID, "url", target.URLBackendInstall, "count", len(req.Graph.Lock))

	var resp InstallResponse
	if err := i.client.PostJSON(ctx, target.URLBackendInstall, headers, body, &resp); err != nil {
		sink.Emit(events.Console(events.LevelError, events.ComponentBackend, "Backends installation request failed"))
		return nil, fmt.Errorf("install backends: %w", err)
	}

	if err := m.settle(ctx, i.settle, i.quiet); err != nil {
		return nil, err
	}
	cancel()
	if failure := m.failure(); failure != nil {
		i.logger.Error("an error occurred while preparing the backends", "name", failure.Name, "version", failure.Version, "detail", failure.Detail)
		return nil, &werrors.BackendException{Name: failure.Name, Version: failure.Version, Detail: failure.Detail}
	}

	return i.register(req, resp, data)
}

func (i *Installer) register(req Request, resp InstallResponse, data *channel.Channel) (registry.SymbolTable, error) {
	scope := req.Scope
	if scope == nil {
		scope = registry.NewScope(nil)
	}
	activated := make([]registry.Activated, 0, len(resp.Backends))
	for _, inst := range resp.Backends {
		client, err := decodeClient(inst, i.client, data)
		if err != nil {
			return nil, err
		}
		if client.PartitionID == "" {
			client.PartitionID = req.PartitionID
		}
		lib := graph.Library{Name: inst.Name, Version: inst.Version, Type: graph.KindBackend}
		if locked, ok := lockEntry(req.Graph, inst.Name, inst.Version); ok {
			lib = locked
		}
		if client.APIKey != "" {
			lib.APIKey = client.APIKey
		}
		symbol := inst.ExportedClientSymbol
		if symbol == "" {
			symbol = lib.ExportedSymbol
		}
		if symbol == "" {
			symbol = inst.Name
		}
		lib.Name = graph.BackendName(inst.Name, req.PartitionID)
		lib.ExportedSymbol = graph.BackendName(symbol, req.PartitionID)
		activated = append(activated, registry.Activated{Library: lib, URL: client.URLBase, Value: client})
	}
	return i.reg.RegisterActivated(activated, scope)
}

// Uninstall stops and removes the backends of a partition.
func (i *Installer) Uninstall(ctx context.Context, partitionID string) error {
	cookie, err := i.sessions.Local(ctx)
	if err != nil || !cookie.IsLocal() {
		return &werrors.LocalYouwolRequired{Detail: "Backends uninstallation requires the local youwol server"}
	}
	url := cookie.Backend().UninstallURL(partitionID)
	if url == "" {
		return &werrors.LocalYouwolRequired{Detail: "the local server does not advertise a backend uninstall end-point"}
	}
	if err := i.client.Delete(ctx, url, nil); err != nil {
		return fmt.Errorf("uninstall backends of partition %s: %w", partitionID, err)
	}
	i.logger.Info("backends uninstalled", "partition", partitionID)
	return nil
}

// open returns the channel at url, reusing the one of a previous install
// unless it has been closed since.
func (i *Installer) open(ctx context.Context, url string) (*channel.Channel, error) {
	dial := func(ctx context.Context) (*channel.Channel, error) {
		return channel.Open(ctx, i.dialer, url, i.logger)
	}
	c, err := i.reg.Channels.Do(ctx, url, dial)
	if err != nil {
		return nil, err
	}
	select {
	case <-c.Done():
		i.reg.Channels.Forget(url)
		return i.reg.Channels.Do(ctx, url, dial)
	default:
		return c, nil
	}
}

func backendNames(g *graph.LoadingGraph) []string {
	var names []string
	for _, lib := range g.Lock {
		if lib.IsBackend() && !slices.Contains(names, lib.Name) {
			names = append(names, lib.Name)
		}
	}
	return names
}

func lockEntry(g *graph.LoadingGraph, name, version string) (graph.Library, bool) {
	for _, lib := range g.Lock {
		if lib.Name == name && lib.Version == version {
			return lib, true
		}
	}
	return graph.Library{}, false
}

// phase maps a data channel label onto its event constructor and the
// topic used in error details.
type phase struct {
	label string
	topic string
	event func(name, version, event string) events.Event
}

var phases = []phase{
	{string(events.StepDownloadBackend), "downloading", events.DownloadBackend},
	{string(events.StepInstallBackend), "installing", events.InstallBackend},
	{string(events.StepStartBackend), "starting", events.StartBackend},
}

// monitor follows the channel messages of one install.
type monitor struct {
	key, id string
	sink    events.Sink
	info    func(string)
	done    chan struct{}
	// activity receives a signal per message of the install.
	activity chan struct{}

	mu      sync.Mutex
	pending []string
	err     *events.Event
}

func newMonitor(key, id string, pending []string, sink events.Sink, info func(string)) *monitor {
	return &monitor{
		key:      key,
		id:       id,
		pending:  pending,
		sink:     sink,
		info:     info,
		done:     make(chan struct{}),
		activity: make(chan struct{}, 1),
	}
}

// settle waits for the end of the install, a quiet period without
// messages, or the settle deadline.
func (m *monitor) settle(ctx context.Context, settle, quiet time.Duration) error {
	deadline := time.NewTimer(settle)
	defer deadline.Stop()
	idle := time.NewTimer(quiet)
	defer idle.Stop()
	for {
		select {
		case <-m.done:
			return nil
		case <-m.activity:
			idle.Reset(quiet)
		case <-idle.C:
			return nil
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *monitor) touch() {
	select {
	case m.activity <- struct{}{}:
	default:
	}
}

func (m *monitor) failure() *events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *monitor) mine(msg channel.ContextMessage) bool {
	return msg.Attributes[m.key] == m.id
}

// run consumes both channels until every backend listens, a phase fails,
// or the channels end.
func (m *monitor) run(ctx context.Context, data, logs <-chan channel.ContextMessage) {
	defer close(m.done)
	for data != nil || logs != nil {
		select {
		case msg, ok := <-data:
			if !ok {
				data = nil
				continue
			}
			if !m.mine(msg) {
				continue
			}
			m.touch()
			if m.onData(msg) {
				return
			}
		case msg, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			if !m.mine(msg) {
				continue
			}
			m.touch()
			if msg.HasLabel(LabelStartShell) || msg.HasLabel(LabelInstallShell) {
				m.sink.Emit(events.Console(events.LevelInfo, events.ComponentBackend, msg.Text))
			}
		case <-ctx.Done():
			return
		}
	}
}

// onData handles a data message and reports whether the install is over.
func (m *monitor) onData(msg channel.ContextMessage) bool {
	if msg.Attributes["event"] == EventFailed {
		return true
	}
	for _, p := range phases {
		if !msg.HasLabel(p.label) {
			continue
		}
		var d PhaseData
		if err := msg.DecodeData(&d); err != nil {
			return false
		}
		m.info(fmt.Sprintf("%s : %s", msg.Text, d.Event))
		if d.Event == EventFailed {
			ev := events.BackendError(d.Name, d.Version, "error while "+p.topic, d.Event)
			m.mu.Lock()
			m.err = &ev
			m.mu.Unlock()
			m.sink.Emit(ev)
			return true
		}
		m.sink.Emit(p.event(d.Name, d.Version, d.Event))
		if p.label == string(events.StepStartBackend) && d.Event == EventListening {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.pending = slices.DeleteFunc(m.pending, func(n string) bool { return n == d.Name })
			return len(m.pending) == 0
		}
		return false
	}
	return false
}
