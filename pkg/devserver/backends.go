package devserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"slices"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/matzehuels/webpm/pkg/backend"
	"github.com/matzehuels/webpm/pkg/channel"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/graph"
)

// Phase events published besides the terminal ones of the backend package.
const (
	eventStarted   = "started"
	eventSucceeded = "succeeded"
)

// running is a backend started for a partition.
type running struct {
	pkg  *Package
	cmd  *exec.Cmd
	done chan struct{}
}

func (b *running) stop() {
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
		<-b.done
	}
}

// partitions tracks the backends started per partition.
type partitions struct {
	mu  sync.Mutex
	all map[string]map[string]*running // partition -> name -> backend
}

func (p *partitions) get(partition, name string) (*running, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.all[partition][name]
	return b, ok
}

func (p *partitions) put(partition string, b *running) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.all == nil {
		p.all = make(map[string]map[string]*running)
	}
	if p.all[partition] == nil {
		p.all[partition] = make(map[string]*running)
	}
	if prev, ok := p.all[partition][b.pkg.Name]; ok {
		defer prev.stop()
	}
	p.all[partition][b.pkg.Name] = b
}

// drop removes a partition and returns the names of its backends.
func (p *partitions) drop(partition string) []string {
	p.mu.Lock()
	backends := p.all[partition]
	delete(p.all, partition)
	p.mu.Unlock()

	names := make([]string, 0, len(backends))
	for name, b := range backends {
		b.stop()
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (p *partitions) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.all))
	for id := range p.all {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// install is one backend install request.
type install struct {
	s     *Server
	ctx   context.Context
	attrs map[string]string
	body  backend.InstallBody
}

func (in *install) publish(topic, label, text string, data any) {
	m := channel.ContextMessage{Text: text, Labels: []string{label}, Attributes: in.attrs}
	if data != nil {
		m.Data, _ = json.Marshal(data)
	}
	if err := in.s.pub.Publish(in.ctx, topic, m); err != nil {
		in.s.logger.Warn("publish failed", "topic", topic, "err", err)
	}
}

func (in *install) phase(step events.Step, p *Package, event string) {
	in.publish(DataTopic, string(step), fmt.Sprintf("%s#%s", p.Name, p.Version),
		backend.PhaseData{Name: p.Name, Version: p.Version, Event: event})
}

// logLines publishes every line of r on the logs channel.
func (in *install) logLines(label string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		in.publish(LogsTopic, label, sc.Text(), nil)
	}
}

// run brings one backend up. It reports false when a phase failed.
func (in *install) run(p *Package) bool {
	in.phase(events.StepDownloadBackend, p, eventStarted)
	in.phase(events.StepDownloadBackend, p, eventSucceeded)

	in.phase(events.StepInstallBackend, p, eventStarted)
	if cmd := in.s.shell(in.ctx, p, p.Backend.Install); cmd != nil {
		out, err := cmd.CombinedOutput()
		in.logLines(backend.LabelInstallShell, bytes.NewReader(out))
		if err != nil {
			in.s.logger.Warn("backend install failed", "backend", p.Key(), "err", err)
			in.phase(events.StepInstallBackend, p, backend.EventFailed)
			return false
		}
	}
	in.phase(events.StepInstallBackend, p, eventSucceeded)

	in.phase(events.StepStartBackend, p, eventStarted)
	b := &running{pkg: p, done: make(chan struct{})}
	if cmd := in.s.shell(context.Background(), p, p.Backend.Start); cmd != nil {
		pr, pw := io.Pipe()
		cmd.Stdout, cmd.Stderr = pw, pw
		if err := cmd.Start(); err != nil {
			in.s.logger.Warn("backend start failed", "backend", p.Key(), "err", err)
			in.phase(events.StepStartBackend, p, backend.EventFailed)
			return false
		}
		logs := &install{s: in.s, ctx: context.WithoutCancel(in.ctx), attrs: in.attrs}
		go logs.logLines(backend.LabelStartShell, pr)
		go func() {
			_ = cmd.Wait()
			pw.Close()
			close(b.done)
		}()
		b.cmd = cmd
	} else {
		close(b.done)
	}
	in.s.backends.put(in.body.PartitionID, b)
	in.phase(events.StepStartBackend, p, backend.EventListening)
	return true
}

func (s *Server) shell(ctx context.Context, p *Package, script string) *exec.Cmd {
	if script == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = p.Dir
	return cmd
}

func (s *Server) handleInstallBackends(w http.ResponseWriter, r *http.Request) {
	var body backend.InstallBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, &werrors.LoadingGraphError{Detail: "malformed install body", Cause: err})
		return
	}
	var attrs map[string]string
	_ = json.Unmarshal([]byte(r.Header.Get(backend.HeaderTraceAttributes)), &attrs)
	in := &install{s: s, ctx: r.Context(), attrs: attrs, body: body}
	s.logger.Info("install backends", "partition", body.PartitionID, "installId", r.Header.Get(backend.HeaderInstallID))

	lock := &graph.LoadingGraph{GraphType: body.GraphType, Lock: body.Lock, Definition: body.Definition}
	resp := backend.InstallResponse{Backends: []backend.Installed{}}
	for _, layer := range body.Definition {
		for _, e := range layer {
			lib, ok := lock.Library(e)
			if !ok {
				continue
			}
			p, ok := s.idx.Get(lib.Name, lib.Version)
			if !ok || !p.IsBackend() {
				in.publish(DataTopic, string(events.StepDownloadBackend), lib.Key(),
					backend.PhaseData{Name: lib.Name, Version: lib.Version, Event: backend.EventFailed})
				writeJSON(w, http.StatusOK, resp)
				return
			}
			if !in.run(p) {
				writeJSON(w, http.StatusOK, resp)
				return
			}
			installed, err := s.installed(p, body)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Backends = append(resp.Backends, installed)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// installed builds the install response entry of a started backend.
func (s *Server) installed(p *Package, body backend.InstallBody) (backend.Installed, error) {
	client := backend.Client{
		Name:          p.Name,
		Version:       p.Version,
		VersionNumber: graph.VersionNumber(p.Version),
		APIKey:        p.APIKey,
		URLBase:       s.BackendURL(body.PartitionID, p.Name),
		PartitionID:   body.PartitionID,
		Config:        body.BackendsConfig[p.Name],
	}
	bundle, err := json.Marshal(client)
	if err != nil {
		return backend.Installed{}, err
	}
	symbol := p.Backend.ClientSymbol
	if symbol == "" {
		symbol = p.ExportedSymbol
	}
	return backend.Installed{
		ClientBundle:         string(bundle),
		Name:                 p.Name,
		Version:              p.Version,
		ExportedClientSymbol: symbol,
	}, nil
}

func (s *Server) handleUninstallBackends(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	names := s.backends.drop(partition)
	s.logger.Info("uninstall backends", "partition", partition, "count", len(names))
	writeJSON(w, http.StatusOK, map[string]any{"partitionId": partition, "backends": names})
}

// handleBackend answers the requests sent to a started backend with a
// description of the request.
func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	partition, name := chi.URLParam(r, "partition"), chi.URLParam(r, "name")
	b, ok := s.backends.get(partition, name)
	if !ok {
		writeError(w, http.StatusNotFound, &werrors.URLNotFound{Name: name, URL: r.URL.Path})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        b.pkg.Name,
		"version":     b.pkg.Version,
		"partitionId": partition,
		"method":      r.Method,
		"path":        "/" + chi.URLParam(r, "*"),
	})
}
