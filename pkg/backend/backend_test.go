package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matzehuels/webpm/pkg/channel"
	"github.com/matzehuels/webpm/pkg/config"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/registry"
	"github.com/matzehuels/webpm/pkg/session"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) has(step events.Step, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Step == step && strings.Contains(e.Text, text) {
			return true
		}
	}
	return false
}

// fakeServer mimics the install end-point of the local server: it
// reports the phases of every backend on the hub and answers with client
// bundles.
type fakeServer struct {
	hub      *channel.Hub
	failOn   string
	silent   bool
	mu       sync.Mutex
	installs []InstallBody
	ids      []string
	deleted  []string
	srv      *httptest.Server
}

func newFakeServer(t *testing.T, hub *channel.Hub) *fakeServer {
	t.Helper()
	f := &fakeServer{hub: hub}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /install", f.install)
	mux.HandleFunc("DELETE /uninstall/{partition}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("partition"))
		f.mu.Unlock()
	})
	mux.HandleFunc("GET /backends/svc/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) install(w http.ResponseWriter, r *http.Request) {
	var body InstallBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var attrs map[string]string
	_ = json.Unmarshal([]byte(r.Header.Get(HeaderTraceAttributes)), &attrs)
	f.mu.Lock()
	f.installs = append(f.installs, body)
	f.ids = append(f.ids, r.Header.Get(HeaderInstallID))
	f.mu.Unlock()

	ctx := r.Context()
	publish := func(topic, label, text string, data any) {
		raw, _ := json.Marshal(data)
		_ = f.hub.Publish(ctx, topic, channel.ContextMessage{Text: text, Labels: []string{label}, Attributes: attrs, Data: raw})
	}
	// Noise from another install must be ignored.
	_ = f.hub.Publish(ctx, "ws/data", channel.ContextMessage{
		Labels:     []string{string(events.StepStartBackend)},
		Attributes: map[string]string{"other": "id"},
		Data:       json.RawMessage(`{"name":"svc","version":"1.0.0","event":"failed"}`),
	})

	var resp InstallResponse
	for _, lib := range body.Lock {
		phase := func(label, event string) {
			if f.silent {
				return
			}
			publish("ws/data", label, lib.Name, PhaseData{Name: lib.Name, Version: lib.Version, Event: event})
		}
		phase(string(events.StepDownloadBackend), "succeeded")
		if !f.silent {
			publish("ws/logs", LabelInstallShell, "running install.sh", nil)
		}
		if lib.Name == f.failOn {
			phase(string(events.StepInstallBackend), EventFailed)
			continue
		}
		phase(string(events.StepInstallBackend), "succeeded")
		phase(string(events.StepStartBackend), EventListening)

		bundle, _ := json.Marshal(Client{
			Name:        lib.Name,
			Version:     lib.Version,
			APIKey:      lib.APIKey,
			URLBase:     f.srv.URL + "/backends/" + lib.Name,
			PartitionID: body.PartitionID,
			Config:      body.BackendsConfig[lib.Name],
		})
		resp.Backends = append(resp.Backends, Installed{
			ClientBundle:         string(bundle),
			Name:                 lib.Name,
			Version:              lib.Version,
			ExportedClientSymbol: lib.ExportedSymbol,
		})
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeServer) cookie() *session.Cookie {
	return &session.Cookie{
		Type:      session.TypeLocal,
		Port:      2000,
		WSDataURL: "ws/data",
		WSLogsURL: "ws/logs",
		Origin:    f.srv.URL,
		WebPM: config.Paths{
			BackendInstall:   "/install",
			BackendUninstall: "/uninstall/%UID%",
		},
	}
}

func svcGraph() *graph.LoadingGraph {
	return &graph.LoadingGraph{
		GraphType:  "sequential-v2",
		Definition: []graph.Layer{{{graph.AssetID("svc"), "c3Zj/1.0.0/svc.zip"}}},
		Lock: []graph.Library{{
			ID: "c3Zj", Name: "svc", Version: "1.0.0", Type: graph.KindBackend,
			APIKey: "1", ExportedSymbol: "svc",
		}},
	}
}

func newInstaller(f *fakeServer, reg *registry.Registry) *Installer {
	return New(Options{
		Registry: reg,
		Sessions: session.Static{Cookie: f.cookie()},
		Dialer:   f.hub,
		Settle:   2 * time.Second,
	})
}

func TestInstall(t *testing.T) {
	hub := channel.NewHub()
	f := newFakeServer(t, hub)
	reg := registry.New(nil)
	rec := &recorder{}
	scope := registry.NewScope(nil)

	symbols, err := newInstaller(f, reg).Install(context.Background(), Request{
		Graph:          svcGraph(),
		Configurations: map[string]BuildConfig{"svc": {Build: map[string]string{"workers": "2"}}},
		PartitionID:    "p1",
		Scope:          scope,
		Events:         rec,
	})
	if err != nil {
		t.Fatalf("Install() error: %v", err)
	}

	v, ok := symbols["svc%p-p1_APIv1"]
	if !ok {
		t.Fatalf("symbols = %v", symbols.Names())
	}
	client := v.(*Client)
	if client.PartitionID != "p1" || client.Config.Build["workers"] != "2" {
		t.Errorf("client = %+v", client)
	}
	if _, ok := scope.Get("svc%p-p1"); !ok {
		t.Error("plain symbol not bound in scope")
	}
	if !reg.IsCompatible("svc%p-p1", "1.0.0", "1") {
		t.Error("backend not registered")
	}

	var status map[string]string
	if err := client.FetchJSON(context.Background(), "/status", &status); err != nil || status["status"] != "ok" {
		t.Errorf("FetchJSON() = %v, %v", status, err)
	}

	if !rec.has(events.StepDownloadBackend, "svc#1.0.0") ||
		!rec.has(events.StepInstallBackend, "svc#1.0.0") ||
		!rec.has(events.StepStartBackend, "svc#1.0.0") {
		t.Error("missing phase events")
	}
	if !rec.has(events.StepConsole, "running install.sh") {
		t.Error("shell log not forwarded")
	}
	if rec.has(events.StepBackendError, "") {
		t.Error("message of another install was not filtered out")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installs[0].PartitionID != "p1" || !strings.HasPrefix(f.ids[0], "webpm-") {
		t.Errorf("install request = %+v, id %q", f.installs[0], f.ids[0])
	}
}

func TestInstallFailure(t *testing.T) {
	hub := channel.NewHub()
	f := newFakeServer(t, hub)
	f.failOn = "svc"
	rec := &recorder{}
	reg := registry.New(nil)

	_, err := newInstaller(f, reg).Install(context.Background(), Request{Graph: svcGraph(), PartitionID: "p1", Events: rec})
	var be *werrors.BackendException
	if !errors.As(err, &be) {
		t.Fatalf("Install() error = %v, want BackendException", err)
	}
	if be.Name != "svc" || be.Detail != "error while installing" {
		t.Errorf("error = %+v", be)
	}
	if !rec.has(events.StepBackendError, "error while installing") {
		t.Error("no BackendError event")
	}
	if len(reg.Installed()) != 0 {
		t.Error("failed backend was registered")
	}
}

func TestInstallWithoutPhaseMessages(t *testing.T) {
	f := newFakeServer(t, channel.NewHub())
	f.silent = true
	reg := registry.New(nil)

	start := time.Now()
	symbols, err := newInstaller(f, reg).Install(context.Background(), Request{Graph: svcGraph(), PartitionID: "p1"})
	if err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if _, ok := symbols["svc%p-p1_APIv1"]; !ok {
		t.Errorf("symbols = %v", symbols.Names())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Install() took %v with a 2s settle, want the quiet period only", elapsed)
	}
}

func TestInstallEmptyGraph(t *testing.T) {
	rec := &recorder{}
	symbols, err := New(Options{}).Install(context.Background(), Request{Graph: &graph.LoadingGraph{}, Events: rec})
	if err != nil || len(symbols) != 0 {
		t.Fatalf("Install() = %v, %v", symbols, err)
	}
	if !rec.has(events.StepConsole, "No backend to install") {
		t.Error("missing console event")
	}
}

func TestInstallRequiresLocalSession(t *testing.T) {
	tests := []struct {
		name   string
		cookie *session.Cookie
	}{
		{"no session", nil},
		{"remote session", &session.Cookie{Type: "remote"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			inst := New(Options{Sessions: session.Static{Cookie: tt.cookie}})
			_, err := inst.Install(context.Background(), Request{Graph: svcGraph(), Events: rec})
			var lr *werrors.LocalYouwolRequired
			if !errors.As(err, &lr) {
				t.Fatalf("Install() error = %v", err)
			}
			if lr.Error() != "Backends installation requires the local youwol server" {
				t.Errorf("message = %q", lr.Error())
			}
			if !rec.has(events.StepConsole, "No cookie for local backend installation found") {
				t.Error("missing console event")
			}
		})
	}
}

func TestInstallReusesChannels(t *testing.T) {
	hub := channel.NewHub()
	f := newFakeServer(t, hub)
	reg := registry.New(nil)
	inst := newInstaller(f, reg)

	for _, partition := range []string{"p1", "p2"} {
		if _, err := inst.Install(context.Background(), Request{Graph: svcGraph(), PartitionID: partition}); err != nil {
			t.Fatalf("Install(%s) error: %v", partition, err)
		}
	}
	if n := hub.Subscribers("ws/data"); n != 1 {
		t.Errorf("data channel dialed %d times, want 1", n)
	}
	if got := reg.Channels.Keys(); len(got) != 2 {
		t.Errorf("channels = %v", got)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids[0] == f.ids[1] {
		t.Error("install ids should differ")
	}
}

func TestUninstall(t *testing.T) {
	f := newFakeServer(t, channel.NewHub())
	if err := newInstaller(f, nil).Uninstall(context.Background(), "p1"); err != nil {
		t.Fatalf("Uninstall() error: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleted) != 1 || f.deleted[0] != "p1" {
		t.Errorf("deleted = %v", f.deleted)
	}
}

func TestClientMember(t *testing.T) {
	c := &Client{Name: "svc", URLBase: "http://x/backends/svc"}
	if v, _ := registry.Project(c, "urlBase"); v != "http://x/backends/svc" {
		t.Errorf("Project(urlBase) = %v", v)
	}
	if _, ok := c.Member("nope"); ok {
		t.Error("unknown member resolved")
	}
	if got := c.URL("/docs"); got != "http://x/backends/svc/docs" {
		t.Errorf("URL() = %q", got)
	}
}
