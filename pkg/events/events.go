// Package events defines the progress events emitted while installing.
//
// Every phase of an installation (graph resolution, script loading,
// stylesheets, backends, the Python runtime) reports through a single
// [Event] type keyed by [Step]. Events are plain data: they serialize to
// JSON unchanged, which lets a worker forward them to the main scope.
//
// Producers publish to a [Sink]; the usual sink is a [Bus], which keeps the
// full history so that any number of observers can subscribe at any time.
package events

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/matzehuels/webpm/pkg/graph"
)

// Step identifies the kind of an event.
type Step string

// Generic steps.
const (
	StepMessage             Step = "CdnMessageEvent"
	StepLoadingGraphQuery   Step = "CdnLoadingGraphQueryEvent"
	StepLoadingGraphDone    Step = "CdnLoadingGraphResolvedEvent"
	StepLoadingGraphError   Step = "CdnLoadingGraphErrorEvent"
	StepInstallDone         Step = "InstallDoneEvent"
	StepInstallError        Step = "InstallErrorEvent"
	StepConsole             Step = "ConsoleEvent"
	StepCSSLoading          Step = "CssLoadingEvent"
	StepCSSParsed           Step = "CssParsedEvent"
	StepStart               Step = "StartEvent"
	StepSourceLoading       Step = "SourceLoadingEvent"
	StepSourceLoaded        Step = "SourceLoadedEvent"
	StepSourceParsed        Step = "SourceParsedEvent"
	StepUnauthorized        Step = "UnauthorizedEvent"
	StepURLNotFound         Step = "UrlNotFoundEvent"
	StepParseError          Step = "ParseErrorEvent"
	StepFetchPyRuntime      Step = "FetchPyRuntimeEvent"
	StepFetchedPyRuntime    Step = "FetchedPyRuntimeEvent"
	StepStartPyRuntime      Step = "StartPyRuntimeEvent"
	StepPyRuntimeReady      Step = "PyRuntimeReadyEvent"
	StepStartPyEnvInstall   Step = "StartPyEnvironmentInstallEvent"
	StepInstallPyModule     Step = "InstallPyModuleEvent"
	StepPyModuleLoaded      Step = "PyModuleLoadedEvent"
	StepPyModuleError       Step = "PyModuleErrorEvent"
	StepPyEnvironmentReady  Step = "PyEnvironmentReadyEvent"
	StepPyEnvironmentError  Step = "PyEnvironmentErrorEvent"
	StepDownloadBackend     Step = "DownloadBackendEvent"
	StepInstallBackend      Step = "InstallBackendEvent"
	StepStartBackend        Step = "StartBackendEvent"
	StepBackendError        Step = "BackendErrorEvent"
)

var (
	esmSteps     = []Step{StepStart, StepSourceLoading, StepSourceLoaded, StepSourceParsed, StepUnauthorized, StepURLNotFound, StepParseError}
	pySteps      = []Step{StepFetchPyRuntime, StepFetchedPyRuntime, StepStartPyRuntime, StepPyRuntimeReady, StepStartPyEnvInstall, StepInstallPyModule, StepPyModuleLoaded, StepPyModuleError, StepPyEnvironmentReady, StepPyEnvironmentError}
	backendSteps = []Step{StepDownloadBackend, StepInstallBackend, StepStartBackend, StepBackendError}
)

// Status of the operation an event reports on.
type Status string

const (
	Pending   Status = "Pending"
	Succeeded Status = "Succeeded"
	Failed    Status = "Failed"
	None      Status = "None"
)

// Level of a console event.
type Level string

const (
	LevelInfo    Level = "Info"
	LevelWarning Level = "Warning"
	LevelError   Level = "Error"
)

// Component that emitted a console event.
type Component string

const (
	ComponentESM          Component = "ESM"
	ComponentBackend      Component = "Backend"
	ComponentPython       Component = "Python"
	ComponentLoadingGraph Component = "LoadingGraph"
	ComponentCSS          Component = "CSS"
	ComponentWorker       Component = "Worker"
)

// Event is a progress event. Fields beyond Step, ID, Text and Status are
// set depending on the step.
type Event struct {
	Step   Step   `json:"step"`
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status Status `json:"status"`

	// Artifact fetch events.
	TargetName string `json:"targetName,omitempty"`
	AssetID    string `json:"assetId,omitempty"`
	URL        string `json:"url,omitempty"`
	Version    string `json:"version,omitempty"`
	Loaded     int64  `json:"loaded,omitempty"`
	Total      int64  `json:"total,omitempty"`

	// Backend and Python module events.
	Name   string `json:"name,omitempty"`
	Event  string `json:"event,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Console events.
	Level     Level     `json:"level,omitempty"`
	Component Component `json:"component,omitempty"`

	// Graph is set on StepLoadingGraphDone.
	Graph *graph.LoadingGraph `json:"graph,omitempty"`

	// Error is the message of the error an event reports.
	Error string `json:"error,omitempty"`

	// WorkerID is set when the event was forwarded from a pool worker.
	WorkerID string `json:"workerId,omitempty"`
}

// IsESM reports whether e relates to script loading.
func (e Event) IsESM() bool { return contains(esmSteps, e.Step) }

// IsPython reports whether e relates to the Python runtime.
func (e Event) IsPython() bool { return contains(pySteps, e.Step) }

// IsBackend reports whether e relates to backend installation.
func (e Event) IsBackend() bool { return contains(backendSteps, e.Step) }

// Terminal reports whether e ends an installation.
func (e Event) Terminal() bool {
	return e.Step == StepInstallDone || e.Step == StepInstallError
}

func contains(steps []Step, s Step) bool {
	for _, step := range steps {
		if step == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Generic events
// =============================================================================

// Message creates a free-form event.
func Message(id, text string, status Status) Event {
	return Event{Step: StepMessage, ID: id, Text: text, Status: status}
}

// Console creates a log entry event.
func Console(level Level, component Component, text string) Event {
	return Event{
		Step:      StepConsole,
		ID:        uuid.NewString()[:8],
		Text:      text,
		Status:    Pending,
		Level:     level,
		Component: component,
	}
}

// LoadingGraphQuery is emitted before querying the resolver.
func LoadingGraphQuery() Event {
	return Event{Step: StepLoadingGraphQuery, ID: "loading-graph", Text: "Retrieve the loading graph", Status: Pending}
}

// LoadingGraphResolved is emitted once the loading graph is known.
func LoadingGraphResolved(g *graph.LoadingGraph) Event {
	return Event{Step: StepLoadingGraphDone, ID: "loading-graph", Text: "Loading graph resolved", Status: Succeeded, Graph: g}
}

// LoadingGraphError is emitted when the resolution failed.
func LoadingGraphError(err error) Event {
	return Event{Step: StepLoadingGraphError, ID: "loading-graph", Text: "Failed to retrieve the loading graph", Status: Failed, Error: errText(err)}
}

// InstallDone is emitted when an installation succeeded.
func InstallDone() Event {
	return Event{Step: StepInstallDone, ID: "InstallDoneEvent", Text: "Installation successful", Status: Succeeded}
}

// InstallError is emitted when an installation failed.
func InstallError(err error) Event {
	return Event{Step: StepInstallError, ID: "InstallErrorEvent", Text: "Installation error", Status: Failed, Error: errText(err)}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// Artifact events
// =============================================================================

// Target identifies the artifact a fetch event reports on.
type Target struct {
	Name    string
	AssetID string
	URL     string
	Version string
}

func (t Target) event(step Step, status Status, text string) Event {
	return Event{
		Step:       step,
		ID:         t.Name,
		Text:       fmt.Sprintf("%s: %s", t.Name, text),
		Status:     status,
		TargetName: t.Name,
		AssetID:    t.AssetID,
		URL:        t.URL,
		Version:    t.Version,
	}
}

// Start is emitted when an artifact starts being imported.
func Start(t Target) Event { return t.event(StepStart, Pending, "start importing") }

// SourceLoading reports transfer progress of an artifact.
func SourceLoading(t Target, loaded, total int64) Event {
	e := t.event(StepSourceLoading, Pending, "fetching over HTTP")
	e.Loaded, e.Total = loaded, total
	return e
}

// SourceLoaded is emitted once the artifact content is available.
func SourceLoaded(t Target) Event { return t.event(StepSourceLoaded, Pending, "source fetched") }

// SourceParsed is emitted once the artifact is activated.
func SourceParsed(t Target) Event {
	return t.event(StepSourceParsed, Succeeded, "module/script imported")
}

// Unauthorized is emitted on a 401 or 403 response.
func Unauthorized(t Target) Event {
	return t.event(StepUnauthorized, Failed, "unauthorized to access the resource")
}

// URLNotFound is emitted on a 404 response.
func URLNotFound(t Target) Event {
	return t.event(StepURLNotFound, Failed, "resource not found at "+t.URL)
}

// ParseError is emitted when activation of an artifact failed.
func ParseError(t Target) Event {
	return t.event(StepParseError, Failed, "parsing the module/script failed")
}

// CSSLoading is emitted when a stylesheet starts loading.
func CSSLoading(t Target) Event { return t.event(StepCSSLoading, Pending, "loading stylesheet") }

// CSSParsed is emitted once a stylesheet is installed.
func CSSParsed(t Target) Event { return t.event(StepCSSParsed, Succeeded, "stylesheet installed") }

// =============================================================================
// Backend events
// =============================================================================

func backendEvent(step Step, name, version, title, event string) Event {
	status := Pending
	if event == "failed" {
		status = Failed
	}
	return Event{
		Step:    step,
		ID:      fmt.Sprintf("%s_%s", name, strings.Replace(version, ".", "-", 1)),
		Text:    fmt.Sprintf("%s#%s: %s", name, version, title),
		Status:  status,
		Name:    name,
		Version: version,
		Event:   event,
	}
}

// DownloadBackend reports the download phase of a backend.
func DownloadBackend(name, version, event string) Event {
	return backendEvent(StepDownloadBackend, name, version, "downloading...", event)
}

// InstallBackend reports the install phase of a backend.
func InstallBackend(name, version, event string) Event {
	return backendEvent(StepInstallBackend, name, version, "installing...", event)
}

// StartBackend reports the start phase of a backend.
func StartBackend(name, version, event string) Event {
	return backendEvent(StepStartBackend, name, version, "starting...", event)
}

// BackendError reports a failed backend phase.
func BackendError(name, version, detail, event string) Event {
	e := backendEvent(StepBackendError, name, version, detail, event)
	e.Detail = detail
	return e
}

// =============================================================================
// Python events
// =============================================================================

func pyEvent(step Step, id, text string, status Status) Event {
	return Event{Step: step, ID: id, Text: text, Status: status}
}

// FetchPyRuntime is emitted when the runtime bootstrap starts downloading.
func FetchPyRuntime(url, version string) Event {
	e := pyEvent(StepFetchPyRuntime, "fetch-pyodide-"+version, "Fetch pyodide runtime", Pending)
	e.URL, e.Version = url, version
	return e
}

// FetchedPyRuntime is emitted when the runtime bootstrap is downloaded.
func FetchedPyRuntime(url, version string) Event {
	e := pyEvent(StepFetchedPyRuntime, "fetch-pyodide-"+version, "Fetch pyodide runtime", Succeeded)
	e.URL, e.Version = url, version
	return e
}

// StartPyRuntime is emitted when the runtime starts.
func StartPyRuntime(version string) Event {
	e := pyEvent(StepStartPyRuntime, "start-pyodide-"+version, "Start pyodide runtime", Pending)
	e.Version = version
	return e
}

// PyRuntimeReady is emitted when the runtime is usable.
func PyRuntimeReady(version string) Event {
	e := pyEvent(StepPyRuntimeReady, "ready-pyodide-"+version, "Pyodide runtime ready", Succeeded)
	e.Version = version
	return e
}

// StartPyEnvironmentInstall is emitted before installing modules.
func StartPyEnvironmentInstall() Event {
	return pyEvent(StepStartPyEnvInstall, "install-pyodide-dependencies", "Install dependencies", Pending)
}

// InstallPyModule is emitted when a module starts installing.
func InstallPyModule(name string) Event {
	e := pyEvent(StepInstallPyModule, "install-pyodide-module-"+name, "Installing "+name, Pending)
	e.Name = name
	return e
}

// PyModuleLoaded is emitted when a module is installed.
func PyModuleLoaded(name string) Event {
	e := pyEvent(StepPyModuleLoaded, "install-pyodide-module-"+name, "Installing "+name, Succeeded)
	e.Name = name
	return e
}

// PyModuleError is emitted when a module failed to install.
func PyModuleError(name string) Event {
	e := pyEvent(StepPyModuleError, "error-pyodide-module-"+name, "Error loading "+name, Failed)
	e.Name = name
	return e
}

// PyEnvironmentReady is emitted when every module is installed.
func PyEnvironmentReady() Event {
	return pyEvent(StepPyEnvironmentReady, "pyodide-environment-ready", "Environment installed", Succeeded)
}

// PyEnvironmentError is emitted when the environment failed to install.
func PyEnvironmentError(detail string) Event {
	e := pyEvent(StepPyEnvironmentError, "pyodide-environment-error", detail, Failed)
	e.Detail = detail
	return e
}
