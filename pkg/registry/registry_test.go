package registry

import (
	"context"
	"testing"

	"github.com/matzehuels/webpm/pkg/graph"
)

func lib(name, version, apiKey string, aliases ...string) graph.Library {
	return graph.Library{
		ID:             graph.AssetID(name),
		Name:           name,
		Version:        version,
		Type:           graph.KindScript,
		ExportedSymbol: name,
		APIKey:         apiKey,
		Aliases:        aliases,
	}
}

func TestCompatibilityRule(t *testing.T) {
	reg := New(nil)
	scope := NewScope(nil)

	if _, err := reg.RegisterActivated([]Activated{{Library: lib("a", "1.5.0", "1"), Value: "a-1.5.0"}}, scope); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		version, apiKey string
		want            bool
	}{
		{"1.2.0", "1", true},
		{"1.5.0", "1", true},
		{"1.6.0", "1", false},
		{"2.0.0", "2", false},
	}
	for _, tt := range tests {
		if got := reg.IsCompatible("a", tt.version, tt.apiKey); got != tt.want {
			t.Errorf("IsCompatible(a, %s, %s) = %v, want %v", tt.version, tt.apiKey, got, tt.want)
		}
	}
	if reg.IsCompatible("b", "1.0.0", "1") {
		t.Error("unknown library reported compatible")
	}

	// A different API key installs alongside.
	table, err := reg.RegisterActivated([]Activated{{Library: lib("a", "2.0.0", "2"), Value: "a-2.0.0"}}, scope)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := scope.Get("a_APIv1"); v != "a-1.5.0" {
		t.Errorf("a_APIv1 = %v", v)
	}
	if v, _ := scope.Get("a_APIv2"); v != "a-2.0.0" {
		t.Errorf("a_APIv2 = %v", v)
	}
	if v, _ := scope.Get("a"); v != "a-2.0.0" {
		t.Errorf("a = %v, want newest", v)
	}
	if table["a_APIv2"] != "a-2.0.0" || table["a"] != "a-2.0.0" {
		t.Errorf("table = %v", table)
	}
	if got := reg.Versions("a"); len(got) != 2 || got[0].Version != "2.0.0" {
		t.Errorf("Versions() = %+v, want newest first", got)
	}
}

func TestRegisterKeepsNewerBindings(t *testing.T) {
	reg := New(nil)
	scope := NewScope(nil)

	if _, err := reg.RegisterActivated([]Activated{{Library: lib("a", "2.0.0", "2", "A"), Value: "new"}}, scope); err != nil {
		t.Fatal(err)
	}
	table, err := reg.RegisterActivated([]Activated{{Library: lib("a", "1.0.0", "1", "A"), Value: "old"}}, scope)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := table["a"]; ok {
		t.Error("older version rebound the plain symbol")
	}
	if table["a_APIv1"] != "old" {
		t.Errorf("slot of the older class should be bound: %v", table)
	}
	for _, name := range []string{"a", "A"} {
		if v, _ := scope.Get(name); v != "new" {
			t.Errorf("%s = %v, want new", name, v)
		}
	}
	latest, ok := reg.Latest("a")
	if !ok || latest.Version != "2.0.0" {
		t.Errorf("Latest() = %+v", latest)
	}
}

func TestRegisterMovesAliasesToNewest(t *testing.T) {
	reg := New(nil)
	scope := NewScope(nil)
	old := map[string]any{"operators": "old-ops"}
	cur := map[string]any{"operators": "new-ops"}

	if _, err := reg.RegisterActivated([]Activated{{Library: lib("rxjs", "6.0.0", "6", "rx", "ops:operators"), Value: old}}, scope); err != nil {
		t.Fatal(err)
	}
	if v, _ := scope.Get("ops"); v != "old-ops" {
		t.Fatalf("member alias = %v", v)
	}

	if _, err := reg.RegisterActivated([]Activated{{Library: lib("rxjs", "7.0.0", "7", "rxjs7"), Value: cur}}, scope); err != nil {
		t.Fatal(err)
	}
	if _, ok := scope.Get("ops"); ok {
		t.Error("alias of the previous latest version should be removed")
	}
	if _, ok := scope.Get("rx"); ok {
		t.Error("alias rx should be removed")
	}
	if v, _ := scope.Lookup("rxjs7.operators"); v != "new-ops" {
		t.Errorf("Lookup(rxjs7.operators) = %v", v)
	}
	if _, ok := scope.Get("rxjs_APIv6"); !ok {
		t.Error("slot of the older class should survive")
	}
}

func TestRegisterRejectsMissingExport(t *testing.T) {
	reg := New(nil)
	scope := NewScope(nil)
	_, err := reg.RegisterActivated([]Activated{
		{Library: lib("a", "1.0.0", "1")},
		{Library: lib("b", "1.0.0", "1"), Value: true},
	}, scope)
	if err == nil {
		t.Fatal("expected an error for the missing export")
	}
	if len(reg.Versions("a")) != 0 || len(reg.Versions("b")) != 1 {
		t.Errorf("installed = %+v", reg.Installed())
	}
}

func TestResolveAndClear(t *testing.T) {
	reg := New(nil)
	scope := NewScope(nil)
	libs := []Activated{
		{Library: lib("a", "1.1.0", "1"), Value: 1},
		{Library: lib("a", "2.3.0", "2"), Value: 2},
	}
	if _, err := reg.RegisterActivated(libs, scope); err != nil {
		t.Fatal(err)
	}
	rec, ok := reg.Resolve("a", "^1.0.0")
	if !ok || rec.Version != "1.1.0" {
		t.Errorf("Resolve(^1.0.0) = %+v, %v", rec, ok)
	}
	if rec, _ := reg.Resolve("a", "*"); rec.Version != "2.3.0" {
		t.Errorf("Resolve(*) = %s", rec.Version)
	}
	if _, ok := reg.Resolve("a", "^3.0.0"); ok {
		t.Error("Resolve(^3.0.0) should fail")
	}

	reg.Pin("a#1.1.0")
	reg.RegisterPyModules("numpy", "numpy")
	reg.Clear(scope)
	if len(scope.Symbols()) != 0 {
		t.Errorf("symbols left after Clear: %v", scope.Symbols().Names())
	}
	if len(reg.Installed()) != 0 || len(reg.PyModules()) != 0 {
		t.Error("Clear() kept state")
	}
	if got := reg.Pinned(); len(got) != 1 {
		t.Errorf("Pinned() = %v, pins survive a reset", got)
	}
}

func TestPyModules(t *testing.T) {
	reg := New(nil)
	reg.RegisterPyModules("numpy", "pandas", "numpy")
	if got := reg.PyModules(); len(got) != 2 {
		t.Errorf("PyModules() = %v", got)
	}
	if !reg.HasPyModule("pandas") || reg.HasPyModule("scipy") {
		t.Error("HasPyModule mismatch")
	}
}

func TestArtifacts(t *testing.T) {
	reg := New(nil)
	a := &Artifact{Name: "a", URL: "/a.js"}
	if _, err := reg.Scripts.Do(context.Background(), a.URL, func(context.Context) (*Artifact, error) { return a, nil }); err != nil {
		t.Fatal(err)
	}
	if got := reg.Artifacts(); len(got) != 1 || got[0] != a {
		t.Errorf("Artifacts() = %v", got)
	}
}
