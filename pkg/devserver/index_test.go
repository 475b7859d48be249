package devserver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/graph"
)

const demoIndex = `
packages:
  - name: "@demo/ui"
    version: 1.2.0
    aliases: [ui]
    dependencies:
      rxjs: ^7.0.0
    files:
      index.json: '{"widgets": ["button"]}'
  - name: rxjs
    version: 7.5.6
    exportedSymbol: rx
    files:
      index.json: '{"operators": 120}'
  - name: rxjs
    version: 7.8.1
    files:
      index.json: '{"operators": 123}'
  - name: demo-svc
    version: 0.3.0
    type: backend
    dir: svc
`

func TestParseIndex(t *testing.T) {
	idx, err := ParseIndex([]byte(demoIndex), "/srv")
	if err != nil {
		t.Fatalf("ParseIndex() error: %v", err)
	}
	if len(idx.Packages) != 4 {
		t.Fatalf("got %d packages", len(idx.Packages))
	}

	ui, ok := idx.Get("@demo/ui", "1.2.0")
	if !ok {
		t.Fatal("@demo/ui#1.2.0 not indexed")
	}
	if ui.APIKey != "1" || ui.Type != graph.KindScript || ui.ExportedSymbol != "@demo/ui" || ui.Entry != DefaultEntry {
		t.Errorf("defaults not applied: %+v", ui)
	}

	svc, _ := idx.Get("demo-svc", "0.3.0")
	if svc.APIKey != "03" || svc.Backend == nil || svc.Dir != filepath.Join("/srv", "svc") {
		t.Errorf("backend package = %+v", svc)
	}

	if latest, ok := idx.Latest("rxjs", "^7.0.0"); !ok || latest.Version != "7.8.1" {
		t.Errorf("Latest(rxjs) = %v", latest)
	}
}

func TestParseIndexInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing version", "packages:\n  - name: a\n", "invalid index"},
		{"unknown field", "packages:\n  - name: a\n    version: 1.0.0\n    colour: red\n", "invalid index"},
		{"numeric version", "packages:\n  - name: a\n    version: 1\n", "invalid index"},
		{"bad type", "packages:\n  - name: a\n    version: 1.0.0\n    type: webapp\n", "invalid index"},
		{"duplicate", "packages:\n  - {name: a, version: 1.0.0}\n  - {name: a, version: 1.0.0}\n", "duplicate package a#1.0.0"},
		{"bad name", "packages:\n  - {name: 'a b', version: 1.0.0}\n", "invalid"},
		{"not yaml", "packages: [", "decode index"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseIndex([]byte(tt.yaml), "")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseIndex() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseIndexErrorCode(t *testing.T) {
	_, err := ParseIndex([]byte("packages:\n  - name: a\n"), "")
	if !werrors.Is(err, werrors.ErrCodeInvalidConfig) {
		t.Errorf("error code = %v", err)
	}
}

func TestPackageRead(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.yaml"), []byte("name: disk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := &Package{Dir: dir, Files: map[string]string{"inline.json": "{}"}}

	if got, err := p.Read("main.yaml"); err != nil || string(got) != "name: disk" {
		t.Errorf("Read(main.yaml) = %q, %v", got, err)
	}
	if got, err := p.Read("/inline.json"); err != nil || string(got) != "{}" {
		t.Errorf("Read(/inline.json) = %q, %v", got, err)
	}
	if _, err := p.Read("../secret.txt"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read(../secret.txt) error = %v, want not exist", err)
	}
}

func TestLibraryFingerprint(t *testing.T) {
	idx, err := NewIndex(&Package{Name: "a", Version: "0.1.0", Files: map[string]string{DefaultEntry: "{}"}})
	if err != nil {
		t.Fatal(err)
	}
	lib := idx.Packages[0].Library()
	if lib.Fingerprint == "" || lib.ID != graph.AssetID("a") || lib.APIKey != "01" || lib.Aliases == nil {
		t.Errorf("Library() = %+v", lib)
	}
}
