package graph

import "testing"

func TestParseQuery(t *testing.T) {
	tests := []struct {
		in    string
		want  Query
		isErr bool
	}{
		{in: "rxjs", want: Query{Name: "rxjs", Range: "*"}},
		{in: "rxjs#^7.5.6", want: Query{Name: "rxjs", Range: "^7.5.6"}},
		{in: "rxjs#latest", want: Query{Name: "rxjs", Range: "*"}},
		{in: "@youwol/rx-vdom#^1.0.0 as vdom", want: Query{Name: "@youwol/rx-vdom", Range: "^1.0.0", Alias: "vdom"}},
		{in: "", isErr: true},
		{in: "../etc#1.0.0", isErr: true},
		{in: "Bad Name#1.0.0", isErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuery(tt.in)
			if (err != nil) != tt.isErr {
				t.Fatalf("ParseQuery(%q) error = %v", tt.in, err)
			}
			if !tt.isErr && got != tt.want {
				t.Errorf("ParseQuery(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestInlinedAliases(t *testing.T) {
	got := InlinedAliases([]string{"a#^1.0.0 as A", "b", "c as C"}, "")
	if len(got) != 2 || got["A"] != "a#^1.0.0" || got["C"] != "c#*" {
		t.Errorf("InlinedAliases() = %v", got)
	}

	backends := InlinedAliases([]string{"svc#^0.1.0 as svc"}, PartitionPrefix+"p1")
	if backends["svc"] != "svc%p-p1#^0.1.0" {
		t.Errorf("backend alias = %q", backends["svc"])
	}
}

func TestParseResource(t *testing.T) {
	r, err := ParseResource("codemirror#5.52.0~mode/python.min.js")
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "codemirror" || r.Version != "5.52.0" || r.Path != "mode/python.min.js" {
		t.Errorf("ParseResource() = %+v", r)
	}
	want := "http://localhost:8080/api/assets-gateway/webpm/resources/" + AssetID("codemirror") + "/5.52.0/mode/python.min.js"
	if got := r.URL("http://localhost:8080/api/assets-gateway/webpm/resources/"); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}

	for _, bad := range []string{"codemirror", "codemirror#5.52.0", "x#1~../../secret"} {
		if _, err := ParseResource(bad); err == nil {
			t.Errorf("ParseResource(%q) should fail", bad)
		}
	}
}

func TestAssetID(t *testing.T) {
	if AssetID("@youwol/webpm-client") != "QHlvdXdvbC93ZWJwbS1jbGllbnQ=" {
		t.Errorf("AssetID() = %q", AssetID("@youwol/webpm-client"))
	}
}
