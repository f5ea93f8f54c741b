package readme_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cascade/internal/domain"
	"cascade/internal/manifest"
	"cascade/internal/readme"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

type workspace struct {
	Root  string
	Store *manifest.Store
	Pkgs  []domain.Package
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "packages/core", manifest.FileName), "name: core\nversion: 1.2.0\nlicense: MIT\n")
	writeFile(t, filepath.Join(root, "packages/core/doc.go"), "// Package core holds the shared types.\n//\n// See [util](../util/index.html).\npackage core\n")
	writeFile(t, filepath.Join(root, "packages/util", manifest.FileName), "name: util\nversion: 0.3.0\nlicense: Apache-2.0\n")
	writeFile(t, filepath.Join(root, "packages/util/src/lib.rs"), "#![deny(missing_docs)]\n//! Small helpers.\n//!\n//! Start with [parse](./fn.parse.html).\n\npub fn parse() {}\n")
	store := manifest.New(root, []string{"packages/*"})
	pkgs, err := store.LoadWorkspace()
	if err != nil {
		t.Fatalf("load workspace: %v", err)
	}
	return workspace{Root: root, Store: store, Pkgs: pkgs}
}

func (w workspace) generator() readme.Generator {
	return readme.Generator{Root: w.Root, Store: w.Store}
}

func TestWriteWithoutTemplate(t *testing.T) {
	w := newWorkspace(t)
	results, err := w.generator().Run(w.Pkgs, readme.Overwrite)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 2 || results[0].Status != readme.Written {
		t.Fatalf("unexpected results %+v", results)
	}
	got := readFile(t, filepath.Join(w.Root, "packages/core", readme.FileName))
	want := "# core\n\nPackage core holds the shared types.\n\nSee [util](https://docs.rs/util).\n"
	if got != want {
		t.Fatalf("core readme:\n%q\nwant\n%q", got, want)
	}
	got = readFile(t, filepath.Join(w.Root, "packages/util", readme.FileName))
	if !strings.Contains(got, "[parse](https://docs.rs/util/latest/util/fn.parse.html)") {
		t.Fatalf("util readme links not fixed: %q", got)
	}
	if m := readFile(t, filepath.Join(w.Root, "packages/core", manifest.FileName)); !strings.Contains(m, "readme: README.md") {
		t.Fatalf("manifest readme field not set:\n%s", m)
	}
}

func TestTemplateFoundAtWorkspaceRoot(t *testing.T) {
	w := newWorkspace(t)
	writeFile(t, filepath.Join(w.Root, readme.DefaultTemplate), "{{crate}} v{{version}}\n\n{{readme}}\n\nLicense: {{license}}\n")
	res, err := w.generator().Package(w.Pkgs[1], readme.Overwrite)
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if res.Template != filepath.Join(w.Root, readme.DefaultTemplate) {
		t.Fatalf("unexpected template %q", res.Template)
	}
	got := readFile(t, filepath.Join(w.Root, "packages/util", readme.FileName))
	if !strings.HasPrefix(got, "util v0.3.0\n\nSmall helpers.\n") || !strings.HasSuffix(got, "License: Apache-2.0\n") {
		t.Fatalf("unexpected templated readme %q", got)
	}
}

func TestNearestTemplateWins(t *testing.T) {
	w := newWorkspace(t)
	writeFile(t, filepath.Join(w.Root, readme.DefaultTemplate), "root\n")
	writeFile(t, filepath.Join(w.Root, "packages/core", readme.DefaultTemplate), "local {{crate}}\n")
	if _, err := w.generator().Package(w.Pkgs[0], readme.Overwrite); err != nil {
		t.Fatalf("package: %v", err)
	}
	if got := readFile(t, filepath.Join(w.Root, "packages/core", readme.FileName)); got != "local core\n" {
		t.Fatalf("unexpected readme %q", got)
	}
}

func TestIfMissingAndAppend(t *testing.T) {
	w := newWorkspace(t)
	path := filepath.Join(w.Root, "packages/core", readme.FileName)
	writeFile(t, path, "hand written\n")

	res, err := w.generator().Package(w.Pkgs[0], readme.IfMissing)
	if err != nil {
		t.Fatalf("if-missing: %v", err)
	}
	if res.Status != readme.Skipped || readFile(t, path) != "hand written\n" {
		t.Fatalf("existing readme must be kept, got %+v", res)
	}

	if _, err := w.generator().Package(w.Pkgs[0], readme.Append); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := readFile(t, path); !strings.HasPrefix(got, "hand written\n\n# core\n") {
		t.Fatalf("unexpected appended readme %q", got)
	}
}

func TestCheck(t *testing.T) {
	w := newWorkspace(t)
	g := w.generator()
	results, err := g.Run(w.Pkgs, readme.Check)
	if !errors.Is(err, readme.ErrOutOfDate) {
		t.Fatalf("expected ErrOutOfDate, got %v", err)
	}
	if results[0].Status != readme.Missing {
		t.Fatalf("expected missing, got %+v", results)
	}

	if _, err := g.Run(w.Pkgs, readme.Overwrite); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := g.Run(w.Pkgs, readme.Check); err != nil {
		t.Fatalf("expected up to date, got %v", err)
	}

	writeFile(t, filepath.Join(w.Root, "packages/core/doc.go"), "// Package core changed.\npackage core\n")
	results, err = g.Run(w.Pkgs, readme.Check)
	if !errors.Is(err, readme.ErrOutOfDate) || results[0].Status != readme.UpdateNeeded || results[1].Status != readme.UpToDate {
		t.Fatalf("unexpected check results %+v (%v)", results, err)
	}
}

func TestMissingEntrypoint(t *testing.T) {
	root := t.TempDir()
	_, err := readme.Generator{Root: root}.Package(domain.Package{Name: "x", Dir: root}, readme.Overwrite)
	if !errors.Is(err, readme.ErrNoEntrypoint) {
		t.Fatalf("expected ErrNoEntrypoint, got %v", err)
	}
}

func TestFixLinks(t *testing.T) {
	cases := []struct {
		name, in, docURL, want string
	}{
		{"sibling", "[a](../my_dep/index.html)", "", "[a](https://docs.rs/my-dep)"},
		{"item", "[b](./struct.Foo.html)", "https://docs.example.com/", "[b](https://docs.example.com/my-pkg/latest/my_pkg/struct.Foo.html)"},
		{"absolute", "[c](https://example.com)", "", "[c](https://example.com)"},
		{"two on a line", "[a](./x) and [b](./y)", "d/", "[a](d/my-pkg/latest/my_pkg/x) and [b](d/my-pkg/latest/my_pkg/y)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := readme.FixLinks("my-pkg", tc.in, tc.docURL); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if m, err := readme.ParseMode(""); err != nil || m != readme.IfMissing {
		t.Fatalf("default mode: %v %v", m, err)
	}
	if _, err := readme.ParseMode("sometimes"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
