// Package manifest reads and edits package.yml manifests of a workspace.
//
// Edits go through yaml.Node trees so key order, comments and quoting of
// untouched values survive a rewrite.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cascade/internal/domain"
	"cascade/internal/version"
)

const FileName = "package.yml"

var depSections = map[domain.DepKind]string{
	domain.DepNormal: "dependencies",
	domain.DepBuild:  "build-dependencies",
	domain.DepDev:    "dev-dependencies",
}

// ErrNotLoaded is returned by writes for packages the store has not loaded.
var ErrNotLoaded = errors.New("package not loaded from workspace")

type Store struct {
	Root    string
	Members []string

	paths map[string]string
}

func New(root string, members []string) *Store {
	if root == "" {
		root = "."
	}
	return &Store{Root: root, Members: members}
}

// Discover returns manifest paths matched by the member globs, sorted.
func (s *Store) Discover() ([]string, error) {
	members := s.Members
	if len(members) == 0 {
		members = []string{"*"}
	}
	seen := map[string]bool{}
	var out []string
	for _, pattern := range members {
		dirs, err := filepath.Glob(filepath.Join(s.Root, pattern))
		if err != nil {
			return nil, fmt.Errorf("member pattern %q: %w", pattern, err)
		}
		for _, dir := range dirs {
			path := filepath.Join(dir, FileName)
			if seen[path] {
				continue
			}
			if st, err := os.Stat(path); err != nil || st.IsDir() {
				continue
			}
			seen[path] = true
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadWorkspace loads every member package. Dependencies that do not name a
// workspace package are dropped.
func (s *Store) LoadWorkspace() ([]domain.Package, error) {
	paths, err := s.Discover()
	if err != nil {
		return nil, err
	}
	var pkgs []domain.Package
	s.paths = map[string]string{}
	for _, path := range paths {
		pkg, err := readPackage(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := s.paths[pkg.Name]; ok {
			return nil, fmt.Errorf("package %s declared twice (%s, %s)", pkg.Name, prev, path)
		}
		s.paths[pkg.Name] = path
		pkgs = append(pkgs, pkg)
	}
	for i := range pkgs {
		var internal []domain.DependencyEdge
		for _, e := range pkgs[i].Dependencies {
			if _, ok := s.paths[e.To]; ok {
				internal = append(internal, e)
			}
		}
		pkgs[i].Dependencies = internal
	}
	return pkgs, nil
}

func readPackage(path string) (domain.Package, error) {
	doc, err := readNode(path)
	if err != nil {
		return domain.Package{}, err
	}
	root := doc.Content[0]
	pkg := domain.Package{
		Dir:          filepath.Dir(path),
		ManifestPath: path,
	}
	pkg.Name = scalar(root, "name")
	if pkg.Name == "" {
		return domain.Package{}, fmt.Errorf("%s: name is required", path)
	}
	pkg.Version = scalar(root, "version")
	if _, err := version.Parse(pkg.Version); err != nil {
		return domain.Package{}, fmt.Errorf("%s: %w", path, err)
	}
	if p := scalar(root, "publish"); p == "false" {
		pkg.Private = true
	}
	pkg.Description = scalar(root, "description")
	pkg.Documentation = scalar(root, "documentation")
	pkg.License = scalar(root, "license")
	for _, kind := range domain.DepKinds {
		section := lookup(root, depSections[kind])
		if section == nil || section.Kind != yaml.MappingNode {
			continue
		}
		for i := 0; i+1 < len(section.Content); i += 2 {
			name := section.Content[i].Value
			req := requirementOf(section.Content[i+1])
			pkg.Dependencies = append(pkg.Dependencies, domain.DependencyEdge{
				From:        pkg.Name,
				To:          name,
				Kind:        kind,
				Requirement: req,
			})
		}
	}
	return pkg, nil
}

func requirementOf(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return strings.TrimSpace(n.Value)
	case yaml.MappingNode:
		if v := scalar(n, "version"); v != "" {
			return v
		}
	}
	// path-only dependency
	return "*"
}

// WriteVersion sets the version field of pkg's manifest.
func (s *Store) WriteVersion(pkg domain.Package, v string) error {
	path, err := s.pathOf(pkg.Name)
	if err != nil {
		return err
	}
	return s.edit(path, func(root *yaml.Node) error {
		setScalar(root, "version", v)
		return nil
	})
}

// WriteRequirement rewrites the requirement of edge in its source manifest.
func (s *Store) WriteRequirement(edge domain.DependencyEdge, req string) error {
	path, err := s.pathOf(edge.From)
	if err != nil {
		return err
	}
	return s.edit(path, func(root *yaml.Node) error {
		section := lookup(root, depSections[edge.Kind])
		if section == nil {
			return fmt.Errorf("%s: no %s section", path, depSections[edge.Kind])
		}
		dep := lookup(section, edge.To)
		if dep == nil {
			return fmt.Errorf("%s: dependency %s not found in %s", path, edge.To, depSections[edge.Kind])
		}
		switch dep.Kind {
		case yaml.ScalarNode:
			dep.Value = req
			dep.Tag = "!!str"
		case yaml.MappingNode:
			setScalar(dep, "version", req)
		default:
			return fmt.Errorf("%s: dependency %s has unsupported shape", path, edge.To)
		}
		return nil
	})
}

// SetField sets a top-level string field of pkg's manifest.
func (s *Store) SetField(pkg domain.Package, key, value string) error {
	path, err := s.pathOf(pkg.Name)
	if err != nil {
		return err
	}
	return s.edit(path, func(root *yaml.Node) error {
		setScalar(root, key, value)
		return nil
	})
}

func (s *Store) pathOf(name string) (string, error) {
	path, ok := s.paths[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return path, nil
}

func (s *Store) edit(path string, fn func(root *yaml.Node) error) error {
	doc, err := readNode(path)
	if err != nil {
		return err
	}
	if err := fn(doc.Content[0]); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}

func readNode(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("invalid manifest %s: expected a mapping", path)
	}
	return &doc, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".package-*.yml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func scalar(m *yaml.Node, key string) string {
	n := lookup(m, key)
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return strings.TrimSpace(n.Value)
}

func setScalar(m *yaml.Node, key, value string) {
	if n := lookup(m, key); n != nil && n.Kind == yaml.ScalarNode {
		n.Value = value
		n.Tag = "!!str"
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
