// Package readme generates README.md files for workspace packages from the
// doc comment of their entrypoint, optionally through a README.tpl template.
package readme

import (
	"bufio"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"cascade/internal/domain"
)

const (
	FileName        = "README.md"
	DefaultTemplate = "README.tpl"
	DefaultDocURL   = "https://docs.rs/"
)

type Mode string

const (
	IfMissing Mode = "if-missing"
	Overwrite Mode = "overwrite"
	Append    Mode = "append"
	Check     Mode = "check"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case IfMissing, Overwrite, Append, Check:
		return m, nil
	case "":
		return IfMissing, nil
	default:
		return "", fmt.Errorf("unknown readme mode %q (want if-missing|overwrite|append|check)", s)
	}
}

type Status string

const (
	Written      Status = "written"
	Skipped      Status = "skipped"
	Missing      Status = "missing"
	UpdateNeeded Status = "update_needed"
	UpToDate     Status = "up_to_date"
)

var (
	ErrNoEntrypoint = errors.New("no entrypoint found (doc.go, src/lib.rs, src/main.rs)")
	ErrOutOfDate    = errors.New("readme out of date")
)

// FieldSetter records the readme path in a package manifest.
type FieldSetter interface {
	SetField(pkg domain.Package, key, value string) error
}

type Result struct {
	Package  string `json:"package"`
	Status   Status `json:"status"`
	Template string `json:"template,omitempty"`
}

type Generator struct {
	Root     string
	Template string
	DocURL   string
	Store    FieldSetter
	Logger   *zap.Logger
}

func (g Generator) logger() *zap.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return zap.NewNop()
}

// Run applies mode to every package. In Check mode the results are returned
// together with ErrOutOfDate when any package is not up to date.
func (g Generator) Run(pkgs []domain.Package, mode Mode) ([]Result, error) {
	var results []Result
	stale := 0
	for _, pkg := range pkgs {
		res, err := g.Package(pkg, mode)
		if err != nil {
			return results, fmt.Errorf("readme for %s: %w", pkg.Name, err)
		}
		if mode == Check && res.Status != UpToDate {
			stale++
		}
		results = append(results, res)
	}
	if stale > 0 {
		return results, fmt.Errorf("%w: %d package(s)", ErrOutOfDate, stale)
	}
	return results, nil
}

// Package applies mode to a single package.
func (g Generator) Package(pkg domain.Package, mode Mode) (Result, error) {
	log := g.logger().With(zap.String("package", pkg.Name), zap.String("mode", string(mode)))
	res := Result{Package: pkg.Name}
	path := filepath.Join(pkg.Dir, FileName)
	existing, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, err
	}

	if mode == IfMissing && exists {
		log.Info("readme already exists")
		res.Status = Skipped
		return res, g.setField(pkg)
	}

	tpl, ok := FindTemplate(g.Root, pkg.Dir, g.Template)
	if ok {
		res.Template = tpl
	}
	generated, err := g.Generate(pkg, tpl)
	if err != nil {
		return res, err
	}

	if mode == Check {
		switch {
		case !exists:
			res.Status = Missing
		case string(existing) != generated:
			res.Status = UpdateNeeded
		default:
			res.Status = UpToDate
		}
		log.Info("readme checked", zap.String("status", string(res.Status)))
		return res, nil
	}

	if mode == Append && exists {
		generated = string(existing) + "\n" + generated
	}
	if err := os.WriteFile(path, []byte(generated), 0o644); err != nil {
		return res, err
	}
	log.Info("readme written", zap.String("template", tpl))
	res.Status = Written
	return res, g.setField(pkg)
}

func (g Generator) setField(pkg domain.Package) error {
	if g.Store == nil {
		return nil
	}
	return g.Store.SetField(pkg, "readme", FileName)
}

// Generate renders the README for pkg with links fixed. tpl may be empty.
func (g Generator) Generate(pkg domain.Package, tpl string) (string, error) {
	entry, err := FindEntrypoint(pkg.Dir)
	if err != nil {
		return "", err
	}
	doc, err := ExtractDoc(entry)
	if err != nil {
		return "", err
	}
	var template string
	if tpl != "" {
		data, err := os.ReadFile(tpl)
		if err != nil {
			return "", fmt.Errorf("read template: %w", err)
		}
		template = string(data)
	}
	docURL := pkg.Documentation
	if docURL == "" {
		docURL = g.DocURL
	}
	return FixLinks(pkg.Name, Render(pkg, doc, template), docURL), nil
}

// Render fills template with the package doc. An empty template yields a
// title followed by the doc.
func Render(pkg domain.Package, doc, template string) string {
	if template == "" {
		if doc == "" {
			return "# " + pkg.Name + "\n"
		}
		return "# " + pkg.Name + "\n\n" + doc + "\n"
	}
	return strings.NewReplacer(
		"{{readme}}", doc,
		"{{crate}}", pkg.Name,
		"{{version}}", pkg.Version,
		"{{license}}", pkg.License,
	).Replace(template)
}

// FindEntrypoint returns the first of doc.go, src/lib.rs, src/main.rs in dir.
func FindEntrypoint(dir string) (string, error) {
	for _, name := range []string{"doc.go", "src/lib.rs", "src/main.rs"} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, nil
		}
	}
	return "", ErrNoEntrypoint
}

// ExtractDoc returns the leading doc comment of an entrypoint file.
func ExtractDoc(path string) (string, error) {
	if filepath.Ext(path) == ".go" {
		f, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.PackageClauseOnly|parser.ParseComments)
		if err != nil {
			return "", err
		}
		if f.Doc == nil {
			return "", nil
		}
		return strings.TrimSpace(f.Doc.Text()), nil
	}
	return innerDoc(path)
}

// innerDoc collects the leading //! lines of a source file.
func innerDoc(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "//!") {
			text := strings.TrimPrefix(line, "//!")
			lines = append(lines, strings.TrimPrefix(text, " "))
			continue
		}
		if len(lines) == 0 && (line == "" || strings.HasPrefix(line, "#![")) {
			continue
		}
		break
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// FindTemplate looks for name in dir and its parents up to root.
func FindTemplate(root, dir, name string) (string, bool) {
	if name == "" {
		name = DefaultTemplate
	}
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) || strings.Contains(name, "/") {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, filepath.FromSlash(name))
		}
		_, err := os.Stat(path)
		return path, err == nil
	}
	root = filepath.Clean(root)
	cur := filepath.Clean(dir)
	for {
		path := filepath.Join(cur, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		if cur == root {
			return "", false
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(cur, root) {
			return "", false
		}
		cur = parent
	}
}

var relativeLink = regexp.MustCompile(`\[([^\]]+)\]\(([^ )]+)(?: "([^"]*)")?\)`)

// FixLinks rewrites relative rustdoc-style links against docURL:
// ../other_crate/index.html points at another package, ./path at an item of
// this one.
func FixLinks(name, readme, docURL string) string {
	if docURL == "" {
		docURL = DefaultDocURL
	}
	return relativeLink.ReplaceAllStringFunc(readme, func(m string) string {
		parts := relativeLink.FindStringSubmatch(m)
		text, url := parts[1], parts[2]
		switch {
		case strings.HasPrefix(url, "../"):
			target := strings.ReplaceAll(strings.TrimPrefix(url, "../"), "_", "-")
			target = strings.ReplaceAll(target, "/index.html", "")
			return "[" + text + "](" + docURL + target + ")"
		case strings.HasPrefix(url, "./"):
			return fmt.Sprintf("[%s](%s%s/latest/%s/%s)", text, docURL, name, strings.ReplaceAll(name, "-", "_"), strings.TrimPrefix(url, "./"))
		default:
			return m
		}
	})
}
