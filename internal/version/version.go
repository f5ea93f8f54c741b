// Package version implements semantic version bumps and Cargo-style
// requirement matching and rewriting on top of Masterminds/semver.
//
// Requirement syntax: clauses joined by ",", each one of "*", "=V", "^V",
// "~V", ">V", ">=V", "<V", "<=V", a wildcard such as "1.*" or "1.2.x", or a
// bare version. A bare version means the same as its caret form.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

type BumpKind string

const (
	BumpNone  BumpKind = "none"
	BumpPatch BumpKind = "patch"
	BumpMinor BumpKind = "minor"
	BumpMajor BumpKind = "major"
)

func ParseBumpKind(s string) (BumpKind, error) {
	switch k := BumpKind(strings.ToLower(strings.TrimSpace(s))); k {
	case BumpNone, BumpPatch, BumpMinor, BumpMajor:
		return k, nil
	case "":
		return BumpNone, nil
	default:
		return "", fmt.Errorf("unknown bump kind %q (want none, patch, minor or major)", s)
	}
}

type PinPolicy string

const (
	PinReject  PinPolicy = "reject"
	PinRewrite PinPolicy = "rewrite"
)

func ParsePinPolicy(s string) (PinPolicy, error) {
	switch p := PinPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PinReject, PinRewrite:
		return p, nil
	case "":
		return PinReject, nil
	default:
		return "", fmt.Errorf("unknown pin policy %q (want reject or rewrite)", s)
	}
}

// ErrUnsafeRewrite means no requirement of the original style can be derived safely.
var ErrUnsafeRewrite = errors.New("requirement cannot be rewritten safely")

// Parse validates a version string.
func Parse(v string) (*semver.Version, error) {
	parsed, err := semver.StrictNewVersion(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", v, err)
	}
	return parsed, nil
}

// Bump applies kind to v. Pre-release and build metadata are dropped for any
// real bump; BumpNone returns v unchanged.
func Bump(v string, kind BumpKind) (string, error) {
	cur, err := Parse(v)
	if err != nil {
		return "", err
	}
	var next *semver.Version
	switch kind {
	case BumpNone, "":
		return cur.String(), nil
	case BumpPatch:
		next = semver.New(cur.Major(), cur.Minor(), cur.Patch()+1, "", "")
	case BumpMinor:
		next = semver.New(cur.Major(), cur.Minor()+1, 0, "", "")
	case BumpMajor:
		next = semver.New(cur.Major()+1, 0, 0, "", "")
	default:
		return "", fmt.Errorf("unknown bump kind %q", kind)
	}
	return next.String(), nil
}

// Matches reports whether version v satisfies requirement req.
func Matches(req, v string) (bool, error) {
	c, err := constraint(req)
	if err != nil {
		return false, err
	}
	parsed, err := Parse(v)
	if err != nil {
		return false, err
	}
	return c.Check(parsed), nil
}

func constraint(req string) (*semver.Constraints, error) {
	clauses := splitClauses(req)
	if len(clauses) == 0 {
		return nil, fmt.Errorf("empty requirement")
	}
	for i, c := range clauses {
		if startsWithDigit(c) && !isWildcard(c) {
			clauses[i] = "^" + c
		}
	}
	parsed, err := semver.NewConstraint(strings.Join(clauses, ", "))
	if err != nil {
		return nil, fmt.Errorf("invalid requirement %q: %w", req, err)
	}
	return parsed, nil
}

// Style is the shape of a requirement that a rewrite tries to keep.
type Style int

const (
	StyleBare Style = iota
	StyleCaret
	StyleTilde
	StyleExact
	StyleWildcard
	StyleAny
	StyleRange
)

func (s Style) String() string {
	return [...]string{"bare", "caret", "tilde", "exact", "wildcard", "any", "range"}[s]
}

// StyleOf classifies req.
func StyleOf(req string) Style {
	clauses := splitClauses(req)
	if len(clauses) != 1 {
		return StyleRange
	}
	c := clauses[0]
	switch {
	case c == "*":
		return StyleAny
	case strings.HasPrefix(c, "^"):
		return StyleCaret
	case strings.HasPrefix(c, "~"):
		return StyleTilde
	case strings.HasPrefix(c, "="):
		return StyleExact
	case strings.HasPrefix(c, ">"), strings.HasPrefix(c, "<"):
		return StyleRange
	case isWildcard(c):
		return StyleWildcard
	default:
		return StyleBare
	}
}

// Rewrite derives a requirement of the same style as req that matches target.
// Exact pins are only rewritten under PinRewrite. Ranges fall back to caret.
func Rewrite(req, target string, pin PinPolicy) (string, error) {
	tv, err := Parse(target)
	if err != nil {
		return "", err
	}
	full := tv.String()
	var out string
	switch style := StyleOf(req); style {
	case StyleAny:
		return strings.TrimSpace(req), nil
	case StyleExact:
		if pin != PinRewrite {
			return "", fmt.Errorf("%w: %q pins an exact version", ErrUnsafeRewrite, req)
		}
		out = "=" + full
	case StyleCaret:
		out = "^" + truncate(tv, precision(strings.TrimPrefix(splitClauses(req)[0], "^")))
	case StyleTilde:
		out = "~" + truncate(tv, precision(strings.TrimPrefix(splitClauses(req)[0], "~")))
	case StyleBare:
		out = truncate(tv, precision(splitClauses(req)[0]))
	case StyleWildcard:
		out = wildcard(splitClauses(req)[0], tv)
	default:
		out = "^" + full
	}
	ok, err := Matches(out, full)
	if err != nil {
		return "", err
	}
	if !ok {
		// Truncation can lose a pre-release; retry with the full version.
		out = strings.TrimRight(out, "0123456789.*xX") + full
		if ok, _ = Matches(out, full); !ok {
			return "", fmt.Errorf("%w: %q for %s", ErrUnsafeRewrite, req, full)
		}
	}
	return out, nil
}

func splitClauses(req string) []string {
	var out []string
	for _, c := range strings.Split(req, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		// "= 1.0" and ">= 1.0" are accepted with inner spaces.
		out = append(out, strings.Join(strings.Fields(c), ""))
	}
	return out
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func isWildcard(c string) bool {
	if !startsWithDigit(c) {
		return false
	}
	for _, part := range strings.Split(c, ".") {
		if part == "*" || part == "x" || part == "X" {
			return true
		}
	}
	return false
}

// precision counts the numeric components written in a requirement version.
func precision(v string) int {
	if strings.ContainsAny(v, "-+") {
		return 3
	}
	n := strings.Count(v, ".") + 1
	if n > 3 {
		n = 3
	}
	return n
}

func truncate(v *semver.Version, n int) string {
	if v.Prerelease() != "" || n >= 3 {
		return v.String()
	}
	if n == 1 {
		return fmt.Sprintf("%d", v.Major())
	}
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

func wildcard(c string, v *semver.Version) string {
	parts := strings.Split(c, ".")
	concrete := 0
	for _, p := range parts {
		if p == "*" || p == "x" || p == "X" {
			break
		}
		concrete++
	}
	nums := []uint64{v.Major(), v.Minor(), v.Patch()}
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < concrete && i < len(nums) {
			out = append(out, fmt.Sprintf("%d", nums[i]))
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}
