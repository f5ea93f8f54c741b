package version_test

import (
	"errors"
	"testing"

	"cascade/internal/version"
)

func TestBump(t *testing.T) {
	cases := []struct {
		in   string
		kind version.BumpKind
		want string
	}{
		{"1.2.3", version.BumpPatch, "1.2.4"},
		{"1.2.3", version.BumpMinor, "1.3.0"},
		{"1.2.3", version.BumpMajor, "2.0.0"},
		{"1.2.3", version.BumpNone, "1.2.3"},
		{"0.9.9-rc.1", version.BumpPatch, "0.9.10"},
	}
	for _, tc := range cases {
		got, err := version.Bump(tc.in, tc.kind)
		if err != nil {
			t.Fatalf("bump %s %s: %v", tc.in, tc.kind, err)
		}
		if got != tc.want {
			t.Fatalf("bump %s %s: got %s want %s", tc.in, tc.kind, got, tc.want)
		}
	}
	if _, err := version.Bump("1.2", version.BumpPatch); err == nil {
		t.Fatalf("expected invalid version error")
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		req  string
		v    string
		want bool
	}{
		{"^1.0.0", "1.1.0", true},
		{"1.0.0", "1.1.0", true},
		{"1.0.0", "2.0.0", false},
		{"=1.0.0", "1.1.0", false},
		{"=1.0.0", "1.0.0", true},
		{"~1.2.0", "1.2.9", true},
		{"~1.2.0", "1.3.0", false},
		{"^0.2.3", "0.3.0", false},
		{"1.*", "1.9.0", true},
		{"1.*", "2.0.0", false},
		{">=1.0, <2.0", "1.5.0", true},
		{"*", "9.9.9", true},
	}
	for _, tc := range cases {
		got, err := version.Matches(tc.req, tc.v)
		if err != nil {
			t.Fatalf("matches %q %s: %v", tc.req, tc.v, err)
		}
		if got != tc.want {
			t.Fatalf("matches %q %s: got %v want %v", tc.req, tc.v, got, tc.want)
		}
	}
}

func TestRewritePreservesStyle(t *testing.T) {
	cases := []struct {
		req    string
		target string
		want   string
	}{
		{"^1.0.0", "2.0.0", "^2.0.0"},
		{"1.0.0", "2.0.0", "2.0.0"},
		{"^1.2", "2.0.0", "^2.0"},
		{"~1.2.0", "1.3.0", "~1.3.0"},
		{"1.*", "2.0.0", "2.*"},
		{">=1.0, <2.0", "2.1.0", "^2.1.0"},
	}
	for _, tc := range cases {
		got, err := version.Rewrite(tc.req, tc.target, version.PinReject)
		if err != nil {
			t.Fatalf("rewrite %q -> %s: %v", tc.req, tc.target, err)
		}
		if got != tc.want {
			t.Fatalf("rewrite %q -> %s: got %q want %q", tc.req, tc.target, got, tc.want)
		}
		ok, err := version.Matches(got, tc.target)
		if err != nil || !ok {
			t.Fatalf("rewritten %q does not match %s: %v", got, tc.target, err)
		}
	}
}

func TestRewriteExactPin(t *testing.T) {
	_, err := version.Rewrite("=1.0.0", "1.1.0", version.PinReject)
	if !errors.Is(err, version.ErrUnsafeRewrite) {
		t.Fatalf("expected ErrUnsafeRewrite, got %v", err)
	}
	got, err := version.Rewrite("=1.0.0", "1.1.0", version.PinRewrite)
	if err != nil {
		t.Fatalf("rewrite pin: %v", err)
	}
	if got != "=1.1.0" {
		t.Fatalf("got %q", got)
	}
}

func TestStyleOf(t *testing.T) {
	cases := map[string]version.Style{
		"1.0":     version.StyleBare,
		"^1":      version.StyleCaret,
		"~1.2":    version.StyleTilde,
		"= 1.0.0": version.StyleExact,
		"1.x":     version.StyleWildcard,
		"*":       version.StyleAny,
		">=1, <2": version.StyleRange,
		"<3.0.0":  version.StyleRange,
	}
	for req, want := range cases {
		if got := version.StyleOf(req); got != want {
			t.Fatalf("style of %q: got %s want %s", req, got, want)
		}
	}
}

func TestParsePolicies(t *testing.T) {
	if k, err := version.ParseBumpKind("Minor"); err != nil || k != version.BumpMinor {
		t.Fatalf("parse bump: %v %v", k, err)
	}
	if _, err := version.ParseBumpKind("huge"); err == nil {
		t.Fatalf("expected error")
	}
	if p, err := version.ParsePinPolicy(""); err != nil || p != version.PinReject {
		t.Fatalf("default pin policy: %v %v", p, err)
	}
}
