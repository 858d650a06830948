package vocabulary

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeRules(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
}

func TestCorrectorTermAndSubstitutionRules(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocabulary.rules")
	writeRules(t, path, `
# product names
pull request => PR
s/\bdeep\s*gram\b/Deepgram/g
`)

	c, err := New(path, 30, nil)
	if err != nil {
		t.Fatalf("failed to create corrector: %v", err)
	}
	if c.RuleCount() != 2 {
		t.Fatalf("expected 2 rules, got %d", c.RuleCount())
	}

	got, err := c.Apply("deep gram reviewed the Pull Request")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got != "Deepgram reviewed the PR" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestCorrectorIteratesUntilStable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocabulary.rules")
	writeRules(t, path, "a => b\nb => c\n")

	c, err := New(path, 5, nil)
	if err != nil {
		t.Fatalf("failed to create corrector: %v", err)
	}
	got, _ := c.Apply("a")
	if got != "c" {
		t.Fatalf("expected chained rewrite, got %q", got)
	}
}

func TestCorrectorIterationLimit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocabulary.rules")
	writeRules(t, path, "s/x/xx/\n")

	c, err := New(path, 3, nil)
	if err != nil {
		t.Fatalf("failed to create corrector: %v", err)
	}
	got, _ := c.Apply("x")
	if got != "xxxx" {
		t.Fatalf("expected three expansions, got %q", got)
	}
}

func TestSubstitutionFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rule string
		in   string
		want string
	}{
		{rule: `s/cat/dog/`, in: "Cat cat", want: "dog cat"},
		{rule: `s/cat/dog/g`, in: "Cat cat", want: "dog dog"},
		{rule: `s/cat/dog/gI`, in: "Cat cat", want: "Cat dog"},
		{rule: `s|a/b|x|`, in: "a/b", want: "x"},
		{rule: `s/(\w+) lens/${1}Lens/`, in: "live lens", want: "liveLens"},
		{rule: `s/a\/b/c/`, in: "a/b", want: "c"},
	}
	for _, tc := range cases {
		rules, err := parseRules(tc.rule)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.rule, err)
		}
		got, _ := rules[0].apply(tc.in)
		if got != tc.want {
			t.Fatalf("%q on %q: got %q want %q", tc.rule, tc.in, got, tc.want)
		}
	}
}

func TestParseRulesRejectsInvalidLines(t *testing.T) {
	t.Parallel()

	for _, contents := range []string{
		"just words",
		" => empty source",
		"s/unterminated",
		"s/a/b/z",
		"s/(/x/",
	} {
		_, err := parseRules(contents)
		if err == nil {
			t.Fatalf("expected error for %q", contents)
		}
		if !strings.Contains(err.Error(), "line 1") {
			t.Fatalf("expected line number in %q", err)
		}
	}
}

func TestNewWithMissingFilePassesThrough(t *testing.T) {
	t.Parallel()

	c, err := New(filepath.Join(t.TempDir(), "missing.rules"), 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := c.Apply("unchanged")
	if got != "unchanged" || c.RuleCount() != 0 {
		t.Fatalf("expected pass-through, got %q", got)
	}

	empty, err := New("", 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := empty.Watch(context.Background()); err != nil {
		t.Fatalf("watch without path should be a no-op: %v", err)
	}
}

func TestReloadKeepsPreviousRulesOnParseError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocabulary.rules")
	writeRules(t, path, "colour => color\n")

	c, err := New(path, 0, nil)
	if err != nil {
		t.Fatalf("failed to create corrector: %v", err)
	}

	writeRules(t, path, "not a rule\n")
	if err := c.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	got, _ := c.Apply("colour")
	if got != "color" {
		t.Fatalf("expected previous rules to stay active, got %q", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocabulary.rules")
	writeRules(t, path, "alpha => one\n")

	c, err := New(path, 0, nil)
	if err != nil {
		t.Fatalf("failed to create corrector: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Watch(ctx); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	writeRules(t, path, "alpha => uno\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := c.Apply("alpha"); got == "uno" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := c.Apply("alpha")
	t.Fatalf("expected reloaded rules, got %q", got)
}

func TestWatchCoalescesBurstOfWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocabulary.rules")
	writeRules(t, path, "alpha => one\n")

	c, err := New(path, 0, nil)
	if err != nil {
		t.Fatalf("failed to create corrector: %v", err)
	}
	c.reloadDelay = 150 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Watch(ctx); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	// An in-place save: truncate, then write the new contents in pieces.
	writeRules(t, path, "")
	writeRules(t, path, "alpha => uno\n")
	writeRules(t, path, "alpha => uno\nbeta => dos\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && c.RuleCount() != 2 {
		if c.RuleCount() == 0 {
			t.Fatalf("truncated file must not clear the active rules")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.RuleCount() != 2 {
		t.Fatalf("expected 2 rules after reload, got %d", c.RuleCount())
	}

	time.Sleep(300 * time.Millisecond)
	if got := c.reloads.Load(); got != 1 {
		t.Fatalf("expected one coalesced reload, got %d", got)
	}
	if got, _ := c.Apply("alpha beta"); got != "uno dos" {
		t.Fatalf("unexpected corrected text: %q", got)
	}
}
