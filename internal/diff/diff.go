// Package diff renders unified diffs between two policy snapshots.
package diff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

const (
	// DefaultContextLines is the number of unchanged lines shown around each hunk.
	DefaultContextLines = 3
	// DefaultLargeInputBytes is the input size above which context is reduced.
	DefaultLargeInputBytes = 512 * 1024
	// DefaultMaxDiffBytes caps the rendered diff.
	DefaultMaxDiffBytes = 100 * 1024
	// DefaultReducedContext is used for inputs above the large-input threshold.
	DefaultReducedContext = 1

	defaultFromLabel = "previous"
	defaultToLabel   = "current"
)

// Config tunes the size controls of a Generator. Zero values select defaults.
type Config struct {
	LargeInputBytes int
	MaxDiffBytes    int
	ReducedContext  int
}

// Options control a single diff.
type Options struct {
	ContextLines int
	FromLabel    string
	ToLabel      string
}

// Generator produces unified diffs with size limits.
type Generator struct {
	largeInput     int
	maxDiff        int
	reducedContext int
}

// New constructs a Generator.
func New(cfg Config) *Generator {
	g := &Generator{
		largeInput:     cfg.LargeInputBytes,
		maxDiff:        cfg.MaxDiffBytes,
		reducedContext: cfg.ReducedContext,
	}
	if g.largeInput <= 0 {
		g.largeInput = DefaultLargeInputBytes
	}
	if g.maxDiff <= 0 {
		g.maxDiff = DefaultMaxDiffBytes
	}
	if g.reducedContext <= 0 {
		g.reducedContext = DefaultReducedContext
	}
	return g
}

// DefaultOptions returns three lines of context and the standard labels.
func DefaultOptions() Options {
	return Options{ContextLines: DefaultContextLines}
}

// Generate renders the unified diff from oldText to newText. Both inputs
// empty, or identical, yields an empty string.
func (g *Generator) Generate(oldText, newText string, opts Options) (string, error) {
	if opts.ContextLines < 0 {
		return "", policy.NewValidationError("context_lines", "must be non-negative")
	}
	if oldText == newText {
		return "", nil
	}
	from, to := opts.FromLabel, opts.ToLabel
	if from == "" {
		from = defaultFromLabel
	}
	if to == "" {
		to = defaultToLabel
	}

	context := opts.ContextLines
	if (len(oldText) > g.largeInput || len(newText) > g.largeInput) && context > g.reducedContext {
		context = g.reducedContext
	}

	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(oldText),
		B:        splitLines(newText),
		FromFile: from,
		ToFile:   to,
		Context:  context,
	})
	if err != nil {
		return "", fmt.Errorf("render unified diff: %w", err)
	}
	return g.truncate(out), nil
}

func (g *Generator) truncate(out string) string {
	if len(out) <= g.maxDiff {
		return out
	}
	cut := out[:g.maxDiff]
	// Keep whole lines so the prefix stays a readable diff.
	if i := strings.LastIndexByte(cut, '\n'); i >= 0 {
		cut = cut[:i+1]
	}
	return cut + fmt.Sprintf("\n... diff truncated: original %d bytes, showing %d bytes ...\n", len(out), len(cut))
}

// splitLines keeps line terminators and terminates a final unterminated line
// so both sides compare equal regardless of a trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if last := lines[len(lines)-1]; last == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] = last + "\n"
	}
	return lines
}

// AddedLines returns the content of "+" lines in a unified diff, without the
// marker. File headers before the first hunk are skipped.
func AddedLines(unified string) []string {
	return markedLines(unified, '+')
}

// RemovedLines returns the content of "-" lines in a unified diff.
func RemovedLines(unified string) []string {
	return markedLines(unified, '-')
}

func markedLines(unified string, marker byte) []string {
	var out []string
	inHunk := false
	for _, line := range strings.Split(unified, "\n") {
		if strings.HasPrefix(line, "@@ ") {
			inHunk = true
			continue
		}
		if !inHunk || line == "" || line[0] != marker {
			continue
		}
		out = append(out, line[1:])
	}
	return out
}
