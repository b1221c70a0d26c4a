package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of testing.T the asserters need
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions control how CLI output is normalized before comparing.
type TextAssertOptions struct {
	IgnoreLeadingWhitespace  bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"false"`
	EnableColors             bool `default:"false"`
}

type TextOption func(*TextAssertOptions)

func WithIgnoreLeadingWhitespace(v bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreLeadingWhitespace = v }
}

func WithIgnoreTrailingWhitespace(v bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = v }
}

func WithIgnoreEmptyLines(v bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = v }
}

func WithTrimSpace(v bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = v }
}

// WithEnableColors colors the diff and makes blanks and tabs visible.
func WithEnableColors(v bool) TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = v }
}

// TextAsserter compares command output and reports mismatches as a unified
// diff, expected first.
//
//	testutils.NewTextAsserter(s.T()).Assert(stdout, "Write successful\n")
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t TestingT) *TextAsserter {
	ta := &TextAsserter{t: t}
	defaults.SetDefaults(&ta.options)
	return ta
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// GetOptions returns a copy of the current options.
func (ta *TextAsserter) GetOptions() TextAssertOptions {
	return ta.options
}

// Assert reports a failure on t and returns false when the texts differ
// after normalization.
func (ta *TextAsserter) Assert(actual, expected string) bool {
	want, got := ta.normalize(expected), ta.normalize(actual)
	if want == got {
		return true
	}

	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if ta.options.EnableColors {
		unified = colorize(unified)
	}
	ta.t.Errorf("Text assertion failed - unified diff:\n%s", unified)
	return false
}

func (ta *TextAsserter) normalize(text string) string {
	o := ta.options
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if o.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		if o.IgnoreLeadingWhitespace {
			line = strings.TrimLeft(line, " \t")
		}
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

type diffStyle struct {
	prefix     string
	attr       color.Attribute
	showBlanks bool
}

// Checked in order: "---" must match before "-".
var diffStyles = []diffStyle{
	{"---", color.FgYellow, false},
	{"+++", color.FgYellow, false},
	{"@@", color.FgCyan, false},
	{"-", color.FgRed, true},
	{"+", color.FgGreen, true},
}

func colorize(diff string) string {
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		for _, st := range diffStyles {
			if !strings.HasPrefix(line, st.prefix) {
				continue
			}
			if st.showBlanks {
				line = strings.NewReplacer(" ", "·", "\t", "→").Replace(line)
			}
			c := color.New(st.attr)
			// tests run with color.NoColor set
			c.EnableColor()
			lines[i] = c.Sprint(line)
			break
		}
	}
	return strings.Join(lines, "\n")
}
