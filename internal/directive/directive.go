package directive

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// Directive is one embedded automation request found in a final agent
// message: a fenced code block tagged `schedule` carrying a YAML body.
type Directive struct {
	Expr     string `yaml:"expr"`
	Prompt   string `yaml:"prompt"`
	Timezone string `yaml:"timezone,omitempty"`
}

// Result pairs a parsed directive with its validation outcome.
type Result struct {
	Directive Directive
	NextRun   time.Time
	Err       error
}

// Scan walks the Markdown AST of a final message and extracts every
// `schedule` fenced block. Malformed blocks are skipped; directives must
// never fail the turn that produced them.
func Scan(markdown string) []Directive {
	text := strings.TrimSpace(markdown)
	if text == "" || !strings.Contains(text, "```") {
		return nil
	}
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))

	var out []Directive
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if !strings.EqualFold(string(fc.Language(src)), "schedule") {
			return ast.WalkContinue, nil
		}

		var body bytes.Buffer
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			body.Write(seg.Value(src))
		}

		var d Directive
		if err := yaml.Unmarshal(body.Bytes(), &d); err != nil {
			return ast.WalkContinue, nil
		}
		if strings.TrimSpace(d.Expr) == "" || strings.TrimSpace(d.Prompt) == "" {
			return ast.WalkContinue, nil
		}
		out = append(out, d)
		return ast.WalkContinue, nil
	})
	return out
}

var cronParser = robcron.NewParser(
	robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor,
)

// Validate checks the cron expression and computes the next firing time in
// the directive's timezone (falling back to defaultTZ, then UTC).
func Validate(d Directive, now time.Time, defaultTZ string) (time.Time, error) {
	expr := strings.TrimSpace(d.Expr)
	if expr == "" {
		return time.Time{}, errors.New("schedule expr is required")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	tz := strings.TrimSpace(d.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(defaultTZ)
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}
	if now.IsZero() {
		now = time.Now()
	}
	next := schedule.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", expr)
	}
	return next, nil
}

// Process scans a final message and validates each directive it carries.
func Process(markdown string, now time.Time, defaultTZ string) []Result {
	directives := Scan(markdown)
	if len(directives) == 0 {
		return nil
	}
	out := make([]Result, 0, len(directives))
	for _, d := range directives {
		next, err := Validate(d, now, defaultTZ)
		out = append(out, Result{Directive: d, NextRun: next, Err: err})
	}
	return out
}

// Describe renders one result as the system response fed back to the agent.
func Describe(r Result) string {
	if r.Err != nil {
		return fmt.Sprintf("schedule rejected (%s): %v", r.Directive.Expr, r.Err)
	}
	return fmt.Sprintf("scheduled %q (%s), next run %s",
		preview(r.Directive.Prompt, 80), r.Directive.Expr, r.NextRun.Format(time.RFC3339))
}

func preview(raw string, max int) string {
	text := strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
