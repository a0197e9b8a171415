// Package sandbox evaluates user-supplied monitor expressions against
// fetched time series. Expressions run inside expr-lang, which exposes no
// filesystem, network or process capability; a lexical screen rejects
// expressions that even name such capabilities so a malicious definition
// surfaces as a distinct security status instead of a plain failure.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/sydneyDK/rearview/internal/jobs"
)

var (
	// ErrForbidden means the expression references a disallowed capability.
	ErrForbidden = errors.New("expression uses a forbidden capability")
	// ErrTimeout means evaluation exceeded its deadline and was cancelled.
	ErrTimeout = errors.New("expression evaluation timed out")
)

// forbidden matches identifiers that would only appear in an attempt to
// reach outside the data-and-arithmetic surface the sandbox offers.
// Words that double as common metric namespaces (os, io, file, system,
// process) are deliberately absent: expr exposes no such capability, so
// blocking them would only misflag legitimate selectors.
var forbidden = regexp.MustCompile(`(?i)\b(exec|syscall|popen|spawn|shell|command|socket|dial|fetch|import|require|getenv|setenv|readfile|writefile)\b`)

// Screen rejects an expression before compilation if it names a
// disallowed capability. String literals are blanked first so a metric
// name inside a series lookup never trips the screen.
func Screen(src string) error {
	if m := forbidden.FindString(stripStrings(src)); m != "" {
		return fmt.Errorf("identifier %q: %w", m, ErrForbidden)
	}
	return nil
}

// stripStrings replaces string literal contents with spaces, honoring
// backslash escapes inside quoted forms.
func stripStrings(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != '"' && c != '\'' && c != '`' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(' ')
		for i++; i < len(src); i++ {
			if c != '`' && src[i] == '\\' {
				i++
				continue
			}
			if src[i] == c {
				break
			}
		}
	}
	return b.String()
}

// Verdict is the clean outcome of one evaluation. Status is success or
// failed per the expression's result; classified faults come back as
// errors instead.
type Verdict struct {
	Status jobs.JobStatus
	Output jobs.MonitorOutput
}

// Evaluate compiles and runs the expression against the series set under
// the given deadline. On deadline expiry the VM is cancelled and
// ErrTimeout is returned; the sandbox never keeps running once Evaluate
// has returned.
func Evaluate(ctx context.Context, src string, series jobs.TimeSeries, deadline time.Duration) (Verdict, error) {
	if err := Screen(src); err != nil {
		return Verdict{}, err
	}

	env := buildEnv(series)

	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	env["ctx"] = cctx

	program, err := expr.Compile(src, expr.Env(env), expr.WithContext("ctx"))
	if err != nil {
		return Verdict{}, fmt.Errorf("compile: %w", err)
	}

	if cctx.Err() != nil {
		return Verdict{}, fmt.Errorf("after %s: %w", deadline, ErrTimeout)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return Verdict{}, fmt.Errorf("after %s: %w", deadline, ErrTimeout)
		}
		return Verdict{}, fmt.Errorf("run: %w", err)
	}

	status := jobs.StatusSuccess
	if b, ok := out.(bool); ok && !b {
		status = jobs.StatusFailed
	}

	graph, _ := json.Marshal(series)
	return Verdict{
		Status: status,
		Output: jobs.MonitorOutput{
			Status:    status,
			Output:    renderOutput(src, out, series),
			GraphData: graph,
		},
	}, nil
}

// buildEnv exposes each metric's values under its sanitized full name and,
// when unambiguous, under its last dotted segment, plus a series map.
// Aggregation (min, max, mean, sum, first, last) comes from expr builtins.
func buildEnv(series jobs.TimeSeries) map[string]any {
	env := map[string]any{
		"series": map[string][]float64{},
	}
	byName := env["series"].(map[string][]float64)

	shortCount := map[string]int{}
	for _, s := range series {
		shortCount[lastSegment(s.Metric)]++
	}
	for _, s := range series {
		vals := s.Values()
		byName[s.Metric] = vals
		env[sanitize(s.Metric)] = vals
		if short := sanitize(lastSegment(s.Metric)); shortCount[lastSegment(s.Metric)] == 1 {
			if _, taken := env[short]; !taken {
				env[short] = vals
			}
		}
	}
	return env
}

func lastSegment(metric string) string {
	if i := strings.LastIndexByte(metric, '.'); i >= 0 {
		return metric[i+1:]
	}
	return metric
}

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func sanitize(metric string) string {
	s := nonIdent.ReplaceAllString(metric, "_")
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "_" + s
	}
	return s
}

func renderOutput(src string, result any, series jobs.TimeSeries) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s => %v\n", src, result)
	for _, s := range series {
		vals := s.Values()
		if len(vals) == 0 {
			fmt.Fprintf(&b, "%s: no data\n", s.Metric)
			continue
		}
		fmt.Fprintf(&b, "%s: %d points, last=%g\n", s.Metric, len(vals), vals[len(vals)-1])
	}
	return b.String()
}
