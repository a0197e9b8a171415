package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sydneyDK/rearview/internal/jobs"
)

func series(metric string, values ...float64) jobs.TimeSeries {
	points := make([]jobs.DataPoint, len(values))
	for i := range values {
		v := values[i]
		points[i] = jobs.DataPoint{Timestamp: int64(i * 60), Value: &v}
	}
	return jobs.TimeSeries{{Metric: metric, Points: points}}
}

func TestEvaluate_SuccessVerdict(t *testing.T) {
	v, err := Evaluate(context.Background(), "max(latency) < 100",
		series("service.latency", 10, 50, 99), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if v.Status != jobs.StatusSuccess {
		t.Fatalf("want success got %s", v.Status)
	}
	if v.Output.Output == "" || len(v.Output.GraphData) == 0 {
		t.Fatalf("expected output text and graph payload")
	}
}

func TestEvaluate_FailedVerdict(t *testing.T) {
	v, err := Evaluate(context.Background(), "max(latency) < 100",
		series("service.latency", 10, 150), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if v.Status != jobs.StatusFailed {
		t.Fatalf("want failed got %s", v.Status)
	}
}

func TestEvaluate_FullNameAlias(t *testing.T) {
	v, err := Evaluate(context.Background(), "last(service_latency) == 150",
		series("service.latency", 10, 150), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if v.Status != jobs.StatusSuccess {
		t.Fatalf("want success got %s", v.Status)
	}
}

func TestEvaluate_SeriesMapLookup(t *testing.T) {
	v, err := Evaluate(context.Background(), `len(series["service.latency"]) == 2`,
		series("service.latency", 10, 150), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if v.Status != jobs.StatusSuccess {
		t.Fatalf("want success got %s", v.Status)
	}
}

func TestEvaluate_NonBooleanResultIsSuccess(t *testing.T) {
	v, err := Evaluate(context.Background(), "max(latency)",
		series("service.latency", 10, 150), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if v.Status != jobs.StatusSuccess {
		t.Fatalf("numeric verdict should map to success, got %s", v.Status)
	}
}

func TestEvaluate_CompileError(t *testing.T) {
	_, err := Evaluate(context.Background(), "max(nosuchmetric) < 1",
		series("service.latency", 10), time.Second)
	if err == nil {
		t.Fatalf("expected error for unknown identifier")
	}
	if errors.Is(err, ErrForbidden) || errors.Is(err, ErrTimeout) {
		t.Fatalf("plain compile error misclassified: %v", err)
	}
}

func TestEvaluate_ForbiddenCapability(t *testing.T) {
	for _, src := range []string{
		`exec("rm -rf /")`,
		`readfile("/etc/passwd")`,
		`socket(1,2)`,
		`Import("net")`,
		`getenv("PATH") == ""`,
	} {
		_, err := Evaluate(context.Background(), src, series("m", 1), time.Second)
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("%q: want ErrForbidden, got %v", src, err)
		}
	}
}

func TestEvaluate_ForbiddenDoesNotBlockMetricNames(t *testing.T) {
	// Identifiers merely containing a blocked word are fine.
	v, err := Evaluate(context.Background(), "max(disk_iops) > 0",
		series("host.disk_iops", 5), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if v.Status != jobs.StatusSuccess {
		t.Fatalf("want success got %s", v.Status)
	}
}

func TestEvaluate_MetricNamespaceIsNotForbidden(t *testing.T) {
	// os.*, io.*, *.process.* and friends are ordinary metric
	// namespaces, not capability escapes.
	for _, c := range []struct {
		src    string
		metric string
	}{
		{`last(series["os.cpu"]) < 90`, "os.cpu"},
		{`max(os_cpu) < 90`, "os.cpu"},
		{`mean(series["io.wait"]) < 1`, "io.wait"},
		{`last(series["host.process.count"]) < 90`, "host.process.count"},
		{`max(series["system.load"]) < 4`, "system.load"},
	} {
		v, err := Evaluate(context.Background(), c.src, series(c.metric, 10), time.Second)
		if err != nil {
			t.Fatalf("%q: %v", c.src, err)
		}
		if v.Status != jobs.StatusSuccess {
			t.Fatalf("%q: want success got %s", c.src, v.Status)
		}
	}
}

func TestScreen_IgnoresStringLiterals(t *testing.T) {
	// A blocked word inside a string literal is data, not code.
	if err := Screen(`last(series["exec.time"]) > 0`); err != nil {
		t.Fatalf("literal-only occurrence rejected: %v", err)
	}
	if err := Screen(`"socket" == "socket"`); err != nil {
		t.Fatalf("literal-only occurrence rejected: %v", err)
	}
	// Outside a literal it still trips.
	if err := Screen(`socket("x")`); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	// An escaped quote does not end the literal early.
	if err := Screen(`"a\" exec " == x`); err != nil {
		t.Fatalf("escaped quote mishandled: %v", err)
	}
}

func TestEvaluate_DeadlineYieldsTimeout(t *testing.T) {
	_, err := Evaluate(context.Background(), "max(latency) < 100",
		series("service.latency", 10), 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestScreen(t *testing.T) {
	if err := Screen("max(latency) < 100 && last(latency) > 0"); err != nil {
		t.Fatalf("clean expression rejected: %v", err)
	}
	if err := Screen("shell('reboot')"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"service.latency":   "service_latency",
		"9lives":            "_9lives",
		"a-b.c":             "a_b_c",
		"already_sanitized": "already_sanitized",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Fatalf("sanitize(%q): want %q got %q", in, want, got)
		}
	}
}
