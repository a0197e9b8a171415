package schedule

import (
	"testing"
	"time"
)

func TestDueAt_EveryMinute(t *testing.T) {
	tick := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	due, err := DueAt("* * * * *", tick)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !due {
		t.Fatalf("every-minute cron should be due at %v", tick)
	}
}

func TestDueAt_FiveMinuteBoundary(t *testing.T) {
	due, err := DueAt("*/5 * * * *", time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !due {
		t.Fatalf("expected due at minute 5")
	}
	due, err = DueAt("*/5 * * * *", time.Date(2025, 1, 1, 0, 7, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if due {
		t.Fatalf("expected not due at minute 7")
	}
}

func TestDueAt_IdempotentWithinMinute(t *testing.T) {
	// Any wall-clock instant inside the minute evaluates like the minute
	// itself, so a re-derived tick cannot disagree with the live one.
	base := time.Date(2025, 1, 1, 12, 10, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Second, 30 * time.Second, 59 * time.Second} {
		due, err := DueAt("10 12 * * *", base.Add(offset))
		if err != nil {
			t.Fatalf("err at offset %v: %v", offset, err)
		}
		if !due {
			t.Fatalf("expected due at offset %v", offset)
		}
	}
}

func TestDueAt_InvalidCron(t *testing.T) {
	if _, err := DueAt("not a cron", time.Now()); err == nil {
		t.Fatalf("expected error for invalid expression")
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC)
	nxt, err := NextRun("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC); !nxt.Equal(want) {
		t.Fatalf("want %v got %v", want, nxt)
	}
}
