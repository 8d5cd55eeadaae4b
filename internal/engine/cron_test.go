package engine

import (
	"testing"
	"time"
)

func mustCron(t *testing.T, expr string) *cronSpec {
	t.Helper()
	spec, err := parseCron(expr)
	if err != nil {
		t.Fatalf("parseCron(%q): %v", expr, err)
	}
	return spec
}

func at(hour, minute int) time.Time {
	// Monday 2025-06-16.
	return time.Date(2025, 6, 16, hour, minute, 0, 0, time.UTC)
}

func TestCronEveryMinute(t *testing.T) {
	spec := mustCron(t, "* * * * *")
	if !spec.matches(at(3, 7)) {
		t.Fatal("wildcard expression should match any minute")
	}
}

func TestCronStep(t *testing.T) {
	spec := mustCron(t, "*/15 * * * *")
	want := map[int]bool{0: true, 15: true, 30: true, 45: true}
	for m := 0; m < 60; m++ {
		if spec.matches(at(10, m)) != want[m] {
			t.Fatalf("minute %d: match = %v, want %v", m, !want[m], want[m])
		}
	}
}

func TestCronCommaList(t *testing.T) {
	spec := mustCron(t, "5,35 9 * * *")
	if !spec.matches(at(9, 5)) || !spec.matches(at(9, 35)) {
		t.Fatal("expected matches at 09:05 and 09:35")
	}
	if spec.matches(at(9, 20)) || spec.matches(at(10, 5)) {
		t.Fatal("unexpected match outside the list")
	}
}

func TestCronRange(t *testing.T) {
	spec := mustCron(t, "0 9-17 * * *")
	if !spec.matches(at(9, 0)) || !spec.matches(at(17, 0)) {
		t.Fatal("expected matches at range edges")
	}
	if spec.matches(at(8, 0)) || spec.matches(at(18, 0)) {
		t.Fatal("unexpected match outside the range")
	}
}

func TestCronRangeWithStep(t *testing.T) {
	spec := mustCron(t, "0-30/10 * * * *")
	for _, m := range []int{0, 10, 20, 30} {
		if !spec.matches(at(12, m)) {
			t.Fatalf("expected match at minute %d", m)
		}
	}
	if spec.matches(at(12, 5)) || spec.matches(at(12, 40)) {
		t.Fatal("unexpected match off the step grid")
	}
}

func TestCronDayOfWeek(t *testing.T) {
	// 2025-06-16 is a Monday (weekday 1).
	spec := mustCron(t, "0 8 * * 1")
	if !spec.matches(at(8, 0)) {
		t.Fatal("expected match on Monday 08:00")
	}
	sunday := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	if spec.matches(sunday) {
		t.Fatal("unexpected match on Sunday")
	}

	// 7 is an alias for Sunday.
	spec = mustCron(t, "0 8 * * 7")
	if !spec.matches(sunday) {
		t.Fatal("expected 7 to match Sunday")
	}
}

func TestCronInvalidExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"*/0 * * * *",
		"5-2 * * * *",
		"x * * * *",
	} {
		if _, err := parseCron(expr); err == nil {
			t.Fatalf("parseCron(%q): expected error", expr)
		}
	}
}
