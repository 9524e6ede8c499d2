package lock

import (
	"testing"
	"time"
)

var deadline = time.Date(2026, 11, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluate_OneTickBeforeDeadline(t *testing.T) {
	s := Evaluate(deadline, deadline.Add(-time.Nanosecond))
	if s.State != Open {
		t.Errorf("expected Open, got %s", s.State)
	}
	if s.Remaining != time.Nanosecond {
		t.Errorf("expected remaining=1ns, got %s", s.Remaining)
	}
	if !s.IsOpen() {
		t.Error("IsOpen should be true")
	}
}

func TestEvaluate_OneSecondBeforeDeadline(t *testing.T) {
	s := Evaluate(deadline, deadline.Add(-time.Second))
	if s.State != Open || s.Remaining != time.Second {
		t.Errorf("expected Open with 1s, got %s %s", s.State, s.Remaining)
	}
}

func TestEvaluate_AtDeadline(t *testing.T) {
	s := Evaluate(deadline, deadline)
	if s.State != LockedPendingOutcome {
		t.Errorf("expected LockedPendingOutcome at deadline, got %s", s.State)
	}
	if s.Remaining != 0 {
		t.Errorf("expected remaining=0, got %s", s.Remaining)
	}
}

func TestEvaluate_AfterDeadline(t *testing.T) {
	s := Evaluate(deadline, deadline.Add(time.Nanosecond))
	if s.State != LockedPendingOutcome {
		t.Errorf("expected LockedPendingOutcome after deadline, got %s", s.State)
	}
	if s.Remaining != 0 {
		t.Errorf("remaining must never be negative, got %s", s.Remaining)
	}
	if s.IsOpen() {
		t.Error("IsOpen should be false")
	}
}

func TestEvaluate_ReEvaluable(t *testing.T) {
	now := deadline.Add(-72 * time.Hour)
	a := Evaluate(deadline, now)
	b := Evaluate(deadline, now)
	if a != b {
		t.Errorf("same inputs gave different results: %+v vs %+v", a, b)
	}
}

func TestEvaluate_IgnoresLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	s := Evaluate(deadline, deadline.In(ist).Add(-time.Minute))
	if s.State != Open || s.Remaining != time.Minute {
		t.Errorf("expected Open with 1m across zones, got %s %s", s.State, s.Remaining)
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{3*24*time.Hour + 12*time.Hour + 40*time.Minute, "3d 12h"},
		{24 * time.Hour, "1d 0h"},
		{6*time.Hour + 59*time.Minute, "6h"},
		{45*time.Minute + 30*time.Second, "45m"},
		{30 * time.Second, "<1m"},
		{0, "0m"},
		{-time.Hour, "0m"},
	}
	for _, tc := range tests {
		if got := FormatRemaining(tc.d); got != tc.want {
			t.Errorf("FormatRemaining(%s) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
