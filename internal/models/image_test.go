package models

import (
	"strings"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    ProcessingStatus
		to      ProcessingStatus
		allowed bool
	}{
		{ProcessingPending, ProcessingInProgress, true},
		{ProcessingRetrying, ProcessingInProgress, true},
		{ProcessingInProgress, ProcessingCompleted, true},
		{ProcessingInProgress, ProcessingFailed, true},
		{ProcessingInProgress, ProcessingRetrying, true},
		{ProcessingCompleted, ProcessingInProgress, false},
		{ProcessingFailed, ProcessingInProgress, false},
		{ProcessingInProgress, ProcessingPending, false},
		{ProcessingRetrying, ProcessingPending, false},
		{ProcessingCompleted, ProcessingPending, false},
		{ProcessingPending, ProcessingCompleted, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("CanTransition(%s, %s)=%v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &ImageRecord{ProcessingStatus: ProcessingPending}

	if err := rec.Transition(ProcessingInProgress, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ProcessingStartedAt == nil || !rec.ProcessingStartedAt.Equal(now) {
		t.Fatalf("started at not stamped")
	}
	if rec.ProcessingAttempts != 1 {
		t.Fatalf("attempts=%d, want 1", rec.ProcessingAttempts)
	}

	later := now.Add(2 * time.Second)
	if err := rec.Transition(ProcessingCompleted, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ProcessingCompletedAt == nil || !rec.ProcessingCompletedAt.Equal(later) {
		t.Fatalf("completed at not stamped")
	}
	if !rec.IsTerminal() {
		t.Fatalf("expected terminal state")
	}
}

func TestTransitionRefusesRegression(t *testing.T) {
	rec := &ImageRecord{ProcessingStatus: ProcessingCompleted}
	err := rec.Transition(ProcessingInProgress, time.Now())
	if err == nil {
		t.Fatalf("expected error moving completed record back to processing")
	}
	if rec.ProcessingStatus != ProcessingCompleted {
		t.Fatalf("status mutated on refused transition")
	}
}

func TestVariantMapAllCompleted(t *testing.T) {
	names := []string{"thumbnail", "preview", "web"}

	m := VariantMap{
		"thumbnail": {Status: VariantCompleted},
		"preview":   {Status: VariantCompleted},
		"web":       {Status: VariantCompleted},
	}
	if !m.AllCompleted(names) {
		t.Fatalf("expected all completed")
	}

	m["web"] = VariantResult{Status: VariantFailed, Error: "encode failed"}
	if m.AllCompleted(names) {
		t.Fatalf("expected incomplete map")
	}

	if m.AllCompleted(nil) {
		t.Fatalf("empty variant list must not count as completed")
	}
}

func TestAggregateErrors(t *testing.T) {
	rec := &ImageRecord{
		Variants: VariantMap{
			"web":       {Status: VariantFailed, Error: "resize failed"},
			"thumbnail": {Status: VariantFailed, Error: "decode failed"},
			"preview":   {Status: VariantCompleted},
		},
	}

	got := rec.AggregateErrors()
	if !strings.Contains(got, "thumbnail: decode failed") || !strings.Contains(got, "web: resize failed") {
		t.Fatalf("aggregate errors missing variants: %q", got)
	}
	if strings.Contains(got, "preview") {
		t.Fatalf("completed variant leaked into errors: %q", got)
	}
	// Sorted order keeps output stable.
	if strings.Index(got, "thumbnail") > strings.Index(got, "web") {
		t.Fatalf("expected sorted variant names: %q", got)
	}
}
