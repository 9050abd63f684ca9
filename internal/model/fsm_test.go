package model

import (
	"errors"
	"testing"
)

// TestCanTransition_LegalMoves verifies every edge of the story workflow.
func TestCanTransition_LegalMoves(t *testing.T) {
	legal := []struct {
		from, to StoryStatus
	}{
		{StoryPlanning, StoryReady},
		{StoryReady, StoryInProgress},
		{StoryInProgress, StoryReview},
		{StoryInProgress, StoryBlocked},
		{StoryReview, StoryCompleted},
		{StoryReview, StoryInProgress},
		{StoryBlocked, StoryReady},
		{StoryBlocked, StoryInProgress},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
}

// TestCanTransition_IllegalMoves verifies representative forbidden moves,
// including everything out of the terminal state.
func TestCanTransition_IllegalMoves(t *testing.T) {
	illegal := []struct {
		from, to StoryStatus
	}{
		{StoryPlanning, StoryInProgress},
		{StoryPlanning, StoryCompleted},
		{StoryReady, StoryCompleted},
		{StoryReady, StoryReview},
		{StoryInProgress, StoryCompleted},
		{StoryInProgress, StoryPlanning},
		{StoryBlocked, StoryCompleted},
		{StoryCompleted, StoryInProgress},
		{StoryCompleted, StoryReady},
		{StoryCompleted, StoryPlanning},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

// TestCheckTransition_ReturnsValidationError verifies that an illegal move
// surfaces as a ValidationError carrying the story key.
func TestCheckTransition_ReturnsValidationError(t *testing.T) {
	err := CheckTransition(7, 3, StoryReady, StoryCompleted)
	if err == nil {
		t.Fatal("CheckTransition() = nil, want error")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("error does not match ErrValidation: %v", err)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error is not a *ValidationError: %v", err)
	}
	if verr.ID != "story-7.3" {
		t.Errorf("ID = %q, want %q", verr.ID, "story-7.3")
	}
}

// TestCheckTransition_UnknownStatus rejects statuses outside the FSM.
func TestCheckTransition_UnknownStatus(t *testing.T) {
	if err := CheckTransition(1, 1, "bogus", StoryReady); err == nil {
		t.Error("CheckTransition() with unknown source = nil, want error")
	}
	if err := CheckTransition(1, 1, StoryReady, "bogus"); err == nil {
		t.Error("CheckTransition() with unknown target = nil, want error")
	}
}

// TestCheckTransition_Legal passes a legal move through untouched.
func TestCheckTransition_Legal(t *testing.T) {
	if err := CheckTransition(1, 1, StoryPlanning, StoryReady); err != nil {
		t.Errorf("CheckTransition() = %v, want nil", err)
	}
}
