package model

// storyTransitions is the story workflow state machine.
//
// Initial state: planning. Terminal state: completed.
//
//	planning    -> ready
//	ready       -> in_progress
//	in_progress -> review, blocked
//	review      -> completed, in_progress
//	blocked     -> ready, in_progress
var storyTransitions = map[StoryStatus][]StoryStatus{
	StoryPlanning:   {StoryReady},
	StoryReady:      {StoryInProgress},
	StoryInProgress: {StoryReview, StoryBlocked},
	StoryReview:     {StoryCompleted, StoryInProgress},
	StoryBlocked:    {StoryReady, StoryInProgress},
	StoryCompleted:  {},
}

// CanTransition returns true if a story may move from one status to another.
func CanTransition(from, to StoryStatus) bool {
	for _, next := range storyTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a requested story transition. It returns a
// ValidationError for unknown statuses and for any move the FSM does not
// allow, before any file write, store mutation, or commit is attempted.
func CheckTransition(epic, story int, from, to StoryStatus) error {
	key := StoryKey(epic, story)
	if !from.Valid() {
		return validationf("story", key, "unknown status %q", from)
	}
	if !to.Valid() {
		return validationf("story", key, "unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return validationf("story", key, "illegal transition %s -> %s", from, to)
	}
	return nil
}
