package consistency

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/model"
)

// staleAfter is the file-age fallback threshold: a story file untouched for
// this long while still marked in progress is treated as likely done.
const staleAfter = 60 * 24 * time.Hour

// InferStoryStatus guesses a story's status from its commit history. This
// heuristic is explicitly approximate: it is used only for drift detection
// and one-time migration backfill, never as an ongoing authority once the
// hybrid store is live.
//
// The last commit subject for the story file is matched against keywords
// produced by the coordinator's structured commit messages. When history
// offers no signal, file age is the fallback. Returns ok=false when nothing
// can be inferred.
func (c *Checker) InferStoryStatus(ctx context.Context, path string, current model.StoryStatus) (model.StoryStatus, bool, error) {
	last, err := c.vcs.LastCommitFor(ctx, path)
	if err != nil {
		return "", false, err
	}

	if last != nil {
		if status, ok := statusFromSubject(last.Subject); ok {
			return status, true, nil
		}
	}

	// Fallback: a long-dormant in-progress story most likely finished
	// without its status being recorded.
	if current == model.StoryInProgress {
		info, err := os.Stat(c.tree.Abs(path))
		if err == nil && time.Since(info.ModTime()) > staleAfter {
			return model.StoryCompleted, true, nil
		}
	}

	return "", false, nil
}

// statusFromSubject matches commit subject keywords to a story status.
func statusFromSubject(subject string) (model.StoryStatus, bool) {
	s := strings.ToLower(subject)
	switch {
	case strings.Contains(s, "complete"):
		return model.StoryCompleted, true
	case strings.Contains(s, "in progress"), strings.Contains(s, "in_progress"):
		return model.StoryInProgress, true
	case strings.Contains(s, "blocked"):
		return model.StoryBlocked, true
	case strings.Contains(s, "review"):
		return model.StoryReview, true
	}
	return "", false
}
