// Package docs manages the human-readable half of loom's hybrid state: the
// UTF-8 markdown files for epics, stories, and ceremony transcripts.
//
// Each document carries a YAML frontmatter block holding the structured
// fields, followed by a human-editable markdown body. Files live at
// conventional paths under the repository root:
//
//	epics/epic-{n}.md
//	stories/epic-{n}/story-{n}.{m}.md
//	ceremonies/{type}-{id}.md
//
// Writes go through a temp file and rename so a crash never leaves a
// half-written document.
package docs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/model"
)

const (
	// EpicsDir is the directory holding epic documents.
	EpicsDir = "epics"

	// StoriesDir is the directory holding per-epic story subdirectories.
	StoriesDir = "stories"

	// CeremoniesDir is the directory holding ceremony transcripts.
	CeremoniesDir = "ceremonies"
)

// Tree resolves conventional document paths under a repository root.
type Tree struct {
	root string
}

// NewTree creates a Tree rooted at the given repository directory.
func NewTree(root string) *Tree {
	return &Tree{root: root}
}

// Root returns the repository root directory.
func (t *Tree) Root() string {
	return t.root
}

// EpicPath returns the repo-relative path of an epic document.
func (t *Tree) EpicPath(epic int) string {
	return filepath.Join(EpicsDir, fmt.Sprintf("epic-%d.md", epic))
}

// StoryPath returns the repo-relative path of a story document.
func (t *Tree) StoryPath(epic, story int) string {
	return filepath.Join(StoriesDir, fmt.Sprintf("epic-%d", epic),
		fmt.Sprintf("story-%d.%d.md", epic, story))
}

// CeremonyPath returns the repo-relative path of a ceremony transcript.
func (t *Tree) CeremonyPath(ceremonyType model.CeremonyType, id string) string {
	return filepath.Join(CeremoniesDir, fmt.Sprintf("%s-%s.md", ceremonyType, id))
}

// Abs converts a repo-relative path to an absolute one.
func (t *Tree) Abs(rel string) string {
	return filepath.Join(t.root, rel)
}

// Exists reports whether the repo-relative path exists on disk.
func (t *Tree) Exists(rel string) bool {
	_, err := os.Stat(t.Abs(rel))
	return err == nil
}

// Write writes a document at the repo-relative path, creating parent
// directories as needed. The write is atomic via temp file and rename.
func (t *Tree) Write(rel string, content []byte) error {
	path := t.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write temp file for %s: %w", rel, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file for %s: %w", rel, err)
	}
	return nil
}

// Read reads a document at the repo-relative path.
func (t *Tree) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(t.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

// Remove deletes a document at the repo-relative path. Missing files are
// not an error.
func (t *Tree) Remove(rel string) error {
	err := os.Remove(t.Abs(rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

// epicFilePattern matches epic document filenames, capturing the number.
var epicFilePattern = regexp.MustCompile(`^epic-(\d+)\.md$`)

// storyFilePattern matches story document filenames, capturing epic and
// story numbers.
var storyFilePattern = regexp.MustCompile(`^story-(\d+)\.(\d+)\.md$`)

// ParseEpicPath extracts the epic number from a repo-relative path, or
// returns false if the path is not an epic document.
func ParseEpicPath(rel string) (int, bool) {
	dir, file := filepath.Split(rel)
	if filepath.Clean(dir) != EpicsDir {
		return 0, false
	}
	m := epicFilePattern.FindStringSubmatch(file)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseStoryPath extracts the epic and story numbers from a repo-relative
// path, or returns false if the path is not a story document.
func ParseStoryPath(rel string) (epic, story int, ok bool) {
	dir, file := filepath.Split(rel)
	parts := strings.Split(filepath.Clean(dir), string(filepath.Separator))
	if len(parts) != 2 || parts[0] != StoriesDir {
		return 0, 0, false
	}
	m := storyFilePattern.FindStringSubmatch(file)
	if m == nil {
		return 0, 0, false
	}
	epic, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	story, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return epic, story, true
}

// render produces a document: YAML frontmatter followed by a markdown body.
func render(frontmatter any, body string) ([]byte, error) {
	meta, err := yaml.Marshal(frontmatter)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

// split separates a document into its frontmatter and body.
func split(content []byte) (frontmatter []byte, body string, err error) {
	text := string(content)
	if !strings.HasPrefix(text, "---\n") {
		return nil, "", fmt.Errorf("document has no frontmatter")
	}

	rest := text[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, "", fmt.Errorf("unterminated frontmatter")
	}

	frontmatter = []byte(rest[:idx+1])
	body = strings.TrimPrefix(rest[idx+len("\n---"):], "\n")
	body = strings.TrimPrefix(body, "\n")
	return frontmatter, body, nil
}
