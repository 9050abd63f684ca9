package docs

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/model"
)

// RenderEpic produces the markdown document for an epic. An empty body gets
// a generated heading so the file is readable before anyone edits it.
func RenderEpic(epic *model.Epic, body string) ([]byte, error) {
	if body == "" {
		body = fmt.Sprintf("# Epic %d: %s\n", epic.Number, epic.Title)
	}
	return render(epic, body)
}

// ParseEpic parses an epic document. The markdown body is returned alongside
// the structured fields so updates can preserve human edits.
func ParseEpic(content []byte) (*model.Epic, string, error) {
	meta, body, err := split(content)
	if err != nil {
		return nil, "", err
	}

	var epic model.Epic
	if err := yaml.Unmarshal(meta, &epic); err != nil {
		return nil, "", fmt.Errorf("failed to parse epic frontmatter: %w", err)
	}
	if err := epic.Validate(); err != nil {
		return nil, "", err
	}
	return &epic, body, nil
}

// RenderStory produces the markdown document for a story.
func RenderStory(story *model.Story, body string) ([]byte, error) {
	if body == "" {
		body = fmt.Sprintf("# Story %d.%d: %s\n", story.EpicNumber, story.Number, story.Title)
	}
	return render(story, body)
}

// ParseStory parses a story document.
func ParseStory(content []byte) (*model.Story, string, error) {
	meta, body, err := split(content)
	if err != nil {
		return nil, "", err
	}

	var story model.Story
	if err := yaml.Unmarshal(meta, &story); err != nil {
		return nil, "", fmt.Errorf("failed to parse story frontmatter: %w", err)
	}
	if err := story.Validate(); err != nil {
		return nil, "", err
	}
	return &story, body, nil
}

// RenderCeremony produces the transcript document for a ceremony. The
// transcript text becomes the body; outcomes are appended as a section so
// the file stands alone without the database.
func RenderCeremony(c *model.CeremonySummary, transcript string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# %s for epic %d\n\n", titleCase(string(c.Type)), c.EpicNumber))
	b.WriteString(transcript)
	if !strings.HasSuffix(transcript, "\n") {
		b.WriteString("\n")
	}
	if len(c.Outcomes) > 0 {
		b.WriteString("\n## Outcomes\n\n")
		for _, outcome := range c.Outcomes {
			b.WriteString("- " + outcome + "\n")
		}
	}
	return render(c, b.String())
}

// titleCase capitalizes the first letter of an ASCII word.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseCeremony parses a ceremony transcript document.
func ParseCeremony(content []byte) (*model.CeremonySummary, string, error) {
	meta, body, err := split(content)
	if err != nil {
		return nil, "", err
	}

	var c model.CeremonySummary
	if err := yaml.Unmarshal(meta, &c); err != nil {
		return nil, "", fmt.Errorf("failed to parse ceremony frontmatter: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, "", err
	}
	return &c, body, nil
}
