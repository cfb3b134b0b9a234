package manuscript

import (
	"fmt"
	"strings"

	"storyforge/pkg/domain"
)

// Export formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

// Rendered is an exported document body.
type Rendered struct {
	Body        []byte
	ContentType string
	Extension   string
}

// Render writes doc in the requested format. An empty format means text.
func Render(doc domain.StoryDocument, format string) (Rendered, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText, "txt":
		return Rendered{Body: []byte(renderText(doc)), ContentType: "text/plain; charset=utf-8", Extension: "txt"}, nil
	case FormatMarkdown, "md":
		return Rendered{Body: []byte(renderMarkdown(doc)), ContentType: "text/markdown; charset=utf-8", Extension: "md"}, nil
	default:
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
}

func byline(doc domain.StoryDocument) string {
	parts := []string{"by " + doc.OwnerName}
	if doc.Genre != "" {
		parts = append(parts, doc.Genre)
	}
	if len(doc.Tags) > 0 {
		parts = append(parts, strings.Join(doc.Tags, ", "))
	}
	return strings.Join(parts, " | ")
}

func renderText(doc domain.StoryDocument) string {
	var b strings.Builder
	b.WriteString(doc.Title)
	b.WriteString("\n")
	b.WriteString(byline(doc))
	b.WriteString("\n\n")
	if desc := strings.TrimSpace(doc.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(doc.Content))
	b.WriteString("\n")
	return b.String()
}

func renderMarkdown(doc domain.StoryDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n_%s_\n\n", doc.Title, byline(doc))
	if desc := strings.TrimSpace(doc.Description); desc != "" {
		for _, line := range strings.Split(desc, "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s\n\n---\n\n%d words, about %d min read\n",
		strings.TrimSpace(doc.Content), domain.WordCount(doc.Content), domain.ReadingMinutes(doc.Content))
	return b.String()
}

// ExportKey is the object key of an exported document.
func ExportKey(doc domain.StoryDocument, r Rendered) string {
	return fmt.Sprintf("exports/%s/%s.%s", doc.Owner, doc.ID, r.Extension)
}
