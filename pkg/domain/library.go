package domain

import (
	"sort"
	"strings"
)

// WordsPerMinute is the reading speed used for reading-time estimates.
const WordsPerMinute = 230

// WordCount counts whitespace-delimited tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// ReadingMinutes estimates reading time, never less than one minute.
func ReadingMinutes(text string) int {
	words := WordCount(text)
	minutes := (words + WordsPerMinute - 1) / WordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}

// TotalWords sums the word counts of all document bodies.
func TotalWords(docs []StoryDocument) int {
	total := 0
	for _, doc := range docs {
		total += WordCount(doc.Content)
	}
	return total
}

// Filter narrows a document list. Empty fields match everything.
type Filter struct {
	Type   WorkType
	Status WorkStatus
	Query  string
}

// FilterDocuments returns the documents matching f in their original order.
func FilterDocuments(docs []StoryDocument, f Filter) []StoryDocument {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]StoryDocument, 0, len(docs))
	for _, doc := range docs {
		if f.Type != "" && doc.Type != f.Type {
			continue
		}
		if f.Status != "" && doc.Status != f.Status {
			continue
		}
		if query != "" && !strings.Contains(searchText(doc), query) {
			continue
		}
		out = append(out, doc)
	}
	return out
}

func searchText(doc StoryDocument) string {
	parts := []string{doc.Title, doc.Description, doc.Genre, doc.Language, strings.Join(doc.Tags, " ")}
	return strings.ToLower(strings.Join(parts, " "))
}

// Recommended returns up to n documents ranked by votes plus reads.
func Recommended(docs []StoryDocument, n int) []StoryDocument {
	ranked := make([]StoryDocument, len(docs))
	copy(ranked, docs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Votes+ranked[i].Reads > ranked[j].Votes+ranked[j].Reads
	})
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// SortByUpdated orders documents newest first.
func SortByUpdated(docs []StoryDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
}
