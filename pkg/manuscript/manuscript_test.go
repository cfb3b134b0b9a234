package manuscript

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"storyforge/pkg/domain"
)

func TestExtractPlainText(t *testing.T) {
	raw := "\uFEFF  The  first\tline\r\n\r\n\r\n  Second   paragraph\x00 here  "
	m, err := Extract("my_first-story.txt", []byte(raw))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if m.Title != "my first story" {
		t.Fatalf("title=%q", m.Title)
	}
	want := "The first line\n\nSecond paragraph here"
	if m.Content != want {
		t.Fatalf("content=%q, want %q", m.Content, want)
	}
	if m.Format != "txt" {
		t.Fatalf("format=%q", m.Format)
	}
}

func TestExtractHTMLSkipsScripts(t *testing.T) {
	page := `<html><head><title>ignored</title><style>p{}</style></head>
<body><h1>Chapter One</h1><p>It was   late.</p><script>alert(1)</script><p>The end.</p></body></html>`
	m, err := Extract("tale.html", []byte(page))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := "Chapter One\n\nIt was late.\n\nThe end."
	if m.Content != want {
		t.Fatalf("content=%q, want %q", m.Content, want)
	}
}

func TestExtractEPUBOrdersSections(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{
		"OEBPS/ch02.xhtml": "<html><body><p>Second.</p></body></html>",
		"OEBPS/ch01.xhtml": "<html><body><p>First.</p></body></html>",
		"OEBPS/style.css":  "p { color: red }",
	}
	for _, name := range []string{"OEBPS/ch02.xhtml", "OEBPS/style.css", "OEBPS/ch01.xhtml"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	m, err := Extract("book.epub", buf.Bytes())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if m.Content != "First.\n\nSecond." {
		t.Fatalf("content=%q", m.Content)
	}
}

func TestExtractRejects(t *testing.T) {
	if _, err := Extract("cover.png", []byte("x")); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := Extract("blank.md", []byte(" \n\t ")); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Extract("broken.epub", []byte("not a zip")); err == nil {
		t.Fatalf("expected error for broken epub")
	}
}

func TestRender(t *testing.T) {
	doc := domain.StoryDocument{
		ID:          "d1",
		Owner:       "u1",
		Title:       "Tides",
		OwnerName:   "Lin",
		Genre:       "Drama",
		Tags:        []string{"sea", "night"},
		Description: "A short one.",
		Content:     "one two three",
	}

	text, err := Render(doc, "")
	if err != nil {
		t.Fatalf("Render(text) error = %v", err)
	}
	if text.Extension != "txt" || !strings.HasPrefix(string(text.Body), "Tides\nby Lin | Drama | sea, night\n\nA short one.\n\none two three") {
		t.Fatalf("unexpected text export %q", text.Body)
	}

	md, err := Render(doc, "markdown")
	if err != nil {
		t.Fatalf("Render(markdown) error = %v", err)
	}
	body := string(md.Body)
	if !strings.HasPrefix(body, "# Tides\n\n_by Lin | Drama | sea, night_\n\n> A short one.\n") {
		t.Fatalf("unexpected markdown export %q", body)
	}
	if !strings.Contains(body, "3 words, about 1 min read") {
		t.Fatalf("missing reading stats in %q", body)
	}
	if ExportKey(doc, md) != "exports/u1/d1.md" {
		t.Fatalf("unexpected key %q", ExportKey(doc, md))
	}

	if _, err := Render(doc, "docx"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
