package domain

import (
	"math"
	"reflect"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewDocumentFieldsDefaults(t *testing.T) {
	fields := NewDocumentFields(DocumentInput{}, Identity{ID: "u1"}, testNow)
	doc := ParseDocument("d1", fields)

	if doc.Title != DefaultTitle || doc.Genre != DefaultGenre || doc.Language != DefaultLanguage {
		t.Fatalf("unexpected defaults: %+v", doc)
	}
	if doc.Type != TypeStory || doc.Status != StatusDraft {
		t.Fatalf("unexpected enums: type=%q status=%q", doc.Type, doc.Status)
	}
	if doc.Tags == nil || len(doc.Tags) != 0 {
		t.Fatalf("expected empty non-nil tags, got %#v", doc.Tags)
	}
	if doc.IsPublic || doc.Reads != 0 || doc.Votes != 0 || doc.Comments != 0 {
		t.Fatalf("unexpected counters or visibility: %+v", doc)
	}
	if doc.Owner != "u1" || doc.OwnerName != DefaultOwnerName {
		t.Fatalf("unexpected owner: %q %q", doc.Owner, doc.OwnerName)
	}
	if !doc.CreatedAt.Equal(testNow) || !doc.UpdatedAt.Equal(testNow) {
		t.Fatalf("unexpected timestamps: %v %v", doc.CreatedAt, doc.UpdatedAt)
	}
	if tags, ok := fields[FieldTags].([]string); !ok || tags == nil {
		t.Fatalf("stored tags must be an empty list, got %#v", fields[FieldTags])
	}
}

func TestNewDocumentFieldsOwnerNameAndCoercion(t *testing.T) {
	in := DocumentInput{
		Type:   Ptr(WorkType("poem")),
		Status: Ptr(StatusFinal),
		Tags:   []string{" drama ", "", "drama", "stage"},
	}
	doc := ParseDocument("d1", NewDocumentFields(in, Identity{ID: "u1", DisplayName: "Ada"}, testNow))
	if doc.OwnerName != "Ada" {
		t.Fatalf("expected display name as owner name, got %q", doc.OwnerName)
	}
	if doc.Type != TypeStory {
		t.Fatalf("unknown type should coerce to story, got %q", doc.Type)
	}
	if doc.Status != StatusFinal {
		t.Fatalf("expected Final status, got %q", doc.Status)
	}
	if !reflect.DeepEqual(doc.Tags, []string{"drama", "stage"}) {
		t.Fatalf("unexpected tags: %#v", doc.Tags)
	}

	blank := DocumentInput{OwnerName: Ptr("   ")}
	doc = ParseDocument("d2", NewDocumentFields(blank, Identity{ID: "u1", DisplayName: "Ada"}, testNow))
	if doc.OwnerName != "Ada" {
		t.Fatalf("blank owner name should fall back, got %q", doc.OwnerName)
	}
}

func TestUpdateFieldsOnlySuppliedFields(t *testing.T) {
	fields := UpdateFields(DocumentInput{Title: Ptr("  ")}, testNow)
	if len(fields) != 2 {
		t.Fatalf("expected title and updatedAt only, got %v", fields)
	}
	if fields[FieldTitle] != DefaultTitle {
		t.Fatalf("expected title fallback, got %v", fields[FieldTitle])
	}
	if got, ok := fields[FieldUpdatedAt].(time.Time); !ok || !got.Equal(testNow) {
		t.Fatalf("expected refreshed updatedAt, got %v", fields[FieldUpdatedAt])
	}

	empty := UpdateFields(DocumentInput{}, testNow)
	if len(empty) != 1 {
		t.Fatalf("empty update should only touch updatedAt, got %v", empty)
	}
}

func TestUpdateFieldsClampsCounters(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{-3, 0},
		{2.9, 2},
		{7, 7},
		{math.NaN(), 0},
		{math.Inf(1), 0},
	}
	for _, tc := range cases {
		fields := UpdateFields(DocumentInput{Votes: Ptr(tc.in)}, testNow)
		if got := fields[FieldVotes]; got != tc.want {
			t.Fatalf("votes %v: got %v want %d", tc.in, got, tc.want)
		}
	}
}

func TestApplyFieldsLeavesOmittedFields(t *testing.T) {
	base := ParseDocument("d1", NewDocumentFields(DocumentInput{
		Title:   Ptr("Night Train"),
		Content: Ptr("one two"),
		Genre:   Ptr("Mystery"),
	}, Identity{ID: "u1"}, testNow))

	later := testNow.Add(time.Minute)
	updated := ApplyFields(base, UpdateFields(DocumentInput{Description: Ptr("short")}, later))
	if updated.Title != "Night Train" || updated.Content != "one two" || updated.Genre != "Mystery" {
		t.Fatalf("omitted fields changed: %+v", updated)
	}
	if updated.Description != "short" {
		t.Fatalf("description not applied: %q", updated.Description)
	}
	if !updated.UpdatedAt.Equal(later) || !updated.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected timestamps: %v %v", updated.CreatedAt, updated.UpdatedAt)
	}
}

func TestParseDocumentToleratesMalformedFields(t *testing.T) {
	doc := ParseDocument("d1", map[string]any{
		FieldTitle:     42,
		FieldTags:      []any{"a", 3, "b"},
		FieldReads:     "12.7",
		FieldVotes:     -4.0,
		FieldIsPublic:  "yes",
		FieldCreatedAt: "2026-01-02T03:04:05Z",
		FieldUpdatedAt: "not a time",
	})
	if doc.Title != DefaultTitle {
		t.Fatalf("expected title default, got %q", doc.Title)
	}
	if !reflect.DeepEqual(doc.Tags, []string{"a", "b"}) {
		t.Fatalf("unexpected tags: %#v", doc.Tags)
	}
	if doc.Reads != 12 || doc.Votes != 0 || doc.IsPublic {
		t.Fatalf("unexpected values: %+v", doc)
	}
	if doc.UpdatedAt.Before(doc.CreatedAt) {
		t.Fatalf("updatedAt must not precede createdAt")
	}

	empty := ParseDocument("d2", nil)
	if empty.Tags == nil || empty.Title != DefaultTitle {
		t.Fatalf("nil fields should parse to defaults, got %+v", empty)
	}
}

func TestParseProfileFallsBackToIdentity(t *testing.T) {
	ident := Identity{ID: "u1", Email: "ada@example.com"}
	profile := ParseProfile(map[string]any{ProfileCreatedAt: testNow}, ident)
	if profile.UID != "u1" || profile.Email != "ada@example.com" || profile.Name != "ada" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if !profile.CreatedAt.Equal(testNow) || profile.LastSignInAt != nil {
		t.Fatalf("unexpected timestamps: %+v", profile)
	}
}

func TestFallbackProfileName(t *testing.T) {
	if got := FallbackProfileName("  Ada  ", Identity{DisplayName: "Lovelace"}); got != "Ada" {
		t.Fatalf("preferred name: got %q", got)
	}
	if got := FallbackProfileName("", Identity{DisplayName: "Lovelace"}); got != "Lovelace" {
		t.Fatalf("display name: got %q", got)
	}
	if got := FallbackProfileName(" ", Identity{Email: "new@x.com"}); got != "new" {
		t.Fatalf("email prefix: got %q", got)
	}
	if got := FallbackProfileName("", Identity{}); got != DefaultProfileName {
		t.Fatalf("default: got %q", got)
	}
}

func TestWordCount(t *testing.T) {
	cases := map[string]int{
		"":          0,
		"  ":        0,
		"a b   c":   3,
		"\tone\ntwo": 2,
	}
	for in, want := range cases {
		if got := WordCount(in); got != want {
			t.Fatalf("WordCount(%q) = %d, want %d", in, got, want)
		}
		if again := WordCount(in); again != want {
			t.Fatalf("WordCount(%q) not deterministic", in)
		}
	}
}

func TestReadingMinutes(t *testing.T) {
	if got := ReadingMinutes(""); got != 1 {
		t.Fatalf("empty text should read in 1 minute, got %d", got)
	}
	words := make([]byte, 0, 231*2)
	for i := 0; i < 231; i++ {
		words = append(words, 'w', ' ')
	}
	if got := ReadingMinutes(string(words)); got != 2 {
		t.Fatalf("231 words should read in 2 minutes, got %d", got)
	}
}

func TestFilterDocumentsAndRecommended(t *testing.T) {
	docs := []StoryDocument{
		{ID: "a", Title: "Harbor", Type: TypeStory, Status: StatusDraft, Tags: []string{"sea"}, Votes: 1, Reads: 1},
		{ID: "b", Title: "Curtain", Type: TypePlayscript, Status: StatusFinal, Genre: "Comedy", Votes: 5},
		{ID: "c", Title: "Lighthouse", Type: TypeStory, Status: StatusFinal, Language: "French", Reads: 9},
		{ID: "d", Title: "Dune", Type: TypeStory, Status: StatusEditing},
	}

	if got := FilterDocuments(docs, Filter{Type: TypePlayscript}); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("type filter: %+v", got)
	}
	if got := FilterDocuments(docs, Filter{Status: StatusFinal, Query: "french"}); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("status+query filter: %+v", got)
	}
	if got := FilterDocuments(docs, Filter{Query: "SEA"}); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("tag query filter: %+v", got)
	}

	top := Recommended(docs, 3)
	if len(top) != 3 || top[0].ID != "c" || top[1].ID != "b" || top[2].ID != "a" {
		t.Fatalf("unexpected recommendation order: %+v", top)
	}
	if docs[0].ID != "a" {
		t.Fatalf("Recommended must not reorder its input")
	}
}

func TestParseTagsInput(t *testing.T) {
	got := ParseTagsInput(" noir, city ,, noir ,")
	if !reflect.DeepEqual(got, []string{"noir", "city"}) {
		t.Fatalf("unexpected tags: %#v", got)
	}
}
