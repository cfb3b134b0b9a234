package domain

import (
	"strings"
	"time"
)

// NewDocumentFields builds the full field bag for a new document owned by
// owner. Unset fields take their defaults; owner and timestamps are always set.
func NewDocumentFields(in DocumentInput, owner Identity, now time.Time) map[string]any {
	ownerName := DefaultOwnerName
	if name := strings.TrimSpace(owner.DisplayName); name != "" {
		ownerName = name
	}
	if in.OwnerName != nil {
		ownerName = trimOr(*in.OwnerName, ownerName)
	}
	fields := map[string]any{
		FieldTitle:       DefaultTitle,
		FieldDescription: "",
		FieldContent:     "",
		FieldOwner:       owner.ID,
		FieldOwnerName:   ownerName,
		FieldType:        string(TypeStory),
		FieldStatus:      string(StatusDraft),
		FieldGenre:       DefaultGenre,
		FieldTags:        []string{},
		FieldLanguage:    DefaultLanguage,
		FieldCoverURL:    "",
		FieldIsPublic:    false,
		FieldReads:       int64(0),
		FieldVotes:       int64(0),
		FieldComments:    int64(0),
		FieldCreatedAt:   now,
		FieldUpdatedAt:   now,
	}
	for k, v := range inputFields(in) {
		if k == FieldOwnerName {
			continue
		}
		fields[k] = v
	}
	return fields
}

// UpdateFields returns only the supplied fields, normalized, plus a refreshed
// updatedAt. Owner and createdAt can never be part of an update.
func UpdateFields(in DocumentInput, now time.Time) map[string]any {
	fields := inputFields(in)
	fields[FieldUpdatedAt] = now
	return fields
}

func inputFields(in DocumentInput) map[string]any {
	fields := map[string]any{}
	if in.Title != nil {
		fields[FieldTitle] = trimOr(*in.Title, DefaultTitle)
	}
	if in.Description != nil {
		fields[FieldDescription] = *in.Description
	}
	if in.Content != nil {
		fields[FieldContent] = *in.Content
	}
	if in.OwnerName != nil {
		fields[FieldOwnerName] = trimOr(*in.OwnerName, DefaultOwnerName)
	}
	if in.Type != nil {
		fields[FieldType] = string(AsWorkType(string(*in.Type)))
	}
	if in.Status != nil {
		fields[FieldStatus] = string(AsWorkStatus(string(*in.Status)))
	}
	if in.Genre != nil {
		fields[FieldGenre] = trimOr(*in.Genre, DefaultGenre)
	}
	if in.Tags != nil {
		fields[FieldTags] = NormalizeTags(in.Tags)
	}
	if in.Language != nil {
		fields[FieldLanguage] = trimOr(*in.Language, DefaultLanguage)
	}
	if in.CoverURL != nil {
		fields[FieldCoverURL] = strings.TrimSpace(*in.CoverURL)
	}
	if in.IsPublic != nil {
		fields[FieldIsPublic] = *in.IsPublic
	}
	if in.Reads != nil {
		fields[FieldReads] = ClampCounter(*in.Reads)
	}
	if in.Votes != nil {
		fields[FieldVotes] = ClampCounter(*in.Votes)
	}
	if in.Comments != nil {
		fields[FieldComments] = ClampCounter(*in.Comments)
	}
	return fields
}

// NormalizeTags trims every tag, drops empty ones and removes repeats while
// keeping first-seen order. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// ParseTagsInput splits a comma separated tag field.
func ParseTagsInput(raw string) []string {
	return NormalizeTags(strings.Split(raw, ","))
}

// ApplyFields overlays a normalized field bag onto doc, as a reader of the
// remote record would observe it after the write.
func ApplyFields(doc StoryDocument, fields map[string]any) StoryDocument {
	merged := DocumentFields(doc)
	for k, v := range fields {
		merged[k] = v
	}
	return ParseDocument(doc.ID, merged)
}

// DocumentFields is the inverse of ParseDocument.
func DocumentFields(doc StoryDocument) map[string]any {
	tags := make([]string, len(doc.Tags))
	copy(tags, doc.Tags)
	return map[string]any{
		FieldTitle:       doc.Title,
		FieldDescription: doc.Description,
		FieldContent:     doc.Content,
		FieldOwner:       doc.Owner,
		FieldOwnerName:   doc.OwnerName,
		FieldType:        string(doc.Type),
		FieldStatus:      string(doc.Status),
		FieldGenre:       doc.Genre,
		FieldTags:        tags,
		FieldLanguage:    doc.Language,
		FieldCoverURL:    doc.CoverURL,
		FieldIsPublic:    doc.IsPublic,
		FieldReads:       doc.Reads,
		FieldVotes:       doc.Votes,
		FieldComments:    doc.Comments,
		FieldCreatedAt:   doc.CreatedAt,
		FieldUpdatedAt:   doc.UpdatedAt,
	}
}

func trimOr(s, fallback string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return fallback
}

// ProfileFields is the merge-write body for a profile. An unset lastSignInAt is
// left out so the stored value survives the merge.
func ProfileFields(p UserProfile) map[string]any {
	fields := map[string]any{
		ProfileUID:       p.UID,
		ProfileEmail:     p.Email,
		ProfileName:      p.Name,
		ProfileCreatedAt: p.CreatedAt,
		ProfilePhotoURL:  p.PhotoURL,
	}
	if p.LastSignInAt != nil {
		fields[ProfileLastSignInAt] = *p.LastSignInAt
	}
	return fields
}
