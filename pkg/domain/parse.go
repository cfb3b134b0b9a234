package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Document field names as stored remotely.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldContent     = "content"
	FieldOwner       = "owner"
	FieldOwnerName   = "ownerName"
	FieldType        = "type"
	FieldStatus      = "status"
	FieldGenre       = "genre"
	FieldTags        = "tags"
	FieldLanguage    = "language"
	FieldCoverURL    = "coverUrl"
	FieldIsPublic    = "isPublic"
	FieldReads       = "reads"
	FieldVotes       = "votes"
	FieldComments    = "comments"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
)

// Profile field names as stored remotely.
const (
	ProfileUID          = "uid"
	ProfileEmail        = "email"
	ProfileName         = "name"
	ProfileCreatedAt    = "createdAt"
	ProfileLastSignInAt = "lastSignInAt"
	ProfilePhotoURL     = "photoURL"
)

// ParseDocument maps a loosely typed remote field bag onto a StoryDocument.
// Every field is defaulted; malformed values never cause a failure.
func ParseDocument(id string, fields map[string]any) StoryDocument {
	doc := StoryDocument{
		ID:          id,
		Title:       AsString(fields[FieldTitle], DefaultTitle),
		Description: AsString(fields[FieldDescription], ""),
		Content:     AsString(fields[FieldContent], ""),
		Owner:       AsString(fields[FieldOwner], ""),
		OwnerName:   AsString(fields[FieldOwnerName], DefaultOwnerName),
		Type:        AsWorkType(fields[FieldType]),
		Status:      AsWorkStatus(fields[FieldStatus]),
		Genre:       AsString(fields[FieldGenre], DefaultGenre),
		Tags:        AsStringSlice(fields[FieldTags]),
		Language:    AsString(fields[FieldLanguage], DefaultLanguage),
		CoverURL:    AsString(fields[FieldCoverURL], ""),
		IsPublic:    AsBool(fields[FieldIsPublic]),
		Reads:       AsCounter(fields[FieldReads]),
		Votes:       AsCounter(fields[FieldVotes]),
		Comments:    AsCounter(fields[FieldComments]),
	}
	created, hasCreated := AsTime(fields[FieldCreatedAt])
	updated, hasUpdated := AsTime(fields[FieldUpdatedAt])
	switch {
	case hasCreated && !hasUpdated:
		updated = created
	case !hasCreated && hasUpdated:
		created = updated
	}
	if updated.Before(created) {
		updated = created
	}
	doc.CreatedAt = created
	doc.UpdatedAt = updated
	return doc
}

// ParseProfile maps a remote profile record onto a UserProfile. Missing fields
// fall back to the identity the profile belongs to.
func ParseProfile(fields map[string]any, ident Identity) UserProfile {
	profile := UserProfile{
		UID:      AsString(fields[ProfileUID], ident.ID),
		Email:    AsString(fields[ProfileEmail], ident.Email),
		Name:     AsString(fields[ProfileName], FallbackProfileName("", ident)),
		PhotoURL: AsString(fields[ProfilePhotoURL], ident.PhotoURL),
	}
	if created, ok := AsTime(fields[ProfileCreatedAt]); ok {
		profile.CreatedAt = created
	}
	if last, ok := AsTime(fields[ProfileLastSignInAt]); ok {
		profile.LastSignInAt = &last
	}
	return profile
}

// FallbackProfileName picks the name stored for a profile: the preferred name,
// then the identity display name, then the local part of the email.
func FallbackProfileName(preferred string, ident Identity) string {
	if name := strings.TrimSpace(preferred); name != "" {
		return name
	}
	if name := strings.TrimSpace(ident.DisplayName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(ident.Email), "@"); ok && local != "" {
		return local
	}
	return DefaultProfileName
}

// AsString returns v when it is a string with non-blank content, else fallback.
func AsString(v any, fallback string) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func AsWorkType(v any) WorkType {
	if s, ok := v.(string); ok && WorkType(s) == TypePlayscript {
		return TypePlayscript
	}
	return TypeStory
}

func AsWorkStatus(v any) WorkStatus {
	s, _ := v.(string)
	switch WorkStatus(s) {
	case StatusEditing:
		return StatusEditing
	case StatusFinal:
		return StatusFinal
	default:
		return StatusDraft
	}
}

// AsStringSlice keeps the string elements of a list and never returns nil.
func AsStringSlice(v any) []string {
	out := []string{}
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// AsCounter converts any numeric representation to a non-negative integer.
func AsCounter(v any) int64 {
	switch n := v.(type) {
	case int:
		return ClampCounter(float64(n))
	case int32:
		return ClampCounter(float64(n))
	case int64:
		if n < 0 {
			return 0
		}
		return n
	case float32:
		return ClampCounter(float64(n))
	case float64:
		return ClampCounter(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return AsCounter(i)
		}
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return ClampCounter(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return ClampCounter(f)
	default:
		return 0
	}
}

// ClampCounter stores max(0, floor(v)); non-finite values become 0.
func ClampCounter(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	f := math.Floor(v)
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}

// AsTime accepts time values, RFC 3339 strings and unix milliseconds.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	default:
		return time.Time{}, false
	}
}
