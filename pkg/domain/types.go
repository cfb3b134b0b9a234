package domain

import "time"

type WorkType string

const (
	TypeStory      WorkType = "story"
	TypePlayscript WorkType = "playscript"
)

type WorkStatus string

const (
	StatusDraft   WorkStatus = "Draft"
	StatusEditing WorkStatus = "Editing"
	StatusFinal   WorkStatus = "Final"
)

// Defaults applied to documents and profiles when a field is missing or blank.
const (
	DefaultTitle       = "Untitled Story"
	DefaultGenre       = "General"
	DefaultLanguage    = "English"
	DefaultOwnerName   = "Anonymous Writer"
	DefaultProfileName = "Writer"
)

// Identity is an authenticated principal as reported by the identity provider.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// UserProfile is the app-owned record describing a user, keyed by identity id.
type UserProfile struct {
	UID          string     `json:"uid"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastSignInAt *time.Time `json:"lastSignInAt,omitempty"`
	PhotoURL     string     `json:"photoURL,omitempty"`
}

type StoryDocument struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Content     string     `json:"content"`
	Owner       string     `json:"owner"`
	OwnerName   string     `json:"ownerName"`
	Type        WorkType   `json:"type"`
	Status      WorkStatus `json:"status"`
	Genre       string     `json:"genre"`
	Tags        []string   `json:"tags"`
	Language    string     `json:"language"`
	CoverURL    string     `json:"coverUrl"`
	IsPublic    bool       `json:"isPublic"`
	Reads       int64      `json:"reads"`
	Votes       int64      `json:"votes"`
	Comments    int64      `json:"comments"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// DocumentInput carries the fields supplied to a create or update call.
// A nil pointer means the field was not supplied. Tags follows the same rule
// with a nil slice; an empty non-nil slice clears the tags.
type DocumentInput struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Content     *string     `json:"content,omitempty"`
	OwnerName   *string     `json:"ownerName,omitempty"`
	Type        *WorkType   `json:"type,omitempty"`
	Status      *WorkStatus `json:"status,omitempty"`
	Genre       *string     `json:"genre,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Language    *string     `json:"language,omitempty"`
	CoverURL    *string     `json:"coverUrl,omitempty"`
	IsPublic    *bool       `json:"isPublic,omitempty"`
	Reads       *float64    `json:"reads,omitempty"`
	Votes       *float64    `json:"votes,omitempty"`
	Comments    *float64    `json:"comments,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
