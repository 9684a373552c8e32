package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gender is the registry's gender classification.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderOther   Gender = "other"
	GenderUnknown Gender = "unknown"
)

// ParseGender maps the spellings found in registry releases onto a Gender.
// An empty value is treated as unknown.
func ParseGender(raw string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "m", "male":
		return GenderMale, nil
	case "f", "female":
		return GenderFemale, nil
	case "o", "other", "x":
		return GenderOther, nil
	case "", "u", "unknown":
		return GenderUnknown, nil
	default:
		return "", fmt.Errorf("unknown gender %q", raw)
	}
}

// Fields holds the versioned attributes of a registry entity.
//
// FullName, TranslatedName, Gender and BirthDate are managed by bulk uploads.
// DeathDate, DeathPlace, Location and PhotoURL are never written by a bulk
// upload; they are carried forward unchanged from the previous version.
type Fields struct {
	FullName       string     `json:"fullName"`
	TranslatedName *string    `json:"translatedName,omitempty"`
	Gender         Gender     `json:"gender"`
	BirthDate      *time.Time `json:"birthDate,omitempty"`
	DeathDate      *time.Time `json:"deathDate,omitempty"`
	DeathPlace     *string    `json:"deathPlace,omitempty"`
	Location       *string    `json:"location,omitempty"`
	PhotoURL       *string    `json:"photoUrl,omitempty"`
}

// BulkEqual reports whether the bulk-managed fields of f and other are equal.
// Dates are compared by instant.
func (f Fields) BulkEqual(other Fields) bool {
	return f.FullName == other.FullName &&
		optionalStringEqual(f.TranslatedName, other.TranslatedName) &&
		f.Gender == other.Gender &&
		optionalDateEqual(f.BirthDate, other.BirthDate)
}

// Equal reports whether every versioned field of f and other is equal.
func (f Fields) Equal(other Fields) bool {
	return f.BulkEqual(other) &&
		optionalDateEqual(f.DeathDate, other.DeathDate) &&
		optionalStringEqual(f.DeathPlace, other.DeathPlace) &&
		optionalStringEqual(f.Location, other.Location) &&
		optionalStringEqual(f.PhotoURL, other.PhotoURL)
}

// WithBulk returns a copy of f with the bulk-managed fields taken from incoming.
func (f Fields) WithBulk(incoming Fields) Fields {
	out := f.Clone()
	out.FullName = incoming.FullName
	out.TranslatedName = cloneString(incoming.TranslatedName)
	out.Gender = incoming.Gender
	out.BirthDate = cloneDate(incoming.BirthDate)
	return out
}

// BulkOnly returns a copy of f with the bulk-protected fields cleared.
func (f Fields) BulkOnly() Fields {
	return Fields{
		FullName:       f.FullName,
		TranslatedName: cloneString(f.TranslatedName),
		Gender:         f.Gender,
		BirthDate:      cloneDate(f.BirthDate),
	}
}

// Clone deep copies the optional values so callers can mutate the result freely.
func (f Fields) Clone() Fields {
	return Fields{
		FullName:       f.FullName,
		TranslatedName: cloneString(f.TranslatedName),
		Gender:         f.Gender,
		BirthDate:      cloneDate(f.BirthDate),
		DeathDate:      cloneDate(f.DeathDate),
		DeathPlace:     cloneString(f.DeathPlace),
		Location:       cloneString(f.Location),
		PhotoURL:       cloneString(f.PhotoURL),
	}
}

// Entity is the current state of one registry record. It mirrors the
// highest-numbered Version of the same entity.
type Entity struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"externalId"`
	Fields     Fields    `json:"fields"`
	IsDeleted  bool      `json:"isDeleted"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewEntity creates a new entity with a fresh internal identifier.
func NewEntity(externalID string, fields Fields, now time.Time) Entity {
	return Entity{
		ID:         uuid.New(),
		ExternalID: externalID,
		Fields:     fields.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// WithFields returns a new entity with updated fields
func (e Entity) WithFields(fields Fields, now time.Time) Entity {
	e.Fields = fields.Clone()
	e.UpdatedAt = now
	return e
}

// MarkDeleted returns a soft-deleted copy of the entity with its fields untouched.
func (e Entity) MarkDeleted(now time.Time) Entity {
	e.Fields = e.Fields.Clone()
	e.IsDeleted = true
	e.UpdatedAt = now
	return e
}

// RestoredFrom returns the entity as it was recorded by version v.
func (e Entity) RestoredFrom(v Version, now time.Time) Entity {
	e.Fields = v.Fields.Clone()
	e.IsDeleted = v.IsDeleted
	e.UpdatedAt = now
	return e
}

// NormalizeDate truncates t to a calendar date in UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StringPtr returns nil for blank input and a pointer to the trimmed value otherwise.
func StringPtr(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func optionalStringEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func optionalDateEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}

func cloneDate(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}
