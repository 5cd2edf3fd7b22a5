package models

import (
	"fmt"
	"strings"
	"time"
)

// Location describes one physical counter site and how its raw records map
// onto the canonical schema. Resolved once, before normalization.
type Location struct {
	Name             string    `json:"name" yaml:"name" validate:"required"`
	Slug             string    `json:"slug" yaml:"slug" validate:"required,lowercase"`
	DatasetID        string    `json:"dataset_id" yaml:"dataset_id" validate:"required"`
	TotalField       string    `json:"total_field" yaml:"total_field" validate:"required"`
	TimestampField   string    `json:"timestamp_field" yaml:"timestamp_field" validate:"required"`
	TimeZone         string    `json:"time_zone" yaml:"time_zone" validate:"required,timezone"`
	RepairBrokenDays bool      `json:"repair_broken_days" yaml:"repair_broken_days"`
	IgnoreFields     []string  `json:"ignore_fields,omitempty" yaml:"ignore_fields"`
	CreatedAt        time.Time `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" yaml:"-" db:"updated_at"`
}

// TZ loads the location's time zone
func (l Location) TZ() (*time.Location, error) {
	tz, err := time.LoadLocation(l.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q for %s: %w", l.TimeZone, l.Slug, err)
	}
	return tz, nil
}

// Ignores reports whether a raw field is excluded from count channels
func (l Location) Ignores(field string) bool {
	if strings.HasPrefix(field, ":") {
		return true
	}
	for _, f := range l.IgnoreFields {
		if f == field {
			return true
		}
	}
	return false
}

// Slugify turns a display name into a URL-safe slug
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// LocationRegistry resolves locations by slug or display name
type LocationRegistry struct {
	bySlug map[string]Location
	order  []string
}

// NewLocationRegistry builds a registry; later entries replace earlier ones
// with the same slug.
func NewLocationRegistry(locs ...Location) *LocationRegistry {
	r := &LocationRegistry{bySlug: make(map[string]Location)}
	for _, l := range locs {
		if l.Slug == "" {
			l.Slug = Slugify(l.Name)
		}
		if _, exists := r.bySlug[l.Slug]; !exists {
			r.order = append(r.order, l.Slug)
		}
		r.bySlug[l.Slug] = l
	}
	return r
}

// Lookup accepts a slug or a case-insensitive display name
func (r *LocationRegistry) Lookup(name string) (Location, error) {
	if l, ok := r.bySlug[name]; ok {
		return l, nil
	}
	if l, ok := r.bySlug[Slugify(name)]; ok {
		return l, nil
	}
	return Location{}, &UnknownLocationError{Name: name}
}

// All returns locations in registration order
func (r *LocationRegistry) All() []Location {
	out := make([]Location, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.bySlug[slug])
	}
	return out
}
