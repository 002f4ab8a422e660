// Package page holds the page registry: the Page record, its construction and
// patch payloads, and the SQLite-backed store that enforces url uniqueness and
// timestamp bookkeeping.
package page

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a registered page.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusError:
		return true
	default:
		return false
	}
}

// ParseStatus converts user input into a Status.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q (want active, inactive or error)", ErrInvalidInput, value)
	}
	return status, nil
}

// Page is one persisted registry record.
type Page struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Tags         string `json:"tags,omitempty"`
	Content      string `json:"content,omitempty"`
	Status       Status `json:"status"`
	LastChecked  string `json:"lastChecked,omitempty"`
	ResponseTime *int64 `json:"responseTime,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// NewPage is the payload for Add. The store assigns the id and both timestamps.
type NewPage struct {
	URL          string
	Title        string
	Description  string
	Tags         string
	Content      string
	Status       Status
	LastChecked  string
	ResponseTime *int64
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	URL          *string
	Title        *string
	Description  *string
	Tags         *string
	Content      *string
	Status       *Status
	LastChecked  *string
	ResponseTime *int64
}

// IsEmpty reports whether the patch changes no field besides updatedAt.
func (p Patch) IsEmpty() bool {
	return len(p.assignments()) == 0
}

// assignment is one column = value pair of an UPDATE statement.
type assignment struct {
	column string
	value  any
}

// patchColumns maps each updatable column to the setter that reads it from a
// Patch. Column names come from this table only, never from caller input.
var patchColumns = []struct {
	column string
	value  func(Patch) (any, bool)
}{
	{"url", func(p Patch) (any, bool) { return derefString(p.URL, false) }},
	{"title", func(p Patch) (any, bool) { return derefString(p.Title, false) }},
	{"description", func(p Patch) (any, bool) { return derefString(p.Description, true) }},
	{"tags", func(p Patch) (any, bool) { return derefString(p.Tags, true) }},
	{"content", func(p Patch) (any, bool) { return derefString(p.Content, true) }},
	{"status", func(p Patch) (any, bool) {
		if p.Status == nil {
			return nil, false
		}
		return string(*p.Status), true
	}},
	{"lastChecked", func(p Patch) (any, bool) { return derefString(p.LastChecked, true) }},
	{"responseTime", func(p Patch) (any, bool) {
		if p.ResponseTime == nil {
			return nil, false
		}
		return *p.ResponseTime, true
	}},
}

func (p Patch) assignments() []assignment {
	out := make([]assignment, 0, len(patchColumns))
	for _, col := range patchColumns {
		if value, ok := col.value(p); ok {
			out = append(out, assignment{column: col.column, value: value})
		}
	}
	return out
}

func derefString(value *string, nullable bool) (any, bool) {
	if value == nil {
		return nil, false
	}
	if nullable {
		return nullIfEmpty(*value), true
	}
	return *value, true
}

func (p NewPage) validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if p.Status != "" && !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, p.Status)
	}
	return nil
}

func (p Patch) validate() error {
	if p.URL != nil && strings.TrimSpace(*p.URL) == "" {
		return fmt.Errorf("%w: url must not be empty", ErrInvalidInput)
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("%w: title must not be empty", ErrInvalidInput)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *p.Status)
	}
	return nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
