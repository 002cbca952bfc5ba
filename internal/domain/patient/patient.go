package patient

import (
	"fmt"
	"strings"

	"github.com/kailas-cloud/cxrag/internal/domain"
)

// UnknownAge marks a patient whose age was not supplied.
const UnknownAge = -1

// MaxAge bounds accepted ages.
const MaxAge = 130

// Meta is optional patient metadata attached to a report request.
type Meta struct {
	name  string
	age   int
	sex   string
	extra map[string]string
}

// New validates and creates patient metadata. Pass UnknownAge when the age is not known.
// Sex is normalized to lower case ("male", "female", "other" or free text).
func New(name string, age int, sex string, extra map[string]string) (Meta, error) {
	if age != UnknownAge && (age < 0 || age > MaxAge) {
		return Meta{}, fmt.Errorf("patient age must be between 0 and %d, got %d: %w", MaxAge, age, domain.ErrInvalidInput)
	}
	var c map[string]string
	if len(extra) > 0 {
		c = make(map[string]string, len(extra))
		for k, v := range extra {
			c[k] = v
		}
	}
	return Meta{
		name:  strings.TrimSpace(name),
		age:   age,
		sex:   strings.ToLower(strings.TrimSpace(sex)),
		extra: c,
	}, nil
}

// Unknown returns metadata with nothing known about the patient.
func Unknown() Meta { return Meta{age: UnknownAge} }

// Name returns the patient name (may be empty).
func (m Meta) Name() string { return m.name }

// Age returns the age in years, or UnknownAge.
func (m Meta) Age() int { return m.age }

// HasAge reports whether the age is known.
func (m Meta) HasAge() bool { return m.age != UnknownAge }

// Sex returns the normalized sex (may be empty).
func (m Meta) Sex() string { return m.sex }

// Extra returns additional free-form metadata.
func (m Meta) Extra() map[string]string { return m.extra }
