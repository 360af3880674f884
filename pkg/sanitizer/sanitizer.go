package sanitizer

import (
	"strings"
)

type Strategy func(string) string

type Pipeline []Strategy

func (p Pipeline) Apply(s string) string {
	for _, fn := range p {
		s = fn(s)
	}
	return s
}

func lower(s string) string {
	return strings.ToLower(s)
}

// SanitizeResourceID strips surrounding whitespace. Ids are opaque, so
// nothing inside them is touched.
func SanitizeResourceID(id string) string {
	return strings.TrimSpace(id)
}

func SanitizeLockID(id string) string {
	return strings.TrimSpace(id)
}

func SanitizeSessionID(id string) string {
	return strings.TrimSpace(id)
}

// SanitizeStatus folds a status label to its canonical lowercase form.
func SanitizeStatus(status string) string {
	return Pipeline{TrimAndNormalize, lower}.Apply(status)
}

// SanitizeStatusPtr applies SanitizeStatus to an optional field.
func SanitizeStatusPtr(status *string) *string {
	if status == nil {
		return nil
	}
	s := SanitizeStatus(*status)
	return &s
}
