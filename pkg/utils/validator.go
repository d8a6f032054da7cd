package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxSubjectRefLength = 256
	MaxCommentLength    = 2000
)

var (
	subjectRefPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/\-]*$`)
	controlChars      = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// ValidateSubjectRef checks an opaque subject reference such as "marks/CAT1/COMP101"
func ValidateSubjectRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("subject reference is required")
	}
	if len(ref) > MaxSubjectRefLength {
		return fmt.Errorf("subject reference exceeds %d characters", MaxSubjectRefLength)
	}
	if !subjectRefPattern.MatchString(ref) {
		return fmt.Errorf("subject reference %q contains invalid characters", ref)
	}
	return nil
}

// ValidateComment checks the free-text comment attached to a decision
func ValidateComment(comment string) error {
	if !utf8.ValidString(comment) {
		return fmt.Errorf("comment is not valid UTF-8")
	}
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return fmt.Errorf("comment exceeds %d characters", MaxCommentLength)
	}
	return nil
}

// SanitizeString removes control characters except tab and newlines, and trims spaces
func SanitizeString(s string) string {
	return strings.TrimSpace(controlChars.ReplaceAllString(s, ""))
}
