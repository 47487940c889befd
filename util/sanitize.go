package util

import (
	"regexp"
	"strings"
)

// MaxComponentLength is the maximum length of a single sanitized path
// component, in runes. Longer components are truncated, not rejected.
const MaxComponentLength = 100

var (
	forbiddenChars = regexp.MustCompile(`[<>"'|?*]`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// SanitizeComponent makes a single path component safe for use as a map
// key and as an on-disk directory name. Angle brackets, quotes, pipes,
// question marks, and asterisks are stripped, whitespace runs collapse
// to a single underscore, and the result is capped at
// MaxComponentLength runes.
//
// Sanitization is idempotent: SanitizeComponent(SanitizeComponent(s))
// always equals SanitizeComponent(s).
func SanitizeComponent(name string) string {
	s := forbiddenChars.ReplaceAllString(name, "")
	s = whitespaceRuns.ReplaceAllString(s, "_")
	runes := []rune(s)
	if len(runes) > MaxComponentLength {
		s = string(runes[:MaxComponentLength])
	}
	return s
}

// SanitizePath sanitizes every component of a slash-separated path.
// Empty components (from doubled or trailing slashes) are dropped. The
// result always begins with "/"; the root path sanitizes to "/".
func SanitizePath(path string) string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		clean := SanitizeComponent(p)
		if clean == "" {
			continue
		}
		out = append(out, clean)
	}
	return "/" + strings.Join(out, "/")
}
