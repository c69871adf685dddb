package state

import (
	"regexp"
	"strings"
)

var forbiddenChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Sanitize maps a device supplied name onto the path charset. Every rune
// outside [a-zA-Z0-9_-] becomes an underscore, so the result is stable
// under repeated application.
func Sanitize(name string) string {
	return forbiddenChars.ReplaceAllString(name, "_")
}

// DeviceID derives the namespace used for a device from the name it reports.
func DeviceID(raw string) string {
	return strings.ToLower(Sanitize(raw))
}

// Join builds a dotted path, skipping empty segments.
func Join(segments ...string) string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ".")
}

// Split returns the segments of a dotted path.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Base returns the last segment of a path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns everything before the last segment, or "" for a root path.
func Parent(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return ""
}
