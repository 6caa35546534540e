package realtime

import (
	"fmt"
	"strings"
)

// Keys may not contain these characters (same rules as Firebase RTDB)
const forbiddenKeyChars = ".#$[]"

// Clean trims surrounding slashes and collapses empty segments
func Clean(path string) string {
	if path == "" {
		return ""
	}
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// Split returns the segments of a path; the root has none
func Split(path string) []string {
	path = Clean(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Join builds a clean path from segments or sub-paths
func Join(parts ...string) string {
	return Clean(strings.Join(parts, "/"))
}

// Validate rejects paths with characters the tree cannot store
func Validate(path string) error {
	for _, seg := range Split(path) {
		if strings.ContainsAny(seg, forbiddenKeyChars) {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// IsAncestor reports whether a is b or an ancestor of b
func IsAncestor(a, b string) bool {
	a, b = Clean(a), Clean(b)
	if a == "" || a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/")
}

// Overlaps reports whether a change at one path can affect the value at the other
func Overlaps(a, b string) bool {
	return IsAncestor(a, b) || IsAncestor(b, a)
}

// Ancestors lists the strict ancestors of path, nearest last, excluding the root
func Ancestors(path string) []string {
	segs := Split(path)
	if len(segs) < 2 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}
