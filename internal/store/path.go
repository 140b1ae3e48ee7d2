package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SequenceWidth is the zero-padded width of sequential node suffixes.
const SequenceWidth = 10

// ValidatePath checks that path is absolute, has no empty or relative
// segments, and does not end with a slash (except for the root).
func ValidatePath(path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: %q must be absolute", ErrInvalidPath, path)
	}
	if path == "/" {
		return nil
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q has a trailing slash", ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(path[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		case ".", "..":
			return fmt.Errorf("%w: %q has a relative segment", ErrInvalidPath, path)
		}
		if strings.ContainsRune(seg, 0) {
			return fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, path)
		}
	}
	return nil
}

// Join appends name segments to a parent path.
func Join(parent string, names ...string) string {
	out := parent
	for _, name := range names {
		name = strings.Trim(name, "/")
		if name == "" {
			continue
		}
		if strings.HasSuffix(out, "/") {
			out += name
		} else {
			out += "/" + name
		}
	}
	if out == "" {
		return "/"
	}
	return out
}

// Parent returns the parent of path; the parent of the root is the root.
func Parent(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// Base returns the last segment of path.
func Base(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// FormatSequence renders the suffix appended to sequential nodes.
func FormatSequence(seq int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, seq)
}

// ParseSequence splits a sequential node name into its prefix and sequence.
func ParseSequence(name string) (string, int64, bool) {
	if len(name) < SequenceWidth {
		return "", 0, false
	}
	cut := len(name) - SequenceWidth
	seq, err := strconv.ParseInt(name[cut:], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return name[:cut], seq, true
}

// SortBySequence orders sequential node names by their suffix. Names that do
// not carry a sequence sort last, lexically.
func SortBySequence(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		_, si, oki := ParseSequence(names[i])
		_, sj, okj := ParseSequence(names[j])
		switch {
		case oki && okj:
			if si != sj {
				return si < sj
			}
			return names[i] < names[j]
		case oki:
			return true
		case okj:
			return false
		default:
			return names[i] < names[j]
		}
	})
}
