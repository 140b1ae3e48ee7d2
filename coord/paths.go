package coord

import (
	"fmt"
	"net/url"
	"strings"
)

// Roots of the coordination tree.
const (
	LocksRoot       = "/locks"
	QueuesRoot      = "/queues"
	PreferencesRoot = "/preferences"
	CloudRoot       = "/cloud"
	OnlinePath      = "/cloud/online"
	NodesRoot       = "/cloud/nodes"
	PresenceRoot    = "/cloud/presence"
)

// Name prefixes of sequential children.
const (
	LockNodePrefix    = "lock-"
	MessageNodePrefix = "msg-"
)

// EscapeName maps an arbitrary lock name or queue id onto one path segment.
func EscapeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("coord: empty name")
	}
	escaped := url.PathEscape(name)
	// PathEscape keeps "." and ".." intact, which are not valid segments.
	switch escaped {
	case ".":
		escaped = "%2E"
	case "..":
		escaped = "%2E%2E"
	}
	return escaped, nil
}

// UnescapeName reverses EscapeName.
func UnescapeName(segment string) (string, error) {
	name, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("coord: bad name segment %q: %w", segment, err)
	}
	return name, nil
}

// LockPath returns the parent node of a lock's contenders.
func LockPath(name string) (string, error) {
	seg, err := EscapeName(name)
	if err != nil {
		return "", err
	}
	return LocksRoot + "/" + seg, nil
}

// QueuePath returns the parent node of a queue's messages.
func QueuePath(id string) (string, error) {
	seg, err := EscapeName(id)
	if err != nil {
		return "", err
	}
	return QueuesRoot + "/" + seg, nil
}

// PreferencePath maps a preferences path ("app/db", "/app/db", "") onto the
// tree below PreferencesRoot. Segments are kept as given.
func PreferencePath(path string) (string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return PreferencesRoot, nil
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("coord: invalid preferences path %q", path)
		}
	}
	return PreferencesRoot + "/" + trimmed, nil
}

// NodePath returns the registry node of a cluster member.
func NodePath(id string) (string, error) {
	seg, err := EscapeName(id)
	if err != nil {
		return "", err
	}
	return NodesRoot + "/" + seg, nil
}

// PresencePath returns the ephemeral presence node of a cluster member.
func PresencePath(id string) (string, error) {
	seg, err := EscapeName(id)
	if err != nil {
		return "", err
	}
	return PresenceRoot + "/" + seg, nil
}
