package prefs

import (
	"sort"
	"strings"
)

// node is the local view of one preference node.
type node struct {
	path   string
	values map[string]value
	// version is the store version last read, or -1 when the node did not
	// exist at that time.
	version int64
	dirty   bool
}

func newNode(path string) *node {
	return &node{path: path, values: make(map[string]value), version: -1}
}

func (n *node) keys() []string {
	out := make([]string, 0, len(n.values))
	for k := range n.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// within reports whether path is root or below it.
func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+"/")
}

// depth orders parents before children.
func depth(path string) int {
	return strings.Count(path, "/")
}
