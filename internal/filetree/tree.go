// Package filetree turns the flat file set of a room into the folder
// hierarchy shown to users.
package filetree

import (
	"strings"

	"golang.org/x/exp/slices"
)

type NodeType string

const (
	Folder NodeType = "folder"
	File   NodeType = "file"
)

type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Type     NodeType `json:"type"`
	Children []*Node  `json:"children,omitempty"`
}

// Build returns the forest of paths. At every level folders come before
// files and names are in byte order. A folder and a file may share a name.
// Empty segments, as in "a//b" or "/a", are ignored. The result depends only
// on the set of paths.
func Build(paths []string) []*Node {
	var root []*Node
	for _, p := range paths {
		var parts []string
		for _, s := range strings.Split(p, "/") {
			if s != "" {
				parts = append(parts, s)
			}
		}
		level := &root
		for i, part := range parts {
			typ := Folder
			if i == len(parts)-1 {
				typ = File
			}
			n := find(*level, part, typ)
			if n == nil {
				n = &Node{Name: part, Path: strings.Join(parts[:i+1], "/"), Type: typ}
				*level = append(*level, n)
			}
			level = &n.Children
		}
	}
	sortNodes(root)
	return root
}

func find(nodes []*Node, name string, typ NodeType) *Node {
	for _, n := range nodes {
		if n.Name == name && n.Type == typ {
			return n
		}
	}
	return nil
}

func sortNodes(nodes []*Node) {
	slices.SortFunc(nodes, func(a, b *Node) int {
		if a.Type != b.Type {
			if a.Type == Folder {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// Walk calls fn for every node in display order, with its depth.
func Walk(nodes []*Node, fn func(n *Node, depth int)) {
	var walk func([]*Node, int)
	walk = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			fn(n, depth)
			walk(n.Children, depth+1)
		}
	}
	walk(nodes, 0)
}
