package filetree

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func render(nodes []*Node) string {
	var b strings.Builder
	Walk(nodes, func(n *Node, depth int) {
		fmt.Fprintf(&b, "%s%s %s (%s)\n", strings.Repeat("  ", depth), n.Type, n.Name, n.Path)
	})
	return b.String()
}

func TestBuild(t *testing.T) {
	tree := Build([]string{"b/y.js", "a.js", "b/x.js"})
	assert.Equal(t, len(tree), 2)
	assert.Equal(t, tree[0].Name, "b")
	assert.Equal(t, tree[0].Type, Folder)
	assert.Equal(t, tree[0].Children[0].Name, "x.js")
	assert.Equal(t, tree[0].Children[1].Path, "b/y.js")
	assert.Equal(t, tree[1].Name, "a.js")
	assert.Equal(t, tree[1].Type, File)
	assert.Equal(t, tree[1].Children == nil, true)
}

func TestBuildDeterministic(t *testing.T) {
	paths := []string{
		"index.js", "src/utils.js", "src/lib/a.go", "src/lib/B.go", "README.md",
		"src/main.go", "docs/guide/intro.md", "docs/index.md", "Makefile",
	}
	want := render(Build(paths))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), paths...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, render(Build(shuffled)), want)
	}
	assert.Equal(t, want, `folder docs (docs)
  folder guide (docs/guide)
    file intro.md (docs/guide/intro.md)
  file index.md (docs/index.md)
folder src (src)
  folder lib (src/lib)
    file B.go (src/lib/B.go)
    file a.go (src/lib/a.go)
  file main.go (src/main.go)
  file utils.js (src/utils.js)
file Makefile (Makefile)
file README.md (README.md)
file index.js (index.js)
`)
}

func TestBuildEdgeCases(t *testing.T) {
	// a file and a folder of the same name are distinct
	tree := Build([]string{"lib", "lib/x.js"})
	assert.Equal(t, render(tree), "folder lib (lib)\n  file x.js (lib/x.js)\nfile lib (lib)\n")

	assert.Equal(t, render(Build([]string{"/a//b.js", "", "a/b.js"})), "folder a (a)\n  file b.js (a/b.js)\n")
	assert.Equal(t, len(Build(nil)), 0)
}
