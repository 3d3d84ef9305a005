package orchestrator

import (
	"sort"
	"strings"

	"github.com/tessellate-ai/cardinal/pkg/graph"
)

// scopeNode is one planned subsystem: the modules living directly in its
// directory plus one child node per subdirectory. The root node ("") is
// absorbed into the System agent, so its modules become the System's direct
// Module children and only its child nodes become Subsystem agents.
type scopeNode struct {
	dir      string
	modules  []*graph.Module
	children []*scopeNode
}

// buildTree partitions modules by directory. Paths use forward slashes
// relative to the analysis root.
func buildTree(modules []*graph.Module) *scopeNode {
	root := &scopeNode{}
	index := map[string]*scopeNode{"": root}

	for _, m := range modules {
		dir := parentDir(m.Path)
		node := nodeFor(index, dir)
		node.modules = append(node.modules, m)
	}

	for _, node := range index {
		sort.Slice(node.modules, func(i, j int) bool {
			return node.modules[i].Path < node.modules[j].Path
		})
		sort.Slice(node.children, func(i, j int) bool {
			return node.children[i].dir < node.children[j].dir
		})
	}
	return root
}

// nodeFor walks or creates the chain of nodes down to dir.
func nodeFor(index map[string]*scopeNode, dir string) *scopeNode {
	if node, ok := index[dir]; ok {
		return node
	}
	node := &scopeNode{dir: dir}
	index[dir] = node
	parent := nodeFor(index, parentDir(dir))
	parent.children = append(parent.children, node)
	return node
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// moduleCount reports how many modules live in the subtree.
func (n *scopeNode) moduleCount() int {
	total := len(n.modules)
	for _, c := range n.children {
		total += c.moduleCount()
	}
	return total
}
