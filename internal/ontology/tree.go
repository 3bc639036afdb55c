package ontology

import (
	"fmt"
	"os"

	"github.com/ehr/feasibility/internal/query"
)

// treeDoc is the recursive on-disk form of the term-code hierarchy.
type treeDoc struct {
	TermCode query.TerminologyCode `json:"termCode" yaml:"termCode"`
	Children []treeDoc             `json:"children" yaml:"children"`
}

type node struct {
	code     query.TerminologyCode
	children []int
}

// Tree is the term-code hierarchy stored as a flat slice of nodes with
// child indices. A code may appear under several parents.
type Tree struct {
	nodes []node
	index map[string][]int
}

// NewTree returns an empty tree. Expanding against it yields each code on
// its own.
func NewTree() *Tree {
	return &Tree{index: make(map[string][]int)}
}

// Add appends a node for code under parent and returns its index. A parent
// of -1 adds a root.
func (t *Tree) Add(parent int, code query.TerminologyCode) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, node{code: code})
	t.index[code.Key()] = append(t.index[code.Key()], idx)
	if parent >= 0 && parent < idx {
		t.nodes[parent].children = append(t.nodes[parent].children, idx)
	}
	return idx
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Expand returns code followed by all of its descendants in breadth-first
// order, each code once. A code not in the tree expands to itself.
func (t *Tree) Expand(code query.TerminologyCode) []query.TerminologyCode {
	if t == nil {
		return []query.TerminologyCode{code}
	}
	starts := t.index[code.Key()]
	if len(starts) == 0 {
		return []query.TerminologyCode{code}
	}

	seen := map[string]bool{code.Key(): true}
	out := []query.TerminologyCode{code}
	visited := make([]bool, len(t.nodes))
	queue := append([]int(nil), starts...)
	for _, s := range starts {
		visited[s] = true
	}

	for len(queue) > 0 {
		n := t.nodes[queue[0]]
		queue = queue[1:]
		for _, child := range n.children {
			if visited[child] {
				continue
			}
			visited[child] = true
			queue = append(queue, child)
			c := t.nodes[child].code
			if !seen[c.Key()] {
				seen[c.Key()] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// ParseTree decodes a tree document. Nodes are flattened iteratively.
func ParseTree(data []byte, format Format) (*Tree, error) {
	var root treeDoc
	if err := decode(data, format, &root); err != nil {
		return nil, fmt.Errorf("parse term code tree: %w", err)
	}

	t := NewTree()
	type pending struct {
		doc    *treeDoc
		parent int
	}
	stack := []pending{{doc: &root, parent: -1}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		idx := t.Add(p.parent, p.doc.TermCode)
		for i := len(p.doc.Children) - 1; i >= 0; i-- {
			stack = append(stack, pending{doc: &p.doc.Children[i], parent: idx})
		}
	}
	return t, nil
}

// LoadTree reads a tree file, choosing the format by extension.
func LoadTree(path string) (*Tree, error) {
	// #nosec G304 -- path comes from the command line or configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read term code tree: %w", err)
	}
	return ParseTree(data, FormatForPath(path))
}
