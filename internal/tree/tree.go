// Package tree implements the in-memory rooted tree topology keyed by
// node id (spec.md §3, §4.6): search, add/remove child, descendant
// enumeration, route computation, and pack/unpack to a nested record.
//
// Following spec.md §9's re-architecture guidance ("represent the tree
// as an arena... with parent stored as an index/id rather than an
// owning pointer"), nodes live in a flat map keyed by meshid.ID; a
// node's Parent field is just an id, never an owning pointer, so
// detaching a subtree can never leave an ownership cycle.
package tree

import (
	"fmt"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

// Node is one tree vertex: its own id, its parent's id (meaningless
// when HasParent is false, i.e. at the root), and its children in
// insertion order.
type Node struct {
	ID        meshid.ID
	Parent    meshid.ID
	HasParent bool
	Children  []meshid.ID
}

// Tree is a single-rooted acyclic structure over node ids (spec.md §3
// TreeNode invariants: exactly one node has no parent; every non-root's
// parent's children list contains it; no cycles).
type Tree struct {
	nodes map[meshid.ID]*Node
	root  meshid.ID
}

// New constructs a single-node tree with self at the root — the shape a
// node builds for itself the moment it is elected root (spec.md §4.7
// step 2).
func New(self meshid.ID) *Tree {
	return &Tree{
		nodes: map[meshid.ID]*Node{self: {ID: self}},
		root:  self,
	}
}

// Root returns the root node's id.
func (t *Tree) Root() meshid.ID { return t.root }

// Search returns the node for id, if present.
func (t *Tree) Search(id meshid.ID) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Contains reports whether id is anywhere in the tree.
func (t *Tree) Contains(id meshid.ID) bool {
	_, ok := t.nodes[id]
	return ok
}

// AddChild attaches new as a child of parent. Fails if parent is
// unknown or new is already present anywhere in the tree (spec.md §4.6,
// §3 "no cycles").
func (t *Tree) AddChild(parent, new meshid.ID) error {
	p, ok := t.nodes[parent]
	if !ok {
		return fmt.Errorf("tree: parent %s not found", parent)
	}
	if _, exists := t.nodes[new]; exists {
		return fmt.Errorf("tree: node %s already present", new)
	}
	t.nodes[new] = &Node{ID: new, Parent: parent, HasParent: true}
	p.Children = append(p.Children, new)
	return nil
}

// DelChild removes child (and, as a consequence of detaching it, every
// descendant reachable only through it) from parent's children list.
// This is the "single deletion" spec.md §3 describes for child loss:
// the whole subtree departs as a unit because nothing else in the tree
// can reach it once its root is cut loose.
func (t *Tree) DelChild(parent, child meshid.ID) error {
	p, ok := t.nodes[parent]
	if !ok {
		return fmt.Errorf("tree: parent %s not found", parent)
	}
	idx := -1
	for i, c := range p.Children {
		if c == child {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("tree: %s is not a child of %s", child, parent)
	}
	p.Children = append(p.Children[:idx], p.Children[idx+1:]...)
	t.deleteSubtree(child)
	return nil
}

// DelNode removes id from wherever it is in the tree (a convenience
// wrapping Search+DelChild, matching the original firmware's
// Tree.del_node which looks the failed node up before detaching it).
func (t *Tree) DelNode(id meshid.ID) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("tree: node %s not found", id)
	}
	if !n.HasParent {
		return fmt.Errorf("tree: cannot delete the root")
	}
	return t.DelChild(n.Parent, id)
}

func (t *Tree) deleteSubtree(id meshid.ID) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for _, c := range n.Children {
		t.deleteSubtree(c)
	}
	delete(t.nodes, id)
}

// Descendants returns a preorder list of every node beneath id,
// excluding id itself (spec.md §4.6).
func (t *Tree) Descendants(id meshid.ID) []meshid.ID {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	var out []meshid.ID
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, c := range n.Children {
			out = append(out, c)
			if cn, ok := t.nodes[c]; ok {
				walk(cn)
			}
		}
	}
	walk(n)
	return out
}

// Depth returns id's distance from the root (the root itself is depth
// 0), or false if id isn't in the tree.
func (t *Tree) Depth(id meshid.ID) (int, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return 0, false
	}
	depth := 0
	for n.HasParent {
		n, ok = t.nodes[n.Parent]
		if !ok {
			return 0, false
		}
		depth++
	}
	return depth, true
}

// Size returns the number of nodes in the tree.
func (t *Tree) Size() int { return len(t.nodes) }

// Routes computes {descendant → immediate child through which to reach
// it} for self, recomputed fresh on every call (spec.md §4.6, §4.7:
// "routes(self) is recomputed on every topology change").
func (t *Tree) Routes(self meshid.ID) map[meshid.ID]meshid.ID {
	n, ok := t.nodes[self]
	if !ok {
		return nil
	}
	routes := make(map[meshid.ID]meshid.ID)
	for _, child := range n.Children {
		routes[child] = child
		for _, d := range t.Descendants(child) {
			routes[d] = child
		}
	}
	return routes
}

// Packed is the nested {node, child:[...]} record used to serialize a
// Tree for topology propagation (spec.md §4.6 pack/unpack).
type Packed struct {
	Node  meshid.ID `json:"node"`
	Child []Packed  `json:"child"`
}

// Pack serializes the whole tree starting at the root.
func (t *Tree) Pack() Packed {
	return t.packNode(t.root)
}

func (t *Tree) packNode(id meshid.ID) Packed {
	n := t.nodes[id]
	p := Packed{Node: id, Child: make([]Packed, 0, len(n.Children))}
	for _, c := range n.Children {
		p.Child = append(p.Child, t.packNode(c))
	}
	return p
}

// Unpack rebuilds a Tree from a Packed record (spec.md §4.6).
func Unpack(p Packed) *Tree {
	t := &Tree{nodes: make(map[meshid.ID]*Node), root: p.Node}
	var build func(pk Packed, parent meshid.ID, hasParent bool)
	build = func(pk Packed, parent meshid.ID, hasParent bool) {
		n := &Node{ID: pk.Node, Parent: parent, HasParent: hasParent}
		for _, c := range pk.Child {
			n.Children = append(n.Children, c.Node)
		}
		t.nodes[pk.Node] = n
		for _, c := range pk.Child {
			build(c, pk.Node, true)
		}
	}
	build(p, meshid.ID{}, false)
	return t
}
