package revdb

import (
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

type RevFlags uint8

const (
	RevDeleted RevFlags = 1 << iota
	RevLeaf
	RevNew
	RevHasAttachments

	revPersistentMask = RevDeleted | RevLeaf | RevHasAttachments
)

func (f RevFlags) Contains(v RevFlags) bool {
	return f&v == v
}

// Revision is a read-only view of one node of a document's revision tree.
// Body is nil until loaded.
type Revision struct {
	ID       string
	Flags    RevFlags
	Sequence uint64
	Body     []byte
}

func (r Revision) IsDeleted() bool { return r.Flags.Contains(RevDeleted) }
func (r Revision) IsLeaf() bool    { return r.Flags.Contains(RevLeaf) }

// revNode is an arena entry. Parent is an index into the same arena, or
// -1 for a root. Children never reference parents by pointer, so removing
// nodes only needs an index remap.
type revNode struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID       string   `msgpack:"i"`
	Parent   int32    `msgpack:"p"`
	Flags    RevFlags `msgpack:"f"`
	Sequence uint64   `msgpack:"s"`

	body       []byte
	bodyLoaded bool
}

// revTree keeps its nodes in priority order: leaves before inner nodes,
// then by descending revision ID (generation, then digest). The winning
// revision is therefore always nodes[0], even when it is a deletion.
type revTree struct {
	nodes []revNode
}

func (t *revTree) len() int { return len(t.nodes) }

func (t *revTree) clone() revTree {
	return revTree{nodes: slices.Clone(t.nodes)}
}

func (t *revTree) find(revID string) int {
	for i := range t.nodes {
		if t.nodes[i].ID == revID {
			return i
		}
	}
	return -1
}

func (t *revTree) current() int {
	if len(t.nodes) == 0 {
		return -1
	}
	return 0
}

func (t *revTree) revision(i int) Revision {
	n := &t.nodes[i]
	r := Revision{ID: n.ID, Flags: n.Flags, Sequence: n.Sequence}
	if n.bodyLoaded {
		r.Body = n.body
	}
	return r
}

func (t *revTree) isConflicted() bool {
	var live int
	for i := range t.nodes {
		f := t.nodes[i].Flags
		if f.Contains(RevLeaf) && !f.Contains(RevDeleted) {
			live++
		}
	}
	return live > 1
}

func (t *revTree) hasNew() bool {
	return slices.ContainsFunc(t.nodes, func(n revNode) bool { return n.Flags.Contains(RevNew) })
}

// insert adds revID as a child of parent (-1 for a new root) and returns
// its index after re-sorting.
func (t *revTree) insert(revID string, body []byte, parent int, deleted, hasAttachments bool) int {
	flags := RevLeaf | RevNew
	if deleted {
		flags |= RevDeleted
	}
	if hasAttachments {
		flags |= RevHasAttachments
	}
	if parent >= 0 {
		t.nodes[parent].Flags &^= RevLeaf
	}
	t.nodes = append(t.nodes, revNode{
		ID:         revID,
		Parent:     int32(parent),
		Flags:      flags,
		body:       body,
		bodyLoaded: true,
	})
	t.sort()
	return t.find(revID)
}

func compareRevNodes(a, b *revNode) int {
	if la, lb := a.Flags.Contains(RevLeaf), b.Flags.Contains(RevLeaf); la != lb {
		if la {
			return -1
		}
		return 1
	}
	return -CompareRevIDs(a.ID, b.ID)
}

func (t *revTree) sort() {
	n := len(t.nodes)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return compareRevNodes(&t.nodes[a], &t.nodes[b])
	})
	t.reorder(order)
}

// reorder rebuilds the arena from the given old indices, in that order.
// Nodes left out are dropped; children of dropped nodes become roots.
func (t *revTree) reorder(order []int) {
	remap := make([]int32, len(t.nodes))
	for i := range remap {
		remap[i] = -1
	}
	for newIdx, oldIdx := range order {
		remap[oldIdx] = int32(newIdx)
	}
	out := make([]revNode, len(order))
	for newIdx, oldIdx := range order {
		nd := t.nodes[oldIdx]
		if nd.Parent >= 0 {
			nd.Parent = remap[nd.Parent]
		}
		out[newIdx] = nd
	}
	t.nodes = out
}

// prune keeps at most maxDepth revisions on the path from every leaf
// towards its root, and returns the IDs of the removed revisions.
func (t *revTree) prune(maxDepth int) []string {
	if maxDepth <= 0 || len(t.nodes) <= maxDepth {
		return nil
	}
	keep := make([]bool, len(t.nodes))
	for i := range t.nodes {
		if !t.nodes[i].Flags.Contains(RevLeaf) {
			continue
		}
		for j, depth := i, 0; j >= 0 && depth < maxDepth; depth++ {
			keep[j] = true
			j = int(t.nodes[j].Parent)
		}
	}

	var removed []string
	order := make([]int, 0, len(t.nodes))
	for i, k := range keep {
		if k {
			order = append(order, i)
		} else {
			removed = append(removed, t.nodes[i].ID)
		}
	}
	if removed != nil {
		t.reorder(order)
	}
	return removed
}

// assignSequence stamps every new revision with seq and clears RevNew.
func (t *revTree) assignSequence(seq uint64) {
	for i := range t.nodes {
		if t.nodes[i].Flags.Contains(RevNew) {
			t.nodes[i].Sequence = seq
			t.nodes[i].Flags &^= RevNew
		}
	}
}

// maxSequence is the sequence of the most recently saved revision.
func (t *revTree) maxSequence() uint64 {
	var seq uint64
	for i := range t.nodes {
		seq = max(seq, t.nodes[i].Sequence)
	}
	return seq
}

func (t *revTree) encode() ([]byte, error) {
	return msgpack.Marshal(t.nodes)
}

func decodeRevTree(data []byte) (revTree, error) {
	var nodes []revNode
	if err := msgpack.Unmarshal(data, &nodes); err != nil {
		return revTree{}, dataErrf(data, 0, err, "invalid revision tree")
	}
	for i := range nodes {
		p := nodes[i].Parent
		if p < -1 || int(p) >= len(nodes) || int(p) == i {
			return revTree{}, dataErrf(data, 0, nil, "invalid revision tree: node %d has parent %d", i, p)
		}
		nodes[i].Flags &= revPersistentMask
	}
	return revTree{nodes: nodes}, nil
}
