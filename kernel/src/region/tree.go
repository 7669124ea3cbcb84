package region

import "memtypes"

// Tree is the augmented BST of non-overlapping regions for one address
// space, keyed by Rng.Start (§4.C). Balance comes from treap priorities
// (a real AVL/WAVL's rotation bookkeeping is more intricate to get right
// by hand than a randomized treap, and both give O(log n) expected height
// with the same rotation primitive the augmenting-metadata refresh relies
// on) rather than literal WAVL rank bits; the spec allows "WAVL or
// equivalent".
type Tree struct {
	root           *node
	spaceMin       memtypes.Va
	spaceMax       memtypes.Va
}

// NewTree builds an empty tree over [spaceMin, spaceMax).
func NewTree(spaceMin, spaceMax memtypes.Va) *Tree {
	return &Tree{spaceMin: spaceMin, spaceMax: spaceMax}
}

// find locates the node whose range contains va, or nil.
func (t *Tree) find(va memtypes.Va) *node {
	n := t.root
	for n != nil {
		switch {
		case va < n.region.Rng.Start:
			n = n.left
		case va >= n.region.Rng.End:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// Lookup implements the page-fault handler's "containing region" query
// (§4.C step 1, using an upper_bound-equivalent walk).
func (t *Tree) Lookup(va memtypes.Va) (Region, bool) {
	n := t.find(va)
	if n == nil {
		return Region{}, false
	}
	return n.region, true
}

// overlaps reports whether r would collide with any existing region.
func (t *Tree) overlaps(r memtypes.Range) bool {
	n := t.root
	for n != nil {
		if r.Overlaps(n.region.Rng) {
			return true
		}
		if r.Start < n.region.Rng.Start {
			n = n.left
		} else {
			n = n.right
		}
	}
	return false
}

func (n *node) isLeftChild() bool { return n.parent != nil && n.parent.left == n }

func (t *Tree) setChild(parent, child *node, left bool) {
	if parent == nil {
		t.root = child
	} else if left {
		parent.left = child
	} else {
		parent.right = child
	}
	if child != nil {
		child.parent = parent
	}
}

// rotateLeft rotates x down and its right child y up.
func (t *Tree) rotateLeft(x *node) *node {
	y := x.right
	parent := x.parent
	wasLeft := x.isLeftChild()

	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.left = x
	x.parent = y

	if parent == nil {
		t.root = y
		y.parent = nil
	} else if wasLeft {
		parent.left = y
	} else {
		parent.right = y
	}
	y.parent = parent

	x.refresh(t.spaceMin, t.spaceMax)
	y.refresh(t.spaceMin, t.spaceMax)
	return y
}

// rotateRight rotates x down and its left child y up.
func (t *Tree) rotateRight(x *node) *node {
	y := x.left
	parent := x.parent
	wasLeft := x.isLeftChild()

	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.right = x
	x.parent = y

	if parent == nil {
		t.root = y
		y.parent = nil
	} else if wasLeft {
		parent.left = y
	} else {
		parent.right = y
	}
	y.parent = parent

	x.refresh(t.spaceMin, t.spaceMax)
	y.refresh(t.spaceMin, t.spaceMax)
	return y
}

// insert places r into the tree, returning the new node or false if it
// overlaps an existing region.
func (t *Tree) insert(r Region) (*node, bool) {
	if t.overlaps(r.Rng) {
		return nil, false
	}
	n := &node{region: r, priority: randPriority()}

	if t.root == nil {
		t.root = n
		n.refresh(t.spaceMin, t.spaceMax)
		return n, true
	}

	cur := t.root
	for {
		if r.Rng.Start < cur.region.Rng.Start {
			if cur.left == nil {
				cur.left = n
				n.parent = cur
				break
			}
			cur = cur.left
		} else {
			if cur.right == nil {
				cur.right = n
				n.parent = cur
				break
			}
			cur = cur.right
		}
	}
	n.refresh(t.spaceMin, t.spaceMax)
	propagate(n.parent, t.spaceMin, t.spaceMax)

	for n.parent != nil && n.priority > n.parent.priority {
		if n.isLeftChild() {
			t.rotateRight(n.parent)
		} else {
			t.rotateLeft(n.parent)
		}
	}
	return n, true
}

// remove deletes n from the tree by rotating it down to a leaf and
// unlinking it, then propagating the metadata fix to the ancestors whose
// subtree membership changed.
func (t *Tree) remove(n *node) {
	for n.left != nil || n.right != nil {
		if n.right == nil || (n.left != nil && n.left.priority > n.right.priority) {
			t.rotateRight(n)
		} else {
			t.rotateLeft(n)
		}
	}
	parent := n.parent
	t.setChild(parent, nil, n.isLeftChild())
	propagate(parent, t.spaceMin, t.spaceMax)
}

// predecessor returns the in-order previous node, used by unmap's
// no-holes check and by boundary-gap computation.
func predecessor(n *node) *node {
	if n.left != nil {
		m := n.left
		for m.right != nil {
			m = m.right
		}
		return m
	}
	for n.parent != nil && n.isLeftChild() {
		n = n.parent
	}
	return n.parent
}

// successor returns the in-order next node.
func successor(n *node) *node {
	if n.right != nil {
		m := n.right
		for m.left != nil {
			m = m.left
		}
		return m
	}
	for n.parent != nil && !n.isLeftChild() {
		n = n.parent
	}
	return n.parent
}

// first returns the left-most (lowest-address) node.
func (t *Tree) first() *node {
	n := t.root
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// last returns the right-most (highest-address) node.
func (t *Tree) last() *node {
	n := t.root
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}
