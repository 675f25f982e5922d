// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package wavl

// Cmp orders two keys, returning a negative number if a < b, zero if
// a == b, and a positive number if a > b, matching slices.SortFunc.
type Cmp[K any] func(a, b K) int

// Tree is a rank-balanced ordered map over intrusively linked owners. The
// zero value is not usable; construct one with New. A Tree is not safe for
// concurrent use without external synchronization, matching the rest of
// this package's non-owning, caller-locks-it-if-it-matters posture.
type Tree[K any, T any] struct {
	acc Accessor[K, T]
	cmp Cmp[K]

	root               *Node[T]
	leftMost, rightMost *Node[T]
	size               int

	// end is the tree's private sentinel. Its address is a unique,
	// never-null pointer value used both as the root's parent and as the
	// out-of-band boundary marker on the outer side of the leftmost and
	// rightmost nodes. Only its end flag is read (see isSentinel); its
	// link fields are not used.
	end Node[T]
}

// New constructs an empty tree ordered by cmp, using acc to reach the
// intrusive Node embedded in each owner.
func New[K any, T any](acc Accessor[K, T], cmp Cmp[K]) *Tree[K, T] {
	t := &Tree[K, T]{acc: acc, cmp: cmp}
	t.end.end = true
	t.leftMost = t.sentinel()
	t.rightMost = t.sentinel()
	return t
}

// Len returns the number of elements in the tree.
func (t *Tree[K, T]) Len() int { return t.size }

// IsEmpty reports whether the tree holds no elements.
func (t *Tree[K, T]) IsEmpty() bool { return t.size == 0 }

func (t *Tree[K, T]) sentinel() *Node[T] { return &t.end }

// isSentinel reports whether n is some tree's boundary marker. The flag
// lives on the Node rather than being a pointer-identity check against this
// particular Tree's &end, so that Swap can re-stamp a node that used to be
// another Tree's sentinel without misidentifying it as a real node.
func (t *Tree[K, T]) isSentinel(n *Node[T]) bool { return n != nil && n.end }

// isReal reports whether n refers to an actual linked node, as opposed to
// nil (an interior absent child) or a tree sentinel (a boundary marker).
func (t *Tree[K, T]) isReal(n *Node[T]) bool {
	return n != nil && !n.end
}

// rank returns n's rank, or -1 for an absent child (nil or sentinel), the
// convention the rank-difference rule is defined in terms of.
func (t *Tree[K, T]) rank(n *Node[T]) int {
	if !t.isReal(n) {
		return -1
	}
	return n.rank
}

func (t *Tree[K, T]) nodeOf(owner T) *Node[T] { return t.acc.Node(owner) }

// Swap exchanges the contents of t and other in O(1). Child pointers of
// each tree's extremal nodes are re-stamped so they reference their new
// owner's sentinel rather than the one they were linked against before the
// swap (spec's sentinel-discipline requirement for Swap).
func (t *Tree[K, T]) Swap(other *Tree[K, T]) {
	if t == other {
		return
	}

	t.root, other.root = other.root, t.root
	t.leftMost, other.leftMost = other.leftMost, t.leftMost
	t.rightMost, other.rightMost = other.rightMost, t.rightMost
	t.size, other.size = other.size, t.size

	t.restampBoundary()
	other.restampBoundary()
}

// restampBoundary fixes up root/leftMost/rightMost so every boundary
// pointer that used to reference a foreign tree's sentinel now references
// this tree's own sentinel instead. Called after directly swapping the two
// trees' root/leftMost/rightMost fields.
func (t *Tree[K, T]) restampBoundary() {
	if t.isReal(t.root) {
		t.root.parent = t.sentinel()
	}
	if t.isSentinel(t.leftMost) {
		t.leftMost = t.sentinel()
	} else {
		t.leftMost.left = t.sentinel()
	}
	if t.isSentinel(t.rightMost) {
		t.rightMost = t.sentinel()
	} else {
		t.rightMost.right = t.sentinel()
	}
}

// Clear detaches every node without walking the tree; callers that need
// each owner's Node fields zeroed (e.g. before reinserting) should walk
// and erase individually instead.
func (t *Tree[K, T]) Clear() {
	t.root = nil
	t.leftMost = t.sentinel()
	t.rightMost = t.sentinel()
	t.size = 0
}

// rotateUp performs a single BST rotation that promotes x into its
// parent's position. It is the one primitive both the insert and erase
// rebalancing walks compose into single and double rotations; it updates
// child/parent links only; callers own the rank adjustments.
func (t *Tree[K, T]) rotateUp(x *Node[T]) {
	p := x.parent
	g := p.parent

	if p.left == x {
		p.left = x.right
		if t.isReal(x.right) {
			x.right.parent = p
		}
		x.right = p
	} else {
		p.right = x.left
		if t.isReal(x.left) {
			x.left.parent = p
		}
		x.left = p
	}
	p.parent = x
	x.parent = g

	if t.isSentinel(g) {
		t.root = x
	} else if g.left == p {
		g.left = x
	} else {
		g.right = x
	}
}
