// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package wavl

// EraseKey removes the element with the given key, if any, and reports
// whether one was found.
func (t *Tree[K, T]) EraseKey(key K) (removed T, ok bool) {
	n := t.findNode(key)
	if n == nil {
		var zero T
		return zero, false
	}
	owner := n.owner
	t.eraseNode(n)
	return owner, true
}

// Erase removes owner from the tree. It panics if owner is not currently
// linked into any tree, since that is always a caller bug. An owner linked
// into a different Tree is not detected.
func (t *Tree[K, T]) Erase(owner T) {
	n := t.nodeOf(owner)
	if !n.InTree() {
		panic("wavl: erase of owner not in this tree")
	}
	t.eraseNode(n)
}

// eraseNode unlinks n, which must currently be in the tree, and restores
// the rank-difference rule.
func (t *Tree[K, T]) eraseNode(n *Node[T]) {
	if t.isReal(n.left) && t.isReal(n.right) {
		succ := n.right
		for t.isReal(succ.left) {
			succ = succ.left
		}
		t.swapForErase(n, succ)
	}

	// n now has at most one real child.
	p := n.parent
	wasLeft := !t.isSentinel(p) && p.left == n

	var child *Node[T]
	if t.isReal(n.left) {
		child = n.left
	} else if t.isReal(n.right) {
		child = n.right
	}

	if child != nil {
		child.parent = p
		if t.isSentinel(p) {
			t.root = child
		} else if wasLeft {
			p.left = child
		} else {
			p.right = child
		}

		if n == t.leftMost {
			c := child
			for t.isReal(c.left) {
				c = c.left
			}
			c.left = t.sentinel()
			t.leftMost = c
		}
		if n == t.rightMost {
			c := child
			for t.isReal(c.right) {
				c = c.right
			}
			c.right = t.sentinel()
			t.rightMost = c
		}
	} else {
		if t.isSentinel(p) {
			t.root = nil
			t.leftMost = t.sentinel()
			t.rightMost = t.sentinel()
		} else if wasLeft {
			if n == t.leftMost {
				p.left = t.sentinel()
				t.leftMost = p
			} else {
				p.left = nil
			}
		} else {
			if n == t.rightMost {
				p.right = t.sentinel()
				t.rightMost = p
			} else {
				p.right = nil
			}
		}
	}

	n.parent = nil
	n.left = nil
	n.right = nil
	n.rank = 0
	t.size--

	if !t.isSentinel(p) {
		t.rebalanceErase(p, wasLeft)
	}
}

// swapForErase exchanges the structural position of target (the node
// requested for removal) and s, its in-order successor (s.left is always
// nil). After the call, target sits where s used to be and has at most one
// real child, while s occupies target's former slot. Keys stay with their
// owning nodes throughout -- only links and ranks move -- so in-order
// order is preserved.
func (t *Tree[K, T]) swapForErase(target, s *Node[T]) {
	target.rank, s.rank = s.rank, target.rank

	if s.parent == target {
		// s is target's direct right child with no left child of its own.
		s.left = target.left
		if t.isReal(s.left) {
			s.left.parent = s
		}
		s.parent = target.parent
		t.replaceChild(target, s)

		target.left = nil
		target.right = s.right
		if t.isReal(target.right) {
			target.right.parent = target
		}
		s.right = target
		target.parent = s

		// If s was the rightmost node, target now occupies that position
		// (its right child is the boundary marker) until it is unlinked.
		if t.rightMost == s {
			t.rightMost = target
		}
		return
	}

	sParent := s.parent
	sRight := s.right

	s.parent = target.parent
	t.replaceChild(target, s)
	s.left = target.left
	if t.isReal(s.left) {
		s.left.parent = s
	}
	s.right = target.right
	if t.isReal(s.right) {
		s.right.parent = s
	}

	sParent.left = target
	target.parent = sParent
	target.left = nil
	target.right = sRight
	if t.isReal(sRight) {
		sRight.parent = target
	}
}

// replaceChild repoints old's parent (or the tree root) at replacement.
func (t *Tree[K, T]) replaceChild(old, replacement *Node[T]) {
	p := old.parent
	if t.isSentinel(p) {
		t.root = replacement
		return
	}
	if p.left == old {
		p.left = replacement
	} else {
		p.right = replacement
	}
}

// rebalanceErase restores the rank-difference rule after the child on the
// childWasLeft side of p lost one rank of "weight" (either a node was
// unlinked from that side, or was demoted by a prior iteration of this
// same walk).
func (t *Tree[K, T]) rebalanceErase(p *Node[T], childWasLeft bool) {
	for t.isReal(p) {
		var thisRank, otherRank int
		var sibling *Node[T]
		if childWasLeft {
			thisRank = t.rank(p.left)
			otherRank = t.rank(p.right)
			sibling = p.right
		} else {
			thisRank = t.rank(p.right)
			otherRank = t.rank(p.left)
			sibling = p.left
		}
		thisDiff := p.rank - thisRank

		if thisDiff <= 2 {
			if thisRank == -1 && otherRank == -1 && p.rank != 0 {
				// A 2,2 leaf: rank rule requires every leaf to be rank 0.
				p.rank--
				gp := p.parent
				if t.isReal(gp) {
					childWasLeft = gp.left == p
				}
				p = gp
				continue
			}
			return
		}

		// thisDiff == 3: the child on this side is now a 3-child. Demote
		// phase: while the sibling is a 2-child or a 2,2 node, demote the
		// parent (and the sibling too if it was 2,2) and climb.
		otherDiff := p.rank - otherRank
		sibling22 := false
		if t.isReal(sibling) {
			sl := t.rank(sibling.left)
			sr := t.rank(sibling.right)
			sibling22 = sibling.rank-sl == 2 && sibling.rank-sr == 2
		}
		if otherDiff == 2 || sibling22 {
			p.rank--
			if sibling22 {
				sibling.rank--
			}
			gp := p.parent
			if t.isReal(gp) {
				childWasLeft = gp.left == p
			}
			p = gp
			continue
		}

		// otherDiff == 1 and the sibling Y has at least one 1-child of its
		// own; rotate phase.
		y := sibling
		var inner, outer *Node[T]
		if childWasLeft {
			inner, outer = y.left, y.right
		} else {
			inner, outer = y.right, y.left
		}

		if y.rank-t.rank(outer) == 1 {
			// Single rotation toward the 3-child side.
			t.rotateUp(y)
			y.rank++
			p.rank--
			if !t.isReal(p.left) && !t.isReal(p.right) {
				p.rank--
			}
		} else {
			// Double rotation through the inner grandchild.
			t.rotateUp(inner)
			t.rotateUp(inner)
			inner.rank += 2
			y.rank--
			p.rank -= 2
		}
		return
	}
}
