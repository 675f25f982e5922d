// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package wavl

// Find returns the owner with the given key, if present.
func (t *Tree[K, T]) Find(key K) (owner T, ok bool) {
	n := t.findNode(key)
	if n == nil {
		var zero T
		return zero, false
	}
	return n.owner, true
}

func (t *Tree[K, T]) findNode(key K) *Node[T] {
	n := t.root
	for t.isReal(n) {
		c := t.cmp(key, t.acc.Key(n.owner))
		switch {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// LowerBound returns an iterator to the first element whose key is not
// less than key, or End() if there is none.
func (t *Tree[K, T]) LowerBound(key K) Iterator[K, T] {
	n := t.root
	var best *Node[T]
	for t.isReal(n) {
		if t.cmp(t.acc.Key(n.owner), key) >= 0 {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	if best == nil {
		return t.End()
	}
	return Iterator[K, T]{t: t, n: best}
}

// UpperBound returns an iterator to the first element whose key is greater
// than key, or End() if there is none.
func (t *Tree[K, T]) UpperBound(key K) Iterator[K, T] {
	n := t.root
	var best *Node[T]
	for t.isReal(n) {
		if t.cmp(t.acc.Key(n.owner), key) > 0 {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	if best == nil {
		return t.End()
	}
	return Iterator[K, T]{t: t, n: best}
}
