package chx

// Red-black balancing for treeBin's tree (module D). Standard
// (CLRS-style) insert-fixup / delete-fixup with left and right rotations,
// like the Java original's TreeNode.balanceInsertion /
// balanceDeletion (ConcurrentHashMap.java tree section), adapted to this
// package's parent-pointer treeNode representation.

func (tb *treeBin[K, V]) rotateLeft(x *treeNode[K, V]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		tb.root.Store(y)
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (tb *treeBin[K, V]) rotateRight(x *treeNode[K, V]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		tb.root.Store(y)
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func nodeColor[K comparable, V any](n *treeNode[K, V]) treeColor {
	if n == nil {
		return black
	}
	return n.color
}

func (tb *treeBin[K, V]) fixAfterInsert(z *treeNode[K, V]) {
	for z.parent != nil && z.parent.color == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			uncle := gp.right
			if nodeColor[K, V](uncle) == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				tb.rotateLeft(z)
			}
			z.parent.color = black
			gp.color = red
			tb.rotateRight(gp)
		} else {
			uncle := gp.left
			if nodeColor[K, V](uncle) == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				tb.rotateRight(z)
			}
			z.parent.color = black
			gp.color = red
			tb.rotateLeft(gp)
		}
	}
	if root := tb.root.Load(); root != nil {
		root.color = black
	}
}

// deleteNode removes z from the tree, rebalancing to preserve red-black
// properties.
func (tb *treeBin[K, V]) deleteNode(z *treeNode[K, V]) {
	y := z
	yOrigColor := y.color
	var x, xParent *treeNode[K, V]

	transplant := func(u, v *treeNode[K, V]) {
		switch {
		case u.parent == nil:
			tb.root.Store(v)
		case u == u.parent.left:
			u.parent.left = v
		default:
			u.parent.right = v
		}
		if v != nil {
			v.parent = u.parent
		}
	}

	switch {
	case z.left == nil:
		x = z.right
		xParent = z.parent
		transplant(z, z.right)
	case z.right == nil:
		x = z.left
		xParent = z.parent
		transplant(z, z.left)
	default:
		y = treeMinimum(z.right)
		yOrigColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOrigColor == black {
		tb.fixAfterDelete(x, xParent)
	}
}

func treeMinimum[K comparable, V any](n *treeNode[K, V]) *treeNode[K, V] {
	for n.left != nil {
		n = n.left
	}
	return n
}

// fixAfterDelete rebalances after deleteNode removed a black node. x may
// be nil (a "double black" nil leaf), so its parent is tracked separately.
func (tb *treeBin[K, V]) fixAfterDelete(x, parent *treeNode[K, V]) {
	for x != tb.root.Load() && nodeColor[K, V](x) == black && parent != nil {
		if x == parent.left {
			w := parent.right
			if nodeColor[K, V](w) == red {
				w.color = black
				parent.color = red
				tb.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if nodeColor[K, V](w.left) == black && nodeColor[K, V](w.right) == black {
				w.color = red
				x = parent
				parent = x.parent
				continue
			}
			if nodeColor[K, V](w.right) == black {
				if w.left != nil {
					w.left.color = black
				}
				w.color = red
				tb.rotateRight(w)
				w = parent.right
			}
			w.color = parent.color
			parent.color = black
			if w.right != nil {
				w.right.color = black
			}
			tb.rotateLeft(parent)
			x = tb.root.Load()
			parent = nil
		} else {
			w := parent.left
			if nodeColor[K, V](w) == red {
				w.color = black
				parent.color = red
				tb.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if nodeColor[K, V](w.right) == black && nodeColor[K, V](w.left) == black {
				w.color = red
				x = parent
				parent = x.parent
				continue
			}
			if nodeColor[K, V](w.left) == black {
				if w.right != nil {
					w.right.color = black
				}
				w.color = red
				tb.rotateLeft(w)
				w = parent.left
			}
			w.color = parent.color
			parent.color = black
			if w.left != nil {
				w.left.color = black
			}
			tb.rotateRight(parent)
			x = tb.root.Load()
			parent = nil
		}
	}
	if x != nil {
		x.color = black
	}
}
