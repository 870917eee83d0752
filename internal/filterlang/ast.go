package filterlang

// node is an expression tree node. Trees are immutable after Compile;
// a Program can be evaluated concurrently from many goroutines.
type node interface {
	// count returns the number of nodes in the subtree, for the
	// compile-time size bound.
	count() int
}

type numberNode struct {
	val float64
}

type boolNode struct {
	val bool
}

type stringNode struct {
	val string
}

// callNode is a builtin invocation. Bare identifiers for zero-arg builtins
// (`price`, `change`, `quoteVolume`) parse as calls with no arguments.
type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op    tokenKind // tokMinus or tokNot
	child node
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (n *numberNode) count() int { return 1 }
func (n *boolNode) count() int   { return 1 }
func (n *stringNode) count() int { return 1 }
func (n *unaryNode) count() int  { return 1 + n.child.count() }
func (n *binaryNode) count() int { return 1 + n.left.count() + n.right.count() }

func (n *callNode) count() int {
	total := 1
	for _, a := range n.args {
		total += a.count()
	}
	return total
}
