package simulator

// A ConnMat is a square matrix with one entry per ordered
// pair of Nodes, holding flow counts or data rates.
type ConnMat struct {
	numNodes int
	values   []float64
}

// NewConnMat creates an all-zero matrix.
func NewConnMat(numNodes int) *ConnMat {
	return &ConnMat{
		numNodes: numNodes,
		values:   make([]float64, numNodes*numNodes),
	}
}

// NumNodes gets the number of nodes in the matrix.
func (c *ConnMat) NumNodes() int {
	return c.numNodes
}

// Get reads the entry from src to dst.
func (c *ConnMat) Get(src, dst int) float64 {
	return c.values[src*c.numNodes+dst]
}

// Set writes the entry from src to dst.
func (c *ConnMat) Set(src, dst int, value float64) {
	c.values[src*c.numNodes+dst] = value
}

// Add adds delta to the entry from src to dst.
func (c *ConnMat) Add(src, dst int, delta float64) {
	c.values[src*c.numNodes+dst] += delta
}

// Clone creates a copy of the matrix.
func (c *ConnMat) Clone() *ConnMat {
	return &ConnMat{
		numNodes: c.numNodes,
		values:   append([]float64{}, c.values...),
	}
}
