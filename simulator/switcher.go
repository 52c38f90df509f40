package simulator

// A Switcher decides how fast data flows between every
// pair of nodes, and so how oversubscription plays out.
type Switcher interface {
	// SwitchedRates is passed the number of flows between
	// every pair of nodes. When it returns, each nonzero
	// entry holds the rate that the pair's flows share.
	SwitchedRates(mat *ConnMat)
}

// A TieredSwitcher models ranks whose connections cross
// interconnects of different speeds, such as the links
// inside a server, the NICs between servers and the spine
// between pods.
//
// Every node has a send port and a receive port on each
// tier. The pairs using a port split its rate evenly, and
// a pair runs at the smaller of its two shares.
type TieredSwitcher struct {
	// Tier maps a pair of nodes to an index in TierRates.
	Tier func(src, dst int) int

	// TierRates is the port rate of each tier, in bytes
	// per unit of virtual time.
	TierRates []float64
}

// NewTieredSwitcher creates a TieredSwitcher.
func NewTieredSwitcher(tier func(src, dst int) int, tierRates ...float64) *TieredSwitcher {
	return &TieredSwitcher{Tier: tier, TierRates: tierRates}
}

// SwitchedRates performs the switching algorithm.
func (t *TieredSwitcher) SwitchedRates(mat *ConnMat) {
	n := mat.NumNodes()
	tiers := len(t.TierRates)
	sends := make([]int, n*tiers)
	recvs := make([]int, n*tiers)
	t.forEachPair(mat, func(src, dst, tier int) {
		sends[src*tiers+tier]++
		recvs[dst*tiers+tier]++
	})
	t.forEachPair(mat, func(src, dst, tier int) {
		share := max(sends[src*tiers+tier], recvs[dst*tiers+tier])
		mat.Set(src, dst, t.TierRates[tier]/float64(share))
	})
}

func (t *TieredSwitcher) forEachPair(mat *ConnMat, f func(src, dst, tier int)) {
	for src := 0; src < mat.NumNodes(); src++ {
		for dst := 0; dst < mat.NumNodes(); dst++ {
			if mat.Get(src, dst) != 0 {
				f(src, dst, t.Tier(src, dst))
			}
		}
	}
}
