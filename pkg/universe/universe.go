// Package universe is a disjoint-set forest with union by rank, used to grow
// connected segments over depth map pixels.
package universe

type element struct {
	rank int
	p    int
	size int
}

// Universe partitions n elements into disjoint sets.
type Universe struct {
	elts []element
	num  int
}

// New creates n singleton sets.
func New(n int) *Universe {
	u := &Universe{elts: make([]element, n)}
	u.Initialize()
	return u
}

// Initialize resets every element to its own set.
func (u *Universe) Initialize() {
	for i := range u.elts {
		u.elts[i] = element{rank: 0, p: i, size: 1}
	}
	u.num = len(u.elts)
}

// Find returns the representative of x, compressing the path on the way.
func (u *Universe) Find(x int) int {
	y := x
	for y != u.elts[y].p {
		y = u.elts[y].p
	}
	for x != y {
		next := u.elts[x].p
		u.elts[x].p = y
		x = next
	}
	return y
}

// Join merges the sets whose representatives are x and y.
func (u *Universe) Join(x, y int) {
	if x == y {
		return
	}
	if u.elts[x].rank > u.elts[y].rank {
		u.elts[y].p = x
		u.elts[x].size += u.elts[y].size
	} else {
		u.elts[x].p = y
		u.elts[y].size += u.elts[x].size
		if u.elts[x].rank == u.elts[y].rank {
			u.elts[y].rank++
		}
	}
	u.num--
}

// AddEdge joins the sets containing a and b.
func (u *Universe) AddEdge(a, b int) {
	u.Join(u.Find(a), u.Find(b))
}

// Size returns the size of the set whose representative is x.
func (u *Universe) Size(x int) int {
	return u.elts[x].size
}

// Num returns the number of disjoint sets.
func (u *Universe) Num() int {
	return u.num
}

// Len returns the number of elements.
func (u *Universe) Len() int {
	return len(u.elts)
}
