package clustering

import "sort"

// UnionFind is a disjoint-set forest over addresses with path compression and
// union by rank. It is scoped to one run and is not safe for concurrent use.
type UnionFind struct {
	parent map[string]string
	rank   map[string]uint8
}

func NewUnionFind() *UnionFind {
	return &UnionFind{parent: map[string]string{}, rank: map[string]uint8{}}
}

// Add registers x as a singleton if it is unknown.
func (u *UnionFind) Add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

// Find returns the representative of x, adding x if needed.
func (u *UnionFind) Find(x string) string {
	u.Add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

// Union joins the sets of a and b and reports whether they were separate.
func (u *UnionFind) Union(a, b string) bool {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return false
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
	return true
}

// UnionAll joins every element of xs into one set.
func (u *UnionFind) UnionAll(xs []string) {
	for i := 1; i < len(xs); i++ {
		u.Union(xs[0], xs[i])
	}
}

func (u *UnionFind) Connected(a, b string) bool { return u.Find(a) == u.Find(b) }

func (u *UnionFind) Len() int { return len(u.parent) }

// Components groups every known element by representative. Member lists are
// sorted; the result does not depend on insertion or union order.
func (u *UnionFind) Components() map[string][]string {
	out := make(map[string][]string)
	for x := range u.parent {
		r := u.Find(x)
		out[r] = append(out[r], x)
	}
	for _, members := range out {
		sort.Strings(members)
	}
	return out
}
