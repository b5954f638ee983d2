// Package routetable implements the per-reactor longest-prefix-match
// routing table: one IPv4 trie and one IPv6 trie per named table,
// mapping a destination prefix to a RouteTarget.
//
// A reactor consults only its own default table; tables are never
// shared or looked up across reactors (spec.md §5's "no bridge
// leakage" invariant, property 10 in §8).
package routetable

import "github.com/reactornet/reactornet/internal/reactorreg"

// TargetKind tags what a route points at.
type TargetKind int

const (
	TargetReactor TargetKind = iota
	TargetTun
	TargetDrop
)

// Target is a routing decision. Deliberately a plain struct rather than
// an interface — spec.md's no-allocation-on-the-hot-path rule rules
// out boxing a tagged union on every lookup.
type Target struct {
	Kind      TargetKind
	ReactorID reactorreg.ID
	TunIndex  int
}

// Table holds one IPv4 and one IPv6 longest-prefix-match trie, keyed
// by a table id.
type Table struct {
	ID   string
	Name string
	v4   *trieV4
	v6   *trieV6
}

// New creates an empty table.
func New(id, name string) *Table {
	return &Table{
		ID:   id,
		Name: name,
		v4:   newTrieV4(),
		v6:   newTrieV6(),
	}
}

// AddRouteV4 inserts an IPv4 prefix → target mapping.
func (t *Table) AddRouteV4(prefix [4]byte, prefixLen int, target Target) {
	t.v4.insert(prefix, prefixLen, target)
}

// RemoveRouteV4 removes the exact prefix/length entry, if present.
func (t *Table) RemoveRouteV4(prefix [4]byte, prefixLen int) {
	t.v4.remove(prefix, prefixLen)
}

// AddRouteV6 inserts an IPv6 prefix → target mapping.
func (t *Table) AddRouteV6(prefix [16]byte, prefixLen int, target Target) {
	t.v6.insert(prefix, prefixLen, target)
}

// RemoveRouteV6 removes the exact prefix/length entry, if present.
func (t *Table) RemoveRouteV6(prefix [16]byte, prefixLen int) {
	t.v6.remove(prefix, prefixLen)
}

// LookupV4 returns the longest-prefix match for dst, or ok=false if no
// route covers it (property 8 in spec.md §8).
func (t *Table) LookupV4(dst [4]byte) (Target, bool) {
	return t.v4.lookup(dst)
}

// LookupV6 returns the longest-prefix match for dst, or ok=false.
func (t *Table) LookupV6(dst [16]byte) (Target, bool) {
	return t.v6.lookup(dst)
}
