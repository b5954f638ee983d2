package routetable

import (
	"testing"

	"github.com/reactornet/reactornet/internal/reactorreg"
)

func TestLPMCorrectnessV4(t *testing.T) {
	tbl := New("default", "test")

	idA := reactorreg.NewID()
	idB := reactorreg.NewID()

	tbl.AddRouteV4([4]byte{10, 0, 0, 0}, 8, Target{Kind: TargetReactor, ReactorID: idA})
	tbl.AddRouteV4([4]byte{10, 50, 0, 0}, 16, Target{Kind: TargetReactor, ReactorID: idB})
	tbl.AddRouteV4([4]byte{0, 0, 0, 0}, 0, Target{Kind: TargetDrop})

	cases := []struct {
		dst  [4]byte
		want reactorreg.ID
		drop bool
	}{
		{[4]byte{10, 50, 0, 20}, idB, false}, // longest match: /16
		{[4]byte{10, 1, 0, 1}, idA, false},   // only /8 matches
		{[4]byte{192, 168, 1, 1}, reactorreg.ID{}, true}, // falls to default /0 drop
	}

	for _, c := range cases {
		target, ok := tbl.LookupV4(c.dst)
		if !ok {
			t.Fatalf("lookup(%v): no route found, want a match", c.dst)
		}
		if c.drop {
			if target.Kind != TargetDrop {
				t.Errorf("lookup(%v) = %+v, want Drop", c.dst, target)
			}
			continue
		}
		if target.Kind != TargetReactor || target.ReactorID != c.want {
			t.Errorf("lookup(%v) = %+v, want reactor %v", c.dst, target, c.want)
		}
	}
}

func TestLPMNoMatch(t *testing.T) {
	tbl := New("default", "test")
	tbl.AddRouteV4([4]byte{10, 0, 0, 0}, 8, Target{Kind: TargetDrop})

	if _, ok := tbl.LookupV4([4]byte{192, 168, 1, 1}); ok {
		t.Fatalf("expected no match for address outside any configured prefix")
	}
}

func TestLPMCorrectnessV6(t *testing.T) {
	tbl := New("default", "test")
	id := reactorreg.NewID()

	var prefix [16]byte
	prefix[0] = 0xfe
	prefix[1] = 0x80
	tbl.AddRouteV6(prefix, 10, Target{Kind: TargetReactor, ReactorID: id})

	var dst [16]byte
	dst[0] = 0xfe
	dst[1] = 0x80
	dst[15] = 1

	target, ok := tbl.LookupV6(dst)
	if !ok || target.Kind != TargetReactor || target.ReactorID != id {
		t.Fatalf("lookup(%v) = %+v, ok=%v, want reactor %v", dst, target, ok, id)
	}
}

func TestRemoveRoute(t *testing.T) {
	tbl := New("default", "test")
	tbl.AddRouteV4([4]byte{10, 0, 0, 1}, 32, Target{Kind: TargetDrop})
	tbl.RemoveRouteV4([4]byte{10, 0, 0, 1}, 32)

	if _, ok := tbl.LookupV4([4]byte{10, 0, 0, 1}); ok {
		t.Fatalf("expected no match after removing the only route")
	}
}
