package netsuper

import (
	"net"
	"testing"

	"github.com/reactornet/reactornet/internal/reactorreg"
	"github.com/reactornet/reactornet/internal/routetable"
)

func TestTableHandleCreateAddLookupRemove(t *testing.T) {
	h := newTableHandle(routetable.New("default", "default"))

	_, prefix, _ := net.ParseCIDR("10.0.0.0/24")
	target := routetable.Target{Kind: routetable.TargetReactor, ReactorID: reactorreg.NewID()}

	if err := h.AddRoute("default", prefix, target); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	got, ok := h.tables["default"].LookupV4([4]byte{10, 0, 0, 5})
	if !ok || got.ReactorID != target.ReactorID {
		t.Fatalf("lookup after AddRoute = %+v, %v; want target present", got, ok)
	}

	if err := h.RemoveRoute("default", prefix); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}
	if _, ok := h.tables["default"].LookupV4([4]byte{10, 0, 0, 5}); ok {
		t.Errorf("route still present after RemoveRoute")
	}
}

func TestTableHandleSetDefaultTableUnknown(t *testing.T) {
	h := newTableHandle(routetable.New("default", "default"))
	if err := h.SetDefaultTable("nope"); err == nil {
		t.Errorf("SetDefaultTable on unknown id should error")
	}
}

func TestTableHandleCreateTableAndSwitch(t *testing.T) {
	h := newTableHandle(routetable.New("default", "default"))
	h.CreateTable("alt", "alt")

	var applied *routetable.Table
	h.onDefault = func(t *routetable.Table) { applied = t }

	if err := h.SetDefaultTable("alt"); err != nil {
		t.Fatalf("SetDefaultTable: %v", err)
	}
	if applied == nil || applied.ID != "alt" {
		t.Errorf("onDefault callback received %+v, want table \"alt\"", applied)
	}
}
