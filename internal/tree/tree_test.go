package tree

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

func id(b byte) meshid.ID { return meshid.ID{b} }

func chainTree() *Tree {
	// A (root) -> B -> C
	tr := New(id(1))
	tr.AddChild(id(1), id(2))
	tr.AddChild(id(2), id(3))
	return tr
}

func TestSearch(t *testing.T) {
	tr := chainTree()
	n, ok := tr.Search(id(2))
	if !ok || n.Parent != id(1) || !n.HasParent {
		t.Errorf("Search(B) = %+v, %v", n, ok)
	}
	if _, ok := tr.Search(id(99)); ok {
		t.Error("Search should fail for an absent id")
	}
}

func TestAddChildRejectsDuplicateAndUnknownParent(t *testing.T) {
	tr := chainTree()
	if err := tr.AddChild(id(9), id(10)); err == nil {
		t.Error("AddChild should fail for an unknown parent")
	}
	if err := tr.AddChild(id(1), id(3)); err == nil {
		t.Error("AddChild should fail when the new id already exists in the tree")
	}
}

func TestDescendantsPreorderExcludesSelf(t *testing.T) {
	tr := chainTree()
	got := tr.Descendants(id(1))
	want := []meshid.ID{id(2), id(3)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Descendants(root) = %v, want %v", got, want)
	}
	if got := tr.Descendants(id(3)); len(got) != 0 {
		t.Errorf("Descendants(leaf) = %v, want empty", got)
	}
}

func TestRoutesMapsDescendantsToImmediateChild(t *testing.T) {
	tr := New(id(1))
	tr.AddChild(id(1), id(2))
	tr.AddChild(id(1), id(3))
	tr.AddChild(id(2), id(4))

	routes := tr.Routes(id(1))
	want := map[meshid.ID]meshid.ID{
		id(2): id(2),
		id(3): id(3),
		id(4): id(2),
	}
	if !reflect.DeepEqual(routes, want) {
		t.Errorf("Routes(root) = %v, want %v", routes, want)
	}
}

func TestDelChildRemovesWholeSubtree(t *testing.T) {
	tr := New(id(1))
	tr.AddChild(id(1), id(2))
	tr.AddChild(id(2), id(3))
	tr.AddChild(id(1), id(4))

	if err := tr.DelChild(id(1), id(2)); err != nil {
		t.Fatalf("DelChild error = %v", err)
	}
	if tr.Contains(id(2)) || tr.Contains(id(3)) {
		t.Error("DelChild should remove the detached node and its whole subtree")
	}
	if !tr.Contains(id(4)) {
		t.Error("DelChild must not disturb siblings")
	}
}

func TestDelNodeRejectsRoot(t *testing.T) {
	tr := New(id(1))
	if err := tr.DelNode(id(1)); err == nil {
		t.Error("DelNode should refuse to delete the root")
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tr := New(id(1))
	tr.AddChild(id(1), id(2))
	tr.AddChild(id(1), id(3))
	tr.AddChild(id(2), id(4))

	packed := tr.Pack()
	raw, err := json.Marshal(packed)
	if err != nil {
		t.Fatalf("json.Marshal error = %v", err)
	}
	var roundTripped Packed
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("json.Unmarshal error = %v", err)
	}
	rebuilt := Unpack(roundTripped)

	want := allIDs(tr)
	got := allIDs(rebuilt)
	sort.Slice(want, func(i, j int) bool { return want[i].String() < want[j].String() })
	sort.Slice(got, func(i, j int) bool { return got[i].String() < got[j].String() })
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unpack(Pack()) node set = %v, want %v", got, want)
	}
	if rebuilt.Root() != tr.Root() {
		t.Errorf("Unpack(Pack()) root = %v, want %v", rebuilt.Root(), tr.Root())
	}
	gotRoutes := rebuilt.Routes(rebuilt.Root())
	wantRoutes := tr.Routes(tr.Root())
	if !reflect.DeepEqual(gotRoutes, wantRoutes) {
		t.Errorf("Unpack(Pack()) routes = %v, want %v", gotRoutes, wantRoutes)
	}
}

func allIDs(tr *Tree) []meshid.ID {
	out := []meshid.ID{tr.Root()}
	out = append(out, tr.Descendants(tr.Root())...)
	return out
}
