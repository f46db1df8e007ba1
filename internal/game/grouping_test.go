package game

import "testing"

func TestGroupSymmetric(t *testing.T) {
	var g GroupingService
	store := NewStore()
	a := testPlayer("a", 10, 10, 20, 0)
	b := testPlayer("b", 30, 10, 20, 1)
	store.Put(a)
	store.Put(b)

	sa, sb := Simplify(a), Simplify(b)
	if !g.Group(store, a.EntityKey(), b.EntityKey(), sa, sb) {
		t.Fatal("Group returned false")
	}
	if a.Group["b"] != sb || b.Group["a"] != sa {
		t.Errorf("asymmetric group: a=%v b=%v", a.Group, b.Group)
	}

	g.Ungroup(store, a.EntityKey(), b.EntityKey())
	if a.Group != nil || b.Group != nil {
		t.Errorf("ungroup left %v %v", a.Group, b.Group)
	}

	if g.Group(store, a.EntityKey(), Key{Type: TypePlayer, ID: "missing"}, sa, sb) {
		t.Error("grouped with a missing entity")
	}
}

func TestClearGroups(t *testing.T) {
	var g GroupingService
	store := NewStore()
	a := testPlayer("a", 10, 10, 20, 0)
	b := testPlayer("b", 30, 10, 20, 0)
	store.Put(a)
	store.Put(b)
	g.Group(store, a.EntityKey(), b.EntityKey(), Simplify(a), Simplify(b))

	g.Clear(store)
	if a.Group != nil || b.Group != nil {
		t.Errorf("Clear left %v %v", a.Group, b.Group)
	}
}

func TestCollectGroups(t *testing.T) {
	var g GroupingService
	store := NewStore()
	b := testPlayer("b", 1010, 500, 20, 1)
	b.TargetCell = 1
	a := testPlayer("a", 990, 500, 20, 0)
	store.Put(a)
	store.Put(b)
	g.Group(store, a.EntityKey(), b.EntityKey(),
		SimpleState{Type: TypePlayer, X: 980, Y: 500},
		SimpleState{Type: TypePlayer, X: 1020, Y: 500},
	)

	groups := g.Collect(store)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	grp := groups[0]
	if grp.ID != "a,b" || grp.Leader != "a" || grp.Cell != 0 {
		t.Errorf("group = %+v", grp)
	}
	if grp.X != 1000 || grp.Y != 500 {
		t.Errorf("center = %v,%v", grp.X, grp.Y)
	}
	if len(grp.Members) != 2 || grp.Members[0].X != 980 || grp.Members[1].X != 1020 {
		t.Errorf("members = %+v %+v", grp.Members[0], grp.Members[1])
	}
	if a.X != 990 {
		t.Error("Collect mutated the stored entity")
	}
}

// TestCollectSkipsIncompleteGroup tests that a group whose member is not in
// the store is not broadcast.
func TestCollectSkipsIncompleteGroup(t *testing.T) {
	var g GroupingService
	store := NewStore()
	a := testPlayer("a", 990, 500, 20, 0)
	a.Group = map[string]SimpleState{"z": {Type: TypePlayer, X: 1, Y: 1}}
	store.Put(a)

	if groups := g.Collect(store); len(groups) != 0 {
		t.Errorf("groups = %+v", groups)
	}
}
