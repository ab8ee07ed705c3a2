package room

import (
	"sort"
	"testing"
)

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()

	first := r.Join("conv-1", "c1")
	if !first {
		t.Error("expected first join to report first member")
	}
	again := r.Join("conv-1", "c1")
	if again {
		t.Error("re-join must not report first member")
	}

	if got := len(r.Members("conv-1")); got != 1 {
		t.Errorf("expected 1 member after duplicate join, got %d", got)
	}
}

func TestLeaveReportsEmptyRoom(t *testing.T) {
	r := NewRegistry()
	r.Join("conv-1", "c1")
	r.Join("conv-1", "c2")

	if empty := r.Leave("conv-1", "c1"); empty {
		t.Error("room still has a member, must not report empty")
	}
	if empty := r.Leave("conv-1", "c2"); !empty {
		t.Error("expected empty room after last member left")
	}
	if r.Count() != 0 {
		t.Errorf("expected 0 rooms, got %d", r.Count())
	}
}

func TestLeaveUnknownIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Join("conv-1", "c1")

	if empty := r.Leave("conv-1", "c2"); empty {
		t.Error("leaving a room never joined must not report empty")
	}
	if empty := r.Leave("conv-9", "c1"); empty {
		t.Error("leaving an unknown room must not report empty")
	}
	if !r.Contains("conv-1", "c1") {
		t.Error("unrelated leave must not evict existing member")
	}
}

func TestDropConnLeavesAllRooms(t *testing.T) {
	r := NewRegistry()
	r.Join("conv-1", "c1")
	r.Join("conv-2", "c1")
	r.Join("conv-2", "c2")
	r.Join("user:u1", "c1")

	emptied := r.DropConn("c1")
	sort.Strings(emptied)

	// conv-2 still has c2; conv-1 and user:u1 are now empty.
	want := []string{"conv-1", "user:u1"}
	if len(emptied) != len(want) {
		t.Fatalf("expected emptied rooms %v, got %v", want, emptied)
	}
	for i := range want {
		if emptied[i] != want[i] {
			t.Fatalf("expected emptied rooms %v, got %v", want, emptied)
		}
	}

	if len(r.Rooms("c1")) != 0 {
		t.Error("dropped connection must not retain room membership")
	}
	if !r.Contains("conv-2", "c2") {
		t.Error("other members must survive DropConn")
	}
}

func TestMembersAndContains(t *testing.T) {
	r := NewRegistry()
	r.Join("conv-1", "c1")
	r.Join("conv-1", "c2")

	members := r.Members("conv-1")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Errorf("unexpected members: %v", members)
	}

	if !r.Contains("conv-1", "c1") {
		t.Error("expected c1 in conv-1")
	}
	if r.Contains("conv-1", "c3") {
		t.Error("did not expect c3 in conv-1")
	}
	if got := r.Members("conv-missing"); len(got) != 0 {
		t.Errorf("expected no members for unknown room, got %v", got)
	}
}
