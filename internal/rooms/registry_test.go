package rooms

import (
	"reflect"
	"testing"
)

func TestRegistry_JoinLeaveRoundTrip(t *testing.T) {
	r := NewRegistry()

	res := r.Join("ROOM1", "A")
	if !res.First {
		t.Fatalf("expected A to be the first member")
	}
	if !reflect.DeepEqual(res.Members, []string{"A"}) {
		t.Fatalf("members = %v, want [A]", res.Members)
	}

	res = r.Join("ROOM1", "B")
	if res.First {
		t.Fatalf("B must not be first")
	}
	if !reflect.DeepEqual(res.Members, []string{"A", "B"}) {
		t.Fatalf("members = %v, want [A B]", res.Members)
	}

	remaining, left := r.Leave("ROOM1", "B")
	if !left {
		t.Fatalf("expected B to have left")
	}
	if !reflect.DeepEqual(remaining, []string{"A"}) {
		t.Fatalf("remaining = %v, want [A]", remaining)
	}

	if _, left := r.Leave("ROOM1", "A"); !left {
		t.Fatalf("expected A to have left")
	}
	if r.RoomCount() != 0 {
		t.Fatalf("room should be deleted when empty, have %d rooms", r.RoomCount())
	}
	if got := r.Members("ROOM1"); got != nil {
		t.Fatalf("Members of deleted room = %v, want nil", got)
	}
}

func TestRegistry_LeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Join("ROOM1", "A")

	if _, left := r.Leave("ROOM1", "B"); left {
		t.Fatalf("leaving a room B never joined must be a no-op")
	}
	if _, left := r.Leave("OTHER", "A"); left {
		t.Fatalf("leaving the wrong room must be a no-op")
	}
	if got := r.Members("ROOM1"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("members = %v, want [A]", got)
	}
}

func TestRegistry_RejoinSameRoomDoesNotDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Join("ROOM1", "A")

	res := r.Join("ROOM1", "A")
	if !res.Rejoined {
		t.Fatalf("expected Rejoined for same-room join")
	}
	if !reflect.DeepEqual(res.Members, []string{"A"}) {
		t.Fatalf("members = %v, want [A]", res.Members)
	}
}

func TestRegistry_JoinSwitchesRooms(t *testing.T) {
	r := NewRegistry()
	r.Join("ROOM1", "A")
	r.Join("ROOM1", "B")

	res := r.Join("ROOM2", "B")
	if res.PreviousRoom != "ROOM1" {
		t.Fatalf("PreviousRoom = %q, want ROOM1", res.PreviousRoom)
	}
	if !reflect.DeepEqual(res.PreviousMembers, []string{"A"}) {
		t.Fatalf("PreviousMembers = %v, want [A]", res.PreviousMembers)
	}
	if !res.First {
		t.Fatalf("B should be first in ROOM2")
	}

	if room, _ := r.RoomOf("B"); room != "ROOM2" {
		t.Fatalf("RoomOf(B) = %q, want ROOM2", room)
	}
	if got := r.Members("ROOM1"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("ROOM1 members = %v, want [A]", got)
	}
}

func TestRegistry_SwitchOutOfSingletonRoomDeletesIt(t *testing.T) {
	r := NewRegistry()
	r.Join("ROOM1", "A")

	res := r.Join("ROOM2", "A")
	if res.PreviousRoom != "ROOM1" {
		t.Fatalf("PreviousRoom = %q, want ROOM1", res.PreviousRoom)
	}
	if len(res.PreviousMembers) != 0 {
		t.Fatalf("PreviousMembers = %v, want empty", res.PreviousMembers)
	}
	if r.RoomCount() != 1 {
		t.Fatalf("RoomCount = %d, want 1", r.RoomCount())
	}
}

func TestRegistry_RemoveUser(t *testing.T) {
	r := NewRegistry()
	r.Join("ROOM1", "A")
	r.Join("ROOM1", "B")

	room, remaining, ok := r.RemoveUser("A")
	if !ok || room != "ROOM1" {
		t.Fatalf("RemoveUser(A) = %q, %v", room, ok)
	}
	if !reflect.DeepEqual(remaining, []string{"B"}) {
		t.Fatalf("remaining = %v, want [B]", remaining)
	}

	if _, _, ok := r.RemoveUser("A"); ok {
		t.Fatalf("second RemoveUser must report not found")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Join("ROOM1", "B")
	r.Join("ROOM1", "A")
	r.Join("ROOM2", "C")

	got := r.Snapshot()
	want := map[string][]string{
		"ROOM1": {"A", "B"},
		"ROOM2": {"C"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}

	// Mutating the snapshot must not affect the registry.
	got["ROOM1"] = nil
	if r.RoomCount() != 2 {
		t.Fatalf("registry mutated through snapshot")
	}
}
