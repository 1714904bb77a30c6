package id

import "testing"

func TestObjectIDEncodesOwner(t *testing.T) {
	task := NewTaskID()
	obj := ObjectIDFromIndex(task, 3)

	if got := obj.OwnerTaskID(); got != task {
		t.Fatalf("OwnerTaskID() = %x, want %x", got, task)
	}
	if got := obj.ReturnIndex(); got != 3 {
		t.Fatalf("ReturnIndex() = %d, want 3", got)
	}
}

func TestObjectIDDistinctByIndex(t *testing.T) {
	task := NewTaskID()
	a := ObjectIDFromIndex(task, 0)
	b := ObjectIDFromIndex(task, 1)
	if a == b {
		t.Fatalf("expected distinct object ids for distinct return indices")
	}
}

func TestDummyReturnIndex(t *testing.T) {
	task := NewTaskID()
	dummy := ObjectIDFromIndex(task, DummyReturnIndex)
	if dummy.ReturnIndex() != DummyReturnIndex {
		t.Fatalf("dummy return index not preserved")
	}
}

func TestParseActorIDRoundTrips(t *testing.T) {
	actorID := NewActorID()
	parsed, err := ParseActorID(actorID.String())
	if err != nil {
		t.Fatalf("ParseActorID: %v", err)
	}
	if parsed != actorID {
		t.Fatalf("ParseActorID(%s) = %s, want the original id", actorID, parsed)
	}
}

func TestParseActorIDRejectsWrongWidth(t *testing.T) {
	if _, err := ParseActorID("ab"); err == nil {
		t.Fatalf("expected an error decoding a too-short hex string")
	}
}

func TestParseActorIDRejectsNonHex(t *testing.T) {
	if _, err := ParseActorID("not-hex!!"); err == nil {
		t.Fatalf("expected an error decoding a non-hex string")
	}
}

func TestRandomIDsAreUnique(t *testing.T) {
	seen := map[NodeID]bool{}
	for i := 0; i < 100; i++ {
		n := NewNodeID()
		if seen[n] {
			t.Fatalf("collision generating random node ids")
		}
		seen[n] = true
	}
}
