package probeid

import "testing"

// Property law: for every (type, id) with type <= 63 and 1 <= id <=
// 2^26-1, unpack(pack(type,id)) == (type,id).
func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		typeTag uint8
		id      uint32
	}{
		{0, 1},
		{63, 1},
		{1, MaxID},
		{63, MaxID},
		{32, 1 << 20},
		{7, 42},
	}

	for _, c := range cases {
		if err := Validate(c.typeTag, c.id); err != nil {
			t.Fatalf("Validate(%d,%d) = %v, want nil", c.typeTag, c.id, err)
		}
		packed := Pack(c.typeTag, c.id)
		gotType, gotID := Unpack(packed)
		if gotType != c.typeTag || gotID != c.id {
			t.Errorf("Unpack(Pack(%d,%d)) = (%d,%d), want (%d,%d)",
				c.typeTag, c.id, gotType, gotID, c.typeTag, c.id)
		}
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	if err := Validate(64, 1); err == nil {
		t.Error("Validate(64, 1) = nil, want error (type tag > 63)")
	}
	if err := Validate(0, 0); err == nil {
		t.Error("Validate(0, 0) = nil, want error (id 0 reserved)")
	}
	if err := Validate(0, MaxID+1); err == nil {
		t.Error("Validate(0, MaxID+1) = nil, want error")
	}
}

func TestMarkersDoNotCollideWithPackedIDs(t *testing.T) {
	// Every legal packed ID has id >= 1; markers encode id == 0, so no
	// legal (type, id) pair can ever produce NewMethod or BranchExit.
	for typeTag := uint8(0); typeTag <= MaxType; typeTag++ {
		packed := Pack(typeTag, 1)
		if packed == NewMethod || packed == BranchExit {
			t.Fatalf("Pack(%d, 1) = 0x%X collided with a reserved marker", typeTag, packed)
		}
	}
	if IsMarker(Pack(5, 100)) {
		t.Error("IsMarker reported a real packed ID as a marker")
	}
	if !IsMarker(NewMethod) || !IsMarker(BranchExit) {
		t.Error("IsMarker failed to recognize the reserved markers")
	}
}

func TestHashIndexLazyMonotonicAssignment(t *testing.T) {
	h := NewHashIndex()

	a := h.IndexFor("Foo.bar()V", 3)
	b := h.IndexFor("Foo.bar()V", 3)
	if a != b {
		t.Fatalf("IndexFor not idempotent for same key: %d != %d", a, b)
	}

	c := h.IndexFor("Foo.bar()V", 4)
	if c == a {
		t.Fatalf("IndexFor returned same index for distinct keys")
	}

	d := h.IndexFor("Other.baz()V", 3)
	if d == a || d == c {
		t.Fatalf("IndexFor collided across distinct signatures")
	}

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
}
