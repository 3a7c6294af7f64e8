package bacnet

import "testing"

func TestAddressEntryTable_SetIsIdempotent(t *testing.T) {
	table := newAddressEntryTable()

	addr := Address{Net: 0, Addr: []byte{10, 0, 0, 1}}

	e := table.set(1, addr, 1476)
	if e == nil {
		t.Fatal("first set returned nil")
	}

	// Same device-id, different address: still a duplicate by device-id.
	if dup := table.set(1, Address{Net: 0, Addr: []byte{10, 0, 0, 2}}, 1476); dup != nil {
		t.Fatalf("set with duplicate device-id returned %v, want nil", dup)
	}

	// Different device-id, same address: duplicate by address.
	if dup := table.set(2, addr, 1476); dup != nil {
		t.Fatalf("set with duplicate address returned %v, want nil", dup)
	}

	if got, ok := table.get(1); !ok || !addressMatches(got.address, addr) {
		t.Fatalf("get(1) = %v, %v; want the original entry", got, ok)
	}
}

func TestAddressEntryTable_PopMostRecent(t *testing.T) {
	table := newAddressEntryTable()

	table.set(1, Address{Addr: []byte{10, 0, 0, 1}}, 1476)
	table.set(2, Address{Addr: []byte{10, 0, 0, 2}}, 1476)
	table.set(3, Address{Addr: []byte{10, 0, 0, 3}}, 1476)

	e, ok := table.pop()
	if !ok || e.deviceID != 3 {
		t.Fatalf("pop() = %v, %v; want device 3", e, ok)
	}

	if _, ok := table.get(3); ok {
		t.Fatal("popped entry still present in get()")
	}

	e, ok = table.pop()
	if !ok || e.deviceID != 2 {
		t.Fatalf("second pop() = %v, %v; want device 2", e, ok)
	}
}

func TestAddressEntryTable_Remove(t *testing.T) {
	table := newAddressEntryTable()
	table.set(1, Address{Addr: []byte{10, 0, 0, 1}}, 1476)
	table.set(2, Address{Addr: []byte{10, 0, 0, 2}}, 1476)

	table.remove(1)

	if _, ok := table.get(1); ok {
		t.Fatal("entry survived remove")
	}

	e, ok := table.pop()
	if !ok || e.deviceID != 2 {
		t.Fatalf("pop() after remove = %v, %v; want device 2", e, ok)
	}
}

func TestAddressMatches(t *testing.T) {
	a := Address{Net: 1, Addr: []byte{10, 0, 0, 1}}
	b := Address{Net: 1, Addr: []byte{10, 0, 0, 1}}
	c := Address{Net: 2, Addr: []byte{10, 0, 0, 1}}

	if !addressMatches(a, b) {
		t.Fatal("identical addresses did not match")
	}
	if addressMatches(a, c) {
		t.Fatal("addresses with different network numbers matched")
	}
}
