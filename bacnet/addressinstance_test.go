package bacnet

import "testing"

func TestAddressInstanceMap_GetSetRemove(t *testing.T) {
	m := newAddressInstanceMap()

	if _, ok := m.get("192.0.2.1"); ok {
		t.Fatal("get on empty map returned ok=true")
	}

	m.set("192.0.2.1", 42)
	instance, ok := m.get("192.0.2.1")
	if !ok || instance != 42 {
		t.Fatalf("get(192.0.2.1) = %d, %v; want 42, true", instance, ok)
	}

	if !m.remove("192.0.2.1") {
		t.Fatal("remove on present key returned false")
	}
	if m.remove("192.0.2.1") {
		t.Fatal("remove on absent key returned true")
	}
}

func TestAddressInstanceMap_SetOverwrites(t *testing.T) {
	m := newAddressInstanceMap()
	m.set("192.0.2.1", 1)
	m.set("192.0.2.1", 2)

	instance, ok := m.get("192.0.2.1")
	if !ok || instance != 2 {
		t.Fatalf("get(192.0.2.1) = %d, %v; want 2, true", instance, ok)
	}
}
