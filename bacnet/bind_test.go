package bacnet

import (
	"context"
	"errors"
	"testing"
)

func TestFindAndBind_HitInAddressEntryTable(t *testing.T) {
	c := testClient(t)

	want := Address{Net: 0, Addr: []byte{10, 1, 2, 3}}
	c.addrEntries.set(77, want, 1476)

	got, err := c.findAndBind(context.Background(), 77)
	if err != nil {
		t.Fatalf("findAndBind: %v", err)
	}
	if !addressMatches(got, want) {
		t.Fatalf("findAndBind returned %v, want %v", got, want)
	}
}

// A miss with the client not yet connected must surface the transport
// error rather than block on a Who-Is that can never be sent.
func TestFindAndBind_MissPropagatesSendError(t *testing.T) {
	c := testClient(t)

	_, err := c.findAndBind(context.Background(), 99)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("findAndBind error = %v, want ErrNotConnected", err)
	}

	// The in-flight wait must be cleaned up even on the error path.
	if _, ok := c.deviceWaits.get(99); ok {
		t.Fatal("device-wait record leaked after findAndBind error")
	}
}

func TestResolveInstanceForAddress_CacheHit(t *testing.T) {
	c := testClient(t)
	c.addrInstances.set("192.0.2.5", 55)

	instance, err := c.ResolveInstanceForAddress(context.Background(), "192.0.2.5")
	if err != nil {
		t.Fatalf("ResolveInstanceForAddress: %v", err)
	}
	if instance != 55 {
		t.Fatalf("instance = %d, want 55", instance)
	}
}

func TestResolveInstanceForAddress_MissPropagatesSendError(t *testing.T) {
	c := testClient(t)

	_, err := c.ResolveInstanceForAddress(context.Background(), "192.0.2.6")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ResolveInstanceForAddress error = %v, want ErrNotConnected", err)
	}
}
