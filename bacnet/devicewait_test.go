package bacnet

import "testing"

func TestDeviceWaitTable_SetGetRemove(t *testing.T) {
	table := newDeviceWaitTable()

	w := table.set(42)
	if got, ok := table.get(42); !ok || got != w {
		t.Fatalf("get(42) = %v, %v; want %v, true", got, ok, w)
	}

	// set is idempotent for an in-flight wait.
	if again := table.set(42); again != w {
		t.Fatalf("set(42) returned a new wait while one was already pending")
	}

	table.remove(42)
	if _, ok := table.get(42); ok {
		t.Fatalf("get(42) succeeded after remove")
	}
}

func TestDeviceWait_ResolveIsFirstWins(t *testing.T) {
	w := newDeviceWait(1)

	first := Address{Net: 0, Addr: []byte{192, 0, 2, 1}}
	second := Address{Net: 0, Addr: []byte{192, 0, 2, 2}}

	w.resolve(first)
	w.resolve(second)

	w.mu.Lock()
	addr := w.addr
	resolved := w.resolved
	w.mu.Unlock()

	if !resolved || !addressMatches(addr, first) {
		t.Fatalf("resolve() did not stick with the first address: got %v", addr)
	}

	select {
	case <-w.done:
	default:
		t.Fatal("done channel was not closed")
	}
}

func TestDeviceWaitTable_Drain(t *testing.T) {
	table := newDeviceWaitTable()
	w1 := table.set(1)
	w2 := table.set(2)

	table.drain()

	for _, w := range []*deviceWait{w1, w2} {
		select {
		case <-w.done:
		default:
			t.Fatal("drain left a waiter blocked")
		}
	}

	if _, ok := table.get(1); ok {
		t.Fatal("entries survived drain")
	}
}
