package bacnet

import (
	"errors"
	"testing"
)

func TestTransactionTable_InsertLookupRemove(t *testing.T) {
	table := newTransactionTable(0)

	req := newPendingRequest(7, nil)
	if err := table.insert(req); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := table.lookup(7)
	if !ok || got != req {
		t.Fatalf("lookup(7) = %v, %v; want %v, true", got, ok, req)
	}

	table.remove(req)
	if _, ok := table.lookup(7); ok {
		t.Fatalf("lookup(7) succeeded after remove")
	}
}

func TestTransactionTable_BoundedAdmission(t *testing.T) {
	table := newTransactionTable(2)

	for i := uint8(1); i <= 2; i++ {
		if err := table.insert(newPendingRequest(i, nil)); err != nil {
			t.Fatalf("insert(%d): %v", i, err)
		}
	}

	err := table.insert(newPendingRequest(3, nil))
	var resErr *ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("insert over bound = %v, want *ResourceError", err)
	}
}

func TestTransactionTable_BroadcastEntriesCoexist(t *testing.T) {
	table := newTransactionTable(1)

	a := newPendingRequest(NoInvokeID, nil)
	b := newPendingRequest(NoInvokeID, nil)

	if err := table.insert(a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := table.insert(b); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	if table.len() != 2 {
		t.Fatalf("len() = %d, want 2", table.len())
	}

	table.remove(a)
	if table.len() != 1 {
		t.Fatalf("len() after removing a = %d, want 1", table.len())
	}
}

func TestPendingRequest_FirstWins(t *testing.T) {
	req := newPendingRequest(1, nil)

	first := &APDU{Type: PDUTypeComplexAck}
	req.complete(requestResponded, first, nil)
	req.complete(requestErrored, nil, ErrTimeout) // must be a no-op

	state, result, err := req.snapshot()
	if state != requestResponded || result != first || err != nil {
		t.Fatalf("snapshot() = %v, %v, %v; want requestResponded, %v, nil", state, result, err, first)
	}

	select {
	case <-req.done:
	default:
		t.Fatal("done channel was not closed")
	}
}
