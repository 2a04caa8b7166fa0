package pending

import (
	"context"
	"testing"
)

func TestRespondDeliversValue(t *testing.T) {
	tbl := NewTable[string]()
	await := tbl.Insert(context.Background(), Request[string]{ID: "req-1", Project: "demo"})

	go func() {
		if err := tbl.Respond("req-1", "ok"); err != nil {
			t.Errorf("respond: %v", err)
		}
	}()

	got, err := await()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q", got)
	}
}

func TestRespondUnknownID(t *testing.T) {
	tbl := NewTable[string]()
	if err := tbl.Respond("missing", "x"); err != ErrUnknown {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
}

func TestCancelForProject(t *testing.T) {
	tbl := NewTable[string]()
	await := tbl.Insert(context.Background(), Request[string]{ID: "req-1", Project: "demo"})
	tbl.CancelForProject("demo")

	_, err := await()
	if err != ErrCanceled {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}

func TestListSortedByRequestedAt(t *testing.T) {
	tbl := NewTable[string]()
	_ = tbl.Insert(context.Background(), Request[string]{ID: "b", RequestedAtMs: 2})
	_ = tbl.Insert(context.Background(), Request[string]{ID: "a", RequestedAtMs: 1})

	list := tbl.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", list)
	}
}
