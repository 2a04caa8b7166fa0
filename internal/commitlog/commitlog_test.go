package commitlog

import (
	"testing"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

func TestRingCapacityAndOrder(t *testing.T) {
	l := New(2)
	l.Add("demo", orchestration.CommitRecord{SHA: "a"})
	l.Add("demo", orchestration.CommitRecord{SHA: "b"})
	l.Add("demo", orchestration.CommitRecord{SHA: "c"})

	recent := l.ListRecent("demo", 2)
	if len(recent) != 2 || recent[0].SHA != "c" || recent[1].SHA != "b" {
		t.Fatalf("expected [c b], got %+v", recent)
	}
}

func TestListRecentUnknownProject(t *testing.T) {
	l := New(10)
	if got := l.ListRecent("missing", 5); len(got) != 0 {
		t.Fatalf("expected empty slice, got %+v", got)
	}
}
