package relay

import (
	"testing"
	"time"
)

func TestRedirectAddRefreshesExistingEntry(t *testing.T) {
	l := NewRedirectList()
	l.Add("/stream", "peer1.example", 8000, time.Minute)
	l.Add("/stream", "peer1.example", 8000, time.Minute)

	if l.Len() != 1 {
		t.Fatalf("expected duplicate Add to refresh in place, got %d entries", l.Len())
	}
}

func TestRedirectFindSlaveReturnsFreshEntry(t *testing.T) {
	l := NewRedirectList()
	l.Add("/stream", "peer1.example", 8000, time.Minute)

	entry, ok := l.FindSlave("/stream")
	if !ok {
		t.Fatalf("expected a redirect target")
	}
	if entry.Host != "peer1.example" || entry.Port != 8000 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestRedirectGCRemovesStaleEntries(t *testing.T) {
	l := NewRedirectList()
	l.Add("/stream", "peer1.example", 8000, -redirectStaleAfter-time.Second)

	l.GC()

	if l.Len() != 0 {
		t.Fatalf("expected stale entry to be collected, got %d", l.Len())
	}
}

func TestRedirectFindSlaveMissingMountReturnsFalse(t *testing.T) {
	l := NewRedirectList()
	if _, ok := l.FindSlave("/nope"); ok {
		t.Fatalf("expected no entry for unknown mount")
	}
}
