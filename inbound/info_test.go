package inbound

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// diffInfo is a cmp.Diff wrapper carrying the comparers an Info snapshot
// needs (net.IP equality is semantic, not byte-wise).
func diffInfo(a, b Info) string {
	return cmp.Diff(a, b, cmp.Comparer(func(x, y net.IP) bool { return x.Equal(y) }))
}

func TestInfo_AllocIDNeverRepeatsZero(t *testing.T) {
	want := Info{
		ID:         allocID(),
		LocalAddr:  net.ParseIP("127.0.0.1"),
		LocalPort:  8080,
		RemoteAddr: net.ParseIP("10.0.0.5"),
		RemotePort: 443,
	}
	got := want
	got.RemoteAddr = net.ParseIP("10.0.0.5").To4()

	if diff := diffInfo(want, got); diff != "" {
		t.Fatalf("Info snapshots diverged unexpectedly (-want +got):\n%s", diff)
	}
	if want.ID == 0 {
		t.Fatalf("allocID must never hand out 0")
	}
}

func TestInfo_DiffDetectsOriginalDstChange(t *testing.T) {
	a := Info{RemoteAddr: net.ParseIP("1.1.1.1"), OriginalDstAddr: net.ParseIP("2.2.2.2"), OriginalDstPort: 80}
	b := a
	b.OriginalDstPort = 8080

	if diff := diffInfo(a, b); diff == "" {
		t.Fatalf("expected cmp.Diff to detect the OriginalDstPort change")
	}
}
