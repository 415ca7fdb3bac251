package routing

import (
	"testing"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
)

func newRouteEntry(epoch uint32, prefix string, path ...string) Entry {
	return Entry{
		Epoch:  epoch,
		Kind:   EntryNewRoute,
		Prefix: prefix,
		Route:  ccp.Route{Prefix: prefix, Path: path},
	}
}

func withdrawEntry(epoch uint32, prefix string) Entry {
	return Entry{Epoch: epoch, Kind: EntryWithdraw, Prefix: prefix}
}

func TestEpochLog_WindowSelectsHalfOpenRange(t *testing.T) {
	log := NewEpochLog()
	log.Append(newRouteEntry(1, "example.a"))
	log.Append(newRouteEntry(2, "example.b"))
	log.Append(newRouteEntry(3, "example.c"))

	withdrawn, added, ok := log.Window(1, 3)
	if !ok {
		t.Fatal("window should be computable")
	}
	if len(withdrawn) != 0 {
		t.Fatalf("withdrawn = %v", withdrawn)
	}
	if len(added) != 2 || added[0].Prefix != "example.b" || added[1].Prefix != "example.c" {
		t.Fatalf("added = %v", added)
	}
}

func TestEpochLog_WindowLastWriteWins(t *testing.T) {
	log := NewEpochLog()
	log.Append(newRouteEntry(1, "example.a", "example.peer1"))
	log.Append(withdrawEntry(2, "example.a"))
	log.Append(newRouteEntry(3, "example.a", "example.peer2"))
	log.Append(newRouteEntry(4, "example.b"))
	log.Append(withdrawEntry(5, "example.b"))

	withdrawn, added, ok := log.Window(0, 5)
	if !ok {
		t.Fatal("window should be computable")
	}
	if len(withdrawn) != 1 || withdrawn[0] != "example.b" {
		t.Fatalf("withdrawn = %v, want [example.b]", withdrawn)
	}
	if len(added) != 1 || added[0].Prefix != "example.a" {
		t.Fatalf("added = %v, want the final example.a route", added)
	}
	if len(added[0].Route.Path) != 1 || added[0].Route.Path[0] != "example.peer2" {
		t.Fatalf("added route path = %v, want the last written route", added[0].Route.Path)
	}
}

// Applying the computed delta to a view synthesized at the window start
// must land exactly on the view at the window end.
func TestEpochLog_DeltaRoundTrip(t *testing.T) {
	log := NewEpochLog()
	full := []Entry{
		newRouteEntry(1, "example.a"),
		newRouteEntry(2, "example.b"),
		withdrawEntry(3, "example.a"),
		newRouteEntry(4, "example.c"),
		newRouteEntry(5, "example.b", "example.other"),
		withdrawEntry(6, "example.c"),
	}
	for _, e := range full {
		log.Append(e)
	}

	apply := func(view map[string]ccp.Route, withdrawn []string, added []Entry) {
		for _, p := range withdrawn {
			delete(view, p)
		}
		for _, e := range added {
			view[e.Prefix] = e.Route
		}
	}

	// Replay entry by entry to build reference views at each epoch.
	views := make([]map[string]ccp.Route, len(full)+1)
	views[0] = map[string]ccp.Route{}
	for i, e := range full {
		next := make(map[string]ccp.Route, len(views[i]))
		for k, v := range views[i] {
			next[k] = v
		}
		if e.Kind == EntryWithdraw {
			delete(next, e.Prefix)
		} else {
			next[e.Prefix] = e.Route
		}
		views[i+1] = next
	}

	for from := uint32(0); from <= 6; from++ {
		for to := from; to <= 6; to++ {
			got := make(map[string]ccp.Route, len(views[from]))
			for k, v := range views[from] {
				got[k] = v
			}
			withdrawn, added, ok := log.Window(from, to)
			if !ok {
				t.Fatalf("window (%d, %d] should be computable", from, to)
			}
			apply(got, withdrawn, added)

			want := views[to]
			if len(got) != len(want) {
				t.Fatalf("window (%d, %d]: view size %d, want %d", from, to, len(got), len(want))
			}
			for prefix, route := range want {
				g, ok := got[prefix]
				if !ok || !g.Equal(&route) {
					t.Fatalf("window (%d, %d]: prefix %s differs", from, to, prefix)
				}
			}
		}
	}
}

func TestEpochLog_TruncateDropsAcknowledgedEntries(t *testing.T) {
	log := NewEpochLog()
	for epoch := uint32(1); epoch <= 5; epoch++ {
		log.Append(newRouteEntry(epoch, "example.a"))
	}

	log.Truncate(3)
	if log.Len() != 2 {
		t.Fatalf("len = %d, want 2", log.Len())
	}

	// Windows above the truncation point still work.
	if _, added, ok := log.Window(3, 5); !ok || len(added) != 1 {
		t.Fatalf("window (3, 5] after truncation: ok=%v added=%v", ok, added)
	}

	// Windows reaching below it do not.
	if _, _, ok := log.Window(1, 5); ok {
		t.Fatal("window reaching below the truncation point must report not-ok")
	}

	// Truncating backwards is a no-op.
	log.Truncate(1)
	if log.Len() != 2 {
		t.Fatalf("len = %d after backwards truncate, want 2", log.Len())
	}
}
