package routing

import (
	"sync"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
)

type EntryKind uint8

const (
	EntryNewRoute EntryKind = iota
	EntryWithdraw
)

// Entry is one change to the local routing table, indexed by the epoch the
// change produced. PeerID records the account a route points at (the peer a
// learned route came from, the account an own route was built for, 0 for
// the node's own address) so broadcast filtering can apply split horizon.
type Entry struct {
	Epoch  uint32
	Kind   EntryKind
	Prefix string
	PeerID uint64
	Route  ccp.Route
}

// EpochLog is the append-only change log of the local routing table.
// entries[i] holds the change that produced epoch base+i+1; truncation drops
// a prefix of the log once every peer has acknowledged past it.
type EpochLog struct {
	mu      sync.Mutex
	base    uint32
	entries []Entry
}

func NewEpochLog() *EpochLog {
	return &EpochLog{}
}

func (l *EpochLog) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *EpochLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Window computes the net change set for the epoch window (from, to]:
// withdrawals and additions deduplicated by prefix, last write winning.
// ok is false when the window reaches below the truncation point; the caller
// must fall back to a full-table update.
func (l *EpochLog) Window(from, to uint32) (withdrawn []string, added []Entry, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from < l.base {
		return nil, nil, false
	}

	var selected []Entry
	last := make(map[string]int)
	for _, e := range l.entries {
		if e.Epoch > from && e.Epoch <= to {
			last[e.Prefix] = len(selected)
			selected = append(selected, e)
		}
	}

	for i, e := range selected {
		if last[e.Prefix] != i {
			continue
		}
		if e.Kind == EntryWithdraw {
			withdrawn = append(withdrawn, e.Prefix)
		} else {
			added = append(added, e)
		}
	}
	return withdrawn, added, true
}

// Truncate drops entries at or below epoch. The caller is responsible for
// only truncating below every peer's last acknowledged epoch.
func (l *EpochLog) Truncate(epoch uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if epoch <= l.base {
		return
	}
	drop := int(epoch - l.base)
	if drop > len(l.entries) {
		drop = len(l.entries)
	}
	l.entries = append([]Entry(nil), l.entries[drop:]...)
	l.base += uint32(drop)
}
