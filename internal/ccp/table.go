package ccp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// TableID identifies a routing table. A node generates a fresh random id on
// every start, so a changed id signals a peer restart.
type TableID [16]byte

func (id TableID) String() string {
	return hex.EncodeToString(id[:])
}

// NewTableID draws a table id from the system CSPRNG. A predictable id would
// undermine the restart-detection the identity reset is built on.
func NewTableID() (TableID, error) {
	var id TableID
	if _, err := rand.Read(id[:]); err != nil {
		return TableID{}, fmt.Errorf("generating routing table id: %w", err)
	}
	return id, nil
}

// GapError reports a peer sending an update window that starts past our
// recorded epoch for its table. The peer must resend from our epoch or
// earlier; the caller recovers by requesting a full sync.
type GapError struct {
	TableID  TableID
	Expected uint32
	Got      uint32
}

func (e *GapError) Error() string {
	return fmt.Sprintf("Gap in routing table %s. Expected epoch: %d, got from_epoch: %d",
		e.TableID, e.Expected, e.Got)
}

// TableEntry is one learned route together with the peer it came from.
type TableEntry struct {
	PeerID uint64
	Route  Route
}

// RoutingTable is a versioned prefix table identified by (id, epoch). Every
// applied mutation moves the epoch forward; peers compare epochs to decide
// whether they are in sync.
type RoutingTable struct {
	mu     sync.RWMutex
	id     TableID
	epoch  uint32
	routes *PrefixMap[TableEntry]
}

func NewRoutingTable(id TableID) *RoutingTable {
	return &RoutingTable{
		id:     id,
		routes: NewPrefixMap[TableEntry](),
	}
}

// NewRoutingTableRandom creates a table under a fresh random id, for the
// local table and for peer tables whose id is not yet known.
func NewRoutingTableRandom() (*RoutingTable, error) {
	id, err := NewTableID()
	if err != nil {
		return nil, err
	}
	return NewRoutingTable(id), nil
}

func (t *RoutingTable) ID() TableID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

func (t *RoutingTable) Epoch() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// IncrementEpoch bumps the epoch and returns the new value.
func (t *RoutingTable) IncrementEpoch() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	return t.epoch
}

// SetRoute stores a route for its prefix, overwriting any previous entry.
func (t *RoutingTable) SetRoute(peerID uint64, route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes.Remove(route.Prefix)
	t.routes.Insert(route.Prefix, TableEntry{PeerID: peerID, Route: route})
}

// DeleteRoute removes the route for the given prefix. Returns true if a
// route existed.
func (t *RoutingTable) DeleteRoute(prefix string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes.Remove(prefix)
}

// AddRoute stores a route, returning true iff its prefix was absent before.
// The route is stored either way.
func (t *RoutingTable) AddRoute(peerID uint64, route Route) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes.Insert(route.Prefix, TableEntry{PeerID: peerID, Route: route})
}

// GetRoute returns the entry stored under exactly prefix.
func (t *RoutingTable) GetRoute(prefix string) (TableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes.Get(prefix)
}

// BestRoute resolves addr to its longest-prefix entry.
func (t *RoutingTable) BestRoute(addr string) (TableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes.Resolve(addr)
}

func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes.Len()
}

// Each calls fn for every entry under the read lock. fn must not mutate the
// table.
func (t *RoutingTable) Each(fn func(prefix string, entry TableEntry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.routes.Each(fn)
}

// Simplified returns the prefix → peer mapping the packet router consumes.
func (t *RoutingTable) Simplified() map[string]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]uint64, t.routes.Len())
	t.routes.Each(func(prefix string, entry TableEntry) {
		out[prefix] = entry.PeerID
	})
	return out
}

// HandleUpdateRequest applies a ROUTE_UPDATE_REQUEST from the peer this
// table tracks and returns the prefixes whose entries changed.
//
// localAddr is this node's own ILP address; incoming routes whose path
// already contains it are loops and are dropped without error.
func (t *RoutingTable) HandleUpdateRequest(peerID uint64, localAddr string, req *RouteUpdateRequest) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A new table id means the peer restarted: adopt the id and treat the
	// epoch log as starting over. Previously learned routes stay until the
	// peer withdraws or replaces them.
	if t.id != req.RoutingTableID {
		t.id = req.RoutingTableID
		t.epoch = 0
	}

	if req.FromEpochIndex > t.epoch {
		return nil, &GapError{TableID: t.id, Expected: t.epoch, Got: req.FromEpochIndex}
	}

	if req.ToEpochIndex <= t.epoch {
		// Window already applied.
		return nil, nil
	}

	if len(req.NewRoutes) == 0 && len(req.WithdrawnRoutes) == 0 {
		// Heartbeat: advances our view of the peer's epoch without
		// touching routes.
		t.epoch = req.ToEpochIndex
		return nil, nil
	}

	// Withdrawals first, then additions, so a prefix present in both lists
	// nets out as an add.
	var changed []string
	for _, prefix := range req.WithdrawnRoutes {
		if t.routes.Remove(prefix) {
			changed = append(changed, prefix)
		}
	}

	for _, route := range req.NewRoutes {
		if route.PathContains(localAddr) {
			continue
		}
		t.routes.Insert(route.Prefix, TableEntry{PeerID: peerID, Route: route})
		changed = append(changed, route.Prefix)
	}

	t.epoch = req.ToEpochIndex
	return changed, nil
}
