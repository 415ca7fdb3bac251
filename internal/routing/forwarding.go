package routing

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/ilp-mesh/ccp-router/internal/metrics"
	"go.uber.org/zap"
)

// ForwardingEntry is one row of the merged forwarding view: the next-hop
// account (the child or configured account for own routes, 0 for the node's
// own address) and the route behind it.
type ForwardingEntry struct {
	PeerID uint64
	Route  ccp.Route
}

// Snapshot is an immutable forwarding view. The packet path resolves
// against whichever snapshot was current when it looked; rebuilds swap in a
// fresh one without blocking readers.
type Snapshot struct {
	routes *ccp.PrefixMap[ForwardingEntry]
}

func (s *Snapshot) Resolve(addr string) (ForwardingEntry, bool) {
	return s.routes.Resolve(addr)
}

func (s *Snapshot) Len() int {
	return s.routes.Len()
}

// ForwardingTableBuilder merges the node's own routes with every peer's
// learned table into the local routing table, in priority order
// configured > local-derived > peer-learned. Each merge diff lands in the
// epoch log so the broadcast engine can replay it to peers.
type ForwardingTableBuilder struct {
	mu                  sync.Mutex
	localAddr           string
	local               *ccp.RoutingTable
	log                 *EpochLog
	peers               *PeerManager
	own                 []OwnRoute
	acceptParentDefault bool
	snapshot            atomic.Pointer[Snapshot]
	logger              *zap.Logger
}

func NewForwardingTableBuilder(localAddr string, local *ccp.RoutingTable, log *EpochLog,
	peers *PeerManager, acceptParentDefault bool, logger *zap.Logger) *ForwardingTableBuilder {
	b := &ForwardingTableBuilder{
		localAddr:           localAddr,
		local:               local,
		log:                 log,
		peers:               peers,
		acceptParentDefault: acceptParentDefault,
		logger:              logger,
	}
	b.snapshot.Store(&Snapshot{routes: ccp.NewPrefixMap[ForwardingEntry]()})
	return b
}

// SetOwnRoutes replaces the locally originated route set. Call Rebuild
// afterwards to fold the change into the table.
func (b *ForwardingTableBuilder) SetOwnRoutes(own []OwnRoute) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.own = own
}

// Resolve serves the packet-forwarding path from the current snapshot.
func (b *ForwardingTableBuilder) Resolve(addr string) (ForwardingEntry, bool) {
	return b.snapshot.Load().Resolve(addr)
}

func (b *ForwardingTableBuilder) CurrentSnapshot() *Snapshot {
	return b.snapshot.Load()
}

type candidate struct {
	entry    ForwardingEntry
	pathLen  int
	relRank  int
	peerID   uint64
	priority int // 0 configured, 1 local-derived, 2 learned
}

// better orders candidates for the same prefix: higher priority class wins,
// then shortest path, then relation rank, then lowest peer id.
func (c candidate) better(than candidate) bool {
	if c.priority != than.priority {
		return c.priority < than.priority
	}
	if c.pathLen != than.pathLen {
		return c.pathLen < than.pathLen
	}
	if c.relRank != than.relRank {
		return c.relRank < than.relRank
	}
	return c.peerID < than.peerID
}

// Rebuild recomputes the merged view, applies the diff to the local table
// (one epoch per changed prefix), publishes a fresh snapshot, and returns
// the changed prefixes.
func (b *ForwardingTableBuilder) Rebuild() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	desired := make(map[string]candidate)

	for _, p := range b.peers.List() {
		acct := p.Account()
		relation := acct.Relation
		p.Table().Each(func(prefix string, entry ccp.TableEntry) {
			if prefix == "" && (relation != ccp.RelationParent || !b.acceptParentDefault) {
				// Only a parent may supply the catch-all default, and only
				// when the node is configured to take one.
				return
			}
			c := candidate{
				entry:    ForwardingEntry{PeerID: acct.ID, Route: entry.Route},
				pathLen:  len(entry.Route.Path),
				relRank:  relation.OutboundRank(),
				peerID:   acct.ID,
				priority: 2,
			}
			if cur, ok := desired[prefix]; !ok || c.better(cur) {
				desired[prefix] = c
			}
		})
	}

	for _, own := range b.own {
		priority := 1
		if own.Configured {
			priority = 0
		}
		c := candidate{
			entry:    ForwardingEntry{PeerID: own.AccountID, Route: own.Route},
			pathLen:  len(own.Route.Path),
			peerID:   own.AccountID,
			priority: priority,
		}
		if cur, ok := desired[own.Route.Prefix]; !ok || c.better(cur) {
			desired[own.Route.Prefix] = c
		}
	}

	// Diff against the local table in sorted order so epoch assignment is
	// deterministic: withdrawals first, then additions.
	var withdrawals, additions []string
	b.local.Each(func(prefix string, _ ccp.TableEntry) {
		if _, ok := desired[prefix]; !ok {
			withdrawals = append(withdrawals, prefix)
		}
	})
	for prefix, c := range desired {
		cur, ok := b.local.GetRoute(prefix)
		if !ok || cur.PeerID != c.entry.PeerID || !cur.Route.Equal(&c.entry.Route) {
			additions = append(additions, prefix)
		}
	}
	sort.Strings(withdrawals)
	sort.Strings(additions)

	for _, prefix := range withdrawals {
		b.local.DeleteRoute(prefix)
		epoch := b.local.IncrementEpoch()
		b.log.Append(Entry{Epoch: epoch, Kind: EntryWithdraw, Prefix: prefix})
	}
	for _, prefix := range additions {
		c := desired[prefix]
		b.local.SetRoute(c.entry.PeerID, c.entry.Route)
		epoch := b.local.IncrementEpoch()
		b.log.Append(Entry{
			Epoch:  epoch,
			Kind:   EntryNewRoute,
			Prefix: prefix,
			PeerID: c.peerID,
			Route:  c.entry.Route,
		})
	}

	changed := append(withdrawals, additions...)
	if len(changed) > 0 {
		next := ccp.NewPrefixMap[ForwardingEntry]()
		for prefix, c := range desired {
			next.Insert(prefix, c.entry)
		}
		b.snapshot.Store(&Snapshot{routes: next})

		b.logger.Debug("forwarding table rebuilt",
			zap.Int("size", next.Len()),
			zap.Uint32("epoch", b.local.Epoch()),
			zap.Int("changed", len(changed)),
		)
	}

	metrics.LocalEpoch.Set(float64(b.local.Epoch()))
	metrics.ForwardingTableSize.Set(float64(b.snapshot.Load().Len()))
	metrics.EpochLogEntries.Set(float64(b.log.Len()))

	return changed
}
