package routing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/ilp-mesh/ccp-router/internal/store"
	"go.uber.org/zap"
)

// PeerMode is the per-peer broadcast state.
type PeerMode uint8

const (
	// PeerModeIdle is the initial state after peer attach.
	PeerModeIdle PeerMode = iota
	// PeerModeSync means the peer asked for a full table; the next outbound
	// update starts at epoch 0 (or the epoch it told us it knows).
	PeerModeSync
	// PeerModeFollow is steady state: incremental updates on the timer.
	PeerModeFollow
)

func (m PeerMode) String() string {
	switch m {
	case PeerModeIdle:
		return "Idle"
	case PeerModeSync:
		return "Sync"
	case PeerModeFollow:
		return "Follow"
	default:
		return fmt.Sprintf("PeerMode(%d)", uint8(m))
	}
}

// PeerState is the CCP state for one peer: its account, the routing table
// we build from its updates, and our broadcast progress toward it. Each
// PeerState owns its incoming table; collaborators reach it through the
// PeerManager, never the other way around.
type PeerState struct {
	mu            sync.Mutex
	account       store.Account
	table         *ccp.RoutingTable
	mode          PeerMode
	lastSentEpoch uint32
	syncFromZero  bool
}

func NewPeerState(account store.Account) *PeerState {
	// The table starts under a zero id; the peer's first update carries the
	// real id and is adopted by the identity check.
	return &PeerState{
		account: account,
		table:   ccp.NewRoutingTable(ccp.TableID{}),
	}
}

func (p *PeerState) Account() store.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// Table returns the routing table learned from this peer. The table carries
// its own lock.
func (p *PeerState) Table() *ccp.RoutingTable {
	return p.table
}

func (p *PeerState) Mode() PeerMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *PeerState) LastSentEpoch() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSentEpoch
}

// HandleRouteControl applies an inbound ROUTE_CONTROL. A Sync request
// rewinds our broadcast position to the epoch the peer says it knows, or to
// zero when it talks about a table id that is not ours (it restarted, or
// never saw our current table).
func (p *PeerState) HandleRouteControl(req *ccp.RouteControlRequest, localTableID ccp.TableID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.Mode {
	case ccp.ModeSync:
		p.mode = PeerModeSync
		if req.LastKnownRoutingTableID == localTableID {
			p.lastSentEpoch = req.LastKnownEpoch
		} else {
			p.lastSentEpoch = 0
			p.syncFromZero = true
		}
	case ccp.ModeIdle:
		p.mode = PeerModeIdle
	}
}

// BeginBroadcast picks the epoch window for the next update to this peer.
func (p *PeerState) BeginBroadcast(localEpoch uint32) (from, to uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from = p.lastSentEpoch
	if p.syncFromZero {
		from = 0
	}
	to = localEpoch
	if from > to {
		from = to
	}
	return from, to
}

// CompleteBroadcast records a confirmed delivery up to epoch to.
func (p *PeerState) CompleteBroadcast(to uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSentEpoch = to
	p.syncFromZero = false
	p.mode = PeerModeFollow
}

// FailBroadcast records a failed delivery. A gap signal from the peer means
// our idea of its position is wrong: resend everything next round. A
// transient failure leaves the position untouched so the same window is
// retried.
func (p *PeerState) FailBroadcast(gap bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gap {
		p.syncFromZero = true
	}
}

// ResetLearned is the containment path for invariant violations from this
// peer: drop everything it taught us and fall back to Idle.
func (p *PeerState) ResetLearned() {
	p.mu.Lock()
	p.mode = PeerModeIdle
	p.mu.Unlock()

	var prefixes []string
	p.table.Each(func(prefix string, _ ccp.TableEntry) {
		prefixes = append(prefixes, prefix)
	})
	for _, prefix := range prefixes {
		p.table.DeleteRoute(prefix)
	}
}

func (p *PeerState) setAccount(account store.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account = account
}

// PeerManager holds per-peer state keyed by stable account id.
type PeerManager struct {
	mu     sync.RWMutex
	peers  map[uint64]*PeerState
	logger *zap.Logger
}

func NewPeerManager(logger *zap.Logger) *PeerManager {
	return &PeerManager{
		peers:  make(map[uint64]*PeerState),
		logger: logger,
	}
}

func (m *PeerManager) Get(id uint64) (*PeerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// List returns peers in ascending id order, the stable ordering every
// tie-break and broadcast walk relies on.
func (m *PeerManager) List() []*PeerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PeerState, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].account.ID < out[j].account.ID
	})
	return out
}

// SetAccounts reconciles the peer set against the account snapshot: routing
// counterparties are accounts with either CCP capability enabled.
func (m *PeerManager) SetAccounts(accounts []store.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[uint64]store.Account)
	for _, a := range accounts {
		if a.SendRoutes || a.ReceiveRoutes {
			want[a.ID] = a
		}
	}

	for id, p := range m.peers {
		if a, ok := want[id]; ok {
			p.setAccount(a)
			delete(want, id)
		} else {
			delete(m.peers, id)
			m.logger.Info("peer detached", zap.Uint64("peer_id", id))
		}
	}
	for id, a := range want {
		m.peers[id] = NewPeerState(a)
		m.logger.Info("peer attached",
			zap.Uint64("peer_id", id),
			zap.String("address", a.ILPAddress),
			zap.String("relation", a.Relation.String()),
		)
	}
}
