package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/ilp-mesh/ccp-router/internal/ilp"
	"github.com/ilp-mesh/ccp-router/internal/store"
	"go.uber.org/zap"
)

func testAccount(id uint64, addr string) store.Account {
	return store.Account{
		ID:            id,
		Name:          addr,
		ILPAddress:    addr,
		Relation:      ccp.RelationPeer,
		SendRoutes:    true,
		ReceiveRoutes: true,
		AssetCode:     "XYZ",
		AssetScale:    9,
	}
}

type sentUpdate struct {
	account store.Account
	req     *ccp.RouteUpdateRequest
}

type sentControl struct {
	account store.Account
	req     *ccp.RouteControlRequest
}

// captureSender records outbound CCP messages and answers with a
// configurable per-peer error.
type captureSender struct {
	mu       sync.Mutex
	updates  []sentUpdate
	controls []sentControl
	errs     map[uint64]error
}

func newCaptureSender() *captureSender {
	return &captureSender{errs: make(map[uint64]error)}
}

func (s *captureSender) SendRouteUpdate(_ context.Context, account store.Account, req *ccp.RouteUpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, sentUpdate{account: account, req: req})
	return s.errs[account.ID]
}

func (s *captureSender) SendRouteControl(_ context.Context, account store.Account, req *ccp.RouteControlRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, sentControl{account: account, req: req})
	return s.errs[account.ID]
}

func (s *captureSender) sentUpdates() []sentUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentUpdate(nil), s.updates...)
}

func (s *captureSender) sentControls() []sentControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentControl(nil), s.controls...)
}

func (s *captureSender) lastUpdate(t *testing.T) sentUpdate {
	t.Helper()
	updates := s.sentUpdates()
	if len(updates) == 0 {
		t.Fatal("no updates sent")
	}
	return updates[len(updates)-1]
}

func (s *captureSender) setErr(accountID uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, accountID)
	} else {
		s.errs[accountID] = err
	}
}

// harness wires a full routing stack around a capture sender.
type harness struct {
	localAddr string
	table     *ccp.RoutingTable
	log       *EpochLog
	peers     *PeerManager
	builder   *RouteBuilder
	fwd       *ForwardingTableBuilder
	engine    *BroadcastEngine
	service   *CcpService
	sender    *captureSender
}

func newHarness(t *testing.T, localAddr string, accounts ...store.Account) *harness {
	t.Helper()

	tableID, err := ccp.NewTableID()
	if err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	h := &harness{
		localAddr: localAddr,
		table:     ccp.NewRoutingTable(tableID),
		log:       NewEpochLog(),
		peers:     NewPeerManager(logger),
		builder:   NewRouteBuilder(localAddr, tableID, make([]byte, 32)),
		sender:    newCaptureSender(),
	}
	h.peers.SetAccounts(accounts)
	h.fwd = NewForwardingTableBuilder(localAddr, h.table, h.log, h.peers, false, logger)
	h.fwd.SetOwnRoutes(h.builder.OwnRoutes(accounts))
	h.fwd.Rebuild()
	h.engine = NewBroadcastEngine(localAddr, h.table, h.log, h.peers, h.sender, 200*time.Millisecond, logger)

	next := func(_ context.Context, _ uint64, _ *ilp.Prepare) (*ilp.Fulfill, error) {
		return nil, &ilp.Reject{Code: ilp.CodeF02Unreachable, TriggeredBy: localAddr, Message: "no other handler"}
	}
	h.service = NewCcpService(localAddr, h.table, h.peers, h.fwd, h.engine, next, nil, logger)
	return h
}

func (h *harness) peer(t *testing.T, id uint64) *PeerState {
	t.Helper()
	p, ok := h.peers.Get(id)
	if !ok {
		t.Fatalf("no peer with id %d", id)
	}
	return p
}

// pushUpdate delivers a route update from the given peer through the
// service entry point.
func (h *harness) pushUpdate(t *testing.T, peerID uint64, req *ccp.RouteUpdateRequest) (*ilp.Fulfill, error) {
	t.Helper()
	return h.service.HandlePrepare(context.Background(), peerID, ccp.NewUpdatePrepare(req, time.Now()))
}
