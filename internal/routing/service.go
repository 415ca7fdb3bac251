package routing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/ilp-mesh/ccp-router/internal/ilp"
	"github.com/ilp-mesh/ccp-router/internal/metrics"
	"go.uber.org/zap"
)

// RouteEvent is one applied change to a peer's learned table, for the audit
// stream.
type RouteEvent struct {
	Prefix      string    `json:"prefix"`
	Action      string    `json:"action"` // "add" or "withdraw"
	PeerName    string    `json:"peer_name"`
	PeerAddress string    `json:"peer_address"`
	Epoch       uint32    `json:"epoch"`
	Path        []string  `json:"path,omitempty"`
	At          time.Time `json:"at"`
}

// EventSink receives applied route changes. Implementations must not block
// the caller; publishing is best-effort.
type EventSink interface {
	Publish(ctx context.Context, events []RouteEvent)
}

// NextHandler receives Prepares that are not CCP traffic.
type NextHandler func(ctx context.Context, peerID uint64, prepare *ilp.Prepare) (*ilp.Fulfill, error)

// CcpService is the control-plane entry point: it classifies inbound ILP
// Prepares addressed under peer.route.* and drives the per-peer state.
type CcpService struct {
	localAddr string
	local     *ccp.RoutingTable
	peers     *PeerManager
	fwd       *ForwardingTableBuilder
	engine    *BroadcastEngine
	next      NextHandler
	sink      EventSink
	logger    *zap.Logger

	mu                 sync.Mutex
	unauthorizedLogged map[uint64]struct{}
}

func NewCcpService(localAddr string, local *ccp.RoutingTable, peers *PeerManager,
	fwd *ForwardingTableBuilder, engine *BroadcastEngine, next NextHandler,
	sink EventSink, logger *zap.Logger) *CcpService {
	return &CcpService{
		localAddr:          localAddr,
		local:              local,
		peers:              peers,
		fwd:                fwd,
		engine:             engine,
		next:               next,
		sink:               sink,
		logger:             logger,
		unauthorizedLogged: make(map[uint64]struct{}),
	}
}

// HandlePrepare processes one inbound Prepare from the given peer. CCP
// traffic is answered with the well-known Fulfill or an *ilp.Reject error;
// anything else goes to the next-hop handler.
func (s *CcpService) HandlePrepare(ctx context.Context, peerID uint64, prepare *ilp.Prepare) (*ilp.Fulfill, error) {
	if !strings.HasPrefix(prepare.Destination, ccp.PeerRoutePrefix) {
		return s.next(ctx, peerID, prepare)
	}

	p, ok := s.peers.Get(peerID)
	if !ok {
		return s.reject(ilp.CodeF00BadRequest, "unknown peer")
	}

	if prepare.ExecutionCondition != ccp.Condition {
		return s.reject(ilp.CodeF01InvalidPacket, "packet does not carry the CCP execution condition")
	}

	switch prepare.Destination {
	case ccp.PeerRouteControl:
		return s.handleRouteControl(ctx, p, prepare)
	case ccp.PeerRouteUpdate:
		return s.handleRouteUpdate(ctx, p, prepare)
	default:
		return s.reject(ilp.CodeF02Unreachable, "unrecognized CCP destination: "+prepare.Destination)
	}
}

func (s *CcpService) handleRouteControl(_ context.Context, p *PeerState, prepare *ilp.Prepare) (*ilp.Fulfill, error) {
	req, err := ccp.DecodeRouteControlRequest(prepare.Data)
	if err != nil {
		return s.reject(ilp.CodeF01InvalidPacket, "invalid route control payload: "+err.Error())
	}

	acct := p.Account()
	metrics.RouteControlTotal.WithLabelValues("inbound", req.Mode.String()).Inc()
	s.logger.Debug("route control received",
		zap.String("peer", acct.Name),
		zap.String("mode", req.Mode.String()),
		zap.Uint32("last_known_epoch", req.LastKnownEpoch),
	)

	p.HandleRouteControl(req, s.local.ID())
	if req.Mode == ccp.ModeSync {
		// Serve the resync ahead of the timer.
		s.engine.NotifyChange()
	}
	return ccp.NewCcpFulfill(), nil
}

func (s *CcpService) handleRouteUpdate(ctx context.Context, p *PeerState, prepare *ilp.Prepare) (*ilp.Fulfill, error) {
	acct := p.Account()

	if !acct.ReceiveRoutes {
		s.mu.Lock()
		_, logged := s.unauthorizedLogged[acct.ID]
		s.unauthorizedLogged[acct.ID] = struct{}{}
		s.mu.Unlock()
		if !logged {
			s.logger.Warn("rejecting route update from peer without receive_routes",
				zap.Uint64("peer_id", acct.ID),
				zap.String("peer", acct.Name),
			)
		}
		metrics.RouteUpdatesTotal.WithLabelValues(acct.Name, "unauthorized").Inc()
		return s.reject(ilp.CodeF00BadRequest, "your route updates are not accepted here")
	}

	req, err := ccp.DecodeRouteUpdateRequest(prepare.Data)
	if err != nil {
		metrics.RouteUpdatesTotal.WithLabelValues(acct.Name, "malformed").Inc()
		return s.reject(ilp.CodeF01InvalidPacket, "invalid route update payload: "+err.Error())
	}

	start := time.Now()
	changed, err := p.Table().HandleUpdateRequest(acct.ID, s.localAddr, req)
	if err != nil {
		var gap *ccp.GapError
		if errors.As(err, &gap) {
			metrics.RouteUpdatesTotal.WithLabelValues(acct.Name, "gap").Inc()
			s.logger.Debug("epoch gap from peer, requesting full sync",
				zap.String("peer", acct.Name),
				zap.Uint32("expected", gap.Expected),
				zap.Uint32("got", gap.Got),
			)
			s.engine.ScheduleRouteControl(ctx, p)
		} else {
			// Anything other than a gap means this peer's table can no
			// longer be trusted: contain the damage to its state alone.
			metrics.RouteUpdatesTotal.WithLabelValues(acct.Name, "error").Inc()
			s.logger.Error("route update failed, resetting peer state",
				zap.String("peer", acct.Name),
				zap.Error(err),
			)
			p.ResetLearned()
			s.fwd.Rebuild()
			s.engine.NotifyChange()
		}
		return s.reject(ilp.CodeF00BadRequest, err.Error())
	}

	if len(changed) == 0 {
		result := "duplicate"
		if req.Heartbeat() {
			result = "heartbeat"
		}
		metrics.RouteUpdatesTotal.WithLabelValues(acct.Name, result).Inc()
		return ccp.NewCcpFulfill(), nil
	}

	s.publishEvents(ctx, p, changed)
	s.fwd.Rebuild()
	s.engine.NotifyChange()

	metrics.RouteUpdatesTotal.WithLabelValues(acct.Name, "applied").Inc()
	metrics.UpdateApplyDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug("route update applied",
		zap.String("peer", acct.Name),
		zap.Uint32("to_epoch", req.ToEpochIndex),
		zap.Int("changed", len(changed)),
	)

	return ccp.NewCcpFulfill(), nil
}

func (s *CcpService) publishEvents(ctx context.Context, p *PeerState, changed []string) {
	acct := p.Account()
	now := time.Now()
	epoch := p.Table().Epoch()

	events := make([]RouteEvent, 0, len(changed))
	for _, prefix := range changed {
		ev := RouteEvent{
			Prefix:      prefix,
			PeerName:    acct.Name,
			PeerAddress: acct.ILPAddress,
			Epoch:       epoch,
			At:          now,
		}
		if entry, ok := p.Table().GetRoute(prefix); ok {
			ev.Action = "add"
			ev.Path = entry.Route.Path
		} else {
			ev.Action = "withdraw"
		}
		metrics.RoutesChangedTotal.WithLabelValues(acct.Name, ev.Action).Inc()
		events = append(events, ev)
	}

	if s.sink != nil {
		s.sink.Publish(ctx, events)
	}
}

func (s *CcpService) reject(code, message string) (*ilp.Fulfill, error) {
	return nil, &ilp.Reject{
		Code:        code,
		TriggeredBy: s.localAddr,
		Message:     message,
	}
}
