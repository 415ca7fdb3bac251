package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/ilp-mesh/ccp-router/internal/ilp"
	"github.com/ilp-mesh/ccp-router/internal/metrics"
	"github.com/ilp-mesh/ccp-router/internal/store"
	"go.uber.org/zap"
)

// DefaultHoldDownMs is advertised to peers as how long they may keep our
// routes without hearing from us again.
const DefaultHoldDownMs = 45000

// Sender delivers CCP messages to a peer over whatever transport the
// connector runs. Implementations return *ilp.Reject (as error) for
// protocol-level refusals and plain errors for transport failures.
type Sender interface {
	SendRouteUpdate(ctx context.Context, account store.Account, req *ccp.RouteUpdateRequest) error
	SendRouteControl(ctx context.Context, account store.Account, req *ccp.RouteControlRequest) error
}

// BroadcastEngine walks every send-enabled peer on a timer (and on change
// triggers) and ships each the epoch window it is missing. One round runs
// at a time, so updates to a given peer are strictly ordered by to_epoch.
type BroadcastEngine struct {
	mu         sync.Mutex
	localAddr  string
	local      *ccp.RoutingTable
	log        *EpochLog
	peers      *PeerManager
	sender     Sender
	interval   time.Duration
	holdDownMs uint32
	notify     chan struct{}
	running    atomic.Bool
	logger     *zap.Logger
}

func NewBroadcastEngine(localAddr string, local *ccp.RoutingTable, log *EpochLog,
	peers *PeerManager, sender Sender, interval time.Duration, logger *zap.Logger) *BroadcastEngine {
	return &BroadcastEngine{
		localAddr:  localAddr,
		local:      local,
		log:        log,
		peers:      peers,
		sender:     sender,
		interval:   interval,
		holdDownMs: DefaultHoldDownMs,
		notify:     make(chan struct{}, 1),
		logger:     logger,
	}
}

// NotifyChange requests a broadcast round ahead of the timer. Coalesces:
// repeated calls while a round is pending collapse into one.
func (e *BroadcastEngine) NotifyChange() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Running reports whether the engine's loop is live (used by readiness).
func (e *BroadcastEngine) Running() bool {
	return e.running.Load()
}

// Run broadcasts until ctx is cancelled. A round in flight when shutdown
// begins keeps its own deadline; the caller bounds the drain.
func (e *BroadcastEngine) Run(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("broadcast engine started", zap.Duration("interval", e.interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("broadcast engine stopped")
			return
		case <-ticker.C:
			e.round(ctx)
		case <-e.notify:
			e.round(ctx)
		}
	}
}

func (e *BroadcastEngine) round(parent context.Context) {
	// Detached from the parent so a shutdown does not cancel a half-sent
	// round mid-peer; the prepare expiry bounds it instead.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), ccp.PrepareExpiry)
	defer cancel()
	e.BroadcastOnce(ctx)
}

// BroadcastOnce runs one full fan-out round.
func (e *BroadcastEngine) BroadcastOnce(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tableID := e.local.ID()
	epoch := e.local.Epoch()

	for _, p := range e.peers.List() {
		acct := p.Account()
		if !acct.SendRoutes {
			continue
		}

		from, to := p.BeginBroadcast(epoch)
		req, kind := e.buildUpdate(p, acct, tableID, epoch, from, to)

		if err := e.sender.SendRouteUpdate(ctx, acct, req); err != nil {
			var reject *ilp.Reject
			if errors.As(err, &reject) && reject.Code == ilp.CodeF00BadRequest {
				// The peer lost our position; resend everything next round.
				p.FailBroadcast(true)
				metrics.BroadcastErrorsTotal.WithLabelValues(acct.Name, "gap").Inc()
				e.logger.Warn("peer rejected route update, scheduling full resend",
					zap.String("peer", acct.Name),
					zap.String("message", reject.Message),
				)
			} else {
				p.FailBroadcast(false)
				metrics.BroadcastErrorsTotal.WithLabelValues(acct.Name, "transient").Inc()
				e.logger.Warn("route update delivery failed",
					zap.String("peer", acct.Name),
					zap.Error(err),
				)
			}
			continue
		}

		p.CompleteBroadcast(to)
		metrics.BroadcastsTotal.WithLabelValues(acct.Name, kind).Inc()
	}

	e.truncateLog()
}

func (e *BroadcastEngine) buildUpdate(p *PeerState, acct store.Account,
	tableID ccp.TableID, epoch, from, to uint32) (*ccp.RouteUpdateRequest, string) {
	req := &ccp.RouteUpdateRequest{
		RoutingTableID:    tableID,
		CurrentEpochIndex: epoch,
		FromEpochIndex:    from,
		ToEpochIndex:      to,
		HoldDownTimeMs:    e.holdDownMs,
		Speaker:           e.localAddr,
	}

	if from == to {
		return req, "heartbeat"
	}

	if from == 0 {
		// Full table: every current entry the peer is allowed to see.
		e.local.Each(func(_ string, entry ccp.TableEntry) {
			if route, ok := e.exportRoute(acct, entry.PeerID, entry.Route); ok {
				req.NewRoutes = append(req.NewRoutes, route)
			}
		})
		return req, "full"
	}

	withdrawn, added, ok := e.log.Window(from, to)
	if !ok {
		// The log no longer reaches back to the peer's position; fall back
		// to a complete resend.
		req.FromEpochIndex = 0
		e.local.Each(func(_ string, entry ccp.TableEntry) {
			if route, ok := e.exportRoute(acct, entry.PeerID, entry.Route); ok {
				req.NewRoutes = append(req.NewRoutes, route)
			}
		})
		return req, "full"
	}

	req.WithdrawnRoutes = withdrawn
	for _, entry := range added {
		if route, ok := e.exportRoute(acct, entry.PeerID, entry.Route); ok {
			req.NewRoutes = append(req.NewRoutes, route)
		}
	}
	return req, "delta"
}

// exportRoute applies the per-peer outbound filters and stamps this node
// onto the path. Split horizon drops routes going back where they came
// from; the path check drops routes the target already forwarded once.
func (e *BroadcastEngine) exportRoute(target store.Account, sourcePeerID uint64, route ccp.Route) (ccp.Route, bool) {
	if sourcePeerID != 0 && sourcePeerID == target.ID {
		return ccp.Route{}, false
	}
	if route.PathContains(target.ILPAddress) {
		return ccp.Route{}, false
	}
	out := route.Clone()
	if !out.PathContains(e.localAddr) {
		out.Path = append(out.Path, e.localAddr)
	}
	return out, true
}

// ScheduleRouteControl asks a peer for a full sync of its table, quoting
// the id and epoch we last saw from it.
func (e *BroadcastEngine) ScheduleRouteControl(ctx context.Context, p *PeerState) {
	acct := p.Account()
	req := &ccp.RouteControlRequest{
		Mode:                    ccp.ModeSync,
		LastKnownRoutingTableID: p.Table().ID(),
		LastKnownEpoch:          p.Table().Epoch(),
	}
	metrics.RouteControlTotal.WithLabelValues("outbound", req.Mode.String()).Inc()
	if err := e.sender.SendRouteControl(ctx, acct, req); err != nil {
		e.logger.Warn("route control delivery failed",
			zap.String("peer", acct.Name),
			zap.Error(err),
		)
	}
}

// truncateLog drops log entries every send-enabled peer has acknowledged.
func (e *BroadcastEngine) truncateLog() {
	min := e.local.Epoch()
	any := false
	for _, p := range e.peers.List() {
		if !p.Account().SendRoutes {
			continue
		}
		any = true
		if last := p.LastSentEpoch(); last < min {
			min = last
		}
	}
	if any && min > 0 {
		e.log.Truncate(min)
	}
}
