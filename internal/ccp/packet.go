package ccp

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ilp-mesh/ccp-router/internal/ilp"
)

// CCP messages ride inside ILP Prepares addressed to these destinations.
const (
	PeerRouteControl = "peer.route.control"
	PeerRouteUpdate  = "peer.route.update"

	// PeerRoutePrefix covers every control-plane destination we own.
	PeerRoutePrefix = "peer.route."

	// PrepareExpiry is the expires_at window on outbound CCP Prepares.
	PrepareExpiry = 30 * time.Second
)

// Fulfillment is the well-known CCP fulfillment: 32 zero bytes.
var Fulfillment [32]byte

// Condition is the well-known execution condition, SHA-256 of the zeroed
// fulfillment.
var Condition = sha256.Sum256(Fulfillment[:])

// Mode is the wire mode carried in a ROUTE_CONTROL request.
type Mode uint8

const (
	ModeIdle Mode = 0
	ModeSync Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "Idle"
	case ModeSync:
		return "Sync"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// RouteControlRequest asks the counterparty to change how it sends us route
// updates: Sync requests a resend from the quoted table position (from zero
// when the id is not the counterparty's current one), Idle moves the
// counterparty's state for us back to Idle. Idle does not pause the periodic
// broadcasts.
type RouteControlRequest struct {
	Mode                    Mode
	LastKnownRoutingTableID TableID
	LastKnownEpoch          uint32
	Features                []string
}

// RouteUpdateRequest carries one window of routing table changes,
// (FromEpochIndex, ToEpochIndex], from the speaker's table.
type RouteUpdateRequest struct {
	RoutingTableID    TableID
	CurrentEpochIndex uint32
	FromEpochIndex    uint32
	ToEpochIndex      uint32
	HoldDownTimeMs    uint32
	Speaker           string
	NewRoutes         []Route
	WithdrawnRoutes   []string
}

// Heartbeat reports whether the update carries no changes.
func (r *RouteUpdateRequest) Heartbeat() bool {
	return len(r.NewRoutes) == 0 && len(r.WithdrawnRoutes) == 0
}

// All multi-byte integers are big-endian. Strings and byte values carry a
// u16 length prefix; lists carry a u16 count prefix.

func (r *RouteControlRequest) Encode() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(r.Mode))
	buf = append(buf, r.LastKnownRoutingTableID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, r.LastKnownEpoch)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Features)))
	for _, f := range r.Features {
		buf = appendLenPrefixed(buf, []byte(f))
	}
	return buf
}

func DecodeRouteControlRequest(data []byte) (*RouteControlRequest, error) {
	d := &decoder{data: data}
	req := &RouteControlRequest{}

	mode, err := d.u8()
	if err != nil {
		return nil, fmt.Errorf("route control: mode: %w", err)
	}
	if mode > uint8(ModeSync) {
		return nil, fmt.Errorf("route control: unknown mode %d", mode)
	}
	req.Mode = Mode(mode)

	id, err := d.bytes(16)
	if err != nil {
		return nil, fmt.Errorf("route control: table id: %w", err)
	}
	copy(req.LastKnownRoutingTableID[:], id)

	if req.LastKnownEpoch, err = d.u32(); err != nil {
		return nil, fmt.Errorf("route control: epoch: %w", err)
	}

	count, err := d.u16()
	if err != nil {
		return nil, fmt.Errorf("route control: feature count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		f, err := d.lenPrefixed()
		if err != nil {
			return nil, fmt.Errorf("route control: feature %d: %w", i, err)
		}
		req.Features = append(req.Features, string(f))
	}

	if d.remaining() != 0 {
		return nil, fmt.Errorf("route control: %d trailing bytes", d.remaining())
	}
	return req, nil
}

func (r *RouteUpdateRequest) Encode() []byte {
	buf := make([]byte, 0, 64+64*len(r.NewRoutes))
	buf = append(buf, r.RoutingTableID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, r.CurrentEpochIndex)
	buf = binary.BigEndian.AppendUint32(buf, r.FromEpochIndex)
	buf = binary.BigEndian.AppendUint32(buf, r.ToEpochIndex)
	buf = binary.BigEndian.AppendUint32(buf, r.HoldDownTimeMs)
	buf = appendLenPrefixed(buf, []byte(r.Speaker))

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.NewRoutes)))
	for _, route := range r.NewRoutes {
		buf = appendLenPrefixed(buf, []byte(route.Prefix))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(route.Path)))
		for _, hop := range route.Path {
			buf = appendLenPrefixed(buf, []byte(hop))
		}
		buf = append(buf, route.Auth[:]...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(route.Props)))
		for _, prop := range route.Props {
			buf = binary.BigEndian.AppendUint16(buf, prop.ID)
			buf = append(buf, prop.Flags)
			buf = appendLenPrefixed(buf, prop.Value)
		}
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.WithdrawnRoutes)))
	for _, prefix := range r.WithdrawnRoutes {
		buf = appendLenPrefixed(buf, []byte(prefix))
	}
	return buf
}

func DecodeRouteUpdateRequest(data []byte) (*RouteUpdateRequest, error) {
	d := &decoder{data: data}
	req := &RouteUpdateRequest{}

	id, err := d.bytes(16)
	if err != nil {
		return nil, fmt.Errorf("route update: table id: %w", err)
	}
	copy(req.RoutingTableID[:], id)

	if req.CurrentEpochIndex, err = d.u32(); err != nil {
		return nil, fmt.Errorf("route update: current epoch: %w", err)
	}
	if req.FromEpochIndex, err = d.u32(); err != nil {
		return nil, fmt.Errorf("route update: from epoch: %w", err)
	}
	if req.ToEpochIndex, err = d.u32(); err != nil {
		return nil, fmt.Errorf("route update: to epoch: %w", err)
	}
	if req.HoldDownTimeMs, err = d.u32(); err != nil {
		return nil, fmt.Errorf("route update: hold down time: %w", err)
	}

	speaker, err := d.lenPrefixed()
	if err != nil {
		return nil, fmt.Errorf("route update: speaker: %w", err)
	}
	req.Speaker = string(speaker)

	routeCount, err := d.u16()
	if err != nil {
		return nil, fmt.Errorf("route update: route count: %w", err)
	}
	for i := 0; i < int(routeCount); i++ {
		route, err := decodeRoute(d)
		if err != nil {
			return nil, fmt.Errorf("route update: route %d: %w", i, err)
		}
		req.NewRoutes = append(req.NewRoutes, route)
	}

	withdrawnCount, err := d.u16()
	if err != nil {
		return nil, fmt.Errorf("route update: withdrawn count: %w", err)
	}
	for i := 0; i < int(withdrawnCount); i++ {
		prefix, err := d.lenPrefixed()
		if err != nil {
			return nil, fmt.Errorf("route update: withdrawn %d: %w", i, err)
		}
		if len(prefix) > MaxPrefixLength {
			return nil, fmt.Errorf("route update: withdrawn %d: prefix exceeds %d bytes", i, MaxPrefixLength)
		}
		req.WithdrawnRoutes = append(req.WithdrawnRoutes, string(prefix))
	}

	if d.remaining() != 0 {
		return nil, fmt.Errorf("route update: %d trailing bytes", d.remaining())
	}
	return req, nil
}

func decodeRoute(d *decoder) (Route, error) {
	var route Route

	prefix, err := d.lenPrefixed()
	if err != nil {
		return route, fmt.Errorf("prefix: %w", err)
	}
	if len(prefix) > MaxPrefixLength {
		return route, fmt.Errorf("prefix exceeds %d bytes", MaxPrefixLength)
	}
	route.Prefix = string(prefix)

	hopCount, err := d.u16()
	if err != nil {
		return route, fmt.Errorf("path count: %w", err)
	}
	for i := 0; i < int(hopCount); i++ {
		hop, err := d.lenPrefixed()
		if err != nil {
			return route, fmt.Errorf("path hop %d: %w", i, err)
		}
		route.Path = append(route.Path, string(hop))
	}

	auth, err := d.bytes(32)
	if err != nil {
		return route, fmt.Errorf("auth: %w", err)
	}
	copy(route.Auth[:], auth)

	propCount, err := d.u16()
	if err != nil {
		return route, fmt.Errorf("prop count: %w", err)
	}
	for i := 0; i < int(propCount); i++ {
		var prop RouteProp
		if prop.ID, err = d.u16(); err != nil {
			return route, fmt.Errorf("prop %d id: %w", i, err)
		}
		if prop.Flags, err = d.u8(); err != nil {
			return route, fmt.Errorf("prop %d flags: %w", i, err)
		}
		value, err := d.lenPrefixed()
		if err != nil {
			return route, fmt.Errorf("prop %d value: %w", i, err)
		}
		prop.Value = append([]byte(nil), value...)
		route.Props = append(route.Props, prop)
	}

	return route, nil
}

// NewControlPrepare wraps an encoded ROUTE_CONTROL in the standard CCP
// envelope.
func NewControlPrepare(req *RouteControlRequest, now time.Time) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             0,
		ExpiresAt:          now.Add(PrepareExpiry),
		ExecutionCondition: Condition,
		Destination:        PeerRouteControl,
		Data:               req.Encode(),
	}
}

// NewUpdatePrepare wraps an encoded ROUTE_UPDATE_REQUEST in the standard
// CCP envelope.
func NewUpdatePrepare(req *RouteUpdateRequest, now time.Time) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             0,
		ExpiresAt:          now.Add(PrepareExpiry),
		ExecutionCondition: Condition,
		Destination:        PeerRouteUpdate,
		Data:               req.Encode(),
	}
}

// NewCcpFulfill is the well-known success reply to any CCP Prepare.
func NewCcpFulfill() *ilp.Fulfill {
	return &ilp.Fulfill{Fulfillment: Fulfillment, Data: Fulfillment[:]}
}

func appendLenPrefixed(buf, value []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) remaining() int {
	return len(d.data) - d.off
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("need %d bytes, have %d", n, d.remaining())
	}
	out := d.data[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) lenPrefixed() ([]byte, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	return d.bytes(int(n))
}
