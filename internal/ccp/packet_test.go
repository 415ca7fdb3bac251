package ccp

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"
)

func TestWellKnownCondition(t *testing.T) {
	want := sha256.Sum256(make([]byte, 32))
	if Condition != want {
		t.Fatal("condition must be SHA-256 of 32 zero bytes")
	}
}

func TestRouteControlRoundTrip(t *testing.T) {
	in := &RouteControlRequest{
		Mode:                    ModeSync,
		LastKnownRoutingTableID: fixtureTableID(t),
		LastKnownEpoch:          32,
		Features:                []string{"foo", "bar"},
	}

	out, err := DecodeRouteControlRequest(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.Mode != ModeSync || out.LastKnownEpoch != 32 {
		t.Fatalf("decoded %+v", out)
	}
	if out.LastKnownRoutingTableID != in.LastKnownRoutingTableID {
		t.Fatal("table id mismatch")
	}
	if len(out.Features) != 2 || out.Features[0] != "foo" || out.Features[1] != "bar" {
		t.Fatalf("features = %v", out.Features)
	}
}

func TestRouteUpdateRoundTrip(t *testing.T) {
	var auth [32]byte
	for i := range auth {
		auth[i] = byte(i)
	}
	in := &RouteUpdateRequest{
		RoutingTableID:    fixtureTableID(t),
		CurrentEpochIndex: 64,
		FromEpochIndex:    32,
		ToEpochIndex:      45,
		HoldDownTimeMs:    45000,
		Speaker:           "example.0",
		NewRoutes: []Route{
			{
				Prefix: "example.prefix1",
				Path:   []string{"example.prefix1"},
				Auth:   auth,
			},
			{
				Prefix: "example.prefix2",
				Path:   []string{"example.connector", "example.prefix2"},
				Auth:   auth,
				Props: []RouteProp{
					{ID: 0, Flags: 0x80, Value: []byte("hello")},
					{ID: 1, Flags: 0x00, Value: []byte{0xa0, 0xa1}},
				},
			},
		},
		WithdrawnRoutes: []string{"example.prefix3"},
	}

	out, err := DecodeRouteUpdateRequest(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.RoutingTableID != in.RoutingTableID ||
		out.CurrentEpochIndex != 64 || out.FromEpochIndex != 32 || out.ToEpochIndex != 45 ||
		out.HoldDownTimeMs != 45000 || out.Speaker != "example.0" {
		t.Fatalf("decoded header %+v", out)
	}
	if len(out.NewRoutes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(out.NewRoutes))
	}
	if !out.NewRoutes[0].Equal(&in.NewRoutes[0]) || !out.NewRoutes[1].Equal(&in.NewRoutes[1]) {
		t.Fatal("route mismatch after round trip")
	}
	if len(out.WithdrawnRoutes) != 1 || out.WithdrawnRoutes[0] != "example.prefix3" {
		t.Fatalf("withdrawn = %v", out.WithdrawnRoutes)
	}
}

func TestDecodeRejectsTruncatedPayloads(t *testing.T) {
	in := &RouteUpdateRequest{
		RoutingTableID: fixtureTableID(t),
		Speaker:        "example.0",
		NewRoutes:      []Route{{Prefix: "example.a", Path: []string{"example.a"}}},
	}
	encoded := in.Encode()

	for _, n := range []int{0, 5, 16, len(encoded) / 2, len(encoded) - 1} {
		if _, err := DecodeRouteUpdateRequest(encoded[:n]); err == nil {
			t.Fatalf("expected error decoding %d-byte truncation", n)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	in := &RouteControlRequest{Mode: ModeIdle}
	data := append(in.Encode(), 0xff)
	if _, err := DecodeRouteControlRequest(data); err == nil {
		t.Fatal("expected error on trailing bytes")
	}
}

func TestDecodeRejectsUnknownMode(t *testing.T) {
	in := &RouteControlRequest{Mode: ModeIdle}
	data := in.Encode()
	data[0] = 7
	if _, err := DecodeRouteControlRequest(data); err == nil {
		t.Fatal("expected error on unknown mode")
	}
}

func TestNewUpdatePrepareEnvelope(t *testing.T) {
	now := time.Now()
	req := &RouteUpdateRequest{RoutingTableID: fixtureTableID(t), Speaker: "example.0"}
	prepare := NewUpdatePrepare(req, now)

	if prepare.Destination != PeerRouteUpdate {
		t.Fatalf("destination = %q", prepare.Destination)
	}
	if prepare.Amount != 0 {
		t.Fatalf("amount = %d, want 0", prepare.Amount)
	}
	if prepare.ExecutionCondition != Condition {
		t.Fatal("prepare must carry the well-known condition")
	}
	if !prepare.ExpiresAt.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("expires at = %v", prepare.ExpiresAt)
	}
	if !bytes.Equal(prepare.Data, req.Encode()) {
		t.Fatal("data must be the encoded request")
	}
}
