package routing

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/ilp-mesh/ccp-router/internal/store"
)

// routingSecretLabel separates the routing-table auth key from other keys
// derived from the node secret seed.
const routingSecretLabel = "ccp:routing-table-auth"

// OwnRoute is a route this node originates, either for itself, for a child
// account it serves, or for a statically configured prefix.
type OwnRoute struct {
	AccountID  uint64
	Configured bool
	Route      ccp.Route
}

// RouteBuilder derives the node's own routes and signs each with a MAC over
// (table id, prefix). The routing secret is derived once from the node
// secret seed and lives in memory only.
type RouteBuilder struct {
	localAddr string
	tableID   ccp.TableID
	secret    []byte
}

func NewRouteBuilder(localAddr string, tableID ccp.TableID, secretSeed []byte) *RouteBuilder {
	mac := hmac.New(sha256.New, secretSeed)
	mac.Write([]byte(routingSecretLabel))
	return &RouteBuilder{
		localAddr: localAddr,
		tableID:   tableID,
		secret:    mac.Sum(nil),
	}
}

// RouteAuth computes HMAC-SHA256(routing_secret, table_id ∥ prefix).
func (b *RouteBuilder) RouteAuth(prefix string) [32]byte {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(b.tableID[:])
	mac.Write([]byte(prefix))
	var auth [32]byte
	copy(auth[:], mac.Sum(nil))
	return auth
}

// OwnRoutes produces one signed route per advertisable account, plus the
// route for the node's own address. Child accounts and configured entries
// are advertised; peer and parent accounts are reached through learning,
// not origination. Call again whenever accounts are created, deleted, or
// change address or relation.
func (b *RouteBuilder) OwnRoutes(accounts []store.Account) []OwnRoute {
	routes := []OwnRoute{{
		Route: b.newRoute(b.localAddr),
	}}
	for _, a := range accounts {
		if !a.Configured && a.Relation != ccp.RelationChild {
			continue
		}
		routes = append(routes, OwnRoute{
			AccountID:  a.ID,
			Configured: a.Configured,
			Route:      b.newRoute(a.AdvertisedPrefix()),
		})
	}
	return routes
}

func (b *RouteBuilder) newRoute(prefix string) ccp.Route {
	return ccp.Route{
		Prefix: prefix,
		Path:   []string{b.localAddr},
		Auth:   b.RouteAuth(prefix),
	}
}
