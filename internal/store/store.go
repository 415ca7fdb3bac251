package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
)

// Account is a counterparty or locally served endpoint. Peers are accounts
// with send_routes/receive_routes set; child accounts become locally
// originated routes; configured entries take priority in the merged
// forwarding view.
type Account struct {
	ID            uint64
	Name          string
	ILPAddress    string
	RoutePrefix   string // advertised prefix when different from the address
	Relation      ccp.Relation
	SendRoutes    bool
	ReceiveRoutes bool
	Configured    bool
	AssetCode     string
	AssetScale    int
}

// AdvertisedPrefix is the prefix this account contributes to the routing
// table.
func (a *Account) AdvertisedPrefix() string {
	if a.RoutePrefix != "" {
		return a.RoutePrefix
	}
	return a.ILPAddress
}

// Source supplies the account set. Implementations must return a stable
// snapshot; callers never mutate the returned slice.
type Source interface {
	Accounts(ctx context.Context) ([]Account, error)
}

// StaticSource serves a fixed account set, typically built from the config
// file's peers section.
type StaticSource struct {
	accounts []Account
}

func NewStaticSource(accounts []Account) *StaticSource {
	sorted := append([]Account(nil), accounts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &StaticSource{accounts: sorted}
}

func (s *StaticSource) Accounts(_ context.Context) ([]Account, error) {
	return s.accounts, nil
}

// Merge combines account sets, later sources overriding earlier ones by id.
func Merge(sets ...[]Account) []Account {
	byID := make(map[uint64]Account)
	for _, set := range sets {
		for _, a := range set {
			byID[a.ID] = a
		}
	}
	out := make([]Account, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate rejects account sets the routing components cannot work with.
func Validate(accounts []Account) error {
	seen := make(map[uint64]string, len(accounts))
	for _, a := range accounts {
		if a.ILPAddress == "" {
			return fmt.Errorf("account %d (%s): ilp address is required", a.ID, a.Name)
		}
		if len(a.AdvertisedPrefix()) > ccp.MaxPrefixLength {
			return fmt.Errorf("account %d (%s): prefix exceeds %d bytes", a.ID, a.Name, ccp.MaxPrefixLength)
		}
		if prev, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts %s and %s share id %d", prev, a.Name, a.ID)
		}
		seen[a.ID] = a.Name
	}
	return nil
}
