package consensus

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_node.go -package=mocks . Node

import (
	"context"

	"github.com/execution-hub/ledger-node/internal/domain/item"
)

// Node is a voting peer as seen from this process. The local node implements
// it directly; remote peers are reached through the HTTP transport.
type Node interface {
	ID() string
	// CheckItem asks the peer for its view of itemID. The caller passes its own
	// current state, which the peer may count as the caller's vote, and whether
	// it can serve the item.
	CheckItem(ctx context.Context, callerID string, itemID item.HashID, state item.State, haveCopy bool) (item.Result, error)
	// GetItem returns nil, nil when the peer has no copy. Errors are transient.
	GetItem(ctx context.Context, itemID item.HashID) (*item.Item, error)
}
