package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/execution-hub/ledger-node/internal/domain/item"
)

// ErrNotFound is returned by remote calls answered with 404.
var ErrNotFound = errors.New("not found")

// Error codes carried in the "error" field of failed responses.
const (
	CodeInvalidParam     = "INVALID_PARAM"
	CodeNotFound         = "NOT_FOUND"
	CodeElectionConflict = "ELECTION_CONFLICT"
	CodeNodeClosed       = "NODE_CLOSED"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL"
)

const (
	PathCheckItem = "/v1/node/check"
	PathNodeItems = "/v1/node/items"
	PathItems     = "/v1/items"
	PathNetwork   = "/v1/network"
)

// CheckItemRequest is sent by a polling peer. State is the caller's own view,
// which the receiver may count as its vote.
type CheckItemRequest struct {
	CallerID string      `json:"caller_id"`
	ItemID   item.HashID `json:"item_id"`
	State    item.State  `json:"state"`
	HaveCopy bool        `json:"have_copy"`
}

// ValidateBasic checks required request fields.
func (r CheckItemRequest) ValidateBasic() error {
	if strings.TrimSpace(r.CallerID) == "" {
		return errors.New("caller_id is required")
	}
	if r.ItemID.IsZero() {
		return errors.New("item_id is required")
	}
	if r.State == "" {
		return errors.New("state is required")
	}
	if _, err := item.ParseState(string(r.State)); err != nil {
		return err
	}
	return nil
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e ErrorResponse) String() string {
	return fmt.Sprintf("%s: %s", e.Error, e.Message)
}

// NetworkStatus describes the node and the network it votes in.
type NetworkStatus struct {
	NodeID            string   `json:"node_id"`
	Nodes             []string `json:"nodes"`
	PositiveConsensus int      `json:"positive_consensus"`
	NegativeConsensus int      `json:"negative_consensus"`
	HasQuorum         bool     `json:"has_quorum"`
	ActiveElections   int      `json:"active_elections"`
	LedgerRecords     int64    `json:"ledger_records"`
}

// ItemEvent is streamed to clients when an election closes.
type ItemEvent struct {
	EventID   string      `json:"event_id"`
	NodeID    string      `json:"node_id"`
	ItemID    item.HashID `json:"item_id"`
	Result    item.Result `json:"result"`
	Timestamp time.Time   `json:"timestamp"`
}
