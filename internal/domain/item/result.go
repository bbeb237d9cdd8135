package item

import "time"

// Result is a node's view of an item at one point in time.
type Result struct {
	State     State     `json:"state"`
	HaveCopy  bool      `json:"haveCopy"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ResultUndefined is reported for items a node has no record of.
var ResultUndefined = Result{State: StateUndefined}

// Equal compares results with timestamps truncated to seconds, which is the
// precision peers and storage keep.
func (r Result) Equal(other Result) bool {
	return r.State == other.State &&
		r.HaveCopy == other.HaveCopy &&
		r.CreatedAt.Truncate(time.Second).Equal(other.CreatedAt.Truncate(time.Second)) &&
		r.ExpiresAt.Truncate(time.Second).Equal(other.ExpiresAt.Truncate(time.Second))
}

// Info is returned to clients registering an item.
type Info struct {
	ItemID HashID        `json:"itemId"`
	Result Result        `json:"result"`
	Errors []ErrorRecord `json:"errors,omitempty"`
}

// NewInfo combines a result with the item's check errors.
func NewInfo(res Result, it *Item) Info {
	return Info{ItemID: it.ID(), Result: res, Errors: it.Errors()}
}
