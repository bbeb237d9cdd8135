package item

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind tags the concrete body carried by an Item.
type Kind string

const (
	KindContract Kind = "CONTRACT"
)

// ErrorCode classifies why an item failed its local check.
type ErrorCode string

const (
	ErrBadValue      ErrorCode = "BAD_VALUE"
	ErrBadRef        ErrorCode = "BAD_REF"
	ErrBadRevoke     ErrorCode = "BAD_REVOKE"
	ErrBadNewItem    ErrorCode = "BAD_NEW_ITEM"
	ErrNewItemExists ErrorCode = "NEW_ITEM_EXISTS"
	ErrExpired       ErrorCode = "EXPIRED"
)

var ErrUnsupportedKind = errors.New("unsupported item kind")

// ErrorRecord explains one failed check.
type ErrorRecord struct {
	Code    ErrorCode `json:"code"`
	Object  string    `json:"object"`
	Message string    `json:"message"`
}

// Item is the unit under consensus. It is immutable once its ID has been taken;
// only the collected check errors change.
type Item struct {
	Kind     Kind      `json:"kind"`
	Contract *Contract `json:"contract,omitempty"`

	idOnce sync.Once
	id     HashID

	mu     sync.Mutex
	errors []ErrorRecord
}

// Contract is the body of a KindContract item.
type Contract struct {
	Nonce      string         `json:"nonce"`
	Payload    map[string]any `json:"payload,omitempty"`
	Condition  string         `json:"condition,omitempty"`
	References []HashID       `json:"references,omitempty"`
	Revokes    []HashID       `json:"revokes,omitempty"`
	NewItems   []*Item        `json:"newItems,omitempty"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
}

// NewContract creates a contract item with a fresh nonce.
func NewContract(payload map[string]any) *Item {
	return &Item{
		Kind: KindContract,
		Contract: &Contract{
			Nonce:   uuid.NewString(),
			Payload: payload,
		},
	}
}

// WithCondition sets the rule the contract must satisfy.
func (i *Item) WithCondition(expr string) *Item {
	if i.Contract != nil {
		i.Contract.Condition = expr
	}
	return i
}

func (i *Item) AddReferences(ids ...HashID) *Item {
	if i.Contract != nil {
		i.Contract.References = append(i.Contract.References, ids...)
	}
	return i
}

func (i *Item) AddRevoking(ids ...HashID) *Item {
	if i.Contract != nil {
		i.Contract.Revokes = append(i.Contract.Revokes, ids...)
	}
	return i
}

func (i *Item) AddNewItems(items ...*Item) *Item {
	if i.Contract != nil {
		i.Contract.NewItems = append(i.Contract.NewItems, items...)
	}
	return i
}

// Decode parses the JSON wire form of an item.
func Decode(data []byte) (*Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, err
	}
	if err := it.Validate(); err != nil {
		return nil, err
	}
	return &it, nil
}

// Encode returns the canonical JSON form that the ID is computed over.
func (i *Item) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Kind     Kind      `json:"kind"`
		Contract *Contract `json:"contract,omitempty"`
	}{i.Kind, i.Contract})
}

// Clone returns a fresh copy with no collected errors.
func (i *Item) Clone() (*Item, error) {
	data, err := i.Encode()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Validate checks the structure, not the business rules.
func (i *Item) Validate() error {
	switch i.Kind {
	case KindContract:
		if i.Contract == nil {
			return errors.New("contract body is required")
		}
		for _, n := range i.Contract.NewItems {
			if n == nil {
				return errors.New("new item must not be null")
			}
			if err := n.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrUnsupportedKind
	}
}

// ID returns the content hash of the item.
func (i *Item) ID() HashID {
	i.idOnce.Do(func() {
		data, err := i.Encode()
		if err != nil {
			// unencodable payloads still need a stable identity
			data = []byte(string(i.Kind) + ":" + err.Error())
		}
		i.id = HashOf(data)
	})
	return i.id
}

// References lists items that must already be approved.
func (i *Item) References() []HashID {
	if i.Kind == KindContract && i.Contract != nil {
		return append([]HashID(nil), i.Contract.References...)
	}
	return nil
}

// Revoking lists items this one revokes when approved.
func (i *Item) Revoking() []HashID {
	if i.Kind == KindContract && i.Contract != nil {
		return append([]HashID(nil), i.Contract.Revokes...)
	}
	return nil
}

// NewItems lists items created when this one is approved.
func (i *Item) NewItems() []*Item {
	if i.Kind == KindContract && i.Contract != nil {
		return append([]*Item(nil), i.Contract.NewItems...)
	}
	return nil
}

// Check runs the item's self-validation. Previous errors are discarded.
func (i *Item) Check() bool {
	i.mu.Lock()
	i.errors = nil
	i.mu.Unlock()

	switch i.Kind {
	case KindContract:
		if i.Contract == nil {
			i.AddError(ErrBadValue, "contract", "missing contract body")
			return false
		}
		return i.Contract.check(i, time.Now().UTC())
	default:
		i.AddError(ErrBadValue, "kind", ErrUnsupportedKind.Error())
		return false
	}
}

func (c *Contract) check(owner *Item, now time.Time) bool {
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		owner.AddError(ErrExpired, "expiresAt", "contract has expired")
		return false
	}
	ok, err := EvaluateCondition(c.Condition, c.Payload)
	if err != nil {
		owner.AddError(ErrBadValue, "condition", err.Error())
		return false
	}
	if !ok {
		owner.AddError(ErrBadValue, "condition", "condition is not satisfied")
		return false
	}
	return true
}

func (i *Item) AddError(code ErrorCode, object, message string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errors = append(i.errors, ErrorRecord{Code: code, Object: object, Message: message})
}

// Errors returns the errors collected by the last check.
func (i *Item) Errors() []ErrorRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]ErrorRecord(nil), i.errors...)
}
