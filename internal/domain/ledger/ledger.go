package ledger

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_ledger.go -package=mocks . Ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/execution-hub/ledger-node/internal/domain/item"
)

var (
	// ErrIllegalState signals a caller-side logic bug, such as locking from a
	// record that is no longer PENDING. It is never expected in production.
	ErrIllegalState = errors.New("illegal record state")
	// ErrRollback aborts a Transaction without reporting an error.
	ErrRollback = errors.New("rollback")
	ErrNotFound = errors.New("record not found")
)

// Ledger is the durable keyed store of state records. Implementations must
// serialize FindOrCreate and everything run through Transaction.
type Ledger interface {
	// GetRecord returns nil, nil when the id is unknown. Expired records are
	// destroyed and reported as unknown.
	GetRecord(ctx context.Context, id item.HashID) (*Record, error)
	// FindOrCreate returns the record for id, inserting a PENDING one atomically
	// when none exists.
	FindOrCreate(ctx context.Context, id item.HashID) (*Record, error)
	// CreateOutputLockRecord inserts a LOCKED_FOR_CREATION record owned by
	// ownerRecordID. It returns nil, nil when the id is already in use.
	CreateOutputLockRecord(ctx context.Context, ownerRecordID int64, newID item.HashID) (*Record, error)
	// GetLockOwnerOf returns the record holding r's lock, or nil when the owner
	// no longer exists.
	GetLockOwnerOf(ctx context.Context, r *Record) (*Record, error)
	Save(ctx context.Context, r *Record) error
	Destroy(ctx context.Context, r *Record) error
	// Transaction runs fn atomically. Ledger calls made with the context passed
	// to fn join the transaction. Any error rolls it back; ErrRollback is
	// swallowed.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	CountRecords(ctx context.Context) (int64, error)
	Close() error
}

// Failure wraps storage errors. It is always fatal to the enclosing transaction.
type Failure struct {
	Op  string
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fail wraps err into a Failure unless it already is one or is a contract error.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) || errors.Is(err, ErrIllegalState) || errors.Is(err, ErrRollback) {
		return err
	}
	return &Failure{Op: op, Err: err}
}

// IsApproved reports whether id exists in an approved state.
func IsApproved(ctx context.Context, l Ledger, id item.HashID) (bool, error) {
	r, err := l.GetRecord(ctx, id)
	if err != nil || r == nil {
		return false, err
	}
	return r.State().IsApproved(), nil
}

// IsConsensusFound reports whether id exists with a settled state.
func IsConsensusFound(ctx context.Context, l Ledger, id item.HashID) (bool, error) {
	r, err := l.GetRecord(ctx, id)
	if err != nil || r == nil {
		return false, err
	}
	return r.State().ConsensusFound(), nil
}
